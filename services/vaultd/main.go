package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cruize/core/events"
	"cruize/core/state"
	nativecommon "cruize/native/common"
	"cruize/native/vault"
	"cruize/observability"
	"cruize/observability/logging"
	telemetry "cruize/observability/otel"
	"cruize/services/vaultd/config"
	"cruize/services/vaultd/journal"
	"cruize/services/vaultd/middleware"
	"cruize/services/vaultd/oracle"
	"cruize/services/vaultd/scheduler"
	"cruize/services/vaultd/server"
	"cruize/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vaultd: load config: %v", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service: "vaultd",
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatalf("vaultd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.Vault()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Fatalf("vaultd: create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("vaultd: open state: %v", err)
	}
	defer db.Close()

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("vaultd: open journal: %v", err)
	}
	jrnl, err := journal.New(rootCtx, journalDB, journal.WithLogger(logger), journal.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("vaultd: journal: %v", err)
	}
	logger.Info("journal opened",
		slog.String("driver", cfg.Journal.Driver),
		slog.String("dsn", logging.MaskSecret(cfg.Journal.DSN)))

	oracleDSN, err := oracle.FileDSN(cfg.Oracle.Database)
	if err != nil {
		log.Fatalf("vaultd: resolve oracle DSN: %v", err)
	}
	oracleStore, err := oracle.OpenStore(oracleDSN)
	if err != nil {
		log.Fatalf("vaultd: open oracle store: %v", err)
	}
	defer oracleStore.Close()

	feeds, closeFeeds, err := buildFeeds(rootCtx, cfg)
	if err != nil {
		log.Fatalf("vaultd: oracle feeds: %v", err)
	}
	defer closeFeeds()
	mgr, err := oracle.New(oracleStore, feeds, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger), oracle.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("vaultd: oracle manager: %v", err)
	}
	if err := mgr.Tick(rootCtx); err != nil {
		logger.Warn("initial oracle tick incomplete", slog.Any("error", err))
	}

	var manifest *config.Manifest
	if cfg.ManifestPath != "" {
		manifest, err = config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			log.Fatalf("vaultd: %v", err)
		}
	}

	pauses := nativecommon.NewPauses()
	hub := server.NewStreamHub(logger, 0)
	engine := vault.NewEngine(state.NewVaultStore(db))
	engine.SetOracle(mgr)
	engine.SetMaxPriceAge(cfg.Vault.MaxPriceAge.Duration)
	engine.SetPauses(pauses)
	engine.SetEmitter(events.Fanout{jrnl, hub, observability.NewEventCounter(metrics)})

	market, closeMarket, err := buildMarket(rootCtx, cfg, manifest, mgr, logger)
	if err != nil {
		log.Fatalf("vaultd: market: %v", err)
	}
	defer closeMarket()
	if err := market.attach(engine); err != nil {
		log.Fatalf("vaultd: attach market: %v", err)
	}

	if err := bootstrap(rootCtx, engine, cfg, manifest, market, logger); err != nil {
		log.Fatalf("vaultd: bootstrap: %v", err)
	}

	authenticator := middleware.NewAuthenticator(cfg.Auth, logger)
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled; callers are taken from the X-Vault-Caller header")
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Engine:        engine,
		Pauses:        pauses,
		Auth:          authenticator,
		Limiter:       middleware.NewRateLimiter(cfg.RateLimits, logger),
		Hub:           hub,
		Metrics:       metrics,
		Logger:        logger,
		Ready: func(ctx context.Context) error {
			sqlDB, err := journalDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})
	if err != nil {
		log.Fatalf("vaultd: server: %v", err)
	}

	owner, _ := parseAddress(cfg.Vault.Owner)
	fees, err := scheduler.NewFeeScheduler(engine, owner, cfg.Fees.ManagementBps, cfg.Fees.Interval.Duration,
		scheduler.WithLogger(logger), scheduler.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("vaultd: fee scheduler: %v", err)
	}

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager exited", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		if err := fees.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fee scheduler exited", slog.Any("error", err))
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", slog.Any("error", err))
		os.Exit(1)
	}
}
