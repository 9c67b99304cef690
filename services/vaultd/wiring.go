package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"cruize/crypto"
	"cruize/native/lending"
	"cruize/native/lending/aave"
	"cruize/native/vault"
	"cruize/observability/logging"
	"cruize/services/vaultd/config"
	"cruize/services/vaultd/oracle"
)

func parseAddress(value string) (common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return common.Address{}, nil
	}
	return crypto.ParseAddress(value)
}

// buildFeeds turns the oracle configuration into aggregated feeds. Chainlink
// sources share one RPC connection, closed by the returned func.
func buildFeeds(ctx context.Context, cfg config.Config) ([]oracle.Feed, func(), error) {
	var rpc *ethclient.Client
	closeFn := func() {
		if rpc != nil {
			rpc.Close()
		}
	}
	feeds := make([]oracle.Feed, 0, len(cfg.Oracle.Feeds))
	for _, fc := range cfg.Oracle.Feeds {
		addr, err := crypto.ParseAddress(fc.Address)
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		feed := oracle.Feed{Address: addr, Decimals: fc.Decimals}
		for _, sc := range fc.Sources {
			switch sc.Type {
			case config.SourceChainlink:
				if rpc == nil {
					rpc, err = ethclient.DialContext(ctx, cfg.Oracle.RPCURL)
					if err != nil {
						return nil, func() {}, fmt.Errorf("dial oracle rpc: %w", err)
					}
				}
				aggregator, err := crypto.ParseAddress(sc.Aggregator)
				if err != nil {
					closeFn()
					return nil, func() {}, err
				}
				feed.Sources = append(feed.Sources, oracle.NewChainlinkSource(sc.Name, rpc, aggregator))
			case config.SourceStatic:
				price, ok := new(big.Int).SetString(strings.TrimSpace(sc.Price), 10)
				if !ok {
					closeFn()
					return nil, func() {}, fmt.Errorf("feed %s: invalid static price %q", addr.Hex(), sc.Price)
				}
				feed.Sources = append(feed.Sources, oracle.NewStaticSource(sc.Name, price, fc.Decimals))
			default:
				closeFn()
				return nil, func() {}, fmt.Errorf("feed %s: unknown source type %q", addr.Hex(), sc.Type)
			}
		}
		feeds = append(feeds, feed)
	}
	return feeds, closeFn, nil
}

// marketWiring couples the selected market with the adapter the engine
// drives. sim is set only for the in-process market.
type marketWiring struct {
	market  vault.Market
	sim     *lending.SimMarket
	account common.Address
	owner   common.Address
	vault   common.Address
	cfg     vault.AdapterConfig
}

// attach installs an adapter whose ownership is handed to the vault account,
// which is the caller the engine presents on every market call.
func (m *marketWiring) attach(engine *vault.Engine) error {
	adapter := vault.NewAdapter(m.owner, m.market, m.cfg)
	if m.owner != m.vault {
		if err := adapter.TransferOwnership(m.owner, m.vault); err != nil {
			return err
		}
	}
	engine.SetAdapter(adapter)
	return nil
}

func buildMarket(ctx context.Context, cfg config.Config, manifest *config.Manifest, prices vault.PriceOracle, logger *slog.Logger) (*marketWiring, func(), error) {
	vaultAddr, err := crypto.ParseAddress(cfg.Vault.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("vault address: %w", err)
	}
	owner, err := crypto.ParseAddress(cfg.Vault.Owner)
	if err != nil {
		return nil, nil, fmt.Errorf("vault owner: %w", err)
	}
	stable, err := parseAddress(cfg.Market.StableAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("stable asset: %w", err)
	}
	wiring := &marketWiring{
		owner: owner,
		vault: vaultAddr,
		cfg: vault.AdapterConfig{
			StableAsset:    stable,
			StableDecimals: cfg.Market.StableDecimals,
			BorrowBps:      cfg.Market.BorrowBps,
		},
	}

	switch cfg.Market.Kind {
	case config.MarketAave:
		passphrase := ""
		if cfg.Market.PassphraseEnv != "" {
			value, ok := os.LookupEnv(cfg.Market.PassphraseEnv)
			if !ok || strings.TrimSpace(value) == "" {
				return nil, nil, fmt.Errorf("%s must hold the market keystore passphrase", cfg.Market.PassphraseEnv)
			}
			passphrase = value
		}
		key, err := crypto.LoadFromKeystore(cfg.Market.Keystore, passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("load market keystore: %w", err)
		}
		rpc, err := ethclient.DialContext(ctx, cfg.Market.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial market rpc: %w", err)
		}
		pool, _ := parseAddress(cfg.Market.Pool)
		gateway, _ := parseAddress(cfg.Market.Gateway)
		weth, _ := parseAddress(cfg.Market.WETH)
		market, err := aave.NewMarket(rpc, key.PrivateKey, aave.Config{
			Version:      aave.Version(cfg.Market.Version),
			Pool:         pool,
			Gateway:      gateway,
			WETH:         weth,
			ReferralCode: cfg.Market.ReferralCode,
			PollInterval: cfg.Market.PollInterval.Duration,
		})
		if err != nil {
			rpc.Close()
			return nil, nil, err
		}
		wiring.market = market
		wiring.account = market.Account()
		wiring.cfg.Account = market.Account()
		logger.Info("aave market configured",
			slog.Int("version", cfg.Market.Version),
			slog.String("rpc", logging.MaskSecret(cfg.Market.RPCURL)),
			slog.String("pool", pool.Hex()),
			slog.String("account", market.Account().Hex()))
		return wiring, rpc.Close, nil

	default:
		sim := lending.NewSimMarket(vaultAddr, prices)
		if manifest != nil {
			for _, r := range manifest.Reserves {
				if r.Lending == nil {
					continue
				}
				listing, err := r.Listing()
				if err != nil {
					return nil, nil, err
				}
				if err := sim.ListReserve(listing); err != nil {
					return nil, nil, fmt.Errorf("list %s: %w", r.Symbol, err)
				}
			}
			for _, mk := range manifest.Markets {
				listing, err := mk.Listing()
				if err != nil {
					return nil, nil, err
				}
				if err := sim.ListReserve(listing); err != nil {
					return nil, nil, fmt.Errorf("list %s: %w", listing.Asset.Hex(), err)
				}
				if seed := mk.SeedAmount(); seed != nil && seed.Sign() > 0 {
					if err := sim.Supply(ctx, listing.Asset, seed, owner); err != nil {
						return nil, nil, fmt.Errorf("seed %s: %w", listing.Asset.Hex(), err)
					}
				}
			}
		}
		wiring.market = sim
		wiring.sim = sim
		wiring.account = vaultAddr
		wiring.cfg.Account = vaultAddr
		logger.Info("simulated market configured", slog.Int("listings", len(sim.Snapshot())))
		return wiring, func() {}, nil
	}
}

// bootstrap activates the vault on first boot and registers every manifest
// reserve not yet known. With the simulated market it also restores the
// supplied balances recorded in the vault ledger, since the market itself
// keeps no state across restarts.
func bootstrap(ctx context.Context, engine *vault.Engine, cfg config.Config, manifest *config.Manifest, market *marketWiring, logger *slog.Logger) error {
	current, err := engine.Config()
	if err != nil {
		return err
	}
	if !current.Initialized {
		vaultAddr, _ := parseAddress(cfg.Vault.Address)
		owner, _ := parseAddress(cfg.Vault.Owner)
		collector, err := parseAddress(cfg.Vault.FeeCollector)
		if err != nil {
			return fmt.Errorf("fee collector: %w", err)
		}
		if err := engine.Initialize(vault.InitParams{
			Vault:        vaultAddr,
			Owner:        owner,
			FeeCollector: collector,
			BufferBps:    cfg.Vault.BufferBps,
		}); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		logger.Info("vault initialized", slog.String("vault", vaultAddr.Hex()), slog.String("owner", owner.Hex()))
		if current, err = engine.Config(); err != nil {
			return err
		}
	}

	if manifest != nil {
		for _, r := range manifest.Reserves {
			params, err := r.Params()
			if err != nil {
				return err
			}
			reserve, err := engine.CreateReserve(current.Owner, params)
			switch {
			case errors.Is(err, vault.ErrAssetAlreadyExists):
				continue
			case err != nil:
				return fmt.Errorf("create reserve %s: %w", params.Symbol, err)
			}
			logger.Info("reserve registered",
				slog.String("symbol", reserve.Symbol),
				slog.String("asset", reserve.Asset.Hex()),
				slog.String("token", reserve.Token.Hex()))
		}
	}

	if market.sim == nil {
		return nil
	}
	reserves, err := engine.Reserves()
	if err != nil {
		return err
	}
	for _, reserve := range reserves {
		ledger, err := engine.ReserveState(reserve.Asset)
		if err != nil {
			return err
		}
		if ledger.Supplied.Sign() == 0 {
			continue
		}
		if err := market.sim.Supply(ctx, reserve.Asset, ledger.Supplied, market.account); err != nil {
			return fmt.Errorf("restore %s market supply: %w", reserve.Symbol, err)
		}
	}
	return nil
}
