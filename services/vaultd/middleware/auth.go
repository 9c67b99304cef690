package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"cruize/crypto"
	"cruize/observability/logging"
)

// Scopes understood by the vault API.
const (
	ScopeUser  = "vault:user"
	ScopeAdmin = "vault:admin"
)

type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"-"`
}

type contextKey string

const (
	contextKeyCaller contextKey = "vaultd.caller"
	contextKeyScopes contextKey = "vaultd.scopes"
)

var (
	errMissingSubject = errors.New("auth: token subject is not an address")
	errNoSecret       = errors.New("auth: secret not configured")
)

// Caller returns the authenticated account bound to ctx.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(contextKeyCaller).(common.Address)
	return addr, ok
}

// Scopes returns the scopes granted to the request.
func Scopes(ctx context.Context) []string {
	scopes, _ := ctx.Value(contextKeyScopes).([]string)
	return scopes
}

// WithCaller binds an account to ctx. Used when authentication is disabled
// and by tests.
func WithCaller(ctx context.Context, caller common.Address, scopes ...string) context.Context {
	ctx = context.WithValue(ctx, contextKeyCaller, caller)
	return context.WithValue(ctx, contextKeyScopes, scopes)
}

// Authenticator validates HMAC-signed bearer tokens whose subject is the
// caller's account address.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware rejects requests without a valid token carrying every required
// scope. When authentication is disabled the X-Vault-Caller header names the
// caller and all scopes are granted.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				caller, err := crypto.ParseAddress(r.Header.Get("X-Vault-Caller"))
				if err != nil {
					http.Error(w, "caller header required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller, ScopeUser, ScopeAdmin)))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("token validation failed", slog.String("error", err.Error()))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			subject, err := claims.GetSubject()
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			caller, err := crypto.ParseAddress(subject)
			if err != nil {
				a.logger.Warn("token subject rejected",
					slog.String("error", errMissingSubject.Error()),
					logging.MaskField("subject", subject))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller, scopes...)))
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// TokenRequest describes a token minted by IssueToken.
type TokenRequest struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  common.Address
	Scopes   []string
	TTL      time.Duration
	Now      time.Time
}

// IssueToken signs an HS256 token accepted by Authenticator.
func IssueToken(req TokenRequest) (string, error) {
	if strings.TrimSpace(req.Secret) == "" {
		return "", errNoSecret
	}
	if req.Subject == (common.Address{}) {
		return "", errMissingSubject
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("auth: ttl must be positive")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	claims := jwt.MapClaims{
		"sub":   req.Subject.Hex(),
		"iat":   now.Unix(),
		"exp":   now.Add(req.TTL).Unix(),
		"scope": strings.Join(req.Scopes, " "),
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(req.Secret)))
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
