package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"cruize/services/vaultd/server"
)

// Config defines the HTTP client settings for vaultd.
type Config struct {
	BaseURL string
	// Token is a bearer token issued for the caller. When empty, Caller is
	// sent in the X-Vault-Caller header, which vaultd honours only with
	// authentication disabled.
	Token   string
	Caller  common.Address
	Timeout time.Duration
}

// Client calls the vaultd REST API.
type Client struct {
	baseURL    string
	token      string
	caller     common.Address
	httpClient *http.Client
}

// APIError is a non-2xx response from vaultd.
type APIError struct {
	Status       int
	Message      string
	Reason       string
	LegacyReason string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("vaultd: %d %s: %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("vaultd: %d: %s", e.Status, e.Message)
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("vaultd client: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("vaultd client: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		token:      strings.TrimSpace(cfg.Token),
		caller:     cfg.Caller,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ReserveRequest registers a reserve.
type ReserveRequest struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Asset      string `json:"asset"`
	Oracle     string `json:"oracle"`
	Decimals   uint8  `json:"decimals"`
	PriceFloor string `json:"priceFloor,omitempty"`
}

// Health returns the /healthz document.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Reserves lists every registered reserve.
func (c *Client) Reserves(ctx context.Context) ([]server.ReserveView, error) {
	var out struct {
		Reserves []server.ReserveView `json:"reserves"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reserves", nil, &out); err != nil {
		return nil, err
	}
	return out.Reserves, nil
}

// Reserve fetches a single reserve by underlying asset.
func (c *Client) Reserve(ctx context.Context, asset common.Address) (*server.ReserveView, error) {
	var out server.ReserveView
	if err := c.do(ctx, http.MethodGet, "/v1/reserves/"+asset.Hex(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Position fetches a holder's claim on a reserve.
func (c *Client) Position(ctx context.Context, asset, holder common.Address) (*server.PositionView, error) {
	var out server.PositionView
	path := fmt.Sprintf("/v1/reserves/%s/positions/%s", asset.Hex(), holder.Hex())
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReserve registers a reserve. Requires the admin scope.
func (c *Client) CreateReserve(ctx context.Context, req ReserveRequest) (*server.ReserveView, error) {
	var out server.ReserveView
	if err := c.do(ctx, http.MethodPost, "/v1/admin/reserves", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPriceFloor moves a reserve's withdrawal floor.
func (c *Client) SetPriceFloor(ctx context.Context, asset common.Address, floor string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/reserves/"+asset.Hex()+"/floor", map[string]string{"floor": floor}, nil)
}

// Credit funds a holder's custody balance.
func (c *Client) Credit(ctx context.Context, asset, holder common.Address, amount string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/credit", map[string]string{
		"asset": asset.Hex(), "holder": holder.Hex(), "amount": amount,
	}, nil)
}

// Deposit deposits amount of asset for the caller and returns the minted
// receipt amount.
func (c *Client) Deposit(ctx context.Context, asset common.Address, amount, value string) (string, error) {
	var out map[string]string
	body := map[string]string{"asset": asset.Hex(), "amount": amount}
	if value != "" {
		body["value"] = value
	}
	if err := c.do(ctx, http.MethodPost, "/v1/deposits", body, &out); err != nil {
		return "", err
	}
	return out["minted"], nil
}

// Withdraw burns receipt tokens. amount may be "max".
func (c *Client) Withdraw(ctx context.Context, asset common.Address, amount string) (burned, paid string, err error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": asset.Hex(), "amount": amount}, &out); err != nil {
		return "", "", err
	}
	return out["burned"], out["paid"], nil
}

// PayFee deducts a fee from a reserve's backing.
func (c *Client) PayFee(ctx context.Context, asset common.Address, amount string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/v1/admin/fees", map[string]string{"asset": asset.Hex(), "amount": amount}, &out); err != nil {
		return "", err
	}
	return out["backing"], nil
}

// SetPaused toggles the vault pause switch.
func (c *Client) SetPaused(ctx context.Context, paused bool) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", map[string]bool{"paused": paused}, nil)
}

// MarketData returns the vault's lending market account summary.
func (c *Client) MarketData(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/v1/admin/market", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c == nil {
		return fmt.Errorf("vaultd client: not configured")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vaultd client: encode: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("vaultd client: request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.caller != (common.Address{}):
		req.Header.Set("X-Vault-Caller", c.caller.Hex())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vaultd client: call: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("vaultd client: read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error        string `json:"error"`
			Reason       string `json:"reason"`
			LegacyReason string `json:"legacyReason"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Reason = payload.Reason
			apiErr.LegacyReason = payload.LegacyReason
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("vaultd client: decode: %w", err)
	}
	return nil
}
