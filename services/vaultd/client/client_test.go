package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruize/core/state"
	"cruize/native/vault"
	"cruize/services/vaultd/middleware"
	"cruize/services/vaultd/server"
	"cruize/storage"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000001")
	user  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	asset = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	feed  = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
)

func newVaultd(t *testing.T) *httptest.Server {
	t.Helper()
	engine := vault.NewEngine(state.NewVaultStore(storage.NewMemDB()))
	require.NoError(t, engine.Initialize(vault.InitParams{
		Vault: common.HexToAddress("0x00000000000000000000000000000000000000aa"), Owner: owner,
	}))
	srv, err := server.New(server.Config{
		Engine: engine,
		Auth:   middleware.NewAuthenticator(middleware.AuthConfig{}, nil),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientLifecycle(t *testing.T) {
	ts := newVaultd(t)
	ctx := context.Background()
	admin, err := NewClient(Config{BaseURL: ts.URL + "/", Caller: owner})
	require.NoError(t, err)
	holder, err := NewClient(Config{BaseURL: ts.URL, Caller: user})
	require.NoError(t, err)

	health, err := admin.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, health["initialized"])

	created, err := admin.CreateReserve(ctx, ReserveRequest{
		Name: "Cruize WBTC", Symbol: "crWBTC", Asset: asset.Hex(), Oracle: feed.Hex(), Decimals: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, asset.Hex(), created.Asset)

	require.NoError(t, admin.Credit(ctx, asset, user, "250"))
	minted, err := holder.Deposit(ctx, asset, "250", "")
	require.NoError(t, err)
	assert.Equal(t, "250", minted)

	pos, err := holder.Position(ctx, asset, user)
	require.NoError(t, err)
	assert.Equal(t, "250", pos.Shares)

	backing, err := admin.PayFee(ctx, asset, "50")
	require.NoError(t, err)
	assert.Equal(t, "200", backing)

	burned, paid, err := holder.Withdraw(ctx, asset, "max")
	require.NoError(t, err)
	assert.Equal(t, "250", burned)
	assert.Equal(t, "200", paid)

	reserves, err := holder.Reserves(ctx)
	require.NoError(t, err)
	require.Len(t, reserves, 1)
	assert.Equal(t, "0", reserves[0].TotalSupply)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	ts := newVaultd(t)
	c, err := NewClient(Config{BaseURL: ts.URL, Caller: user})
	require.NoError(t, err)

	_, err = c.Reserve(context.Background(), asset)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "AssetNotAllowed", apiErr.Reason)
	assert.Equal(t, "NOT_ALLOWED", apiErr.LegacyReason)

	err = c.SetPaused(context.Background(), true)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
