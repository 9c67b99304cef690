package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"cruize/core/events"
	"cruize/core/state"
	"cruize/core/types"
	nativecommon "cruize/native/common"
	"cruize/native/vault"
	"cruize/services/vaultd/middleware"
	"cruize/storage"
)

var (
	testVault  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testOwner  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testUser   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testOther  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	testAsset  = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	testOracle = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
)

type fixedOracle struct {
	price vault.Price
}

func (o *fixedOracle) Price(context.Context, common.Address) (vault.Price, error) {
	return o.price, nil
}

type testServer struct {
	srv    *Server
	engine *vault.Engine
	pauses *nativecommon.Pauses
	hub    *StreamHub
	oracle *fixedOracle
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine := vault.NewEngine(state.NewVaultStore(storage.NewMemDB()))
	oracle := &fixedOracle{price: vault.Price{Value: big.NewInt(30_000_00000000), Decimals: 8}}
	engine.SetOracle(oracle)
	pauses := nativecommon.NewPauses()
	engine.SetPauses(pauses)
	hub := NewStreamHub(nil, 4)
	engine.SetEmitter(hub)
	require.NoError(t, engine.Initialize(vault.InitParams{Vault: testVault, Owner: testOwner, BufferBps: 1_000}))

	srv, err := New(Config{
		Engine: engine,
		Pauses: pauses,
		Auth:   middleware.NewAuthenticator(middleware.AuthConfig{}, nil),
		Hub:    hub,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, engine: engine, pauses: pauses, hub: hub, oracle: oracle}
}

func (ts *testServer) do(t *testing.T, method, path string, caller common.Address, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != (common.Address{}) {
		req.Header.Set("X-Vault-Caller", caller.Hex())
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) createReserve(t *testing.T) ReserveView {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/admin/reserves", testOwner, map[string]interface{}{
		"name": "Cruize WBTC", "symbol": "crWBTC", "asset": testAsset.Hex(),
		"oracle": testOracle.Hex(), "decimals": 8, "priceFloor": "3000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view ReserveView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func (ts *testServer) credit(t *testing.T, holder common.Address, amount string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/admin/credit", testOwner, map[string]string{
		"asset": testAsset.Hex(), "holder": holder.Hex(), "amount": amount,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDepositAndWithdrawRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	reserve := ts.createReserve(t)
	assert.Equal(t, "crWBTC", reserve.Symbol)
	assert.Equal(t, "3000", reserve.PriceFloor)
	ts.credit(t, testUser, "100000000")

	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{
		"asset": testAsset.Hex(), "amount": "100000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "100000000", decode(t, rec)["minted"])

	rec = ts.do(t, http.MethodGet, "/v1/reserves/"+testAsset.Hex()+"/positions/"+testUser.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pos PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, "100000000", pos.Shares)
	assert.Equal(t, "100000000", pos.Redeemable)

	rec = ts.do(t, http.MethodPost, "/v1/withdrawals", testUser, map[string]string{
		"asset": testAsset.Hex(), "amount": "max",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "100000000", body["burned"])
	assert.Equal(t, "100000000", body["paid"])

	rec = ts.do(t, http.MethodGet, "/v1/custody/"+testAsset.Hex()+"/"+testUser.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000000", decode(t, rec)["balance"])
}

func TestListReserves(t *testing.T) {
	ts := newTestServer(t)
	ts.createReserve(t)
	rec := ts.do(t, http.MethodGet, "/v1/reserves", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Reserves []ReserveView `json:"reserves"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Reserves, 1)
	assert.Equal(t, testAsset.Hex(), out.Reserves[0].Asset)
	assert.Equal(t, "0", out.Reserves[0].Backing)
}

func TestErrorsCarryReasons(t *testing.T) {
	ts := newTestServer(t)
	ts.createReserve(t)

	cases := []struct {
		name   string
		method string
		path   string
		caller common.Address
		body   interface{}
		status int
		reason string
		legacy string
	}{
		{
			name: "unknown reserve", method: http.MethodGet, path: "/v1/reserves/" + testOther.Hex(),
			status: http.StatusNotFound, reason: "AssetNotAllowed", legacy: "NOT_ALLOWED",
		},
		{
			name: "duplicate reserve", method: http.MethodPost, path: "/v1/admin/reserves", caller: testOwner,
			body:   map[string]interface{}{"name": "x", "symbol": "x", "asset": testAsset.Hex(), "oracle": testOracle.Hex(), "decimals": 8},
			status: http.StatusConflict, reason: "AssetAlreadyExists", legacy: "ALREADY_EXIST",
		},
		{
			name: "non-owner reserve", method: http.MethodPost, path: "/v1/admin/reserves", caller: testUser,
			body:   map[string]interface{}{"name": "x", "symbol": "x", "asset": testOther.Hex(), "oracle": testOracle.Hex(), "decimals": 8},
			status: http.StatusForbidden, reason: "Unauthorized", legacy: "Ownable: caller is not the owner",
		},
		{
			name: "zero deposit", method: http.MethodPost, path: "/v1/deposits", caller: testUser,
			body:   map[string]string{"asset": testAsset.Hex(), "amount": "0"},
			status: http.StatusBadRequest, reason: "ZeroAmount", legacy: "ZERO_AMOUNT",
		},
		{
			name: "value on token deposit", method: http.MethodPost, path: "/v1/deposits", caller: testUser,
			body:   map[string]string{"asset": testAsset.Hex(), "amount": "10", "value": "10"},
			status: http.StatusBadRequest, reason: "ValueMismatch", legacy: "NOT_MATCHED",
		},
		{
			name: "withdraw without balance", method: http.MethodPost, path: "/v1/withdrawals", caller: testUser,
			body:   map[string]string{"asset": testAsset.Hex(), "amount": "5"},
			status: http.StatusUnprocessableEntity, reason: "BurnExceedsBalance", legacy: "NOT_ENOUGH_BALANCE",
		},
		{
			name: "accrual rate above 100%", method: http.MethodPost, path: "/v1/admin/fees/accrue", caller: testOwner,
			body:   map[string]interface{}{"asset": testAsset.Hex(), "feeBps": 10_001},
			status: http.StatusBadRequest, reason: "InvalidFeeBps", legacy: "INVALID_FEE",
		},
		{
			name: "max deposit", method: http.MethodPost, path: "/v1/deposits", caller: testUser,
			body:   map[string]string{"asset": testAsset.Hex(), "amount": "max"},
			status: http.StatusBadRequest,
		},
		{
			name: "borrow without market", method: http.MethodPost, path: "/v1/admin/borrow", caller: testOwner,
			body:   map[string]string{"collateral": testAsset.Hex()},
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.caller, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.NotEmpty(t, body["error"])
			if tc.reason != "" {
				assert.Equal(t, tc.reason, body["reason"])
				assert.Equal(t, tc.legacy, body["legacyReason"])
			}
		})
	}
}

func TestWithdrawRejectedBelowFloor(t *testing.T) {
	ts := newTestServer(t)
	ts.createReserve(t)
	ts.credit(t, testUser, "1000")
	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code)

	ts.oracle.price = vault.Price{Value: big.NewInt(2_999_00000000), Decimals: 8}
	rec = ts.do(t, http.MethodPost, "/v1/withdrawals", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "PRICE_BELOW_FLOOR", decode(t, rec)["legacyReason"])

	rec = ts.do(t, http.MethodPost, "/v1/admin/reserves/"+testAsset.Hex()+"/floor", testOwner, map[string]string{"floor": "2000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/v1/withdrawals", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPayFeeReducesBacking(t *testing.T) {
	ts := newTestServer(t)
	ts.createReserve(t)
	ts.credit(t, testUser, "1000")
	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/fees", testOwner, map[string]string{"asset": testAsset.Hex(), "amount": "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "900", decode(t, rec)["backing"])

	rec = ts.do(t, http.MethodGet, "/v1/reserves/"+testAsset.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view ReserveView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "100", view.FeesPaid)
	assert.Equal(t, "1000", view.TotalSupply)

	rec = ts.do(t, http.MethodPost, "/v1/admin/fees", testOwner, map[string]string{"asset": testAsset.Hex(), "amount": "5000"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/fees", testOwner, map[string]string{"asset": testAsset.Hex(), "amount": "900"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InsufficientBacking", decode(t, rec)["reason"])
}

func TestTokenTransfersThroughAllowance(t *testing.T) {
	ts := newTestServer(t)
	reserve := ts.createReserve(t)
	ts.credit(t, testUser, "500")
	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "500"})
	require.Equal(t, http.StatusOK, rec.Code)

	base := "/v1/tokens/" + reserve.Token
	rec = ts.do(t, http.MethodPost, base+"/approve", testUser, map[string]string{"spender": testOther.Hex(), "amount": "200"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, base+"/balances/"+testUser.Hex()+"?spender="+testOther.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200", decode(t, rec)["allowance"])

	rec = ts.do(t, http.MethodPost, base+"/transfer-from", testOther, map[string]string{"from": testUser.Hex(), "to": testOther.Hex(), "amount": "150"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, base+"/transfer-from", testOther, map[string]string{"from": testUser.Hex(), "to": testOther.Hex(), "amount": "100"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/transfer", testOther, map[string]string{"to": testOwner.Hex(), "amount": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, base+"/balances/"+testOther.Hex(), common.Address{}, nil)
	assert.Equal(t, "100", decode(t, rec)["balance"])
}

func TestPauseBlocksDeposits(t *testing.T) {
	ts := newTestServer(t)
	ts.createReserve(t)
	ts.credit(t, testUser, "10")

	rec := ts.do(t, http.MethodPost, "/v1/admin/pause", testUser, map[string]bool{"paused": true})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/pause", testOwner, map[string]bool{"paused": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.pauses.IsPaused(vault.ModuleName))

	rec = ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "10"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(t, http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["paused"])
}

func TestWriteRoutesRequireCaller(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/deposits", common.Address{}, map[string]string{"asset": testAsset.Hex(), "amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "1", "memo": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsReadiness(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.cfg.Ready = func(context.Context) error { return errors.New("journal offline") }
	rec := ts.do(t, http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "journal offline", body["error"])
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount(" 42 ", false)
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())

	v, err = parseAmount("MAX", true)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(vault.MaxAmount))

	_, err = parseAmount("max", false)
	assert.ErrorIs(t, err, errMaxNotAllowed)
	_, err = parseAmount("-1", false)
	assert.ErrorIs(t, err, vault.ErrZeroAmount)
	_, err = parseAmount("1.5", false)
	assert.ErrorIs(t, err, vault.ErrZeroAmount)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256).String()
	_, err = parseAmount(tooBig, false)
	assert.ErrorIs(t, err, vault.ErrAmountOverflow)

	v, err = parseOptionalAmount("")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("wrap: %w", vault.ErrStalePrice)))
	assert.Equal(t, http.StatusBadRequest, statusFor(vault.ErrNegativeFloor))
	assert.Equal(t, http.StatusBadRequest, statusFor(vault.ErrInvalidFeeBps))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(vault.ErrReserveDepleted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) types.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestEventStreamFiltersByType(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/events?types=" + events.TypeDeposit
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.createReserve(t)
	ts.credit(t, testUser, "77")
	rec := ts.do(t, http.MethodPost, "/v1/deposits", testUser, map[string]string{"asset": testAsset.Hex(), "amount": "77"})
	require.Equal(t, http.StatusOK, rec.Code)

	evt := readEvent(t, ctx, conn)
	assert.Equal(t, events.TypeDeposit, evt.Type)
	assert.Equal(t, "77", evt.Attributes["amount"])
}

func TestEventStreamDropsSlowSubscriber(t *testing.T) {
	hub := NewStreamHub(nil, 1)
	sub := hub.subscribe(nil)
	hub.Emit(events.Deposit{Asset: testAsset, Depositor: testUser, Amount: big.NewInt(1), Minted: big.NewInt(1)})
	hub.Emit(events.Deposit{Asset: testAsset, Depositor: testUser, Amount: big.NewInt(2), Minted: big.NewInt(2)})
	select {
	case <-sub.dropped:
	default:
		t.Fatal("expected slow subscriber to be dropped")
	}
}
