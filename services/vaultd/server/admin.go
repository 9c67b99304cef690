package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cruize/native/vault"
	"cruize/services/vaultd/middleware"
)

type createReserveRequest struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Asset      string `json:"asset"`
	Oracle     string `json:"oracle"`
	Decimals   uint8  `json:"decimals"`
	PriceFloor string `json:"priceFloor,omitempty"`
}

// CreateReserve registers a reserve and deploys its receipt token.
func (s *Server) CreateReserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req createReserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	oracle, err := parseAddress(req.Oracle)
	if err != nil {
		s.fail(w, err)
		return
	}
	floor, err := parseOptionalAmount(req.PriceFloor)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	reserve, err := s.engine.CreateReserve(caller, vault.ReserveParams{
		Name:       strings.TrimSpace(req.Name),
		Symbol:     strings.TrimSpace(req.Symbol),
		Asset:      asset,
		Oracle:     oracle,
		Decimals:   req.Decimals,
		PriceFloor: floor,
	})
	s.observe("create_reserve", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	view, err := s.reserveView(reserve)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// SetPriceFloor updates a reserve's withdrawal floor.
func (s *Server) SetPriceFloor(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		Floor string `json:"floor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	floor, err := parseOptionalAmount(req.Floor)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	err = s.engine.SetPriceFloor(caller, asset, floor)
	s.observe("set_price_floor", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "floor": amountString(floor)})
}

// PayFee deducts a fee from a reserve's backing.
func (s *Server) PayFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, false)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	backing, err := s.engine.PayFee(r.Context(), caller, asset, amount)
	s.observe("pay_fee", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "amount": amountString(amount), "backing": amountString(backing)})
}

// AccrueFee charges the annualised management fee since the last accrual.
func (s *Server) AccrueFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Asset  string `json:"asset"`
		FeeBps uint64 `json:"feeBps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	charged, err := s.engine.AccrueManagementFee(r.Context(), caller, asset, req.FeeBps)
	s.observe("accrue_fee", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "charged": amountString(charged)})
}

// Borrow draws the stable asset against a reserve's supplied collateral.
func (s *Server) Borrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Collateral string `json:"collateral"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collateral, err := parseAddress(req.Collateral)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	borrowed, err := s.engine.Borrow(r.Context(), caller, collateral)
	s.observe("borrow", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateral": collateral.Hex(), "borrowed": amountString(borrowed)})
}

// Repay settles stable debt. An amount of "max" repays everything owed.
func (s *Server) Repay(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	repaid, err := s.engine.Repay(r.Context(), caller, amount)
	s.observe("repay", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaid": amountString(repaid)})
}

// Credit funds a holder's custody balance.
func (s *Server) Credit(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Asset  string `json:"asset"`
		Holder string `json:"holder"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	holder, err := parseAddress(req.Holder)
	if err != nil {
		s.fail(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, false)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	err = s.engine.Credit(caller, asset, holder, amount)
	s.observe("credit", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "holder": holder.Hex(), "amount": amountString(amount)})
}

// Pause toggles the vault's deposit and withdrawal switch. Only the vault
// owner may flip it.
func (s *Server) Pause(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.engine.Config()
	if err != nil {
		s.fail(w, err)
		return
	}
	if !cfg.Initialized {
		s.fail(w, vault.ErrNotInitialized)
		return
	}
	if cfg.Owner != caller {
		s.fail(w, vault.ErrUnauthorized)
		return
	}
	s.cfg.Pauses.SetPaused(vault.ModuleName, req.Paused)
	s.logger.Warn("vault pause toggled", "paused", req.Paused, "caller", caller.Hex())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// MarketData reports the vault's aggregated lending market position.
func (s *Server) MarketData(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.MarketData(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalCollateralBase":         amountString(data.TotalCollateralBase),
		"totalDebtBase":               amountString(data.TotalDebtBase),
		"availableBorrowsBase":        amountString(data.AvailableBorrowsBase),
		"currentLiquidationThreshold": amountString(data.CurrentLiquidationThreshold),
		"ltv":                         amountString(data.LTV),
		"healthFactor":                amountString(data.HealthFactor),
	})
}
