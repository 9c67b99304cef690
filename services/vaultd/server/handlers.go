package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"cruize/native/vault"
	"cruize/services/vaultd/middleware"
)

var errNoCaller = errors.New("server: request has no authenticated caller")

// ReserveView is the JSON form of a reserve and its ledger.
type ReserveView struct {
	Asset       string `json:"asset"`
	Token       string `json:"token"`
	Oracle      string `json:"oracle"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	PriceFloor  string `json:"priceFloor"`
	CreatedAt   uint64 `json:"createdAt"`
	TotalSupply string `json:"totalSupply"`
	Buffer      string `json:"buffer"`
	Supplied    string `json:"supplied"`
	FeesPaid    string `json:"feesPaid"`
	Backing     string `json:"backing"`
}

// PositionView is the JSON form of a holder's claim.
type PositionView struct {
	Asset      string `json:"asset"`
	Token      string `json:"token"`
	Holder     string `json:"holder"`
	Shares     string `json:"shares"`
	Redeemable string `json:"redeemable"`
}

func (s *Server) reserveView(reserve *vault.Reserve) (ReserveView, error) {
	ledger, err := s.engine.ReserveState(reserve.Asset)
	if err != nil {
		return ReserveView{}, err
	}
	supply, err := s.engine.TotalSupply(reserve.Token)
	if err != nil {
		return ReserveView{}, err
	}
	return ReserveView{
		Asset:       reserve.Asset.Hex(),
		Token:       reserve.Token.Hex(),
		Oracle:      reserve.Oracle.Hex(),
		Name:        reserve.Name,
		Symbol:      reserve.Symbol,
		Decimals:    reserve.Decimals,
		PriceFloor:  amountString(reserve.PriceFloor),
		CreatedAt:   reserve.CreatedAt,
		TotalSupply: amountString(supply),
		Buffer:      amountString(ledger.Buffer),
		Supplied:    amountString(ledger.Supplied),
		FeesPaid:    amountString(ledger.FeesPaid),
		Backing:     amountString(ledger.Backing()),
	}, nil
}

// ListReserves returns every registered reserve.
func (s *Server) ListReserves(w http.ResponseWriter, r *http.Request) {
	reserves, err := s.engine.Reserves()
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]ReserveView, 0, len(reserves))
	for _, reserve := range reserves {
		view, err := s.reserveView(reserve)
		if err != nil {
			s.fail(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reserves": views})
}

// GetReserve returns a single reserve.
func (s *Server) GetReserve(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, err)
		return
	}
	reserve, err := s.engine.Reserve(asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	view, err := s.reserveView(reserve)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPosition returns a holder's receipt balance and redeemable underlying.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, err)
		return
	}
	holder, err := parseAddress(chi.URLParam(r, "holder"))
	if err != nil {
		s.fail(w, err)
		return
	}
	pos, err := s.engine.Position(asset, holder)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionView{
		Asset:      pos.Asset.Hex(),
		Token:      pos.Token.Hex(),
		Holder:     pos.Holder.Hex(),
		Shares:     amountString(pos.Shares),
		Redeemable: amountString(pos.Redeemable),
	})
}

// GetCustody returns a holder's custody balance of an underlying asset.
func (s *Server) GetCustody(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, err)
		return
	}
	holder, err := parseAddress(chi.URLParam(r, "holder"))
	if err != nil {
		s.fail(w, err)
		return
	}
	balance, err := s.engine.CustodyBalance(asset, holder)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "holder": holder.Hex(), "balance": amountString(balance)})
}

// GetTokenBalance returns a receipt token balance. With ?spender= the
// holder's allowance for that spender is included.
func (s *Server) GetTokenBalance(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, err)
		return
	}
	holder, err := parseAddress(chi.URLParam(r, "holder"))
	if err != nil {
		s.fail(w, err)
		return
	}
	balance, err := s.engine.BalanceOf(token, holder)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]string{"token": token.Hex(), "holder": holder.Hex(), "balance": amountString(balance)}
	if raw := r.URL.Query().Get("spender"); raw != "" {
		spender, err := parseAddress(raw)
		if err != nil {
			s.fail(w, err)
			return
		}
		allowance, err := s.engine.Allowance(token, holder, spender)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp["spender"] = spender.Hex()
		resp["allowance"] = amountString(allowance)
	}
	writeJSON(w, http.StatusOK, resp)
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	// Value is the native currency attached to the deposit.
	Value string `json:"value,omitempty"`
}

// Deposit moves underlying from the caller's custody balance into the vault.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req depositRequest
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
	value, err := parseOptionalAmount(req.Value)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	minted, err := s.engine.Deposit(r.Context(), caller, asset, amount, value)
	s.observe("deposit", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "amount": amountString(amount), "minted": amountString(minted)})
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Withdraw burns receipt tokens and credits the underlying to the caller.
// An amount of "max" burns the caller's whole balance.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	start := time.Now()
	result, err := s.engine.Withdraw(r.Context(), caller, asset, amount)
	s.observe("withdraw", start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "burned": amountString(result.Burned), "paid": amountString(result.Paid)})
}

type tokenRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// Transfer moves receipt tokens from the caller.
func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	s.tokenCall(w, r, "transfer", func(caller, token common.Address, req tokenRequest) error {
		to, err := parseAddress(req.To)
		if err != nil {
			return err
		}
		amount, err := parseAmount(req.Amount, false)
		if err != nil {
			return err
		}
		return s.engine.Transfer(caller, token, to, amount)
	})
}

// Approve sets the caller's allowance for a spender.
func (s *Server) Approve(w http.ResponseWriter, r *http.Request) {
	s.tokenCall(w, r, "approve", func(caller, token common.Address, req tokenRequest) error {
		spender, err := parseAddress(req.Spender)
		if err != nil {
			return err
		}
		amount, err := parseOptionalAmount(req.Amount)
		if err != nil {
			return err
		}
		return s.engine.Approve(caller, token, spender, amount)
	})
}

// TransferFrom spends the caller's allowance over another holder's tokens.
func (s *Server) TransferFrom(w http.ResponseWriter, r *http.Request) {
	s.tokenCall(w, r, "transfer_from", func(caller, token common.Address, req tokenRequest) error {
		from, err := parseAddress(req.From)
		if err != nil {
			return err
		}
		to, err := parseAddress(req.To)
		if err != nil {
			return err
		}
		amount, err := parseAmount(req.Amount, false)
		if err != nil {
			return err
		}
		return s.engine.TransferFrom(caller, token, from, to, amount)
	})
}

func (s *Server) tokenCall(w http.ResponseWriter, r *http.Request, operation string, call func(caller, token common.Address, req tokenRequest) error) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCaller)
		return
	}
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, err)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = call(caller, token, req)
	s.observe(operation, start, err)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
