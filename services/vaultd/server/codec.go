package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cruize/crypto"
	"cruize/native/vault"
)

const maxBodyBytes = 1 << 20

var errMaxNotAllowed = errors.New("server: \"max\" is only accepted for withdrawals and repayments")

type errorResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	LegacyReason string `json:"legacyReason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error:        err.Error(),
		Reason:       vault.Reason(err),
		LegacyReason: vault.LegacyReason(err),
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps vault failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnauthorized), errors.Is(err, vault.ErrNotTokenOwner):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrAssetNotAllowed), errors.Is(err, vault.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrAssetAlreadyExists), errors.Is(err, vault.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrZeroAddress),
		errors.Is(err, vault.ErrEmptyName),
		errors.Is(err, vault.ErrEmptySymbol),
		errors.Is(err, vault.ErrValueMismatch),
		errors.Is(err, vault.ErrAmountOverflow),
		errors.Is(err, vault.ErrInvalidBufferBps),
		errors.Is(err, vault.ErrNegativeFloor),
		errors.Is(err, vault.ErrInvalidFeeBps),
		errors.Is(err, errMaxNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrPriceBelowFloor),
		errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, vault.ErrInsufficientBacking),
		errors.Is(err, vault.ErrReserveDepleted),
		errors.Is(err, vault.ErrBurnExceedsBalance),
		errors.Is(err, vault.ErrTransferExceedsBalance),
		errors.Is(err, vault.ErrInsufficientAllowance),
		errors.Is(err, vault.ErrNothingToBorrow),
		errors.Is(err, vault.ErrMarketShortfall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrModulePaused),
		errors.Is(err, vault.ErrNotInitialized),
		errors.Is(err, vault.ErrOracleUnavailable),
		errors.Is(err, vault.ErrStalePrice),
		errors.Is(err, vault.ErrMarketUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseAmount decodes a base-10 amount. "max" maps to vault.MaxAmount when
// allowMax is set.
func parseAmount(value string, allowMax bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, "max") {
		if !allowMax {
			return nil, errMaxNotAllowed
		}
		return new(big.Int).Set(vault.MaxAmount), nil
	}
	if trimmed == "" {
		return nil, vault.ErrZeroAmount
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", vault.ErrZeroAmount, value)
	}
	if _, overflow := uint256.FromBig(parsed); overflow {
		return nil, vault.ErrAmountOverflow
	}
	return parsed, nil
}

// parseOptionalAmount treats an empty value as zero.
func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount(value, false)
}

func parseAddress(value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", vault.ErrZeroAddress, err)
	}
	return addr, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
