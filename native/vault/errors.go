package vault

import (
	"errors"

	nativecommon "cruize/native/common"
)

var (
	ErrZeroAmount          = errors.New("vault: amount must be positive")
	ErrZeroAddress         = errors.New("vault: zero address")
	ErrEmptyName           = errors.New("vault: name must not be empty")
	ErrEmptySymbol         = errors.New("vault: symbol must not be empty")
	ErrAssetAlreadyExists  = errors.New("vault: asset already exists")
	ErrAssetNotAllowed     = errors.New("vault: asset not allowed")
	ErrValueMismatch       = errors.New("vault: native value does not match amount")
	ErrAlreadyInitialized  = errors.New("vault: contract is already initialized")
	ErrNotInitialized      = errors.New("vault: contract is not initialized")
	ErrUnauthorized        = errors.New("vault: caller is not the owner")
	ErrPriceBelowFloor     = errors.New("vault: oracle price below reserve price floor")
	ErrStalePrice          = errors.New("vault: oracle price is stale")
	ErrOracleUnavailable   = errors.New("vault: price oracle not configured")
	ErrInsufficientFunds   = errors.New("vault: insufficient custody balance")
	ErrInsufficientBacking = errors.New("vault: fee would exhaust reserve backing")
	ErrReserveDepleted     = errors.New("vault: reserve has receipt supply but no backing")
	ErrInvalidFeeBps       = errors.New("vault: fee rate exceeds 100%")
	ErrNegativeFloor       = errors.New("vault: price floor must not be negative")
	ErrAmountOverflow      = errors.New("vault: amount exceeds 256 bits")
	ErrInvalidBufferBps    = errors.New("vault: buffer exceeds 100%")
	ErrMarketUnavailable   = errors.New("vault: lending adapter not configured")
	ErrMarketShortfall     = errors.New("vault: lending market returned less than requested")
	ErrNothingToBorrow     = errors.New("vault: no borrowing capacity available")
	ErrNilState            = errors.New("vault: state not configured")
	ErrModulePaused        = nativecommon.ErrModulePaused

	ErrBurnExceedsBalance     = errors.New("receipt token: burn amount exceeds balance")
	ErrTransferExceedsBalance = errors.New("receipt token: transfer amount exceeds balance")
	ErrInsufficientAllowance  = errors.New("receipt token: insufficient allowance")
	ErrNotTokenOwner          = errors.New("receipt token: caller is not the owner")
	ErrUnknownToken           = errors.New("receipt token: unknown token")
)

var reasons = []struct {
	err    error
	reason string
	legacy string
}{
	{ErrZeroAmount, "ZeroAmount", "ZERO_AMOUNT"},
	{ErrZeroAddress, "ZeroAddress", "5"},
	{ErrEmptyName, "EmptyName", "EMPTY_NAME"},
	{ErrEmptySymbol, "EmptySymbol", "EMPTY_SYMBOL"},
	{ErrAssetAlreadyExists, "AssetAlreadyExists", "ALREADY_EXIST"},
	{ErrAssetNotAllowed, "AssetNotAllowed", "NOT_ALLOWED"},
	{ErrValueMismatch, "ValueMismatch", "NOT_MATCHED"},
	{ErrBurnExceedsBalance, "BurnExceedsBalance", "NOT_ENOUGH_BALANCE"},
	{ErrAlreadyInitialized, "AlreadyInitialized", "Initializable: contract is already initialized"},
	{ErrUnauthorized, "Unauthorized", "Ownable: caller is not the owner"},
	{ErrPriceBelowFloor, "PriceBelowFloor", "PRICE_BELOW_FLOOR"},
	{ErrNegativeFloor, "NegativeFloor", "NEGATIVE_FLOOR"},
	{ErrInsufficientBacking, "InsufficientBacking", "NOT_ENOUGH_BACKING"},
	{ErrReserveDepleted, "ReserveDepleted", "RESERVE_DEPLETED"},
	{ErrInvalidFeeBps, "InvalidFeeBps", "INVALID_FEE"},
}

// Reason returns the descriptive failure name for err, or the empty string
// when err is not part of the vault taxonomy.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// LegacyReason maps err onto the reason strings older vault revisions used.
func LegacyReason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.legacy
		}
	}
	return ""
}
