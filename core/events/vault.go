package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/types"
)

const (
	// TypeVaultInitialized is emitted once when the vault is activated.
	TypeVaultInitialized = "vault.initialized"
	// TypeCreateToken is emitted when a reserve and its receipt token are registered.
	TypeCreateToken = "vault.token.created"
	// TypeDeposit is emitted after a deposit has been committed.
	TypeDeposit = "vault.deposit"
	// TypeWithdraw is emitted after a withdrawal has been committed.
	TypeWithdraw = "vault.withdraw"
	// TypeFeePaid is emitted when a fee is deducted from a reserve's backing.
	TypeFeePaid = "vault.fee.paid"
	// TypeBorrow is emitted when the vault borrows the stable asset from the market.
	TypeBorrow = "vault.borrow"
	// TypeRepay is emitted when the vault repays market debt.
	TypeRepay = "vault.repay"
	// TypePriceFloorUpdated is emitted when the owner moves a reserve's floor.
	TypePriceFloorUpdated = "vault.floor.updated"
)

// VaultInitialized records the activation parameters.
type VaultInitialized struct {
	Vault        common.Address
	Owner        common.Address
	FeeCollector common.Address
	BufferBps    uint64
}

func (VaultInitialized) EventType() string { return TypeVaultInitialized }

// Event renders the activation event for downstream consumers.
func (e VaultInitialized) Event() *types.Event {
	return &types.Event{Type: TypeVaultInitialized, Attributes: map[string]string{
		"vault":        e.Vault.Hex(),
		"owner":        e.Owner.Hex(),
		"feeCollector": e.FeeCollector.Hex(),
		"bufferBps":    strconv.FormatUint(e.BufferBps, 10),
	}}
}

// CreateToken announces a freshly registered reserve and its receipt token.
type CreateToken struct {
	Asset  common.Address
	Token  common.Address
	Name   string
	Symbol string
}

func (CreateToken) EventType() string { return TypeCreateToken }

// Event renders the token creation event.
func (e CreateToken) Event() *types.Event {
	attrs := map[string]string{
		"asset": e.Asset.Hex(),
		"token": e.Token.Hex(),
	}
	if e.Name != "" {
		attrs["name"] = e.Name
	}
	if e.Symbol != "" {
		attrs["symbol"] = e.Symbol
	}
	return &types.Event{Type: TypeCreateToken, Attributes: attrs}
}

// Deposit captures an accepted deposit. Amount is the underlying deposited;
// Minted is the receipt amount credited.
type Deposit struct {
	Asset     common.Address
	Depositor common.Address
	Amount    *big.Int
	Minted    *big.Int
}

func (Deposit) EventType() string { return TypeDeposit }

// Event renders the deposit event.
func (e Deposit) Event() *types.Event {
	return &types.Event{Type: TypeDeposit, Attributes: map[string]string{
		"asset":     e.Asset.Hex(),
		"depositor": e.Depositor.Hex(),
		"amount":    amountString(e.Amount),
		"minted":    amountString(e.Minted),
	}}
}

// Withdraw captures a committed withdrawal. Amount is the receipt amount
// burned; Paid is the underlying credited to the withdrawer.
type Withdraw struct {
	Asset      common.Address
	Withdrawer common.Address
	Amount     *big.Int
	Paid       *big.Int
}

func (Withdraw) EventType() string { return TypeWithdraw }

// Event renders the withdrawal event.
func (e Withdraw) Event() *types.Event {
	return &types.Event{Type: TypeWithdraw, Attributes: map[string]string{
		"asset":      e.Asset.Hex(),
		"withdrawer": e.Withdrawer.Hex(),
		"amount":     amountString(e.Amount),
		"paid":       amountString(e.Paid),
	}}
}

// FeePaid captures a fee deducted from a reserve's backing.
type FeePaid struct {
	Asset     common.Address
	Collector common.Address
	Amount    *big.Int
	Backing   *big.Int
}

func (FeePaid) EventType() string { return TypeFeePaid }

// Event renders the fee event.
func (e FeePaid) Event() *types.Event {
	return &types.Event{Type: TypeFeePaid, Attributes: map[string]string{
		"asset":     e.Asset.Hex(),
		"collector": e.Collector.Hex(),
		"amount":    amountString(e.Amount),
		"backing":   amountString(e.Backing),
	}}
}

// Borrow captures a stable borrow drawn against the vault's collateral.
type Borrow struct {
	Collateral common.Address
	Asset      common.Address
	Amount     *big.Int
}

func (Borrow) EventType() string { return TypeBorrow }

// Event renders the borrow event.
func (e Borrow) Event() *types.Event {
	return &types.Event{Type: TypeBorrow, Attributes: map[string]string{
		"collateral": e.Collateral.Hex(),
		"asset":      e.Asset.Hex(),
		"amount":     amountString(e.Amount),
	}}
}

// Repay captures a debt repayment.
type Repay struct {
	Asset  common.Address
	Amount *big.Int
}

func (Repay) EventType() string { return TypeRepay }

// Event renders the repayment event.
func (e Repay) Event() *types.Event {
	return &types.Event{Type: TypeRepay, Attributes: map[string]string{
		"asset":  e.Asset.Hex(),
		"amount": amountString(e.Amount),
	}}
}

// PriceFloorUpdated records a policy change on a reserve.
type PriceFloorUpdated struct {
	Asset    common.Address
	Previous *big.Int
	Floor    *big.Int
}

func (PriceFloorUpdated) EventType() string { return TypePriceFloorUpdated }

// Event renders the floor update.
func (e PriceFloorUpdated) Event() *types.Event {
	return &types.Event{Type: TypePriceFloorUpdated, Attributes: map[string]string{
		"asset":    e.Asset.Hex(),
		"previous": amountString(e.Previous),
		"floor":    amountString(e.Floor),
	}}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
