package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

var (
	basisPoints = big.NewInt(10_000)
	// MaxAmount is 2^256-1. Passed to Withdraw it burns the caller's entire
	// balance; passed to Repay it settles the full debt.
	MaxAmount = new(uint256.Int).SetAllOne().ToBig()
)

const secondsPerYear = 365 * 24 * 60 * 60

func isMax(amount *big.Int) bool {
	return amount != nil && amount.Cmp(MaxAmount) == 0
}

// checkAmount rejects nil, zero, negative and oversized amounts.
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOverflow
	}
	return nil
}

// mulDiv returns floor(a*b/c). A zero divisor yields zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

func portionBps(amount *big.Int, bps uint64) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// sharesForDeposit prices a deposit against the reserve's current backing.
// While supply and backing move together the ratio is exactly 1:1.
func sharesForDeposit(amount, supply, backing *big.Int) *big.Int {
	if supply.Sign() == 0 || backing.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	return mulDiv(amount, supply, backing)
}

// underlyingForShares is the redemption value of shares.
func underlyingForShares(shares, supply, backing *big.Int) *big.Int {
	if supply.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, backing, supply)
}
