package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
	wad         = big.NewInt(1_000_000_000_000_000_000)
	// baseUnit scales account data to the market's 8-decimal base currency.
	baseUnit = big.NewInt(100_000_000)
	maxUint  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateFactor converts an annual rate into the linear growth factor applied
// over elapsed seconds, expressed in ray.
func rateFactor(rate *big.Rat, elapsed uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(ray)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetUint64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetUint64(elapsed))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perSecond)
	return ratToRay(factor)
}

func sharesFromLiquidity(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, halfUp(index))
	scaled.Quo(scaled, index)
	return scaled
}

func liquidityFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(shares, index)
	scaled.Add(scaled, halfRay)
	scaled.Quo(scaled, ray)
	return scaled
}

func scaledDebtFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, halfUp(index))
	scaled.Quo(scaled, index)
	if scaled.Sign() == 0 && amount.Sign() > 0 {
		return big.NewInt(1)
	}
	return scaled
}

func debtFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	actual := new(big.Int).Mul(scaled, index)
	actual.Add(actual, halfRay)
	actual.Quo(actual, ray)
	return actual
}

func halfUp(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	if x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

// toBase values amount of a token with the given decimals at price (scaled by
// priceDecimals) in 8-decimal base units.
func toBase(amount *big.Int, decimals uint8, price *big.Int, priceDecimals uint8) *big.Int {
	if amount == nil || amount.Sign() == 0 || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, price)
	value.Mul(value, baseUnit)
	value.Quo(value, pow10(decimals))
	value.Quo(value, pow10(priceDecimals))
	return value
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// derivedToken gives each listed reserve stable aToken and debt token
// addresses.
func derivedToken(kind string, asset common.Address) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte(kind), asset.Bytes())[12:])
}
