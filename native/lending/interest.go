package lending

import "math/big"

// InterestModel is a kinked utilisation curve. Rates are annual fractions.
type InterestModel struct {
	BaseRate *big.Rat `toml:"-"`
	Slope1   *big.Rat `toml:"-"`
	// Slope2 applies to utilisation above Kink.
	Slope2 *big.Rat `toml:"-"`
	Kink   *big.Rat `toml:"-"`
}

// Clone returns a deep copy of the model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// NewInterestModel builds a model from decimal inputs, e.g. 0.02 for a 2%
// base rate and 0.8 for an 80% kink.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	rat := func(v float64) *big.Rat { return new(big.Rat).SetFloat64(v) }
	return &InterestModel{BaseRate: rat(baseRate), Slope1: rat(slope1), Slope2: rat(slope2), Kink: rat(kink)}
}

// Utilisation is borrowed/supplied, or zero for an empty pool.
func (m *InterestModel) Utilisation(borrowed, supplied *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 || supplied == nil || supplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(borrowed, supplied)
}

// BorrowAPR returns the variable borrow rate at the current utilisation.
func (m *InterestModel) BorrowAPR(borrowed, supplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	u := m.Utilisation(borrowed, supplied)
	if u.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), u))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(u, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyAPY is the borrow rate scaled by utilisation, net of the reserve
// factor in basis points.
func (m *InterestModel) SupplyAPY(borrowed, supplied *big.Int, reserveFactorBps uint64) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	u := m.Utilisation(borrowed, supplied)
	if u.Sign() == 0 {
		return new(big.Rat)
	}
	net := new(big.Rat).SetFrac(new(big.Int).SetUint64(reserveFactorBps), basisPoints)
	net.Sub(big.NewRat(1, 1), net)
	if net.Sign() < 0 {
		return new(big.Rat)
	}
	apy := m.BorrowAPR(borrowed, supplied)
	apy.Mul(apy, u)
	return apy.Mul(apy, net)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel is used for reserves listed without a model.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)
