package ledger

import (
	"math/big"
)

const secondsPerYear = 31_536_000

// RateModel holds the kinked borrow-rate curve for a market. All rates are
// per-second values in interestScale fixed point; the kink is expressed in
// basis points of pool utilisation.
type RateModel struct {
	// BaseRatePerSecond is the borrow rate charged at zero utilisation.
	BaseRatePerSecond *big.Int
	// Slope1PerSecond is the additional rate applied pro-rata up to the kink.
	Slope1PerSecond *big.Int
	// Slope2PerSecond is the additional rate applied pro-rata beyond the kink.
	Slope2PerSecond *big.Int
	// OptimalUtilizationBps is the kink where the second slope takes over.
	OptimalUtilizationBps uint64
}

// NewRateModelAPR constructs a rate model from annual rates expressed as
// decimals, e.g. a 2% base APR is 0.02 and an 80% kink is 8000 bps. The
// annual rates are divided down to per-second fixed-point values.
func NewRateModelAPR(base, slope1, slope2 float64, optimalBps uint64) *RateModel {
	return &RateModel{
		BaseRatePerSecond:     aprToPerSecond(base),
		Slope1PerSecond:       aprToPerSecond(slope1),
		Slope2PerSecond:       aprToPerSecond(slope2),
		OptimalUtilizationBps: optimalBps,
	}
}

func aprToPerSecond(apr float64) *big.Int {
	rat := new(big.Rat)
	rat.SetFloat64(apr)
	if rat.Sign() <= 0 {
		return big.NewInt(0)
	}
	rat.Quo(rat, new(big.Rat).SetUint64(secondsPerYear))
	rat.Mul(rat, new(big.Rat).SetInt(interestScale))
	return new(big.Int).Quo(rat.Num(), rat.Denom())
}

// Clone returns a deep copy of the model.
func (m *RateModel) Clone() *RateModel {
	if m == nil {
		return nil
	}
	clone := &RateModel{OptimalUtilizationBps: m.OptimalUtilizationBps}
	if m.BaseRatePerSecond != nil {
		clone.BaseRatePerSecond = new(big.Int).Set(m.BaseRatePerSecond)
	}
	if m.Slope1PerSecond != nil {
		clone.Slope1PerSecond = new(big.Int).Set(m.Slope1PerSecond)
	}
	if m.Slope2PerSecond != nil {
		clone.Slope2PerSecond = new(big.Int).Set(m.Slope2PerSecond)
	}
	return clone
}

// Validate checks the model is usable: rates present and non-negative, kink
// strictly inside (0, 100%).
func (m *RateModel) Validate() error {
	if m == nil {
		return ErrInvalidParameters
	}
	if m.OptimalUtilizationBps == 0 || m.OptimalUtilizationBps >= bpsDenom {
		return ErrInvalidParameters
	}
	for _, rate := range []*big.Int{m.BaseRatePerSecond, m.Slope1PerSecond, m.Slope2PerSecond} {
		if rate == nil || rate.Sign() < 0 {
			return ErrInvalidParameters
		}
	}
	return nil
}

// UtilizationBps computes borrowed/supplied in basis points, defined as zero
// for an empty pool.
func UtilizationBps(totalBorrowed, totalSupplied *big.Int) (uint64, error) {
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return 0, nil
	}
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return 0, nil
	}
	util, err := MulDiv(totalBorrowed, basisPoints, totalSupplied)
	if err != nil {
		return 0, err
	}
	return util.Uint64(), nil
}

// BorrowRate evaluates the two-piece curve at the given utilisation. Both
// branches agree at the kink, so the curve is continuous.
func (m *RateModel) BorrowRate(utilizationBps uint64) (*big.Int, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	util := new(big.Int).SetUint64(utilizationBps)
	optimal := new(big.Int).SetUint64(m.OptimalUtilizationBps)

	if utilizationBps <= m.OptimalUtilizationBps {
		ramp, err := MulDiv(m.Slope1PerSecond, util, optimal)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Add(m.BaseRatePerSecond, ramp), nil
	}

	excess := new(big.Int).Sub(util, optimal)
	room := new(big.Int).Sub(basisPoints, optimal)
	ramp, err := MulDiv(m.Slope2PerSecond, excess, room)
	if err != nil {
		return nil, err
	}
	rate := new(big.Int).Add(m.BaseRatePerSecond, m.Slope1PerSecond)
	return rate.Add(rate, ramp), nil
}

// SupplyRate derives the rate paid to suppliers:
// borrowRate * utilisation * (1 - protocolFee).
func (m *RateModel) SupplyRate(borrowRate *big.Int, utilizationBps, protocolFeeBps uint64) (*big.Int, error) {
	if borrowRate == nil || borrowRate.Sign() < 0 {
		return nil, ErrInvalidParameters
	}
	if protocolFeeBps > bpsDenom {
		return nil, ErrInvalidParameters
	}
	gross, err := MulDiv(borrowRate, new(big.Int).SetUint64(utilizationBps), basisPoints)
	if err != nil {
		return nil, err
	}
	return MulDiv(gross, new(big.Int).SetUint64(bpsDenom-protocolFeeBps), basisPoints)
}
