package ledger

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// interestScale is the fixed-point scale applied to rates and indexes.
	interestScale = mustBigInt("1000000000000000000") // 1e18
	// maxBalance bounds every monetary quantity the ledger will accept. The
	// intermediate products in MulDiv are unbounded big integers, so the cap
	// only applies to committed values.
	maxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

const bpsDenom = 10_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("ledger: invalid big integer constant")
	}
	return v
}

// MulDiv computes floor(a*b/den). The product is taken at full precision
// before the single flooring division, so the result never loses more than
// one unit to rounding. Operands must be non-negative and den non-zero.
func MulDiv(a, b, den *big.Int) (*big.Int, error) {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return nil, ErrArithmeticOverflow
	}
	if a.Sign() < 0 || b.Sign() < 0 || den.Sign() < 0 {
		return nil, ErrArithmeticUnderflow
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den), nil
}

// CheckedAdd returns a+b, failing when the sum exceeds the balance bound.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, ErrArithmeticOverflow
	}
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(maxBalance) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b, failing instead of going negative.
func CheckedSub(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, ErrArithmeticUnderflow
	}
	if a.Cmp(b) < 0 {
		return nil, ErrArithmeticUnderflow
	}
	return new(big.Int).Sub(a, b), nil
}

// Pow1p approximates the compounding factor (1+rate)^seconds as the truncated
// linear form 1 + rate*seconds, returned in interestScale fixed point. The
// linearisation is a protocol choice: it bounds the cost of accrual to one
// multiply regardless of elapsed time, at the price of an approximation error
// that grows with rate*seconds. It must not be replaced with the exact
// geometric product.
func Pow1p(ratePerSecond *big.Int, seconds uint64) (*big.Int, error) {
	if ratePerSecond == nil || ratePerSecond.Sign() < 0 {
		return nil, ErrArithmeticUnderflow
	}
	if ratePerSecond.Sign() == 0 || seconds == 0 {
		return new(big.Int).Set(interestScale), nil
	}
	growth := new(big.Int).Mul(ratePerSecond, new(big.Int).SetUint64(seconds))
	factor := new(big.Int).Add(interestScale, growth)
	// A factor beyond the balance bound can only produce unrepresentable
	// totals downstream, so reject it here.
	if factor.Cmp(maxBalance) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return factor, nil
}
