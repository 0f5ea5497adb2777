package ledger

import (
	"math/big"
	"strings"
)

// Market captures the aggregate accounting state for one underlying asset.
// Amounts are denominated in the asset's smallest unit and expressed as big
// integers; indexes are interestScale fixed point.
type Market struct {
	// ID identifies the market and doubles as the oracle asset symbol.
	ID string
	// LTVBps is the maximum loan-to-value at origination, in basis points.
	LTVBps uint64
	// LiquidationThresholdBps is the risk weight applied to collateral when
	// computing health; always strictly above LTVBps.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the extra collateral awarded to liquidators.
	LiquidationBonusBps uint64
	// ProtocolFeeBps is the share of borrow interest routed to the treasury.
	ProtocolFeeBps uint64
	// TotalSupplied is the interest-inclusive liquidity deposited by suppliers.
	TotalSupplied *big.Int
	// TotalBorrowed is the interest-inclusive outstanding debt.
	TotalBorrowed *big.Int
	// TotalSupplyShares is the number of claim units outstanding.
	TotalSupplyShares *big.Int
	// SupplyIndex is the cumulative supplier interest index.
	SupplyIndex *big.Int
	// BorrowIndex is the cumulative borrower interest index.
	BorrowIndex *big.Int
	// LastAccrualTime is the unix timestamp of the last index refresh.
	LastAccrualTime uint64
	// CreatedAt is the unix timestamp of market creation.
	CreatedAt uint64
	// Rates is the kinked borrow-rate curve for this market.
	Rates *RateModel
}

// MarketParams carries the operator-supplied configuration for a new market.
type MarketParams struct {
	ID                      string
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	ProtocolFeeBps          uint64
	Rates                   *RateModel
}

// Validate enforces the risk-parameter ordering LTV < threshold < 100% along
// with basic sanity on the remaining fields.
func (p MarketParams) Validate() error {
	if !validIdent(strings.TrimSpace(p.ID)) {
		return ErrInvalidParameters
	}
	if p.LTVBps == 0 || p.LTVBps >= p.LiquidationThresholdBps {
		return ErrInvalidParameters
	}
	if p.LiquidationThresholdBps >= bpsDenom {
		return ErrInvalidParameters
	}
	if p.LiquidationBonusBps >= bpsDenom {
		return ErrInvalidParameters
	}
	if p.ProtocolFeeBps > bpsDenom {
		return ErrInvalidParameters
	}
	return p.Rates.Validate()
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		ID:                      m.ID,
		LTVBps:                  m.LTVBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		ProtocolFeeBps:          m.ProtocolFeeBps,
		LastAccrualTime:         m.LastAccrualTime,
		CreatedAt:               m.CreatedAt,
		Rates:                   m.Rates.Clone(),
	}
	for dst, src := range map[**big.Int]*big.Int{
		&clone.TotalSupplied:     m.TotalSupplied,
		&clone.TotalBorrowed:     m.TotalBorrowed,
		&clone.TotalSupplyShares: m.TotalSupplyShares,
		&clone.SupplyIndex:       m.SupplyIndex,
		&clone.BorrowIndex:       m.BorrowIndex,
	} {
		if src != nil {
			*dst = new(big.Int).Set(src)
		}
	}
	return clone
}

// AvailableLiquidity is the un-borrowed portion of the pool.
func (m *Market) AvailableLiquidity() *big.Int {
	liquidity := new(big.Int).Sub(m.TotalSupplied, m.TotalBorrowed)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}

// BorrowPosition is the sole record of one account's debt in one market. The
// principal is paired with the borrow index observed at the last touch; the
// current owed amount is principal * currentIndex / snapshot.
type BorrowPosition struct {
	User          string
	MarketID      string
	Principal     *big.Int
	IndexSnapshot *big.Int
	CreatedAt     uint64
	LastUpdated   uint64
}

// Clone returns a deep copy of the position.
func (p *BorrowPosition) Clone() *BorrowPosition {
	if p == nil {
		return nil
	}
	clone := &BorrowPosition{
		User:        p.User,
		MarketID:    p.MarketID,
		CreatedAt:   p.CreatedAt,
		LastUpdated: p.LastUpdated,
	}
	if p.Principal != nil {
		clone.Principal = new(big.Int).Set(p.Principal)
	}
	if p.IndexSnapshot != nil {
		clone.IndexSnapshot = new(big.Int).Set(p.IndexSnapshot)
	}
	return clone
}

// FeeAccrual holds the treasury's share of borrow interest for one market.
// The balance grows during accrual and shrinks when the operator withdraws.
type FeeAccrual struct {
	ProtocolFees *big.Int
}

// Clone returns a deep copy of the fee accrual record.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.ProtocolFees != nil {
		clone.ProtocolFees = new(big.Int).Set(f.ProtocolFees)
	}
	return clone
}

// LiquidationReceipt summarises a completed liquidation for the caller and
// for downstream settlement by the custody layer.
type LiquidationReceipt struct {
	ID               string
	Liquidator       string
	Borrower         string
	DebtMarket       string
	CollateralMarket string
	// DebtRepaid is the amount of debt-asset the liquidator covered.
	DebtRepaid *big.Int
	// CollateralSeized is the seizure in collateral-asset units.
	CollateralSeized *big.Int
	// SeizedShares is the same seizure converted to claim units, which were
	// moved from the borrower to the liquidator.
	SeizedShares *big.Int
	Timestamp    uint64
}

// ActionPauses exposes per-flow switches for halting ledger mutations.
type ActionPauses struct {
	Supply    bool
	Withdraw  bool
	Borrow    bool
	Repay     bool
	Liquidate bool
}

func (p ActionPauses) paused(action string) bool {
	switch action {
	case "supply":
		return p.Supply
	case "withdraw":
		return p.Withdraw
	case "borrow":
		return p.Borrow
	case "repay":
		return p.Repay
	case "liquidate":
		return p.Liquidate
	}
	return false
}
