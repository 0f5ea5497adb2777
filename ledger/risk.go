package ledger

import (
	"fmt"
	"math/big"
)

// accountPosition is one market's view of a user during risk evaluation:
// the claim units held there and the interest-inclusive debt owed there.
type accountPosition struct {
	market *Market
	shares *big.Int
	owed   *big.Int
}

// riskTotals aggregates an account across markets. All values are expressed
// in the shared quote currency at interestScale, so only their ratios matter.
type riskTotals struct {
	// weightedCollateral is Σ collateral value * liquidationThreshold.
	weightedCollateral *big.Int
	// borrowCapacity is Σ collateral value * LTV, the origination limit.
	borrowCapacity *big.Int
	// debtValue is Σ owed value.
	debtValue *big.Int
}

// collectPositions gathers every market the user touches and brings each one
// current at now. Markets the running operation has already accrued are
// passed via touched so valuation sees the exact same snapshot instead of
// re-reading stale state.
func (e *Engine) collectPositions(user string, now uint64, touched map[string]*Market) (map[string]*accountPosition, error) {
	balances, err := e.state.ListSupplyBalances(user)
	if err != nil {
		return nil, err
	}
	positions, err := e.state.ListBorrowPositions(user)
	if err != nil {
		return nil, err
	}

	view := make(map[string]*accountPosition)
	resolve := func(id string) (*accountPosition, error) {
		if ap, ok := view[id]; ok {
			return ap, nil
		}
		market, ok := touched[id]
		if !ok {
			market, err = e.loadMarket(id)
			if err != nil {
				return nil, err
			}
			// Valuation-only accrual; the skim is recomputed and persisted
			// whenever this market is next mutated.
			scratch := &FeeAccrual{ProtocolFees: big.NewInt(0)}
			if _, err := accrueMarket(market, scratch, now); err != nil {
				return nil, err
			}
		}
		ap := &accountPosition{market: market, shares: big.NewInt(0), owed: big.NewInt(0)}
		view[id] = ap
		return ap, nil
	}

	for id, shares := range balances {
		ap, err := resolve(id)
		if err != nil {
			return nil, err
		}
		ap.shares = new(big.Int).Set(shares)
	}
	for _, position := range positions {
		ap, err := resolve(position.MarketID)
		if err != nil {
			return nil, err
		}
		owed, err := debtOwed(position, ap.market)
		if err != nil {
			return nil, err
		}
		ap.owed = owed
	}
	return view, nil
}

// riskTotals values the collected view with fresh oracle prices. Any stale
// or missing quote aborts the evaluation.
func (e *Engine) riskTotals(view map[string]*accountPosition, now uint64) (*riskTotals, error) {
	totals := &riskTotals{
		weightedCollateral: big.NewInt(0),
		borrowCapacity:     big.NewInt(0),
		debtValue:          big.NewInt(0),
	}
	for id, ap := range view {
		hasCollateral := ap.shares != nil && ap.shares.Sign() > 0
		hasDebt := ap.owed != nil && ap.owed.Sign() > 0
		if !hasCollateral && !hasDebt {
			continue
		}
		price, err := e.freshPrice(id, now)
		if err != nil {
			return nil, err
		}
		if hasCollateral && ap.market.TotalSupplyShares.Sign() > 0 {
			amount, err := MulDiv(ap.shares, ap.market.TotalSupplied, ap.market.TotalSupplyShares)
			if err != nil {
				return nil, err
			}
			value := new(big.Int).Mul(amount, price)
			weighted, err := MulDiv(value, new(big.Int).SetUint64(ap.market.LiquidationThresholdBps), basisPoints)
			if err != nil {
				return nil, err
			}
			capacity, err := MulDiv(value, new(big.Int).SetUint64(ap.market.LTVBps), basisPoints)
			if err != nil {
				return nil, err
			}
			totals.weightedCollateral.Add(totals.weightedCollateral, weighted)
			totals.borrowCapacity.Add(totals.borrowCapacity, capacity)
		}
		if hasDebt {
			totals.debtValue.Add(totals.debtValue, new(big.Int).Mul(ap.owed, price))
		}
	}
	return totals, nil
}

// healthFactor renders the totals as a ratio; nil means no debt, which is
// treated as infinitely healthy.
func (t *riskTotals) healthFactor() *big.Rat {
	if t.debtValue.Sign() == 0 {
		return nil
	}
	return new(big.Rat).SetFrac(t.weightedCollateral, t.debtValue)
}

var ratOne = big.NewRat(1, 1)

// liquidatable applies the strict < 1 boundary: a health factor of exactly
// 1.0 is still solvent.
func (t *riskTotals) liquidatable() bool {
	hf := t.healthFactor()
	return hf != nil && hf.Cmp(ratOne) < 0
}

// freshPrice resolves the asset's quote and enforces the staleness bound.
// Quotes timestamped in the future (clock skew between feeder and caller)
// count as fresh.
func (e *Engine) freshPrice(asset string, now uint64) (*big.Int, error) {
	if e.oracle == nil {
		return nil, ErrNilOracle
	}
	quote, err := e.oracle.Quote(asset)
	if err != nil {
		return nil, err
	}
	if quote.PriceWad == nil || quote.PriceWad.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrStaleOracle, asset)
	}
	if quote.Timestamp < now && now-quote.Timestamp > e.maxQuoteAge {
		return nil, fmt.Errorf("%w: %s quote is %ds old", ErrStaleOracle, asset, now-quote.Timestamp)
	}
	return quote.PriceWad, nil
}

// debtOwed converts a position's principal to the current interest-inclusive
// amount through the index snapshot.
func debtOwed(position *BorrowPosition, market *Market) (*big.Int, error) {
	if position == nil || position.Principal == nil || position.Principal.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if position.IndexSnapshot == nil || position.IndexSnapshot.Sign() == 0 {
		return nil, ErrArithmeticOverflow
	}
	return MulDiv(position.Principal, market.BorrowIndex, position.IndexSnapshot)
}
