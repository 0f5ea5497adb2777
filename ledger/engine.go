package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// defaultMaxQuoteAge is the oracle staleness bound applied until the
// operator configures one.
const defaultMaxQuoteAge = 300

// Engine orchestrates every state transition of the lending ledger. A single
// mutex serializes mutations: each operation reads totals and indexes and
// writes them back, so unserialized writers would corrupt the pool
// invariants. Timestamps and prices are injected per call; the engine never
// consults a clock of its own.
type Engine struct {
	mu              sync.Mutex
	state           engineState
	oracle          PriceOracle
	maxQuoteAge     uint64
	closeFactorBps  uint64
	minSupplyAmount *big.Int
	minBorrowAmount *big.Int
	pauses          ActionPauses
}

// NewEngine constructs an engine over the given persistence layer and price
// source.
func NewEngine(state engineState, oracle PriceOracle) *Engine {
	return &Engine{
		state:       state,
		oracle:      oracle,
		maxQuoteAge: defaultMaxQuoteAge,
	}
}

// SetMaxQuoteAge bounds the accepted oracle quote age in seconds.
func (e *Engine) SetMaxQuoteAge(seconds uint64) {
	if e == nil {
		return
	}
	e.maxQuoteAge = seconds
}

// SetCloseFactor caps the debt fraction a single liquidation may repay, in
// basis points. Zero disables the cap.
func (e *Engine) SetCloseFactor(bps uint64) {
	if e == nil {
		return
	}
	e.closeFactorBps = bps
}

// SetMinimumAmounts configures the smallest accepted supply and borrow
// amounts. Nil or zero disables the respective floor.
func (e *Engine) SetMinimumAmounts(minSupply, minBorrow *big.Int) {
	if e == nil {
		return
	}
	e.minSupplyAmount = cloneOrNil(minSupply)
	e.minBorrowAmount = cloneOrNil(minBorrow)
}

// SetPauses installs the per-flow halt switches.
func (e *Engine) SetPauses(pauses ActionPauses) {
	if e == nil {
		return
	}
	e.pauses = pauses
}

func cloneOrNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func (e *Engine) guard(action string) error {
	if e.pauses.paused(action) {
		return fmt.Errorf("%w: %s", ErrActionPaused, action)
	}
	return nil
}

func normalizeUser(user string) (string, error) {
	user = strings.TrimSpace(user)
	if !validIdent(user) {
		return "", ErrInvalidParameters
	}
	return user, nil
}

func checkAmount(amount, minimum *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amount.Cmp(maxBalance) > 0 {
		return ErrArithmeticOverflow
	}
	if minimum != nil && minimum.Sign() > 0 && amount.Cmp(minimum) < 0 {
		return ErrAmountBelowMinimum
	}
	return nil
}

// loadMarket fetches a market and normalises nil big.Int fields.
func (e *Engine) loadMarket(id string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	market, err := e.state.GetMarket(strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	for _, field := range []**big.Int{&market.TotalSupplied, &market.TotalBorrowed, &market.TotalSupplyShares} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if market.SupplyIndex == nil || market.SupplyIndex.Sign() == 0 {
		market.SupplyIndex = new(big.Int).Set(interestScale)
	}
	if market.BorrowIndex == nil || market.BorrowIndex.Sign() == 0 {
		market.BorrowIndex = new(big.Int).Set(interestScale)
	}
	return market, nil
}

func (e *Engine) loadBalance(user, marketID string) (*big.Int, error) {
	balance, err := e.state.GetSupplyBalance(user, marketID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (e *Engine) loadFees(marketID string) (*FeeAccrual, error) {
	fees, err := e.state.GetFeeAccrual(marketID)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	if fees.ProtocolFees == nil {
		fees.ProtocolFees = big.NewInt(0)
	}
	return fees, nil
}

// accrueMarket brings the market's indexes and totals current at now. The
// borrow side compounds at the full borrow factor while suppliers only
// receive the fee-net share; the skim lands in fees. No-op when now is not
// past the last accrual, which makes the function idempotent per timestamp.
func accrueMarket(m *Market, fees *FeeAccrual, now uint64) (bool, error) {
	if now <= m.LastAccrualTime {
		return false, nil
	}
	elapsed := now - m.LastAccrualTime
	if m.TotalSupplied.Sign() == 0 && m.TotalBorrowed.Sign() == 0 {
		m.LastAccrualTime = now
		return false, nil
	}

	util, err := UtilizationBps(m.TotalBorrowed, m.TotalSupplied)
	if err != nil {
		return false, err
	}
	borrowRate, err := m.Rates.BorrowRate(util)
	if err != nil {
		return false, err
	}
	supplyRate, err := m.Rates.SupplyRate(borrowRate, util, m.ProtocolFeeBps)
	if err != nil {
		return false, err
	}
	borrowFactor, err := Pow1p(borrowRate, elapsed)
	if err != nil {
		return false, err
	}
	supplyFactor, err := Pow1p(supplyRate, elapsed)
	if err != nil {
		return false, err
	}
	if m.BorrowIndex, err = MulDiv(m.BorrowIndex, borrowFactor, interestScale); err != nil {
		return false, err
	}
	if m.SupplyIndex, err = MulDiv(m.SupplyIndex, supplyFactor, interestScale); err != nil {
		return false, err
	}

	feesChanged := false
	if m.TotalBorrowed.Sign() > 0 {
		grown, err := MulDiv(m.TotalBorrowed, borrowFactor, interestScale)
		if err != nil {
			return false, err
		}
		if grown.Cmp(maxBalance) > 0 {
			return false, ErrArithmeticOverflow
		}
		interest := new(big.Int).Sub(grown, m.TotalBorrowed)
		supplierShare, err := MulDiv(interest, new(big.Int).SetUint64(bpsDenom-m.ProtocolFeeBps), basisPoints)
		if err != nil {
			return false, err
		}
		feeShare := new(big.Int).Sub(interest, supplierShare)
		newSupplied := new(big.Int).Add(m.TotalSupplied, supplierShare)
		// At full utilisation the skim would push borrowed past supplied;
		// divert as much of it as needed back to the pool first.
		if newSupplied.Cmp(grown) < 0 {
			shortfall := new(big.Int).Sub(grown, newSupplied)
			if shortfall.Cmp(feeShare) > 0 {
				shortfall = new(big.Int).Set(feeShare)
			}
			newSupplied.Add(newSupplied, shortfall)
			feeShare.Sub(feeShare, shortfall)
		}
		if newSupplied.Cmp(maxBalance) > 0 {
			return false, ErrArithmeticOverflow
		}
		m.TotalBorrowed = grown
		m.TotalSupplied = newSupplied
		if feeShare.Sign() > 0 {
			fees.ProtocolFees = new(big.Int).Add(fees.ProtocolFees, feeShare)
			feesChanged = true
		}
	}
	m.LastAccrualTime = now
	return feesChanged, nil
}

// CreateMarket registers a new market. Markets are permanent: the ID can
// never be reused or deleted.
func (e *Engine) CreateMarket(params MarketParams, now uint64) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := params.Validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(params.ID)
	existing, err := e.state.GetMarket(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, id)
	}

	market := &Market{
		ID:                      id,
		LTVBps:                  params.LTVBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		LiquidationBonusBps:     params.LiquidationBonusBps,
		ProtocolFeeBps:          params.ProtocolFeeBps,
		TotalSupplied:           big.NewInt(0),
		TotalBorrowed:           big.NewInt(0),
		TotalSupplyShares:       big.NewInt(0),
		SupplyIndex:             new(big.Int).Set(interestScale),
		BorrowIndex:             new(big.Int).Set(interestScale),
		LastAccrualTime:         now,
		CreatedAt:               now,
		Rates:                   params.Rates.Clone(),
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return market.Clone(), nil
}

// Accrue brings a market current without touching any position. It is
// idempotent and safe to call before read-only queries.
func (e *Engine) Accrue(marketID string, now uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	market, err := e.loadMarket(marketID)
	if err != nil {
		return err
	}
	fees, err := e.loadFees(market.ID)
	if err != nil {
		return err
	}
	feesChanged, err := accrueMarket(market, fees, now)
	if err != nil {
		return err
	}
	if feesChanged {
		if err := e.state.PutFeeAccrual(market.ID, fees); err != nil {
			return err
		}
	}
	return e.state.PutMarket(market)
}

// Supply deposits amount into the pool and mints claim units at the current
// exchange rate. The first deposit sets the rate 1:1. Returns the minted
// units.
func (e *Engine) Supply(user, marketID string, amount *big.Int, now uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard("supply"); err != nil {
		return nil, err
	}
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, e.minSupplyAmount); err != nil {
		return nil, err
	}

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	fees, err := e.loadFees(market.ID)
	if err != nil {
		return nil, err
	}
	feesChanged, err := accrueMarket(market, fees, now)
	if err != nil {
		return nil, err
	}

	minted := new(big.Int)
	if market.TotalSupplyShares.Sign() == 0 {
		minted.Set(amount)
	} else {
		if minted, err = MulDiv(amount, market.TotalSupplyShares, market.TotalSupplied); err != nil {
			return nil, err
		}
		// A deposit below one claim unit would be donated to the pool.
		if minted.Sign() == 0 {
			return nil, ErrZeroAmount
		}
	}

	newSupplied, err := CheckedAdd(market.TotalSupplied, amount)
	if err != nil {
		return nil, err
	}
	newShares, err := CheckedAdd(market.TotalSupplyShares, minted)
	if err != nil {
		return nil, err
	}
	balance, err := e.loadBalance(user, market.ID)
	if err != nil {
		return nil, err
	}
	newBalance, err := CheckedAdd(balance, minted)
	if err != nil {
		return nil, err
	}

	market.TotalSupplied = newSupplied
	market.TotalSupplyShares = newShares
	if err := e.state.PutSupplyBalance(user, market.ID, newBalance); err != nil {
		return nil, err
	}
	if feesChanged {
		if err := e.state.PutFeeAccrual(market.ID, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns claim units and releases the underlying amount at the
// current exchange rate. When the caller has debt anywhere, the post-
// withdrawal health factor must stay at or above 1. Returns the released
// amount.
func (e *Engine) Withdraw(user, marketID string, units *big.Int, now uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard("withdraw"); err != nil {
		return nil, err
	}
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	if units == nil || units.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	fees, err := e.loadFees(market.ID)
	if err != nil {
		return nil, err
	}
	feesChanged, err := accrueMarket(market, fees, now)
	if err != nil {
		return nil, err
	}

	balance, err := e.loadBalance(user, market.ID)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(units) < 0 || market.TotalSupplyShares.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	amount, err := MulDiv(units, market.TotalSupplied, market.TotalSupplyShares)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(market.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	view, err := e.collectPositions(user, now, map[string]*Market{market.ID: market})
	if err != nil {
		return nil, err
	}
	if hasDebt(view) {
		if ap, ok := view[market.ID]; ok {
			ap.shares = new(big.Int).Sub(ap.shares, units)
		}
		totals, err := e.riskTotals(view, now)
		if err != nil {
			return nil, err
		}
		if totals.liquidatable() {
			return nil, ErrHealthFactorTooLow
		}
	}

	newBalance := new(big.Int).Sub(balance, units)
	newShares, err := CheckedSub(market.TotalSupplyShares, units)
	if err != nil {
		return nil, err
	}
	newSupplied, err := CheckedSub(market.TotalSupplied, amount)
	if err != nil {
		return nil, err
	}

	market.TotalSupplyShares = newShares
	market.TotalSupplied = newSupplied
	if err := e.state.PutSupplyBalance(user, market.ID, newBalance); err != nil {
		return nil, err
	}
	if feesChanged {
		if err := e.state.PutFeeAccrual(market.ID, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return amount, nil
}

// Borrow draws amount from the pool against the caller's collateral. Any
// pending interest on the existing position is folded into the principal by
// re-basing the index snapshot. The post-borrow position must satisfy both
// the LTV origination limit and the health boundary. Returns the new total
// owed.
func (e *Engine) Borrow(user, marketID string, amount *big.Int, now uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard("borrow"); err != nil {
		return nil, err
	}
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, e.minBorrowAmount); err != nil {
		return nil, err
	}

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	fees, err := e.loadFees(market.ID)
	if err != nil {
		return nil, err
	}
	feesChanged, err := accrueMarket(market, fees, now)
	if err != nil {
		return nil, err
	}

	if amount.Cmp(market.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	position, err := e.state.GetBorrowPosition(user, market.ID)
	if err != nil {
		return nil, err
	}
	owed, err := debtOwed(position, market)
	if err != nil {
		return nil, err
	}
	newOwed, err := CheckedAdd(owed, amount)
	if err != nil {
		return nil, err
	}

	view, err := e.collectPositions(user, now, map[string]*Market{market.ID: market})
	if err != nil {
		return nil, err
	}
	ap, ok := view[market.ID]
	if !ok {
		ap = &accountPosition{market: market, shares: big.NewInt(0)}
		view[market.ID] = ap
	}
	ap.owed = newOwed
	totals, err := e.riskTotals(view, now)
	if err != nil {
		return nil, err
	}
	if totals.liquidatable() || totals.borrowCapacity.Cmp(totals.debtValue) < 0 {
		return nil, ErrHealthFactorTooLow
	}

	if position == nil {
		position = &BorrowPosition{User: user, MarketID: market.ID, CreatedAt: now}
	}
	position.Principal = newOwed
	position.IndexSnapshot = new(big.Int).Set(market.BorrowIndex)
	position.LastUpdated = now

	newBorrowed, err := CheckedAdd(market.TotalBorrowed, amount)
	if err != nil {
		return nil, err
	}
	market.TotalBorrowed = newBorrowed

	if err := e.state.PutBorrowPosition(position); err != nil {
		return nil, err
	}
	if feesChanged {
		if err := e.state.PutFeeAccrual(market.ID, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return newOwed, nil
}

// Repay pays down the caller's debt. Payment beyond the owed amount is not
// accepted: the caller is only charged the applied portion, which is
// returned. A position repaid to zero is closed.
func (e *Engine) Repay(user, marketID string, amount *big.Int, now uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard("repay"); err != nil {
		return nil, err
	}
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	fees, err := e.loadFees(market.ID)
	if err != nil {
		return nil, err
	}
	feesChanged, err := accrueMarket(market, fees, now)
	if err != nil {
		return nil, err
	}

	position, err := e.state.GetBorrowPosition(user, market.ID)
	if err != nil {
		return nil, err
	}
	owed, err := debtOwed(position, market)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNoDebt
	}

	applied := new(big.Int).Set(amount)
	if applied.Cmp(owed) > 0 {
		applied.Set(owed)
	}
	remaining := new(big.Int).Sub(owed, applied)

	if remaining.Sign() == 0 {
		if err := e.state.DeleteBorrowPosition(user, market.ID); err != nil {
			return nil, err
		}
	} else {
		position.Principal = remaining
		position.IndexSnapshot = new(big.Int).Set(market.BorrowIndex)
		position.LastUpdated = now
		if err := e.state.PutBorrowPosition(position); err != nil {
			return nil, err
		}
	}

	// Per-position flooring can leave the aggregate a hair behind the sum of
	// positions; clamp instead of underflowing.
	if applied.Cmp(market.TotalBorrowed) > 0 {
		market.TotalBorrowed = big.NewInt(0)
	} else {
		market.TotalBorrowed = new(big.Int).Sub(market.TotalBorrowed, applied)
	}

	if feesChanged {
		if err := e.state.PutFeeAccrual(market.ID, fees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return applied, nil
}

// HealthFactor values the user across all markets at now. A nil ratio means
// the user has no debt and is infinitely healthy.
func (e *Engine) HealthFactor(user string, now uint64) (*big.Rat, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.collectPositions(user, now, nil)
	if err != nil {
		return nil, err
	}
	totals, err := e.riskTotals(view, now)
	if err != nil {
		return nil, err
	}
	return totals.healthFactor(), nil
}

// WithdrawProtocolFees releases accrued treasury skim from a market. The
// asset transfer itself is the custody layer's job; the ledger only
// decrements the accumulator. Returns the withdrawn amount.
func (e *Engine) WithdrawProtocolFees(marketID string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if _, err := e.loadMarket(marketID); err != nil {
		return nil, err
	}
	fees, err := e.loadFees(strings.TrimSpace(marketID))
	if err != nil {
		return nil, err
	}
	if fees.ProtocolFees.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	fees.ProtocolFees = new(big.Int).Sub(fees.ProtocolFees, amount)
	if err := e.state.PutFeeAccrual(strings.TrimSpace(marketID), fees); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// Market returns a copy of the market's current record.
func (e *Engine) Market(marketID string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	return market.Clone(), nil
}

// Markets returns copies of every market.
func (e *Engine) Markets() ([]*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	markets, err := e.state.ListMarkets()
	if err != nil {
		return nil, err
	}
	out := make([]*Market, 0, len(markets))
	for _, market := range markets {
		out = append(out, market.Clone())
	}
	return out, nil
}

// Balances returns the user's claim units per market.
func (e *Engine) Balances(user string) (map[string]*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ListSupplyBalances(user)
}

// Positions returns copies of the user's open borrow positions.
func (e *Engine) Positions(user string) ([]*BorrowPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	positions, err := e.state.ListBorrowPositions(user)
	if err != nil {
		return nil, err
	}
	out := make([]*BorrowPosition, 0, len(positions))
	for _, position := range positions {
		out = append(out, position.Clone())
	}
	return out, nil
}

func hasDebt(view map[string]*accountPosition) bool {
	for _, ap := range view {
		if ap.owed != nil && ap.owed.Sign() > 0 {
			return true
		}
	}
	return false
}

func newReceiptID() string { return uuid.NewString() }
