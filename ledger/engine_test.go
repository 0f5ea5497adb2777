package ledger

import (
	"errors"
	"math/big"
	"testing"
)

type mockState struct {
	markets   map[string]*Market
	balances  map[string]map[string]*big.Int
	positions map[string]map[string]*BorrowPosition
	fees      map[string]*FeeAccrual
}

func newMockState() *mockState {
	return &mockState{
		markets:   make(map[string]*Market),
		balances:  make(map[string]map[string]*big.Int),
		positions: make(map[string]map[string]*BorrowPosition),
		fees:      make(map[string]*FeeAccrual),
	}
}

func (m *mockState) GetMarket(id string) (*Market, error) {
	return m.markets[id].Clone(), nil
}

func (m *mockState) PutMarket(market *Market) error {
	m.markets[market.ID] = market.Clone()
	return nil
}

func (m *mockState) ListMarkets() ([]*Market, error) {
	out := make([]*Market, 0, len(m.markets))
	for _, market := range m.markets {
		out = append(out, market.Clone())
	}
	return out, nil
}

func (m *mockState) GetSupplyBalance(user, marketID string) (*big.Int, error) {
	byMarket := m.balances[user]
	if byMarket == nil || byMarket[marketID] == nil {
		return nil, nil
	}
	return new(big.Int).Set(byMarket[marketID]), nil
}

func (m *mockState) PutSupplyBalance(user, marketID string, shares *big.Int) error {
	if m.balances[user] == nil {
		m.balances[user] = make(map[string]*big.Int)
	}
	if shares == nil || shares.Sign() == 0 {
		delete(m.balances[user], marketID)
		return nil
	}
	m.balances[user][marketID] = new(big.Int).Set(shares)
	return nil
}

func (m *mockState) ListSupplyBalances(user string) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	for id, shares := range m.balances[user] {
		out[id] = new(big.Int).Set(shares)
	}
	return out, nil
}

func (m *mockState) GetBorrowPosition(user, marketID string) (*BorrowPosition, error) {
	byMarket := m.positions[user]
	if byMarket == nil {
		return nil, nil
	}
	return byMarket[marketID].Clone(), nil
}

func (m *mockState) PutBorrowPosition(position *BorrowPosition) error {
	if m.positions[position.User] == nil {
		m.positions[position.User] = make(map[string]*BorrowPosition)
	}
	m.positions[position.User][position.MarketID] = position.Clone()
	return nil
}

func (m *mockState) DeleteBorrowPosition(user, marketID string) error {
	delete(m.positions[user], marketID)
	return nil
}

func (m *mockState) ListBorrowPositions(user string) ([]*BorrowPosition, error) {
	out := make([]*BorrowPosition, 0, len(m.positions[user]))
	for _, position := range m.positions[user] {
		out = append(out, position.Clone())
	}
	return out, nil
}

func (m *mockState) GetFeeAccrual(marketID string) (*FeeAccrual, error) {
	return m.fees[marketID].Clone(), nil
}

func (m *mockState) PutFeeAccrual(marketID string, fees *FeeAccrual) error {
	m.fees[marketID] = fees.Clone()
	return nil
}

// flatRates charges ratePerSecond at any utilisation, which keeps accrual
// arithmetic predictable in tests.
func flatRates(ratePerSecond int64) *RateModel {
	return &RateModel{
		BaseRatePerSecond:     big.NewInt(ratePerSecond),
		Slope1PerSecond:       big.NewInt(0),
		Slope2PerSecond:       big.NewInt(0),
		OptimalUtilizationBps: 8000,
	}
}

func testParams(id string, feeBps uint64, rates *RateModel) MarketParams {
	if rates == nil {
		rates = flatRates(0)
	}
	return MarketParams{
		ID:                      id,
		LTVBps:                  7500,
		LiquidationThresholdBps: 8500,
		LiquidationBonusBps:     500,
		ProtocolFeeBps:          feeBps,
		Rates:                   rates,
	}
}

func wadPrice(numerator, denominator int64) *big.Int {
	price := new(big.Int).Mul(big.NewInt(numerator), interestScale)
	return price.Quo(price, big.NewInt(denominator))
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *ManualOracle) {
	t.Helper()
	state := newMockState()
	oracle := NewManualOracle()
	return NewEngine(state, oracle), state, oracle
}

func setPrice(t *testing.T, oracle *ManualOracle, asset string, price *big.Int, ts uint64) {
	t.Helper()
	if err := oracle.SetQuote(asset, PriceQuote{PriceWad: price, Timestamp: ts, Source: "test"}); err != nil {
		t.Fatalf("set quote for %s: %v", asset, err)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	params := testParams("USD", 0, nil)
	if _, err := engine.CreateMarket(params, 10); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := engine.CreateMarket(params, 10); !errors.Is(err, ErrMarketExists) {
		t.Fatalf("expected ErrMarketExists, got %v", err)
	}

	bad := testParams("BAD", 0, nil)
	bad.LTVBps = 9000 // above the threshold
	if _, err := engine.CreateMarket(bad, 10); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	bad = testParams("", 0, nil)
	if _, err := engine.CreateMarket(bad, 10); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for blank id, got %v", err)
	}

	market, err := engine.Market("USD")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.SupplyIndex.Cmp(interestScale) != 0 || market.BorrowIndex.Cmp(interestScale) != 0 {
		t.Fatalf("new market indexes must start at scale: %s / %s", market.SupplyIndex, market.BorrowIndex)
	}
	if market.CreatedAt != 10 || market.LastAccrualTime != 10 {
		t.Fatalf("unexpected timestamps: %d / %d", market.CreatedAt, market.LastAccrualTime)
	}
}

func TestSupplyMintsSharesAtExchangeRate(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}

	minted, err := engine.Supply("alice", "USD", big.NewInt(1000), 0)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if minted.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("first deposit must mint 1:1, got %s", minted)
	}

	// Donate interest by inflating the pool: 1000 shares now back 2000 units.
	market := state.markets["USD"]
	market.TotalSupplied = big.NewInt(2000)

	minted, err = engine.Supply("bob", "USD", big.NewInt(500), 0)
	if err != nil {
		t.Fatalf("second supply: %v", err)
	}
	if minted.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected 250 shares for 500 units at 2.0 rate, got %s", minted)
	}

	if _, err := engine.Supply("bob", "USD", big.NewInt(0), 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	// One unit into a 2.0 exchange rate floors to zero shares.
	if _, err := engine.Supply("bob", "USD", big.NewInt(1), 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for sub-share deposit, got %v", err)
	}
}

func TestWithdrawRoundTripExact(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}

	minted, err := engine.Supply("alice", "USD", big.NewInt(12345), 7)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	amount, err := engine.Withdraw("alice", "USD", minted, 7)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("round trip with no accrual must be exact, got %s", amount)
	}

	market, err := engine.Market("USD")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.TotalSupplied.Sign() != 0 || market.TotalSupplyShares.Sign() != 0 {
		t.Fatalf("pool should be empty after full exit: %s / %s", market.TotalSupplied, market.TotalSupplyShares)
	}
}

func TestWithdrawRejectsOverdraftAndLockedLiquidity(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create USD: %v", err)
	}
	if _, err := engine.CreateMarket(testParams("ETH", 0, nil), 0); err != nil {
		t.Fatalf("create ETH: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 0)

	if _, err := engine.Supply("alice", "USD", big.NewInt(1000), 0); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := engine.Withdraw("alice", "USD", big.NewInt(2000), 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if _, err := engine.Supply("bob", "ETH", big.NewInt(2000), 0); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Borrow("bob", "USD", big.NewInt(900), 0); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// 900 of the 1000 pool is out on loan.
	if _, err := engine.Withdraw("alice", "USD", big.NewInt(500), 0); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := engine.Withdraw("alice", "USD", big.NewInt(100), 0); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestWithdrawBlockedByHealthFactor(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create USD: %v", err)
	}
	if _, err := engine.CreateMarket(testParams("ETH", 0, nil), 0); err != nil {
		t.Fatalf("create ETH: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 0)

	if _, err := engine.Supply("lender", "USD", big.NewInt(1000), 0); err != nil {
		t.Fatalf("supply pool: %v", err)
	}
	if _, err := engine.Supply("bob", "ETH", big.NewInt(200), 0); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Borrow("bob", "USD", big.NewInt(100), 0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Pulling 100 ETH leaves weighted collateral 85 against 100 debt.
	if _, err := engine.Withdraw("bob", "ETH", big.NewInt(100), 0); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	// 50 keeps weighted collateral at 127.5 against 100 debt.
	if _, err := engine.Withdraw("bob", "ETH", big.NewInt(50), 0); err != nil {
		t.Fatalf("withdraw within health: %v", err)
	}
}

func TestBorrowOriginationLimits(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create USD: %v", err)
	}
	if _, err := engine.CreateMarket(testParams("ETH", 0, nil), 0); err != nil {
		t.Fatalf("create ETH: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 0)

	if _, err := engine.Supply("lender", "USD", big.NewInt(1000), 0); err != nil {
		t.Fatalf("supply pool: %v", err)
	}
	if _, err := engine.Supply("bob", "ETH", big.NewInt(100), 0); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}

	// Capacity is 100 * 75% = 75.
	if _, err := engine.Borrow("bob", "USD", big.NewInt(76), 0); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow above LTV, got %v", err)
	}
	owed, err := engine.Borrow("bob", "USD", big.NewInt(75), 0)
	if err != nil {
		t.Fatalf("borrow at LTV boundary: %v", err)
	}
	if owed.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("expected owed 75, got %s", owed)
	}

	if _, err := engine.Borrow("nobody", "USD", big.NewInt(10000), 0); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := engine.Borrow("nobody", "USD", big.NewInt(10), 0); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow without collateral, got %v", err)
	}
}

func TestRepayCapsAtOwedAndClosesPosition(t *testing.T) {
	engine, state, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create USD: %v", err)
	}
	if _, err := engine.CreateMarket(testParams("ETH", 0, nil), 0); err != nil {
		t.Fatalf("create ETH: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 0)

	if _, err := engine.Supply("lender", "USD", big.NewInt(1000), 0); err != nil {
		t.Fatalf("supply pool: %v", err)
	}
	if _, err := engine.Supply("bob", "ETH", big.NewInt(200), 0); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Borrow("bob", "USD", big.NewInt(100), 0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	applied, err := engine.Repay("bob", "USD", big.NewInt(40), 0)
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if applied.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected 40 applied, got %s", applied)
	}

	applied, err = engine.Repay("bob", "USD", big.NewInt(500), 0)
	if err != nil {
		t.Fatalf("overpay repay: %v", err)
	}
	if applied.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("overpayment must be clipped to the remaining 60, got %s", applied)
	}
	if state.positions["bob"]["USD"] != nil {
		t.Fatalf("position should be deleted after full repay")
	}
	market, err := engine.Market("USD")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected zero outstanding debt, got %s", market.TotalBorrowed)
	}

	if _, err := engine.Repay("bob", "USD", big.NewInt(10), 0); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestActionPausesAndMinimums(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}
	engine.SetPauses(ActionPauses{Supply: true})
	if _, err := engine.Supply("alice", "USD", big.NewInt(100), 0); !errors.Is(err, ErrActionPaused) {
		t.Fatalf("expected ErrActionPaused, got %v", err)
	}
	engine.SetPauses(ActionPauses{})

	engine.SetMinimumAmounts(big.NewInt(50), nil)
	if _, err := engine.Supply("alice", "USD", big.NewInt(49), 0); !errors.Is(err, ErrAmountBelowMinimum) {
		t.Fatalf("expected ErrAmountBelowMinimum, got %v", err)
	}
	if _, err := engine.Supply("alice", "USD", big.NewInt(50), 0); err != nil {
		t.Fatalf("supply at minimum: %v", err)
	}
}

func TestWithdrawProtocolFees(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 1000, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}
	state.fees["USD"] = &FeeAccrual{ProtocolFees: big.NewInt(300)}

	withdrawn, err := engine.WithdrawProtocolFees("USD", big.NewInt(200))
	if err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	if withdrawn.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected 200 withdrawn, got %s", withdrawn)
	}
	if state.fees["USD"].ProtocolFees.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 remaining, got %s", state.fees["USD"].ProtocolFees)
	}
	if _, err := engine.WithdrawProtocolFees("USD", big.NewInt(500)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := engine.WithdrawProtocolFees("GONE", big.NewInt(1)); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestIdentifierSlashesRejected(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD/X", 0, nil), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in market id, got %v", err)
	}
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)

	// A slash inside a user name would alias another (user, market) record in
	// the composite storage keys.
	if _, err := engine.Supply("a/b", "USD", big.NewInt(100), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in supplier, got %v", err)
	}
	if _, err := engine.Withdraw("a/b", "USD", big.NewInt(1), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in withdrawer, got %v", err)
	}
	if _, err := engine.Borrow("a/b", "USD", big.NewInt(1), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in borrower, got %v", err)
	}
	if _, err := engine.Repay("a/b", "USD", big.NewInt(1), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in repayer, got %v", err)
	}
	if _, err := engine.Liquidate("a/b", "bob", "USD", "USD", big.NewInt(1), 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for slash in liquidator, got %v", err)
	}
}
