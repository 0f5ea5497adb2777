package ledger

import (
	"errors"
	"math/big"
	"testing"
)

func TestHealthFactorNoDebtIsNil(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, nil), 0); err != nil {
		t.Fatalf("create market: %v", err)
	}
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)

	if _, err := engine.Supply("alice", "USD", big.NewInt(500), 0); err != nil {
		t.Fatalf("supply: %v", err)
	}
	hf, err := engine.HealthFactor("alice", 0)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf != nil {
		t.Fatalf("expected nil health factor without debt, got %s", hf)
	}
}

func TestHealthFactorCrossMarket(t *testing.T) {
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
	if _, err := engine.Supply("bob", "ETH", big.NewInt(150), 0); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Borrow("bob", "USD", big.NewInt(100), 0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	hf, err := engine.HealthFactor("bob", 0)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// 150 collateral at the 85% threshold against 100 debt.
	if want := big.NewRat(1275, 1000); hf.Cmp(want) != 0 {
		t.Fatalf("expected health factor 1.275, got %s", hf)
	}

	// A 40% collateral price drop sinks the account.
	setPrice(t, oracle, "ETH", wadPrice(6, 10), 0)
	hf, err = engine.HealthFactor("bob", 0)
	if err != nil {
		t.Fatalf("health factor after drop: %v", err)
	}
	if want := big.NewRat(765, 1000); hf.Cmp(want) != 0 {
		t.Fatalf("expected health factor 0.765, got %s", hf)
	}
	if hf.Cmp(ratOne) >= 0 {
		t.Fatalf("account should be under water")
	}
}

func TestHealthFactorValuesPendingInterest(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	if _, err := engine.CreateMarket(testParams("USD", 0, flatRates(testRatePerSecond)), 0); err != nil {
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

	setPrice(t, oracle, "USD", wadPrice(1, 1), doublingInterval)
	setPrice(t, oracle, "ETH", wadPrice(1, 1), doublingInterval)

	// Valuation accrues in memory without persisting: debt doubles to 200
	// against 170 weighted collateral.
	hf, err := engine.HealthFactor("bob", doublingInterval)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if want := big.NewRat(170, 200); hf.Cmp(want) != 0 {
		t.Fatalf("expected health factor 0.85, got %s", hf)
	}

	market, err := engine.Market("USD")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.BorrowIndex.Cmp(interestScale) != 0 {
		t.Fatalf("read-only valuation must not persist accrual, index %s", market.BorrowIndex)
	}
}

func TestStaleOracleFailsClosed(t *testing.T) {
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

	// Quotes are 300 seconds old at now=300: still at the bound.
	if _, err := engine.HealthFactor("bob", 300); err != nil {
		t.Fatalf("quote at max age must pass: %v", err)
	}
	// One second past the bound fails closed.
	if _, err := engine.HealthFactor("bob", 301); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle, got %v", err)
	}
	// Risk-bearing operations inherit the failure.
	if _, err := engine.Borrow("bob", "USD", big.NewInt(1), 301); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle on borrow, got %v", err)
	}
	if _, err := engine.Withdraw("bob", "ETH", big.NewInt(1), 301); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle on withdraw, got %v", err)
	}

	// A future-dated quote is treated as fresh.
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 1000)
	setPrice(t, oracle, "USD", wadPrice(1, 1), 1000)
	if _, err := engine.HealthFactor("bob", 301); err != nil {
		t.Fatalf("future quote should pass: %v", err)
	}

	// Repay needs no valuation and survives a dark oracle.
	setPrice(t, oracle, "ETH", wadPrice(1, 1), 0)
	setPrice(t, oracle, "USD", wadPrice(1, 1), 0)
	if _, err := engine.Repay("bob", "USD", big.NewInt(10), 400); err != nil {
		t.Fatalf("repay must not consult the oracle: %v", err)
	}
}

func TestManualOracleQuotes(t *testing.T) {
	oracle := NewManualOracle()
	if err := oracle.SetQuote("USD", PriceQuote{PriceWad: big.NewInt(0), Timestamp: 1}); err == nil {
		t.Fatalf("zero price must be rejected")
	}
	if err := oracle.SetQuote("USD", PriceQuote{PriceWad: wadPrice(1, 1), Timestamp: 1, Source: "ops"}); err != nil {
		t.Fatalf("set quote: %v", err)
	}
	quote, err := oracle.Quote("USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.PriceWad.Cmp(interestScale) != 0 || quote.Source != "ops" {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if _, err := oracle.Quote("GONE"); !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle for unknown asset, got %v", err)
	}
}
