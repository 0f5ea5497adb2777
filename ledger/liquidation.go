package ledger

import (
	"math/big"
	"strings"
)

// Liquidate lets the caller repay part of an unhealthy borrower's debt in
// exchange for the borrower's claim units in a collateral market of the
// caller's choice, plus a bonus. The debt market itself is a valid collateral
// market: a borrower backed only by the borrowed asset must still be
// unwindable, and with equal prices the seizure reduces to repay plus bonus.
// The repaid amount is capped first by the outstanding debt, then by the
// close factor, and finally by the borrower's actual collateral: when the
// seizure would exceed the borrower's units, the repay is shrunk
// proportionally so the exchange rate including the bonus is preserved.
func (e *Engine) Liquidate(liquidator, borrower, debtMarketID, collateralMarketID string, debtToRepay *big.Int, now uint64) (*LiquidationReceipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard("liquidate"); err != nil {
		return nil, err
	}
	if debtToRepay == nil || debtToRepay.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	liquidator, err := normalizeUser(liquidator)
	if err != nil {
		return nil, err
	}
	borrower, err = normalizeUser(borrower)
	if err != nil {
		return nil, err
	}
	if liquidator == borrower {
		return nil, ErrInvalidParameters
	}

	debtMarket, err := e.loadMarket(debtMarketID)
	if err != nil {
		return nil, err
	}
	debtFees, err := e.loadFees(debtMarket.ID)
	if err != nil {
		return nil, err
	}
	debtFeesChanged, err := accrueMarket(debtMarket, debtFees, now)
	if err != nil {
		return nil, err
	}

	collateralMarket, collateralFees := debtMarket, debtFees
	collateralFeesChanged := false
	if strings.TrimSpace(collateralMarketID) != debtMarket.ID {
		collateralMarket, err = e.loadMarket(collateralMarketID)
		if err != nil {
			return nil, err
		}
		collateralFees, err = e.loadFees(collateralMarket.ID)
		if err != nil {
			return nil, err
		}
		collateralFeesChanged, err = accrueMarket(collateralMarket, collateralFees, now)
		if err != nil {
			return nil, err
		}
	}

	position, err := e.state.GetBorrowPosition(borrower, debtMarket.ID)
	if err != nil {
		return nil, err
	}
	owed, err := debtOwed(position, debtMarket)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNoDebt
	}

	touched := map[string]*Market{debtMarket.ID: debtMarket, collateralMarket.ID: collateralMarket}
	view, err := e.collectPositions(borrower, now, touched)
	if err != nil {
		return nil, err
	}
	totals, err := e.riskTotals(view, now)
	if err != nil {
		return nil, err
	}
	if !totals.liquidatable() {
		return nil, ErrPositionHealthy
	}

	repaid := new(big.Int).Set(debtToRepay)
	if repaid.Cmp(owed) > 0 {
		repaid.Set(owed)
	}
	if e.closeFactorBps > 0 {
		maxClose, err := MulDiv(owed, new(big.Int).SetUint64(e.closeFactorBps), basisPoints)
		if err != nil {
			return nil, err
		}
		// Dust positions floor to a zero cap; close them in full so they do
		// not linger below the threshold forever.
		if maxClose.Sign() > 0 && repaid.Cmp(maxClose) > 0 {
			repaid.Set(maxClose)
		}
	}

	debtPrice, err := e.freshPrice(debtMarket.ID, now)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := e.freshPrice(collateralMarket.ID, now)
	if err != nil {
		return nil, err
	}

	bonusFactor := new(big.Int).SetUint64(bpsDenom + collateralMarket.LiquidationBonusBps)
	baseCollateral, err := MulDiv(repaid, debtPrice, collateralPrice)
	if err != nil {
		return nil, err
	}
	collateralAmount, err := MulDiv(baseCollateral, bonusFactor, basisPoints)
	if err != nil {
		return nil, err
	}
	if collateralMarket.TotalSupplyShares.Sign() == 0 || collateralMarket.TotalSupplied.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	seizedShares, err := MulDiv(collateralAmount, collateralMarket.TotalSupplyShares, collateralMarket.TotalSupplied)
	if err != nil {
		return nil, err
	}

	borrowerShares, err := e.loadBalance(borrower, collateralMarket.ID)
	if err != nil {
		return nil, err
	}
	if seizedShares.Cmp(borrowerShares) > 0 {
		// Seize everything the borrower has and shrink the repay so the
		// liquidator still receives the full bonus on what it pays.
		seizedShares = new(big.Int).Set(borrowerShares)
		collateralAmount, err = MulDiv(seizedShares, collateralMarket.TotalSupplied, collateralMarket.TotalSupplyShares)
		if err != nil {
			return nil, err
		}
		baseValue, err := MulDiv(collateralAmount, basisPoints, bonusFactor)
		if err != nil {
			return nil, err
		}
		repaid, err = MulDiv(baseValue, collateralPrice, debtPrice)
		if err != nil {
			return nil, err
		}
		if repaid.Cmp(owed) > 0 {
			repaid.Set(owed)
		}
	}
	if repaid.Sign() == 0 || seizedShares.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	remaining := new(big.Int).Sub(owed, repaid)
	if remaining.Sign() == 0 {
		if err := e.state.DeleteBorrowPosition(borrower, debtMarket.ID); err != nil {
			return nil, err
		}
	} else {
		position.Principal = remaining
		position.IndexSnapshot = new(big.Int).Set(debtMarket.BorrowIndex)
		position.LastUpdated = now
		if err := e.state.PutBorrowPosition(position); err != nil {
			return nil, err
		}
	}
	if repaid.Cmp(debtMarket.TotalBorrowed) > 0 {
		debtMarket.TotalBorrowed = big.NewInt(0)
	} else {
		debtMarket.TotalBorrowed = new(big.Int).Sub(debtMarket.TotalBorrowed, repaid)
	}

	newBorrowerShares := new(big.Int).Sub(borrowerShares, seizedShares)
	liquidatorShares, err := e.loadBalance(liquidator, collateralMarket.ID)
	if err != nil {
		return nil, err
	}
	newLiquidatorShares, err := CheckedAdd(liquidatorShares, seizedShares)
	if err != nil {
		return nil, err
	}
	if err := e.state.PutSupplyBalance(borrower, collateralMarket.ID, newBorrowerShares); err != nil {
		return nil, err
	}
	if err := e.state.PutSupplyBalance(liquidator, collateralMarket.ID, newLiquidatorShares); err != nil {
		return nil, err
	}

	if debtFeesChanged {
		if err := e.state.PutFeeAccrual(debtMarket.ID, debtFees); err != nil {
			return nil, err
		}
	}
	if collateralFeesChanged {
		if err := e.state.PutFeeAccrual(collateralMarket.ID, collateralFees); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(debtMarket); err != nil {
		return nil, err
	}
	if collateralMarket != debtMarket {
		if err := e.state.PutMarket(collateralMarket); err != nil {
			return nil, err
		}
	}

	return &LiquidationReceipt{
		ID:               newReceiptID(),
		Liquidator:       liquidator,
		Borrower:         borrower,
		DebtMarket:       debtMarket.ID,
		CollateralMarket: collateralMarket.ID,
		DebtRepaid:       repaid,
		CollateralSeized: collateralAmount,
		SeizedShares:     seizedShares,
		Timestamp:        now,
	}, nil
}
