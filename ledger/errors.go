package ledger

import "errors"

var (
	// ErrNilState indicates the engine has not been wired to a persistence layer.
	ErrNilState = errors.New("ledger: state not configured")
	// ErrNilOracle indicates no price source has been configured.
	ErrNilOracle = errors.New("ledger: oracle not configured")
	// ErrMarketNotFound indicates the referenced market has never been created.
	ErrMarketNotFound = errors.New("ledger: market not found")
	// ErrMarketExists rejects creation of a market that already exists.
	ErrMarketExists = errors.New("ledger: market already exists")
	// ErrZeroAmount rejects operations on a zero or negative amount.
	ErrZeroAmount = errors.New("ledger: amount must be positive")
	// ErrAmountBelowMinimum rejects amounts below the configured floor.
	ErrAmountBelowMinimum = errors.New("ledger: amount below configured minimum")
	// ErrInsufficientBalance indicates the caller holds fewer units than requested.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientLiquidity indicates the pool cannot cover the requested amount.
	ErrInsufficientLiquidity = errors.New("ledger: insufficient liquidity")
	// ErrHealthFactorTooLow indicates the operation would leave the account
	// below the solvency boundary.
	ErrHealthFactorTooLow = errors.New("ledger: health factor below 1")
	// ErrPositionHealthy rejects liquidation of a solvent position.
	ErrPositionHealthy = errors.New("ledger: position not eligible for liquidation")
	// ErrNoDebt indicates the account has no outstanding debt in the market.
	ErrNoDebt = errors.New("ledger: no outstanding debt")
	// ErrStaleOracle indicates the price quote is older than the configured
	// maximum age. Operations depending on it fail closed.
	ErrStaleOracle = errors.New("ledger: oracle price is stale")
	// ErrArithmeticOverflow indicates a checked operation exceeded the balance bound.
	ErrArithmeticOverflow = errors.New("ledger: arithmetic overflow")
	// ErrArithmeticUnderflow indicates a checked subtraction went negative.
	ErrArithmeticUnderflow = errors.New("ledger: arithmetic underflow")
	// ErrInvalidParameters rejects malformed market or model parameters.
	ErrInvalidParameters = errors.New("ledger: invalid parameters")
	// ErrActionPaused indicates the requested flow is administratively halted.
	ErrActionPaused = errors.New("ledger: action paused")
)
