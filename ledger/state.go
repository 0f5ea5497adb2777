package ledger

import "math/big"

// engineState is the narrow persistence contract the engine depends on. The
// KV-backed Store implements it for the daemon; tests substitute a map-backed
// mock. Get methods return nil (not an error) for absent records.
type engineState interface {
	GetMarket(id string) (*Market, error)
	PutMarket(market *Market) error
	ListMarkets() ([]*Market, error)

	GetSupplyBalance(user, marketID string) (*big.Int, error)
	PutSupplyBalance(user, marketID string, shares *big.Int) error
	ListSupplyBalances(user string) (map[string]*big.Int, error)

	GetBorrowPosition(user, marketID string) (*BorrowPosition, error)
	PutBorrowPosition(position *BorrowPosition) error
	DeleteBorrowPosition(user, marketID string) error
	ListBorrowPositions(user string) ([]*BorrowPosition, error)

	GetFeeAccrual(marketID string) (*FeeAccrual, error)
	PutFeeAccrual(marketID string, fees *FeeAccrual) error
}
