package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"creditd/storage"
)

// Stored record shapes. Big integers travel as decimal strings so the RLP
// encoding stays stable across value magnitudes.

type storedMarket struct {
	ID                      string
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	ProtocolFeeBps          uint64
	TotalSupplied           string
	TotalBorrowed           string
	TotalSupplyShares       string
	SupplyIndex             string
	BorrowIndex             string
	LastAccrualTime         uint64
	CreatedAt               uint64
	BaseRatePerSecond       string
	Slope1PerSecond         string
	Slope2PerSecond         string
	OptimalUtilizationBps   uint64
}

type storedPosition struct {
	User          string
	MarketID      string
	Principal     string
	IndexSnapshot string
	CreatedAt     uint64
	LastUpdated   uint64
}

type storedBalance struct {
	Shares string
}

type storedFees struct {
	ProtocolFees string
}

type storedIndex struct {
	Entries []string
}

// Store persists ledger records in a key-value database and implements the
// engine's state contract.
type Store struct {
	db storage.Database
}

// NewStore wraps the provided database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("store: invalid amount %q", raw)
	}
	return v, nil
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) put(key []byte, record interface{}) error {
	raw, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw)
}

func (s *Store) addToIndex(key []byte, entry string) error {
	var idx storedIndex
	if _, err := s.get(key, &idx); err != nil {
		return err
	}
	for _, existing := range idx.Entries {
		if existing == entry {
			return nil
		}
	}
	idx.Entries = append(idx.Entries, entry)
	sort.Strings(idx.Entries)
	return s.put(key, &idx)
}

func (s *Store) removeFromIndex(key []byte, entry string) error {
	var idx storedIndex
	found, err := s.get(key, &idx)
	if err != nil || !found {
		return err
	}
	kept := idx.Entries[:0]
	for _, existing := range idx.Entries {
		if existing != entry {
			kept = append(kept, existing)
		}
	}
	idx.Entries = kept
	return s.put(key, &idx)
}

// GetMarket loads a market, returning nil when it has never been created.
func (s *Store) GetMarket(id string) (*Market, error) {
	var rec storedMarket
	found, err := s.get(marketKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	market := &Market{
		ID:                      rec.ID,
		LTVBps:                  rec.LTVBps,
		LiquidationThresholdBps: rec.LiquidationThresholdBps,
		LiquidationBonusBps:     rec.LiquidationBonusBps,
		ProtocolFeeBps:          rec.ProtocolFeeBps,
		LastAccrualTime:         rec.LastAccrualTime,
		CreatedAt:               rec.CreatedAt,
		Rates:                   &RateModel{OptimalUtilizationBps: rec.OptimalUtilizationBps},
	}
	fields := []struct {
		dst **big.Int
		raw string
	}{
		{&market.TotalSupplied, rec.TotalSupplied},
		{&market.TotalBorrowed, rec.TotalBorrowed},
		{&market.TotalSupplyShares, rec.TotalSupplyShares},
		{&market.SupplyIndex, rec.SupplyIndex},
		{&market.BorrowIndex, rec.BorrowIndex},
		{&market.Rates.BaseRatePerSecond, rec.BaseRatePerSecond},
		{&market.Rates.Slope1PerSecond, rec.Slope1PerSecond},
		{&market.Rates.Slope2PerSecond, rec.Slope2PerSecond},
	}
	for _, f := range fields {
		v, err := decodeAmount(f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return market, nil
}

// PutMarket persists the market and maintains the market index.
func (s *Store) PutMarket(market *Market) error {
	if market == nil {
		return fmt.Errorf("store: nil market")
	}
	rec := storedMarket{
		ID:                      market.ID,
		LTVBps:                  market.LTVBps,
		LiquidationThresholdBps: market.LiquidationThresholdBps,
		LiquidationBonusBps:     market.LiquidationBonusBps,
		ProtocolFeeBps:          market.ProtocolFeeBps,
		TotalSupplied:           encodeAmount(market.TotalSupplied),
		TotalBorrowed:           encodeAmount(market.TotalBorrowed),
		TotalSupplyShares:       encodeAmount(market.TotalSupplyShares),
		SupplyIndex:             encodeAmount(market.SupplyIndex),
		BorrowIndex:             encodeAmount(market.BorrowIndex),
		LastAccrualTime:         market.LastAccrualTime,
		CreatedAt:               market.CreatedAt,
	}
	if market.Rates != nil {
		rec.BaseRatePerSecond = encodeAmount(market.Rates.BaseRatePerSecond)
		rec.Slope1PerSecond = encodeAmount(market.Rates.Slope1PerSecond)
		rec.Slope2PerSecond = encodeAmount(market.Rates.Slope2PerSecond)
		rec.OptimalUtilizationBps = market.Rates.OptimalUtilizationBps
	}
	if err := s.put(marketKey(market.ID), &rec); err != nil {
		return err
	}
	return s.addToIndex(marketIndexKey, market.ID)
}

// ListMarkets returns every market, sorted by ID.
func (s *Store) ListMarkets() ([]*Market, error) {
	var idx storedIndex
	if _, err := s.get(marketIndexKey, &idx); err != nil {
		return nil, err
	}
	markets := make([]*Market, 0, len(idx.Entries))
	for _, id := range idx.Entries {
		market, err := s.GetMarket(id)
		if err != nil {
			return nil, err
		}
		if market != nil {
			markets = append(markets, market)
		}
	}
	return markets, nil
}

// GetSupplyBalance loads a user's claim units in a market; zero when absent.
func (s *Store) GetSupplyBalance(user, marketID string) (*big.Int, error) {
	var rec storedBalance
	found, err := s.get(balanceKey(user, marketID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return decodeAmount(rec.Shares)
}

// PutSupplyBalance stores a user's claim units, deleting the record and its
// index entry when the balance reaches zero.
func (s *Store) PutSupplyBalance(user, marketID string, shares *big.Int) error {
	if shares == nil || shares.Sign() == 0 {
		if err := s.db.Delete(balanceKey(user, marketID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.removeFromIndex(balanceIndexKey(user), marketID)
	}
	if err := s.put(balanceKey(user, marketID), &storedBalance{Shares: encodeAmount(shares)}); err != nil {
		return err
	}
	return s.addToIndex(balanceIndexKey(user), marketID)
}

// ListSupplyBalances returns each market the user holds claim units in.
func (s *Store) ListSupplyBalances(user string) (map[string]*big.Int, error) {
	var idx storedIndex
	if _, err := s.get(balanceIndexKey(user), &idx); err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, len(idx.Entries))
	for _, marketID := range idx.Entries {
		shares, err := s.GetSupplyBalance(user, marketID)
		if err != nil {
			return nil, err
		}
		if shares.Sign() > 0 {
			out[marketID] = shares
		}
	}
	return out, nil
}

// GetBorrowPosition loads a debt record, nil when the user owes nothing.
func (s *Store) GetBorrowPosition(user, marketID string) (*BorrowPosition, error) {
	var rec storedPosition
	found, err := s.get(positionKey(user, marketID), &rec)
	if err != nil || !found {
		return nil, err
	}
	principal, err := decodeAmount(rec.Principal)
	if err != nil {
		return nil, err
	}
	snapshot, err := decodeAmount(rec.IndexSnapshot)
	if err != nil {
		return nil, err
	}
	return &BorrowPosition{
		User:          rec.User,
		MarketID:      rec.MarketID,
		Principal:     principal,
		IndexSnapshot: snapshot,
		CreatedAt:     rec.CreatedAt,
		LastUpdated:   rec.LastUpdated,
	}, nil
}

// PutBorrowPosition persists a debt record and its per-user index entry.
func (s *Store) PutBorrowPosition(position *BorrowPosition) error {
	if position == nil {
		return fmt.Errorf("store: nil position")
	}
	rec := storedPosition{
		User:          position.User,
		MarketID:      position.MarketID,
		Principal:     encodeAmount(position.Principal),
		IndexSnapshot: encodeAmount(position.IndexSnapshot),
		CreatedAt:     position.CreatedAt,
		LastUpdated:   position.LastUpdated,
	}
	if err := s.put(positionKey(position.User, position.MarketID), &rec); err != nil {
		return err
	}
	return s.addToIndex(positionIndexKey(position.User), position.MarketID)
}

// DeleteBorrowPosition removes a closed debt record.
func (s *Store) DeleteBorrowPosition(user, marketID string) error {
	if err := s.db.Delete(positionKey(user, marketID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.removeFromIndex(positionIndexKey(user), marketID)
}

// ListBorrowPositions returns all of a user's open debt records.
func (s *Store) ListBorrowPositions(user string) ([]*BorrowPosition, error) {
	var idx storedIndex
	if _, err := s.get(positionIndexKey(user), &idx); err != nil {
		return nil, err
	}
	positions := make([]*BorrowPosition, 0, len(idx.Entries))
	for _, marketID := range idx.Entries {
		position, err := s.GetBorrowPosition(user, marketID)
		if err != nil {
			return nil, err
		}
		if position != nil {
			positions = append(positions, position)
		}
	}
	return positions, nil
}

// GetFeeAccrual loads a market's treasury accumulator, nil when untouched.
func (s *Store) GetFeeAccrual(marketID string) (*FeeAccrual, error) {
	var rec storedFees
	found, err := s.get(feeKey(marketID), &rec)
	if err != nil || !found {
		return nil, err
	}
	fees, err := decodeAmount(rec.ProtocolFees)
	if err != nil {
		return nil, err
	}
	return &FeeAccrual{ProtocolFees: fees}, nil
}

// PutFeeAccrual persists a market's treasury accumulator.
func (s *Store) PutFeeAccrual(marketID string, fees *FeeAccrual) error {
	if fees == nil {
		return fmt.Errorf("store: nil fee accrual")
	}
	return s.put(feeKey(marketID), &storedFees{ProtocolFees: encodeAmount(fees.ProtocolFees)})
}
