package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// PriceQuote carries an asset price in the shared quote currency, scaled by
// interestScale, along with the time the upstream feed reported it and the
// feed identifier.
type PriceQuote struct {
	PriceWad  *big.Int
	Timestamp uint64
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutation.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.PriceWad != nil {
		clone.PriceWad = new(big.Int).Set(q.PriceWad)
	}
	return clone
}

// PriceOracle resolves the current quote for an asset. Implementations do
// their own fetching; the engine only reads and applies the staleness bound.
type PriceOracle interface {
	Quote(asset string) (PriceQuote, error)
}

// ManualOracle is an in-process oracle whose quotes are pushed by an
// operator or a feeder process. It is the default price source for the
// daemon and for tests.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

// SetQuote records a quote for the asset, replacing any previous one.
func (o *ManualOracle) SetQuote(asset string, quote PriceQuote) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidParameters)
	}
	if quote.PriceWad == nil || quote.PriceWad.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidParameters)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[asset] = quote.Clone()
	return nil
}

// Quote returns the last pushed quote for the asset.
func (o *ManualOracle) Quote(asset string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	quote, ok := o.quotes[strings.TrimSpace(asset)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: no quote for %s", ErrStaleOracle, asset)
	}
	return quote.Clone(), nil
}
