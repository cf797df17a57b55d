// Package book holds the price-level order book for a single instrument.
//
// A Store has exactly one writer (the feed ingestor) and any number of
// readers. One RWMutex guards both sides, so every query observes a fully
// applied mutation.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const treeDegree = 32

var bpsScale = decimal.NewFromInt(10000)

// Store is the order book for one product
type Store struct {
	mu         sync.RWMutex
	product    string
	threshold  decimal.Decimal
	bids       *btree.BTreeG[PriceLevel]
	asks       *btree.BTreeG[PriceLevel]
	lastUpdate time.Time
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithRemovalThreshold removes a level when its quantity is at or below t.
// The default is zero, which removes exactly-zero levels only.
func WithRemovalThreshold(t decimal.Decimal) Option {
	return func(s *Store) {
		if t.Sign() >= 0 {
			s.threshold = t
		}
	}
}

// WithClock replaces time.Now for lastUpdate bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func byPrice(a, b PriceLevel) bool {
	return a.Price.LessThan(b.Price)
}

// New creates an empty book for product
func New(product string, opts ...Option) *Store {
	s := &Store{
		product:   product,
		threshold: decimal.Zero,
		bids:      btree.NewG(treeDegree, byPrice),
		asks:      btree.NewG(treeDegree, byPrice),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Product returns the instrument this book tracks
func (s *Store) Product() string { return s.product }

// RemovalThreshold returns the quantity at or below which levels are dropped
func (s *Store) RemovalThreshold() decimal.Decimal { return s.threshold }

// ApplyLevel sets the absolute quantity at price on side. A quantity at or
// below the removal threshold deletes the level. An unknown side or a
// negative price leaves both sides untouched. lastUpdate advances on every
// call.
func (s *Store) ApplyLevel(side Side, price, quantity decimal.Decimal, timestamp string) {
	s.Apply(LevelUpdate{Side: side, Price: price, Quantity: quantity, Timestamp: timestamp})
}

// Apply applies updates in order under a single write lock
func (s *Store) Apply(updates ...LevelUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		s.applyLocked(u)
	}
	s.touchLocked()
}

func (s *Store) applyLocked(u LevelUpdate) {
	var tree *btree.BTreeG[PriceLevel]
	switch u.Side {
	case Bid:
		tree = s.bids
	case Ask:
		tree = s.asks
	default:
		return
	}
	if u.Price.Sign() < 0 {
		return
	}

	if u.Quantity.LessThanOrEqual(s.threshold) {
		tree.Delete(PriceLevel{Price: u.Price})
		return
	}
	tree.ReplaceOrInsert(PriceLevel{Price: u.Price, Quantity: u.Quantity, Timestamp: u.Timestamp})
}

func (s *Store) touchLocked() {
	if t := s.now(); t.After(s.lastUpdate) {
		s.lastUpdate = t
	}
}

// Clear drops every level on both sides
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids.Clear(false)
	s.asks.Clear(false)
	s.touchLocked()
}

// BestBid returns the highest bid price, or zero when there are no bids
func (s *Store) BestBid() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestBidLocked()
}

// BestAsk returns the lowest ask price, or zero when there are no asks
func (s *Store) BestAsk() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestAskLocked()
}

// Spread returns best ask minus best bid, or zero unless both sides are
// populated. A crossed book yields a negative spread.
func (s *Store) Spread() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spreadLocked()
}

// SpreadBps returns spread / midpoint * 10000, or zero unless both sides
// are populated
func (s *Store) SpreadBps() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spreadBpsLocked()
}

// TopBids returns up to depth bids, best (highest) first
func (s *Store) TopBids(depth int) []PriceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return topLocked(s.bids, depth, true)
}

// TopAsks returns up to depth asks, best (lowest) first
func (s *Store) TopAsks(depth int) []PriceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return topLocked(s.asks, depth, false)
}

// BidLevels returns the number of bid levels
func (s *Store) BidLevels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bids.Len()
}

// AskLevels returns the number of ask levels
func (s *Store) AskLevels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asks.Len()
}

// LastUpdate returns the process time of the latest mutation. It is the zero
// time until the first one.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// View returns a consistent snapshot with up to depth levels per side
func (s *Store) View(depth int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Product:    s.product,
		BestBid:    s.bestBidLocked(),
		BestAsk:    s.bestAskLocked(),
		Spread:     s.spreadLocked(),
		SpreadBps:  s.spreadBpsLocked(),
		BidLevels:  s.bids.Len(),
		AskLevels:  s.asks.Len(),
		Bids:       topLocked(s.bids, depth, true),
		Asks:       topLocked(s.asks, depth, false),
		LastUpdate: s.lastUpdate,
	}
}

func (s *Store) bestBidLocked() decimal.Decimal {
	if lvl, ok := s.bids.Max(); ok {
		return lvl.Price
	}
	return decimal.Zero
}

func (s *Store) bestAskLocked() decimal.Decimal {
	if lvl, ok := s.asks.Min(); ok {
		return lvl.Price
	}
	return decimal.Zero
}

func (s *Store) spreadLocked() decimal.Decimal {
	if s.bids.Len() == 0 || s.asks.Len() == 0 {
		return decimal.Zero
	}
	return s.bestAskLocked().Sub(s.bestBidLocked())
}

func (s *Store) spreadBpsLocked() decimal.Decimal {
	if s.bids.Len() == 0 || s.asks.Len() == 0 {
		return decimal.Zero
	}
	bid, ask := s.bestBidLocked(), s.bestAskLocked()
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Mul(bpsScale).Div(mid)
}

func topLocked(tree *btree.BTreeG[PriceLevel], depth int, descending bool) []PriceLevel {
	if depth <= 0 {
		return []PriceLevel{}
	}
	n := depth
	if l := tree.Len(); l < n {
		n = l
	}
	out := make([]PriceLevel, 0, n)
	collect := func(lvl PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < depth
	}
	if descending {
		tree.Descend(collect)
	} else {
		tree.Ascend(collect)
	}
	return out
}
