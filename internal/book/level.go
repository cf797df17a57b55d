package book

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of the book a level belongs to
type Side int8

const (
	// SideUnknown is the zero value and never stored
	SideUnknown Side = iota
	Bid
	Ask
)

// ParseSide maps the feed's side tag onto a Side. Coinbase tags the ask
// side "offer"; "ask" is accepted as an alias.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "bid":
		return Bid, nil
	case "offer", "ask":
		return Ask, nil
	default:
		return SideUnknown, fmt.Errorf("unknown side %q", s)
	}
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// PriceLevel is the outstanding quantity at one price on one side
type PriceLevel struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp string          `json:"timestamp,omitempty"` // feed event time, opaque
}

// Notional returns price * quantity
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// LevelUpdate sets the absolute quantity at one price
type LevelUpdate struct {
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp string
}

// Snapshot is a point-in-time view of the book taken under one read lock
type Snapshot struct {
	Product    string          `json:"product"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Spread     decimal.Decimal `json:"spread"`
	SpreadBps  decimal.Decimal `json:"spread_bps"`
	BidLevels  int             `json:"bid_levels"`
	AskLevels  int             `json:"ask_levels"`
	Bids       []PriceLevel    `json:"bids"`
	Asks       []PriceLevel    `json:"asks"`
	LastUpdate time.Time       `json:"last_update"`
}

// Crossed reports whether the best bid is at or above the best ask.
// Crossed books are reported, never corrected.
func (s Snapshot) Crossed() bool {
	if s.BidLevels == 0 || s.AskLevels == 0 {
		return false
	}
	return s.BestBid.GreaterThanOrEqual(s.BestAsk)
}

// Midpoint returns (bid+ask)/2, or zero when either side is empty
func (s Snapshot) Midpoint() decimal.Decimal {
	if s.BidLevels == 0 || s.AskLevels == 0 {
		return decimal.Zero
	}
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}
