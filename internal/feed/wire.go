package feed

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Coinbase Advanced Trade channel and event tags
const (
	ChannelLevel2        = "l2_data"
	ChannelSubscriptions = "subscriptions"
	ChannelHeartbeats    = "heartbeats"

	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

// envelope is decoded first; events are only decoded for book channels
type envelope struct {
	Channel     string          `json:"channel"`
	Type        string          `json:"type,omitempty"`    // set on error frames
	Message     string          `json:"message,omitempty"` // error text
	ClientID    string          `json:"client_id,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	SequenceNum int64           `json:"sequence_num,omitempty"`
	Events      json.RawMessage `json:"events"`
}

// Event groups price level updates of one type
type Event struct {
	Type      string   `json:"type"`
	ProductID string   `json:"product_id,omitempty"`
	Updates   []Update `json:"updates"`
}

// Update is a single price level assertion. Pointers distinguish absent
// fields from zero values.
type Update struct {
	Side        *string          `json:"side"`
	EventTime   *string          `json:"event_time,omitempty"`
	PriceLevel  *decimal.Decimal `json:"price_level"`
	NewQuantity *decimal.Decimal `json:"new_quantity"`
}

type heartbeatEvent struct {
	CurrentTime      string `json:"current_time"`
	HeartbeatCounter int64  `json:"heartbeat_counter"`
}

type subscriptionsEvent struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}
