// Package feed turns raw market data frames into order book mutations.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/l2view/internal/book"
)

// Bounds on the decimal scale of prices and quantities. Values outside
// them would make every book comparison rescale to a huge big.Int.
const (
	maxExponent = 32
	maxDigits   = 40
)

// Outcome labels for handled messages
const (
	ResultApplied     = "applied"
	ResultIgnored     = "ignored"
	ResultDecodeError = "decode_error"
)

// Book is the mutation side of book.Store
type Book interface {
	Apply(updates ...book.LevelUpdate)
	RemovalThreshold() decimal.Decimal
}

// Recorder receives per-message and per-level outcomes
type Recorder interface {
	MessageHandled(result string)
	LevelApplied(side book.Side, removed bool)
}

type nopRecorder struct{}

func (nopRecorder) MessageHandled(string) {}

func (nopRecorder) LevelApplied(book.Side, bool) {}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Channel  string // book channel tag, defaults to l2_data
	Product  string // events for other products are ignored; empty accepts all
	Recorder Recorder
	Logger   *zerolog.Logger
}

// Dispatcher decodes one feed message at a time and applies it to a Book
type Dispatcher struct {
	book     Book
	channel  string
	product  string
	recorder Recorder
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher writing into b
func NewDispatcher(b Book, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		book:     b,
		channel:  cfg.Channel,
		product:  cfg.Product,
		recorder: cfg.Recorder,
		logger:   log.Logger.With().Str("component", "dispatcher").Logger(),
	}
	if d.channel == "" {
		d.channel = ChannelLevel2
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if cfg.Logger != nil {
		d.logger = *cfg.Logger
	}
	return d
}

// Handle decodes message and applies every level it carries. A message that
// fails to decode is discarded as a whole and reported once; the returned
// *DecodeError is informational and the dispatcher is ready for the next
// message.
func (d *Dispatcher) Handle(message []byte) error {
	updates, relevant, err := d.decode(message)
	if err != nil {
		d.recorder.MessageHandled(ResultDecodeError)
		d.logger.Warn().
			Err(err).
			Str("message", prefix(message)).
			Msg("Error parsing feed message")
		return err
	}
	if !relevant {
		d.recorder.MessageHandled(ResultIgnored)
		return nil
	}

	d.book.Apply(updates...)

	threshold := d.book.RemovalThreshold()
	for _, u := range updates {
		d.recorder.LevelApplied(u.Side, u.Quantity.LessThanOrEqual(threshold))
	}
	d.recorder.MessageHandled(ResultApplied)
	return nil
}

// decode validates the whole message before anything is applied
func (d *Dispatcher) decode(message []byte) ([]book.LevelUpdate, bool, error) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, false, newDecodeError("malformed_json", message, err)
	}

	switch env.Channel {
	case d.channel:
	case ChannelHeartbeats:
		d.logHeartbeat(env.Events)
		return nil, false, nil
	case ChannelSubscriptions:
		d.logSubscriptions(env.Events)
		return nil, false, nil
	default:
		if env.Type == "error" {
			d.logger.Error().Str("reason", env.Message).Msg("Feed reported an error")
		}
		return nil, false, nil
	}

	if len(env.Events) == 0 {
		return nil, false, newDecodeError("missing_events", message, nil)
	}
	var events []Event
	if err := json.Unmarshal(env.Events, &events); err != nil {
		return nil, false, newDecodeError("malformed_events", message, err)
	}

	var (
		updates  []book.LevelUpdate
		relevant bool
	)
	for i, ev := range events {
		if ev.Type != EventSnapshot && ev.Type != EventUpdate {
			continue
		}
		if d.product != "" && ev.ProductID != "" && !strings.EqualFold(ev.ProductID, d.product) {
			continue
		}
		relevant = true
		for j, u := range ev.Updates {
			lu, err := toLevelUpdate(u)
			if err != nil {
				return nil, false, newDecodeError("invalid_update", message,
					fmt.Errorf("event %d update %d: %w", i, j, err))
			}
			updates = append(updates, lu)
		}
	}
	return updates, relevant, nil
}

func toLevelUpdate(u Update) (book.LevelUpdate, error) {
	if u.Side == nil {
		return book.LevelUpdate{}, fmt.Errorf("missing side")
	}
	side, err := book.ParseSide(*u.Side)
	if err != nil {
		return book.LevelUpdate{}, err
	}
	if u.PriceLevel == nil {
		return book.LevelUpdate{}, fmt.Errorf("missing price_level")
	}
	if err := checkScale("price_level", *u.PriceLevel); err != nil {
		return book.LevelUpdate{}, err
	}
	if u.PriceLevel.Sign() <= 0 {
		return book.LevelUpdate{}, fmt.Errorf("price_level must be positive, got %s", u.PriceLevel)
	}
	if u.NewQuantity == nil {
		return book.LevelUpdate{}, fmt.Errorf("missing new_quantity")
	}
	if err := checkScale("new_quantity", *u.NewQuantity); err != nil {
		return book.LevelUpdate{}, err
	}
	if u.NewQuantity.Sign() < 0 {
		return book.LevelUpdate{}, fmt.Errorf("new_quantity must not be negative, got %s", u.NewQuantity)
	}

	lu := book.LevelUpdate{Side: side, Price: *u.PriceLevel, Quantity: *u.NewQuantity}
	if u.EventTime != nil {
		lu.Timestamp = *u.EventTime
	}
	return lu, nil
}

func checkScale(field string, v decimal.Decimal) error {
	if exp := v.Exponent(); exp > maxExponent || exp < -maxExponent {
		return fmt.Errorf("%s exponent %d out of range", field, exp)
	}
	if n := v.NumDigits(); n > maxDigits {
		return fmt.Errorf("%s has %d digits, limit is %d", field, n, maxDigits)
	}
	return nil
}

func (d *Dispatcher) logHeartbeat(raw json.RawMessage) {
	var events []heartbeatEvent
	if err := json.Unmarshal(raw, &events); err != nil || len(events) == 0 {
		return
	}
	d.logger.Debug().
		Int64("counter", events[0].HeartbeatCounter).
		Str("current_time", events[0].CurrentTime).
		Msg("Heartbeat")
}

func (d *Dispatcher) logSubscriptions(raw json.RawMessage) {
	var events []subscriptionsEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return
	}
	for _, ev := range events {
		for channel, products := range ev.Subscriptions {
			d.logger.Info().
				Str("channel", channel).
				Strs("products", products).
				Msg("Subscription confirmed")
		}
	}
}
