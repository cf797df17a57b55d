package feed

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/l2view/internal/book"
)

type countingRecorder struct {
	results map[string]int
	upserts map[book.Side]int
	removes map[book.Side]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		results: map[string]int{},
		upserts: map[book.Side]int{},
		removes: map[book.Side]int{},
	}
}

func (r *countingRecorder) MessageHandled(result string) { r.results[result]++ }

func (r *countingRecorder) LevelApplied(side book.Side, removed bool) {
	if removed {
		r.removes[side]++
		return
	}
	r.upserts[side]++
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *book.Store, *countingRecorder, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	store := book.New("BTC-USD")
	rec := newCountingRecorder()
	d := NewDispatcher(store, DispatcherConfig{Product: "BTC-USD", Recorder: rec, Logger: &logger})
	return d, store, rec, &buf
}

const snapshotMsg = `{
  "channel": "l2_data",
  "client_id": "",
  "timestamp": "2024-05-01T12:00:00.000Z",
  "sequence_num": 0,
  "events": [{
    "type": "snapshot",
    "product_id": "BTC-USD",
    "updates": [
      {"side": "bid", "event_time": "2024-05-01T12:00:00Z", "price_level": "100.00", "new_quantity": "2.0"},
      {"side": "bid", "event_time": "2024-05-01T12:00:00Z", "price_level": "99.50", "new_quantity": "0"},
      {"side": "offer", "event_time": "2024-05-01T12:00:00Z", "price_level": "100.50", "new_quantity": "1.5"}
    ]
  }]
}`

func TestDispatcher_Snapshot(t *testing.T) {
	d, store, rec, _ := newTestDispatcher(t)

	require.NoError(t, d.Handle([]byte(snapshotMsg)))

	assert.Equal(t, 1, store.BidLevels())
	assert.Equal(t, 1, store.AskLevels())
	assert.True(t, store.BestBid().Equal(decimal.RequireFromString("100")))
	assert.True(t, store.BestAsk().Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, "2024-05-01T12:00:00Z", store.TopBids(1)[0].Timestamp)
	assert.Equal(t, 1, rec.results[ResultApplied])
	assert.Equal(t, 1, rec.upserts[book.Bid])
	assert.Equal(t, 1, rec.removes[book.Bid])
	assert.Equal(t, 1, rec.upserts[book.Ask])
}

func TestDispatcher_UpdateUsesAbsoluteQuantity(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Handle([]byte(snapshotMsg)))

	update := `{"channel":"l2_data","events":[{"type":"update","product_id":"BTC-USD","updates":[
		{"side":"bid","price_level":"100.00","new_quantity":"0.75"},
		{"side":"offer","price_level":"100.50","new_quantity":"0"}
	]}]}`
	require.NoError(t, d.Handle([]byte(update)))

	bids := store.TopBids(5)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Quantity.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, "", bids[0].Timestamp)
	assert.Equal(t, 0, store.AskLevels())
}

func TestDispatcher_MissingPriceLevelLeavesBookUntouched(t *testing.T) {
	d, store, rec, logs := newTestDispatcher(t)
	require.NoError(t, d.Handle([]byte(snapshotMsg)))
	before := store.View(10)

	bad := `{"channel":"l2_data","events":[{"type":"update","product_id":"BTC-USD","updates":[
		{"side":"bid","price_level":"101.00","new_quantity":"1"},
		{"side":"bid","new_quantity":"3"}
	]}]}`
	err := d.Handle([]byte(bad))

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "invalid_update", de.Reason)
	assert.Contains(t, de.Error(), "missing price_level")

	after := store.View(10)
	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, before.Asks, after.Asks)
	assert.Equal(t, before.BidLevels, after.BidLevels)
	assert.Equal(t, before.AskLevels, after.AskLevels)

	assert.Equal(t, 1, rec.results[ResultDecodeError])
	assert.Equal(t, 1, strings.Count(logs.String(), "Error parsing feed message"))
}

func TestDispatcher_DecodeFailures(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"channel": "l2_data", "events": [`,
		"missing events":    `{"channel":"l2_data"}`,
		"events not a list": `{"channel":"l2_data","events":{"type":"update"}}`,
		"unknown side":      `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"sell","price_level":"1","new_quantity":"1"}]}]}`,
		"missing side":      `{"channel":"l2_data","events":[{"type":"update","updates":[{"price_level":"1","new_quantity":"1"}]}]}`,
		"missing quantity":  `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1"}]}]}`,
		"bad price":         `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"abc","new_quantity":"1"}]}]}`,
		"zero price":        `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"0","new_quantity":"1"}]}]}`,
		"negative quantity": `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1","new_quantity":"-2"}]}]}`,
		"null quantity":     `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1","new_quantity":null}]}]}`,
		"huge price":        `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1e30000000","new_quantity":"1"}]}]}`,
		"tiny quantity":     `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1","new_quantity":"1e-30000000"}]}]}`,
		"too many digits":   `{"channel":"l2_data","events":[{"type":"update","updates":[{"side":"bid","price_level":"1` + strings.Repeat("0", 60) + `","new_quantity":"1"}]}]}`,
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			d, store, rec, _ := newTestDispatcher(t)
			err := d.Handle([]byte(msg))

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected DecodeError, got %v", err)
			assert.Equal(t, 0, store.BidLevels())
			assert.Equal(t, 0, store.AskLevels())
			assert.True(t, store.LastUpdate().IsZero())
			assert.Equal(t, 1, rec.results[ResultDecodeError])
		})
	}
}

func TestDispatcher_RejectsOutOfScaleDecimals(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Handle([]byte(snapshotMsg)))

	msg := `{"channel":"l2_data","events":[{"type":"update","product_id":"BTC-USD","updates":[
		{"side":"offer","price_level":"1e30000000","new_quantity":"1"}
	]}]}`

	start := time.Now()
	err := d.Handle([]byte(msg))
	assert.Less(t, time.Since(start), time.Second)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "invalid_update", de.Reason)
	assert.Contains(t, de.Error(), "price_level exponent")
	assert.Equal(t, 1, store.AskLevels())

	// Ordinary exchange precision stays accepted
	ok := `{"channel":"l2_data","events":[{"type":"update","product_id":"BTC-USD","updates":[
		{"side":"offer","price_level":"67012.34","new_quantity":"0.00012345"}
	]}]}`
	require.NoError(t, d.Handle([]byte(ok)))
	assert.Equal(t, 2, store.AskLevels())
}

func TestDispatcher_ProductMatchIgnoresCase(t *testing.T) {
	store := book.New("BTC-USD")
	d := NewDispatcher(store, DispatcherConfig{Product: "btc-usd"})

	require.NoError(t, d.Handle([]byte(snapshotMsg)))
	assert.Equal(t, 1, store.BidLevels())
	assert.Equal(t, 1, store.AskLevels())
}

func TestDispatcher_ReadyAfterFailure(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	require.Error(t, d.Handle([]byte("garbage")))
	require.NoError(t, d.Handle([]byte(snapshotMsg)))
	assert.Equal(t, 1, store.BidLevels())
}

func TestDispatcher_IgnoredMessages(t *testing.T) {
	msgs := []string{
		`{"channel":"heartbeats","events":[{"current_time":"2024-05-01 12:00:00","heartbeat_counter":42}]}`,
		`{"channel":"subscriptions","events":[{"subscriptions":{"level2":["BTC-USD"]}}]}`,
		`{"channel":"ticker","events":[{"type":"update","tickers":[]}]}`,
		`{"type":"error","message":"failure to subscribe"}`,
		`{"channel":"l2_data","events":[{"type":"trade","updates":[{"side":"bid","price_level":"1","new_quantity":"1"}]}]}`,
		`{"channel":"l2_data","events":[{"type":"update","product_id":"ETH-USD","updates":[{"side":"bid","price_level":"1","new_quantity":"1"}]}]}`,
	}

	d, store, rec, _ := newTestDispatcher(t)
	for _, m := range msgs {
		require.NoError(t, d.Handle([]byte(m)), m)
	}

	assert.Equal(t, 0, store.BidLevels())
	assert.True(t, store.LastUpdate().IsZero())
	assert.Equal(t, len(msgs), rec.results[ResultIgnored])
}

func TestDispatcher_CustomChannel(t *testing.T) {
	store := book.New("BTC-USD")
	d := NewDispatcher(store, DispatcherConfig{Channel: "level2"})

	msg := `{"channel":"level2","events":[{"type":"snapshot","updates":[{"side":"offer","price_level":"10","new_quantity":"1"}]}]}`
	require.NoError(t, d.Handle([]byte(msg)))
	assert.Equal(t, 1, store.AskLevels())

	require.NoError(t, d.Handle([]byte(strings.Replace(msg, `"level2"`, `"l2_data"`, 1))))
	assert.Equal(t, 1, store.AskLevels())
}

func TestDispatcher_ThresholdDrivesRemovalCount(t *testing.T) {
	store := book.New("BTC-USD", book.WithRemovalThreshold(decimal.RequireFromString("0.05")))
	rec := newCountingRecorder()
	d := NewDispatcher(store, DispatcherConfig{Recorder: rec})

	msg := `{"channel":"l2_data","events":[{"type":"update","updates":[
		{"side":"bid","price_level":"10","new_quantity":"0.01"},
		{"side":"bid","price_level":"11","new_quantity":"0.5"}
	]}]}`
	require.NoError(t, d.Handle([]byte(msg)))

	assert.Equal(t, 1, store.BidLevels())
	assert.Equal(t, 1, rec.removes[book.Bid])
	assert.Equal(t, 1, rec.upserts[book.Bid])
}

func TestDecodeError_PrefixIsBounded(t *testing.T) {
	raw := []byte(strings.Repeat("x", 500))
	de := newDecodeError("malformed_json", raw, nil)

	assert.Len(t, de.Prefix, maxPrefix+3)
	assert.Equal(t, "decode malformed_json", de.Error())
	assert.Nil(t, de.Unwrap())
}
