package book

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseSide(t *testing.T) {
	cases := map[string]Side{"bid": Bid, "offer": Ask, "ask": Ask, "BID": Bid}
	for in, want := range cases {
		got, err := ParseSide(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSide("sell")
	assert.Error(t, err)
	_, err = ParseSide("")
	assert.Error(t, err)
}

func TestStore_EmptyBookSentinels(t *testing.T) {
	s := New("BTC-USD")

	assert.True(t, s.BestBid().IsZero())
	assert.True(t, s.BestAsk().IsZero())
	assert.True(t, s.Spread().IsZero())
	assert.True(t, s.SpreadBps().IsZero())
	assert.Empty(t, s.TopBids(10))
	assert.Empty(t, s.TopAsks(10))
	assert.Equal(t, 0, s.BidLevels())
	assert.Equal(t, 0, s.AskLevels())
	assert.True(t, s.LastUpdate().IsZero())
}

func TestStore_SpreadScenario(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("100.00"), d("2.0"), "")
	s.ApplyLevel(Ask, d("100.50"), d("1.5"), "")

	assert.True(t, s.BestBid().Equal(d("100.00")))
	assert.True(t, s.BestAsk().Equal(d("100.50")))
	assert.True(t, s.Spread().Equal(d("0.50")))
	assert.InDelta(t, 49.88, s.SpreadBps().InexactFloat64(), 0.005)
}

func TestStore_OneSidedSpreadIsZero(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("100"), d("1"), "")

	assert.True(t, s.Spread().IsZero())
	assert.True(t, s.SpreadBps().IsZero())
	assert.True(t, s.BestAsk().IsZero())
}

func TestStore_RemovalRoundTrip(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("100.0"), d("5.0"), "t1")
	require.Equal(t, 1, s.BidLevels())

	s.ApplyLevel(Bid, d("100.0"), d("0.0"), "t2")
	assert.Equal(t, 0, s.BidLevels())
	assert.True(t, s.BestBid().IsZero())
}

func TestStore_RemoveAbsentIsNoop(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Ask, d("101"), d("1"), "")
	s.ApplyLevel(Ask, d("105"), d("0"), "")

	assert.Equal(t, 1, s.AskLevels())
	assert.False(t, s.LastUpdate().IsZero())
}

func TestStore_EquivalentPricesShareAKey(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("100.0"), d("1"), "")
	s.ApplyLevel(Bid, d("100.00"), d("3"), "")

	require.Equal(t, 1, s.BidLevels())
	assert.True(t, s.TopBids(1)[0].Quantity.Equal(d("3")))
}

func TestStore_RemovalThreshold(t *testing.T) {
	s := New("ETH-USD", WithRemovalThreshold(d("0.05")))
	s.ApplyLevel(Bid, d("10"), d("0.05"), "")
	s.ApplyLevel(Bid, d("11"), d("0.049"), "")
	s.ApplyLevel(Bid, d("12"), d("0.051"), "")

	levels := s.TopBids(10)
	require.Len(t, levels, 1)
	assert.True(t, levels[0].Price.Equal(d("12")))
}

func TestStore_NegativeThresholdIgnored(t *testing.T) {
	s := New("ETH-USD", WithRemovalThreshold(d("-1")))
	assert.True(t, s.RemovalThreshold().IsZero())
}

func TestStore_DefaultThresholdRemovesExactZeroOnly(t *testing.T) {
	s := New("ETH-USD")
	s.ApplyLevel(Ask, d("10"), d("0.00000001"), "")
	s.ApplyLevel(Ask, d("11"), d("0"), "")
	s.ApplyLevel(Ask, d("12"), d("-1"), "")

	require.Equal(t, 1, s.AskLevels())
	assert.True(t, s.BestAsk().Equal(d("10")))
}

func TestStore_UnknownSideIsNoop(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := New("BTC-USD", WithClock(func() time.Time { return now }))
	s.ApplyLevel(Side(42), d("100"), d("1"), "")
	s.ApplyLevel(SideUnknown, d("100"), d("1"), "")

	assert.Equal(t, 0, s.BidLevels())
	assert.Equal(t, 0, s.AskLevels())
	assert.Equal(t, now, s.LastUpdate())
}

func TestStore_NegativePriceIsNoop(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("-1"), d("1"), "")
	assert.Equal(t, 0, s.BidLevels())
}

func TestStore_LastUpdateNeverGoesBackwards(t *testing.T) {
	times := []time.Time{time.Unix(200, 0), time.Unix(100, 0), time.Unix(300, 0)}
	i := 0
	s := New("BTC-USD", WithClock(func() time.Time {
		t := times[i]
		i++
		return t
	}))

	s.ApplyLevel(Bid, d("1"), d("1"), "")
	assert.Equal(t, times[0], s.LastUpdate())
	s.ApplyLevel(Bid, d("1"), d("2"), "")
	assert.Equal(t, times[0], s.LastUpdate())
	s.ApplyLevel(Bid, d("1"), d("3"), "")
	assert.Equal(t, times[2], s.LastUpdate())
}

func TestStore_CrossedBookPassesThrough(t *testing.T) {
	s := New("BTC-USD")
	s.ApplyLevel(Bid, d("101"), d("1"), "")
	s.ApplyLevel(Ask, d("100"), d("1"), "")

	assert.True(t, s.BestBid().Equal(d("101")))
	assert.True(t, s.BestAsk().Equal(d("100")))
	assert.True(t, s.Spread().Equal(d("-1")))
	assert.Negative(t, s.SpreadBps().Sign())
	assert.Equal(t, 1, s.BidLevels())
	assert.Equal(t, 1, s.AskLevels())
	assert.True(t, s.View(5).Crossed())
}

func TestStore_TopLevelsOrdering(t *testing.T) {
	s := New("BTC-USD")
	for _, p := range []string{"99", "101", "100", "98.5", "100.25"} {
		s.ApplyLevel(Bid, d(p), d("1"), "")
		s.ApplyLevel(Ask, d(p).Add(d("10")), d("1"), "")
	}

	bids := s.TopBids(3)
	require.Len(t, bids, 3)
	assert.Equal(t, []string{"101", "100.25", "100"}, prices(bids))

	asks := s.TopAsks(2)
	assert.Equal(t, []string{"108.5", "109"}, prices(asks))

	assert.Len(t, s.TopBids(50), 5)
	assert.Empty(t, s.TopBids(0))
	assert.Empty(t, s.TopAsks(-3))
}

func TestStore_Idempotence(t *testing.T) {
	once := New("BTC-USD")
	twice := New("BTC-USD")

	once.ApplyLevel(Ask, d("50"), d("2"), "ts")
	twice.ApplyLevel(Ask, d("50"), d("2"), "ts")
	twice.ApplyLevel(Ask, d("50"), d("2"), "ts")

	assert.Equal(t, once.TopAsks(10), twice.TopAsks(10))
	assert.Equal(t, once.AskLevels(), twice.AskLevels())
}

func TestStore_LastWriterWinsReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New("BTC-USD")

	type key struct {
		side  Side
		price int64
	}
	last := make(map[key]LevelUpdate)

	for i := 0; i < 5000; i++ {
		side := Bid
		if rng.Intn(2) == 1 {
			side = Ask
		}
		price := int64(rng.Intn(40) + 1)
		qty := int64(rng.Intn(4)) // zero a quarter of the time
		u := LevelUpdate{Side: side, Price: decimal.NewFromInt(price), Quantity: decimal.NewFromInt(qty)}
		s.Apply(u)
		last[key{side, price}] = u
	}

	expected := New("BTC-USD")
	for _, u := range last {
		expected.Apply(u)
	}

	assert.Equal(t, expected.TopBids(100), s.TopBids(100))
	assert.Equal(t, expected.TopAsks(100), s.TopAsks(100))
	for _, lvl := range s.TopBids(100) {
		assert.True(t, lvl.Quantity.IsPositive())
	}
}

func TestStore_TopBidsIsPrefix(t *testing.T) {
	s := New("BTC-USD")
	for i := 1; i <= 25; i++ {
		s.ApplyLevel(Bid, decimal.NewFromInt(int64(i*3%26)+1), d("1"), "")
	}
	full := s.TopBids(s.BidLevels())

	for n := 0; n <= len(full)+2; n++ {
		got := s.TopBids(n)
		assert.LessOrEqual(t, len(got), n)
		assert.Equal(t, full[:len(got)], got)
		for i := 1; i < len(got); i++ {
			assert.True(t, got[i-1].Price.GreaterThan(got[i].Price))
		}
	}
}

func TestStore_ApplyBatchAndClear(t *testing.T) {
	s := New("BTC-USD")
	s.Apply(
		LevelUpdate{Side: Bid, Price: d("1"), Quantity: d("1")},
		LevelUpdate{Side: Bid, Price: d("2"), Quantity: d("1")},
		LevelUpdate{Side: Ask, Price: d("3"), Quantity: d("1")},
		LevelUpdate{Side: Bid, Price: d("1"), Quantity: d("0")},
	)
	assert.Equal(t, 1, s.BidLevels())
	assert.Equal(t, 1, s.AskLevels())

	s.Clear()
	assert.Equal(t, 0, s.BidLevels())
	assert.Equal(t, 0, s.AskLevels())
}

func TestStore_View(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := New("BTC-USD", WithClock(func() time.Time { return now }))
	s.ApplyLevel(Bid, d("100.00"), d("2.0"), "e1")
	s.ApplyLevel(Bid, d("99.00"), d("1.0"), "e2")
	s.ApplyLevel(Ask, d("100.50"), d("1.5"), "e3")

	v := s.View(1)
	assert.Equal(t, "BTC-USD", v.Product)
	assert.Equal(t, 2, v.BidLevels)
	assert.Equal(t, 1, v.AskLevels)
	require.Len(t, v.Bids, 1)
	assert.Equal(t, "e1", v.Bids[0].Timestamp)
	assert.True(t, v.Midpoint().Equal(d("100.25")))
	assert.False(t, v.Crossed())
	assert.Equal(t, now, v.LastUpdate)
}

func TestStore_ConcurrentReadersSeeConsistentLevels(t *testing.T) {
	s := New("BTC-USD")
	const writes = 10000

	var wg sync.WaitGroup
	done := make(chan struct{})
	mismatches := 0

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			bids := s.TopBids(10)
			for i, lvl := range bids {
				// every price was written with quantity == price
				if !lvl.Price.Equal(lvl.Quantity) {
					mismatches++
				}
				if i > 0 && !bids[i-1].Price.GreaterThan(lvl.Price) {
					mismatches++
				}
			}
			_ = s.View(10)
		}
	}()

	for i := 0; i < writes; i++ {
		p := decimal.NewFromInt(int64(i%500 + 1))
		qty := p
		if i%7 == 0 {
			qty = decimal.Zero
		}
		s.ApplyLevel(Bid, p, qty, "")
	}
	close(done)
	wg.Wait()

	assert.Zero(t, mismatches)
}

func prices(levels []PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}
