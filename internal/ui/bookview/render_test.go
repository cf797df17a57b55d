package bookview

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/l2view/internal/book"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(now func() time.Time) *book.Store {
	s := book.New("BTC-USD", book.WithClock(now))
	s.ApplyLevel(book.Bid, d("100.00"), d("2"), "")
	s.ApplyLevel(book.Bid, d("99.50"), d("4"), "")
	s.ApplyLevel(book.Ask, d("100.50"), d("1"), "")
	s.ApplyLevel(book.Ask, d("101.00"), d("3"), "")
	return s
}

func render(t *testing.T, src Source, opts Options) string {
	t.Helper()
	var buf bytes.Buffer
	if opts.Width == nil {
		opts.Width = func() int { return 120 }
	}
	require.NoError(t, New(&buf, src, opts).Render())
	return buf.String()
}

func TestRender_Layout(t *testing.T) {
	clock := func() time.Time { return t0 }
	out := render(t, seeded(clock), Options{Depth: 10, Now: clock})

	assert.Contains(t, out, "BTC-USD ORDER BOOK | 12:00:00")
	assert.Contains(t, out, "Best Bid: $100.00 | Best Ask: $100.50 | Spread: $0.50 (49.9 bps)")
	assert.NotContains(t, out, "\033[", "no color codes when color is off")
	assert.NotContains(t, out, "STALE")

	// Asks worst to best, then spread, then bids best to worst
	order := []string{"$    101.000", "$    100.500", "SPREAD: $0.50", "$    100.000", "$     99.500"}
	last := -1
	for _, s := range order {
		i := strings.Index(out, s)
		require.NotEqual(t, -1, i, "missing %q in\n%s", s, out)
		assert.Greater(t, i, last, "%q out of order", s)
		last = i
	}

	assert.Contains(t, out, "Ask Volume (top 2): 4.00 BTC")
	assert.Contains(t, out, "Ask Value (top 2): $403.50")
	assert.Contains(t, out, "Bid Volume (top 2): 6.00 BTC")
	assert.Contains(t, out, "Bid Value (top 2): $598.00")
}

func TestRender_BarsScaleToLargestQuantity(t *testing.T) {
	clock := func() time.Time { return t0 }
	out := render(t, seeded(clock), Options{Depth: 10, Now: clock, BarChar: "#"})

	// width 120 -> bar width 40; qty 4 is the max
	assert.Contains(t, out, "4.00 │ "+strings.Repeat("#", 40)+"\n")
	assert.Contains(t, out, "2.00 │ "+strings.Repeat("#", 20)+"\n")
	assert.Contains(t, out, "1.00 │ "+strings.Repeat("#", 10)+"\n")

	narrow := render(t, seeded(clock), Options{Depth: 10, Now: clock, BarChar: "#", Width: func() int { return 60 }})
	assert.Contains(t, narrow, "4.00 │ "+strings.Repeat("#", 20)+"\n")
}

func TestRender_Colors(t *testing.T) {
	clock := func() time.Time { return t0 }
	out := render(t, seeded(clock), Options{Now: clock, Color: true, Clear: true})

	assert.True(t, strings.HasPrefix(out, ansiClear))
	red := strings.Index(out, ansiRed)
	green := strings.Index(out, ansiGreen)
	require.NotEqual(t, -1, red)
	require.NotEqual(t, -1, green)
	assert.Less(t, red, green)
}

func TestRender_Stale(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	src := seeded(clock)

	now = t0.Add(30 * time.Second)
	out := render(t, src, Options{Now: clock, StaleAfter: 10 * time.Second})
	assert.Contains(t, out, "STALE (last update 30s ago)")

	out = render(t, src, Options{Now: clock})
	assert.NotContains(t, out, "STALE", "zero StaleAfter disables the marker")
}

func TestRender_EmptyBook(t *testing.T) {
	out := render(t, book.New("ETH-USD"), Options{Now: func() time.Time { return t0 }, StaleAfter: time.Second})

	assert.Contains(t, out, "waiting for data")
	assert.NotContains(t, out, "STALE")
	assert.Contains(t, out, "Best Bid: $0.00 | Best Ask: $0.00 | Spread: $0.00 (0.0 bps)")
	assert.Contains(t, out, "Bid Volume (top 0): 0.00 ETH")
}

func TestRender_Crossed(t *testing.T) {
	clock := func() time.Time { return t0 }
	s := book.New("BTC-USD", book.WithClock(clock))
	s.ApplyLevel(book.Bid, d("101"), d("1"), "")
	s.ApplyLevel(book.Ask, d("100"), d("1"), "")
	assert.Contains(t, render(t, s, Options{Now: clock}), "WARNING: book is crossed")
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	r := New(&buf, book.New("BTC-USD"), Options{Width: func() int { return 80 }})
	require.NoError(t, r.Run(ctx, 20*time.Millisecond))
	assert.GreaterOrEqual(t, strings.Count(buf.String(), "ORDER BOOK"), 2)
}

func TestBar(t *testing.T) {
	assert.Equal(t, "", Bar(d("1"), decimal.Zero, 40, "X"))
	assert.Equal(t, "", Bar(d("0.01"), d("10"), 40, "X"))
	assert.Equal(t, "XXXXX", Bar(d("1.5"), d("3"), 10, "X"))
	assert.Equal(t, "XXX", Bar(d("9"), d("3"), 3, "X"), "bar never exceeds width")
}

func TestBaseCurrency(t *testing.T) {
	assert.Equal(t, "BTC", BaseCurrency("BTC-USD"))
	assert.Equal(t, "DOGE", BaseCurrency("DOGE-USDC"))
	assert.Equal(t, "XYZ", BaseCurrency("XYZ"))
}
