// Package bookview draws a live order book as a terminal ladder.
package bookview

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/sawpanic/l2view/internal/book"
)

const (
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiReset = "\033[0m"
	ansiClear = "\033[H\033[2J"

	maxBarWidth  = 40
	defaultWidth = 80
	rule         = "════════════════════════════════════════════════════════════════════════════"
	divider      = "─────────────┼─────────────────┼────────────────────────────────────────────"
)

// Source is anything that can produce a consistent book view
type Source interface {
	View(depth int) book.Snapshot
}

// Options controls layout
type Options struct {
	Depth      int
	BarChar    string
	Color      bool
	Clear      bool          // clear the screen before each frame
	StaleAfter time.Duration // 0 disables the STALE marker
	Width      func() int    // terminal columns; nil uses stdout
	Now        func() time.Time
}

// Renderer writes book frames to an io.Writer
type Renderer struct {
	w    io.Writer
	src  Source
	opts Options
}

// New creates a Renderer with defaults filled in
func New(w io.Writer, src Source, opts Options) *Renderer {
	if opts.Depth <= 0 {
		opts.Depth = 15
	}
	if opts.BarChar == "" {
		opts.BarChar = "X"
	}
	if opts.Width == nil {
		opts.Width = func() int { return TerminalWidth(int(os.Stdout.Fd())) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Renderer{w: w, src: src, opts: opts}
}

// TerminalWidth returns the column count of fd, or 80 when fd is not a terminal
func TerminalWidth(fd int) int {
	if !term.IsTerminal(fd) {
		return defaultWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// Run draws a frame every interval until ctx is done
func (r *Renderer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Render(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Render writes a single frame
func (r *Renderer) Render() error {
	snap := r.src.View(r.opts.Depth)
	now := r.opts.Now()

	bw := bufio.NewWriter(r.w)
	if r.opts.Clear {
		bw.WriteString(ansiClear)
	}
	r.header(bw, snap, now)
	r.ladder(bw, snap)
	r.totals(bw, snap)
	return bw.Flush()
}

func (r *Renderer) header(w io.Writer, snap book.Snapshot, now time.Time) {
	fmt.Fprintf(w, "%s ORDER BOOK | %s", snap.Product, now.Format("15:04:05"))
	if r.stale(snap, now) {
		fmt.Fprintf(w, " | STALE (last update %s ago)", now.Sub(snap.LastUpdate).Truncate(time.Second))
	}
	if snap.LastUpdate.IsZero() {
		fmt.Fprint(w, " | waiting for data")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Best Bid: $%s | Best Ask: $%s | Spread: $%s (%s bps)\n",
		snap.BestBid.StringFixed(2), snap.BestAsk.StringFixed(2),
		snap.Spread.StringFixed(2), snap.SpreadBps.StringFixed(1))
	if snap.Crossed() {
		fmt.Fprintln(w, "WARNING: book is crossed")
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
}

func (r *Renderer) stale(snap book.Snapshot, now time.Time) bool {
	if r.opts.StaleAfter <= 0 || snap.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(snap.LastUpdate) > r.opts.StaleAfter
}

func (r *Renderer) ladder(w io.Writer, snap book.Snapshot) {
	maxQty := decimal.Zero
	for _, l := range snap.Asks {
		maxQty = decimal.Max(maxQty, l.Quantity)
	}
	for _, l := range snap.Bids {
		maxQty = decimal.Max(maxQty, l.Quantity)
	}
	barWidth := min(maxBarWidth, r.opts.Width()/3)

	r.color(w, ansiRed)
	fmt.Fprintf(w, "ASKS (Sellers) - %d of %d levels\n", len(snap.Asks), snap.AskLevels)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%12s │ %15s │ %s\n", "Price ($)", "Quantity", "Liquidity")
	fmt.Fprintln(w, divider)
	// Worst ask on top so the best ask sits next to the spread
	for i := len(snap.Asks) - 1; i >= 0; i-- {
		r.row(w, snap.Asks[i], maxQty, barWidth)
	}
	r.color(w, ansiReset)

	fmt.Fprintf(w, "%26s── SPREAD: $%s (%s bps) ──\n", "",
		snap.Spread.StringFixed(2), snap.SpreadBps.StringFixed(1))

	r.color(w, ansiGreen)
	for _, l := range snap.Bids {
		r.row(w, l, maxQty, barWidth)
	}
	fmt.Fprintf(w, "BIDS (Buyers) - %d of %d levels\n", len(snap.Bids), snap.BidLevels)
	r.color(w, ansiReset)
	fmt.Fprintln(w)
}

func (r *Renderer) row(w io.Writer, l book.PriceLevel, maxQty decimal.Decimal, width int) {
	fmt.Fprintf(w, "$%11s │ %15s │ %s\n",
		l.Price.StringFixed(3), l.Quantity.StringFixed(2), Bar(l.Quantity, maxQty, width, r.opts.BarChar))
}

func (r *Renderer) totals(w io.Writer, snap book.Snapshot) {
	base := BaseCurrency(snap.Product)
	askVol, askVal := Totals(snap.Asks)
	bidVol, bidVal := Totals(snap.Bids)

	fmt.Fprintf(w, "Ask Volume (top %d): %s %s\n", len(snap.Asks), askVol.StringFixed(2), base)
	fmt.Fprintf(w, "Ask Value (top %d): $%s\n", len(snap.Asks), askVal.StringFixed(2))
	fmt.Fprintf(w, "Bid Volume (top %d): %s %s\n", len(snap.Bids), bidVol.StringFixed(2), base)
	fmt.Fprintf(w, "Bid Value (top %d): $%s\n", len(snap.Bids), bidVal.StringFixed(2))
}

func (r *Renderer) color(w io.Writer, code string) {
	if r.opts.Color {
		fmt.Fprint(w, code)
	}
}

// Bar returns a bar of width*value/peak characters. A non-positive peak
// yields an empty bar.
func Bar(value, peak decimal.Decimal, width int, char string) string {
	if peak.Sign() <= 0 || width <= 0 {
		return ""
	}
	n := value.Div(peak).Mul(decimal.NewFromInt(int64(width))).IntPart()
	if n <= 0 {
		return ""
	}
	if n > int64(width) {
		n = int64(width)
	}
	return strings.Repeat(char, int(n))
}

// Totals sums quantity and notional over levels
func Totals(levels []book.PriceLevel) (volume, notional decimal.Decimal) {
	for _, l := range levels {
		volume = volume.Add(l.Quantity)
		notional = notional.Add(l.Notional())
	}
	return volume, notional
}

// BaseCurrency returns the part of a product id before the dash
func BaseCurrency(product string) string {
	base, _, _ := strings.Cut(product, "-")
	return base
}
