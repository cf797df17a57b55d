package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/l2view/internal/book"
	"github.com/sawpanic/l2view/internal/net/ratelimit"
)

// BookReader is the read side of book.Store
type BookReader interface {
	BestBid() decimal.Decimal
	BestAsk() decimal.Decimal
	SpreadBps() decimal.Decimal
	BidLevels() int
	AskLevels() int
	LastUpdate() time.Time
}

// Registry holds all Prometheus metrics for l2view
type Registry struct {
	reg *prometheus.Registry

	// Feed ingestion
	Messages *prometheus.CounterVec
	Levels   *prometheus.CounterVec

	// Transport
	Reconnects   prometheus.Counter
	BreakerState prometheus.Gauge

	// Publisher
	Publishes *prometheus.CounterVec
}

// NewRegistry creates a registry with Go and process collectors attached
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2view_feed_messages_total",
				Help: "Feed messages handled by outcome (applied, ignored, decode_error)",
			},
			[]string{"result"},
		),

		Levels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2view_book_levels_applied_total",
				Help: "Price level updates applied by side and action (upsert, remove)",
			},
			[]string{"side", "action"},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "l2view_feed_reconnects_total",
				Help: "Successful feed redials",
			},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "l2view_feed_breaker_state",
				Help: "Feed dial breaker state (0=closed, 1=half-open, 2=open)",
			},
		),

		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2view_publish_total",
				Help: "Snapshot publications by sink and result",
			},
			[]string{"sink", "result"},
		),
	}

	r.reg.MustRegister(
		r.Messages,
		r.Levels,
		r.Reconnects,
		r.BreakerState,
		r.Publishes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveBook exposes live book gauges read at scrape time
func (r *Registry) ObserveBook(b BookReader) {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	}
	r.reg.MustRegister(
		gauge("l2view_book_best_bid", "Best bid price, 0 when empty", func() float64 {
			return b.BestBid().InexactFloat64()
		}),
		gauge("l2view_book_best_ask", "Best ask price, 0 when empty", func() float64 {
			return b.BestAsk().InexactFloat64()
		}),
		gauge("l2view_book_spread_bps", "Spread in basis points of the midpoint", func() float64 {
			return b.SpreadBps().InexactFloat64()
		}),
		gauge("l2view_book_bid_levels", "Number of bid levels", func() float64 {
			return float64(b.BidLevels())
		}),
		gauge("l2view_book_ask_levels", "Number of ask levels", func() float64 {
			return float64(b.AskLevels())
		}),
		gauge("l2view_book_last_update_age_seconds", "Seconds since the last book mutation, -1 before the first", func() float64 {
			last := b.LastUpdate()
			if last.IsZero() {
				return -1
			}
			return time.Since(last).Seconds()
		}),
	)
}

// RedialPacer is the redial limiter as seen by metrics
type RedialPacer interface {
	Stats() map[string]ratelimit.LimiterStats
}

// ObserveRedials exposes the redial token bucket per host
func (r *Registry) ObserveRedials(p RedialPacer) {
	r.reg.MustRegister(&redialCollector{
		pacer: p,
		tokens: prometheus.NewDesc(
			"l2view_feed_redial_tokens",
			"Redial attempts available without waiting",
			[]string{"host"}, nil,
		),
		throttled: prometheus.NewDesc(
			"l2view_feed_redial_throttled",
			"1 when the next redial would have to wait",
			[]string{"host"}, nil,
		),
	})
}

type redialCollector struct {
	pacer     RedialPacer
	tokens    *prometheus.Desc
	throttled *prometheus.Desc
}

func (c *redialCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tokens
	ch <- c.throttled
}

func (c *redialCollector) Collect(ch chan<- prometheus.Metric) {
	now := time.Now()
	for host, s := range c.pacer.Stats() {
		throttled := 0.0
		if s.IsThrottled(now) {
			throttled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, s.TokensAvailable, host)
		ch <- prometheus.MustNewConstMetric(c.throttled, prometheus.GaugeValue, throttled, host)
	}
}

// MessageHandled counts one feed message
func (r *Registry) MessageHandled(result string) {
	r.Messages.WithLabelValues(result).Inc()
}

// LevelApplied counts one level update
func (r *Registry) LevelApplied(side book.Side, removed bool) {
	action := "upsert"
	if removed {
		action = "remove"
	}
	r.Levels.WithLabelValues(side.String(), action).Inc()
}

// Reconnected counts a successful redial
func (r *Registry) Reconnected() {
	r.Reconnects.Inc()
}

// SetBreakerState records the dial breaker state
func (r *Registry) SetBreakerState(v float64) {
	r.BreakerState.Set(v)
}

// RecordPublish counts one snapshot publication
func (r *Registry) RecordPublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		log.Debug().Err(err).Str("sink", sink).Msg("Publish failed")
	}
	r.Publishes.WithLabelValues(sink, result).Inc()
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
