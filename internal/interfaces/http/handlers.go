package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/l2view/internal/book"
)

const maxDepth = 1000

// BookSource is the read side of the order book
type BookSource interface {
	View(depth int) book.Snapshot
}

// HandlerConfig configures the API handlers
type HandlerConfig struct {
	DefaultDepth int
	StaleAfter   time.Duration // 0 disables staleness
	Metrics      http.Handler  // nil serves 404 on /metrics
	Now          func() time.Time
}

// Handlers serves book endpoints
type Handlers struct {
	src BookSource
	cfg HandlerConfig
}

// NewHandlers creates a new handlers instance
func NewHandlers(src BookSource, cfg HandlerConfig) *Handlers {
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handlers{src: src, cfg: cfg}
}

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports feed freshness
type HealthResponse struct {
	Status     string    `json:"status"` // ok, stale, waiting
	Product    string    `json:"product"`
	LastUpdate time.Time `json:"last_update"`
	AgeSeconds float64   `json:"age_seconds"` // -1 before the first update
	Stale      bool      `json:"stale"`
	BidLevels  int       `json:"bid_levels"`
	AskLevels  int       `json:"ask_levels"`
	Timestamp  time.Time `json:"timestamp"`
}

// TopResponse is the top of book
type TopResponse struct {
	Product    string          `json:"product"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Spread     decimal.Decimal `json:"spread"`
	SpreadBps  decimal.Decimal `json:"spread_bps"`
	Midpoint   decimal.Decimal `json:"midpoint"`
	Crossed    bool            `json:"crossed"`
	LastUpdate time.Time       `json:"last_update"`
}

// Health reports 200 while updates are fresh and 503 otherwise
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.src.View(0)
	now := h.cfg.Now()

	resp := HealthResponse{
		Status:     "ok",
		Product:    snap.Product,
		LastUpdate: snap.LastUpdate,
		AgeSeconds: -1,
		BidLevels:  snap.BidLevels,
		AskLevels:  snap.AskLevels,
		Timestamp:  now.UTC(),
	}

	status := http.StatusOK
	switch {
	case snap.LastUpdate.IsZero():
		resp.Status = "waiting"
		status = http.StatusServiceUnavailable
	default:
		age := now.Sub(snap.LastUpdate)
		resp.AgeSeconds = age.Seconds()
		if h.cfg.StaleAfter > 0 && age > h.cfg.StaleAfter {
			resp.Status = "stale"
			resp.Stale = true
			status = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, status, resp)
}

// Book returns the snapshot with ?depth=N levels per side
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	depth := h.cfg.DefaultDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_depth",
				"depth must be a positive integer")
			return
		}
		depth = min(n, maxDepth)
	}
	h.writeJSON(w, http.StatusOK, h.src.View(depth))
}

// Top returns best bid and ask with spread figures
func (h *Handlers) Top(w http.ResponseWriter, r *http.Request) {
	snap := h.src.View(0)
	h.writeJSON(w, http.StatusOK, TopResponse{
		Product:    snap.Product,
		BestBid:    snap.BestBid,
		BestAsk:    snap.BestAsk,
		Spread:     snap.Spread,
		SpreadBps:  snap.SpreadBps,
		Midpoint:   snap.Midpoint(),
		Crossed:    snap.Crossed(),
		LastUpdate: snap.LastUpdate,
	})
}

// Metrics serves the Prometheus handler
func (h *Handlers) Metrics() http.Handler {
	if h.cfg.Metrics == nil {
		return http.HandlerFunc(h.NotFound)
	}
	return h.cfg.Metrics
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"The API is read-only")
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: h.cfg.Now().UTC(),
	})
}
