package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultURL is the Coinbase Advanced Trade market data endpoint
const DefaultURL = "wss://advanced-trade-ws.coinbase.com"

// Channels subscribed by default. Heartbeats keep level2 alive on quiet books.
var DefaultChannels = []string{"level2", "heartbeats"}

// Config describes one market data connection
type Config struct {
	URL              string
	Product          string
	Channels         []string
	UserAgent        string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // max silence before Receive fails
}

// SubscriptionRequest is the subscribe frame
type SubscriptionRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

// Client dials market data connections
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewClient creates a client, filling unset fields with defaults
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "l2view/1.0"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout
	return &Client{cfg: cfg, dialer: &dialer}
}

// Host returns the endpoint host, used to key reconnect pacing
func (c *Client) Host() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	return u.Host
}

// Dial connects and subscribes. The returned Conn is ready for Receive.
func (c *Client) Dial(ctx context.Context) (Stream, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	log.Info().Str("url", c.cfg.URL).Str("product", c.cfg.Product).Msg("Connecting to Coinbase WebSocket")

	headers := http.Header{}
	headers.Set("User-Agent", c.cfg.UserAgent)

	ws, _, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	conn := &Conn{ws: ws, readTimeout: c.cfg.ReadTimeout}
	for _, channel := range c.cfg.Channels {
		sub := SubscriptionRequest{Type: "subscribe", ProductIDs: []string{c.cfg.Product}, Channel: channel}
		if err := conn.send(sub); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}

	log.Info().Strs("channels", c.cfg.Channels).Str("product", c.cfg.Product).Msg("Coinbase WebSocket connected")
	return conn, nil
}

// Stream is a subscribed connection
type Stream interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Conn is one subscribed websocket
type Conn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closeErr    error
}

func (c *Conn) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	log.Debug().RawJSON("subscription", data).Msg("Sending WebSocket subscription")

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the next text frame. Control and binary frames are
// skipped. Cancelling ctx or calling Close unblocks a pending read.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		// A cancel that fired before this deadline was set is caught here
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, fmt.Errorf("connection closed by peer: %w", err)
			}
			return nil, fmt.Errorf("WebSocket read error: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// Close sends a normal closure frame and closes the socket. Safe to call
// more than once and concurrently with Receive.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
		log.Info().Msg("Coinbase WebSocket connection closed")
	})
	return c.closeErr
}
