package coinbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/l2view/internal/net/breaker"
	"github.com/sawpanic/l2view/internal/net/ratelimit"
)

// ErrSessionClosed is returned by Receive after Close
var ErrSessionClosed = errors.New("session closed")

// Dialer opens subscribed streams; *Client satisfies it
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
	Host() string
}

// SessionConfig controls reconnection. With Reconnect false the first
// transport failure is returned to the caller, which is the default
// behaviour.
type SessionConfig struct {
	Reconnect   bool
	Limiter     *ratelimit.Limiter // paces redials; nil means no pacing
	Breaker     *breaker.Breaker   // stops redialing a dead upstream; nil disables
	OnReconnect func()             // called after every successful redial
}

// Session is a feed.Receiver over a Coinbase stream that optionally redials
type Session struct {
	dialer Dialer
	cfg    SessionConfig

	mu     sync.Mutex
	stream Stream
	closed bool

	reconnects atomic.Int64
}

// NewSession wraps dialer
func NewSession(dialer Dialer, cfg SessionConfig) *Session {
	return &Session{dialer: dialer, cfg: cfg}
}

// Connect performs the initial dial
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.current(ctx)
	return err
}

// Receive returns the next frame, redialing on failure when enabled
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	for {
		stream, err := s.current(ctx)
		if err != nil {
			return nil, err
		}

		msg, err := stream.Receive(ctx)
		if err == nil {
			return msg, nil
		}

		s.drop(stream)
		if s.isClosed() {
			return nil, ErrSessionClosed
		}
		if !s.cfg.Reconnect || ctx.Err() != nil {
			return nil, err
		}

		log.Warn().Err(err).Msg("Feed connection lost, reconnecting")
		if err := s.redial(ctx); err != nil {
			return nil, err
		}
	}
}

// Close closes the live stream, unblocking a pending Receive
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		return stream.Close()
	}
	return nil
}

// Reconnects returns the number of successful redials
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

func (s *Session) current(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.stream != nil {
		return s.stream, nil
	}
	stream, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	s.stream = stream
	return stream, nil
}

func (s *Session) drop(stream Stream) {
	s.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.mu.Unlock()
	_ = stream.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) redial(ctx context.Context) error {
	for {
		if s.cfg.Limiter != nil {
			if err := s.cfg.Limiter.Wait(ctx, s.dialer.Host()); err != nil {
				return fmt.Errorf("reconnect wait: %w", err)
			}
		}

		var stream Stream
		dial := func() error {
			var err error
			stream, err = s.dialer.Dial(ctx)
			return err
		}

		var err error
		if s.cfg.Breaker != nil {
			err = s.cfg.Breaker.Do(dial)
		} else {
			err = dial()
		}

		switch {
		case err == nil:
			if !s.install(stream) {
				_ = stream.Close()
				return ErrSessionClosed
			}
			n := s.reconnects.Add(1)
			log.Info().Int64("reconnects", n).Msg("Feed reconnected")
			if s.cfg.OnReconnect != nil {
				s.cfg.OnReconnect()
			}
			return nil
		case breaker.IsOpen(err):
			return fmt.Errorf("reconnect abandoned: %w", err)
		case ctx.Err() != nil:
			return ctx.Err()
		case s.isClosed():
			return ErrSessionClosed
		default:
			log.Warn().Err(err).Msg("Reconnect attempt failed")
		}
	}
}

func (s *Session) install(stream Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stream = stream
	return true
}
