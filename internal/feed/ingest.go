package feed

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Receiver yields raw application frames in arrival order. Receive blocks
// until a frame arrives or the stream ends. Implementations must make Close
// (or ctx cancellation) sufficient to unblock a pending Receive.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Handler consumes one raw frame
type Handler interface {
	Handle(message []byte) error
}

// Ingestor is the single writer: it reads frames and hands each one to the
// handler synchronously
type Ingestor struct {
	recv     Receiver
	handler  Handler
	running  atomic.Bool
	stopped  atomic.Bool
	received atomic.Int64
	failed   atomic.Int64
}

// NewIngestor wires a receiver to a handler
func NewIngestor(recv Receiver, h Handler) *Ingestor {
	return &Ingestor{recv: recv, handler: h}
}

// Run reads until the receiver fails, ctx ends, or Stop is called. It never
// retries; the returned error wraps ErrTransportEnded unless Stop ended the
// loop between frames.
func (in *Ingestor) Run(ctx context.Context) error {
	if in.stopped.Load() {
		return nil
	}
	in.running.Store(true)
	defer in.running.Store(false)

	for !in.stopped.Load() {
		msg, err := in.recv.Receive(ctx)
		if err != nil {
			if in.stopped.Load() {
				log.Debug().Err(err).Msg("Receive ended after stop")
				return nil
			}
			log.Warn().Err(err).Msg("Feed transport ended")
			return fmt.Errorf("%w: %w", ErrTransportEnded, err)
		}
		in.received.Add(1)
		if err := in.handler.Handle(msg); err != nil {
			in.failed.Add(1)
		}
	}
	return nil
}

// Stop requests a cooperative shutdown. A Receive already in flight is not
// interrupted; close the transport to unblock it.
func (in *Ingestor) Stop() {
	in.stopped.Store(true)
}

// Running reports whether the read loop is active
func (in *Ingestor) Running() bool {
	return in.running.Load()
}

// Stats returns the number of frames received and the number the handler
// rejected
func (in *Ingestor) Stats() (received, failed int64) {
	return in.received.Load(), in.failed.Load()
}
