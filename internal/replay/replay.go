// Package replay records raw feed frames to a file and plays them back.
//
// A recording holds one JSON object per line: the frame as received and
// the time since the previous frame. Frames that are not valid UTF-8 are
// kept base64 encoded under "raw" so the bytes survive unchanged. Playback can honour those gaps
// scaled by a speed factor, or run flat out.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// ErrClosed is returned by Receive after Close
var ErrClosed = errors.New("replay: closed")

const maxLine = 4 << 20

// Event is one recorded frame
type Event struct {
	Diff  time.Duration `json:"diff"` // since the previous frame
	Frame string        `json:"frame,omitempty"`
	Raw   []byte        `json:"raw,omitempty"` // set instead of Frame for non UTF-8 frames
}

// Payload returns the recorded frame bytes
func (e Event) Payload() []byte {
	if e.Raw != nil {
		return e.Raw
	}
	return []byte(e.Frame)
}

func newEvent(diff time.Duration, msg []byte) Event {
	if utf8.Valid(msg) {
		return Event{Diff: diff, Frame: string(msg)}
	}
	return Event{Diff: diff, Raw: msg}
}

// Receiver is the transport being recorded
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Recorder passes frames through from a Receiver while appending them to w
type Recorder struct {
	recv Receiver
	now  func() time.Time

	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	last   time.Time
	frames int64
}

// NewRecorder tees recv into w
func NewRecorder(recv Receiver, w io.Writer) *Recorder {
	r := &Recorder{recv: recv, now: time.Now, w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Create tees recv into a new file at path
func Create(recv Receiver, path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return NewRecorder(recv, f), nil
}

// Receive returns the next frame after recording it. Recording errors
// are returned alongside the frame so a full disk ends the session.
func (r *Recorder) Receive(ctx context.Context) ([]byte, error) {
	msg, err := r.recv.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.record(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (r *Recorder) record(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var diff time.Duration
	if !r.last.IsZero() {
		diff = now.Sub(r.last)
	}
	r.last = now

	line, err := json.Marshal(newEvent(diff, msg))
	if err != nil {
		return fmt.Errorf("record frame: %w", err)
	}
	line = append(line, '\n')
	if _, err := r.w.Write(line); err != nil {
		return fmt.Errorf("record frame: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("record frame: %w", err)
	}
	r.frames++
	return nil
}

// Frames returns the number of frames written
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close flushes and closes the recording, then the wrapped Receiver if
// it can be closed
func (r *Recorder) Close() error {
	r.mu.Lock()
	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	r.mu.Unlock()

	if c, ok := r.recv.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader plays a recording back as a Receiver. io.EOF marks the end.
type Reader struct {
	sc     *bufio.Scanner
	closer io.Closer
	speed  float64

	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
	line   int
}

// NewReader replays src. speed 1 reproduces recorded gaps, 2 halves
// them, 0 or less disables pacing.
func NewReader(src io.Reader, speed float64) *Reader {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	r := &Reader{sc: sc, speed: speed, done: make(chan struct{})}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Open replays the recording at path
func Open(path string, speed float64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	return NewReader(f, speed), nil
}

// Receive returns the next recorded frame
func (r *Reader) Receive(ctx context.Context) ([]byte, error) {
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return nil, fmt.Errorf("read recording: %w", err)
			}
			return nil, io.EOF
		}
		r.line++
		raw := r.sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("recording line %d: %w", r.line, err)
		}
		if err := r.wait(ctx, ev.Diff); err != nil {
			return nil, err
		}
		return ev.Payload(), nil
	}
}

func (r *Reader) wait(ctx context.Context, diff time.Duration) error {
	if r.speed <= 0 || diff <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(float64(diff) / r.speed))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Close stops playback and unblocks a pending Receive
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.done)
		if r.closer != nil {
			err = r.closer.Close()
		}
	})
	return err
}
