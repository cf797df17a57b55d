package feed

import (
	"errors"
	"fmt"
)

// ErrTransportEnded is returned by Ingestor.Run once the receiver fails or
// reaches end of stream
var ErrTransportEnded = errors.New("transport ended")

// maxPrefix bounds how much raw text a decode failure carries
const maxPrefix = 200

// DecodeError reports a message that was discarded without touching the book
type DecodeError struct {
	Reason string // short machine-friendly cause
	Prefix string // bounded prefix of the raw message
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Reason, e.Err)
	}
	return "decode " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(reason string, raw []byte, err error) *DecodeError {
	return &DecodeError{Reason: reason, Prefix: prefix(raw), Err: err}
}

func prefix(raw []byte) string {
	if len(raw) <= maxPrefix {
		return string(raw)
	}
	return string(raw[:maxPrefix]) + "..."
}
