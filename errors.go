package duplex

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrMessageTooLarge is returned when a frame exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closing or closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotAttached is returned by Run when no channel has been attached.
	ErrNotAttached = errors.New("connection not attached")
	// ErrAlreadyAttached is returned when Attach is called twice.
	ErrAlreadyAttached = errors.New("connection already attached")
)

// ErrBufferFull is returned when the channel's write buffer cannot take more bytes.
// The bytes were NOT queued. This is backpressure, not a failure: wait for
// the drain event (or use SendBlocking / SendTimeout) and try again.
var ErrBufferFull = errors.New("send buffer full")

// FrameKind classifies fatal inbound frame errors.
type FrameKind string

const (
	// KindFraming means a payload was extracted but failed to deserialize.
	KindFraming FrameKind = "framing"
	// KindOversize means a length prefix announced a frame above the limit.
	KindOversize FrameKind = "oversize"
)

// FrameError is a fatal inbound error. Once the framing alignment of a
// stream cannot be trusted the connection is aborted; there is no attempt
// to resynchronize.
type FrameError struct {
	Kind   FrameKind
	Length uint32
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s error on %d byte frame: %v", e.Kind, e.Length, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying cause for errors.Cause.
func (e *FrameError) Cause() error {
	return e.Err
}

// IsFrameError reports whether err is (or wraps) a *FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
