package duplex

import (
	"context"
	"net"
)

// ByteChannel is an established bidirectional byte stream with lifecycle
// events. Channel is the TCP implementation; tests and other transports
// may provide their own.
//
// Events must be drained until the channel closes it; EventClosed is
// always the last event delivered.
type ByteChannel interface {
	Source

	// Serve pumps the transport until the channel is closed, emitting
	// EventConnected first and EventClosed last.
	Serve(ctx context.Context) error
	// Events returns the lifecycle event stream.
	Events() <-chan Event
	// Write queues p for sending. It returns ErrBufferFull without queuing
	// when the write buffer is full, and ErrConnectionClosed after Close.
	Write(p []byte) error
	// Close flushes queued writes and closes the transport.
	Close() error
	// Abort closes the transport immediately, discarding buffered bytes in
	// both directions. cause is not re-emitted as an event.
	Abort(cause error)
	// RemoteAddr returns the peer address, if known.
	RemoteAddr() net.Addr
}
