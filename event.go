package duplex

// EventKind identifies a lifecycle event.
type EventKind int

const (
	// EventConnected fires once the channel is connected and serving.
	EventConnected EventKind = iota + 1
	// EventData signals that new bytes were buffered. Channel-internal;
	// a Conn never relays it.
	EventData
	// EventDrain fires when a write buffer that previously rejected bytes
	// has been flushed.
	EventDrain
	// EventEnd fires when the remote side ends the stream.
	EventEnd
	// EventError carries a fatal transport or framing error.
	EventError
	// EventClosed fires last, once the channel is fully closed.
	EventClosed
	// EventTimeout fires when the channel has been idle for the idle timeout.
	// It is a notification only; the connection stays open.
	EventTimeout
	// EventSendFailed fires when bytes accepted for writing could not be
	// delivered to the transport.
	EventSendFailed
	// EventMessage fires once per decoded frame, after it was offered to
	// the consumer.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDrain:
		return "drain"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventTimeout:
		return "timeout"
	case EventSendFailed:
		return "send-failed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification.
type Event struct {
	Kind EventKind
	// Err is set for EventError and EventSendFailed.
	Err error
	// Abrupt is set on EventClosed when the channel closed because of an error.
	Abrupt bool
	// Message is set on EventMessage.
	Message Message
	// Dropped is the number of unsent bytes on EventSendFailed.
	Dropped int
}

// Listener observes connection events. Listeners run on the connection's
// goroutine and must not block.
type Listener func(Event)
