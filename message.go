package duplex

// Message is a decoded frame payload.
// Its concrete type is whatever the configured Codec produces.
type Message any

// Frame is one length-prefixed unit of transport data.
// Payload always holds exactly Length bytes.
type Frame struct {
	Length  uint32
	Payload []byte
}

// Codec is the interface for payload serialization.
// The framing layer hands Decode exactly one frame's payload, so
// implementations never deal with TCP fragmentation themselves.
//
// Encode and Decode must be exact duals: Decode(Encode(m)) equals m
// for every message the codec accepts.
type Codec interface {
	// Decode deserializes one frame payload. An error here is fatal for
	// the connection: the stream is aborted rather than resynchronized.
	Decode(payload []byte) (Message, error)
	// Encode serializes a message into a frame payload.
	Encode(Message) ([]byte, error)
}

// AcceptResult is the consumer's answer to an offered message.
type AcceptResult int

const (
	// Accepted means the consumer took the message and can take more.
	Accepted AcceptResult = iota
	// Rejected means the consumer took the message but cannot take another
	// one right now. Decoding pauses until Resume is called.
	Rejected
)

func (r AcceptResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Consumer receives decoded messages from a connection.
// Accept is always called from the connection's own goroutine, one
// message at a time.
type Consumer interface {
	Accept(Message) AcceptResult
}

// ConsumerFunc adapts an ordinary function to the Consumer interface.
type ConsumerFunc func(Message) AcceptResult

// Accept calls f(m).
func (f ConsumerFunc) Accept(m Message) AcceptResult {
	return f(m)
}
