package duplex

import (
	"time"
)

// options holds the configuration for a Conn.
type options struct {
	codec    Codec
	logger   Logger
	consumer Consumer

	listeners   []Listener
	farewell    []byte
	channelOpts []ChannelOption

	bufferSize    int // inbox high-water mark, in messages
	maxReadLength int // maximum size of a single frame payload
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the payload codec.
// If not set, JSONCodec is used.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// ConsumerOption returns an Option that delivers decoded messages to
// consumer instead of the built-in inbox read by Receive.
func ConsumerOption(consumer Consumer) Option {
	return func(o *options) {
		o.consumer = consumer
	}
}

// BufferSizeOption returns an Option that sets how many decoded messages
// the inbox holds before decoding pauses.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum frame payload size.
// A peer announcing a larger frame is disconnected.
//
// The default is 1MB. The wire format allows any 32-bit length, so with
// the default a well-formed frame above 1MB is still fatal; raise the limit
// for peers that send larger messages. Sizes beyond the 32-bit prefix range,
// or beyond what an int can hold, are rejected by NewConn.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnEventOption returns an Option that registers a lifecycle listener.
func OnEventOption(l Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

// FarewellOption returns an Option that sets a protocol-level termination
// packet written, unframed, when Close is called on an open connection.
func FarewellOption(packet []byte) Option {
	return func(o *options) {
		o.farewell = packet
	}
}

// ChannelOptionsOption returns an Option carrying channel options for
// channels the connection creates itself, as Dial and Server do.
func ChannelOptionsOption(opts ...ChannelOption) Option {
	return func(o *options) {
		o.channelOpts = append(o.channelOpts, opts...)
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// channelOptions holds the configuration for a Channel.
type channelOptions struct {
	logger Logger

	readSize        int           // bytes per socket read
	highWaterMark   int           // unread bytes before reading stops
	writeBufferSize int           // queued bytes before writes are rejected
	idleTimeout     time.Duration // read inactivity before a timeout event
}

// ChannelOption is a function that configures channel options.
type ChannelOption func(*channelOptions)

// ReadSizeOption sets how many bytes a single socket read may return.
func ReadSizeOption(size int) ChannelOption {
	return func(o *channelOptions) {
		o.readSize = size
	}
}

// HighWaterMarkOption sets how many unread bytes the channel buffers
// before it stops reading from the socket.
func HighWaterMarkOption(size int) ChannelOption {
	return func(o *channelOptions) {
		o.highWaterMark = size
	}
}

// WriteBufferSizeOption sets how many bytes may be queued for writing
// before Write reports ErrBufferFull.
func WriteBufferSizeOption(size int) ChannelOption {
	return func(o *channelOptions) {
		o.writeBufferSize = size
	}
}

// IdleTimeoutOption sets the read inactivity period after which a timeout
// event is emitted. Zero disables it. Writes are bounded by twice this value.
func IdleTimeoutOption(timeout time.Duration) ChannelOption {
	return func(o *channelOptions) {
		o.idleTimeout = timeout
	}
}

// ChannelLoggerOption sets the channel logger.
func ChannelLoggerOption(logger Logger) ChannelOption {
	return func(o *channelOptions) {
		o.logger = logger
	}
}
