// Package duplex turns a raw byte stream into a bidirectional message
// connection. Messages travel as frames made of a 4-byte big-endian length
// followed by a codec-encoded payload. Decoding is incremental and never
// blocks the transport, a slow consumer pauses reading all the way down to
// the socket, and writes are queued with explicit backpressure.
package duplex

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrCustomConsumer is returned by Receive when messages are delivered to a
// consumer configured with ConsumerOption.
var ErrCustomConsumer = errors.New("receive unavailable: messages go to a custom consumer")

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	// StateUnattached is a new Conn without a channel.
	StateUnattached ConnState = iota
	// StateAttached is a Conn bound to an open channel.
	StateAttached
	// StateClosing is a Conn whose close was requested locally, whose peer
	// ended the stream, or that hit a fatal error.
	StateClosing
	// StateClosed is a Conn whose channel has confirmed closure.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	// defaultBufferSize is the default inbox high-water mark, in messages.
	defaultBufferSize = 16
	// defaultMaxPackageLength is the default maximum size of a single frame payload (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// Conn is a message connection over a ByteChannel.
//
// Inbound bytes are decoded into messages and offered to a consumer (by
// default an inbox read with Receive). Outbound messages are encoded and
// queued on the channel by Send. Channel lifecycle events are relayed to
// listeners unchanged, together with message and send-failed events.
//
// Each Conn owns its channel and buffers; create one per connection.
type Conn struct {
	opts   options
	logger Logger

	amu      sync.Mutex
	ch       ByteChannel
	decoder  *Decoder
	encoder  *Encoder
	flow     *FlowController
	consumer Consumer
	inbox    *inbox

	state      atomic.Int32
	running    atomic.Bool
	localClose atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}

	lmu       sync.RWMutex
	listeners []Listener

	drainMu sync.Mutex
	drained chan struct{}

	// Owned by the run loop.
	broken bool
	ended  bool
	failed bool
	err    error
}

// NewConn creates an unattached connection with the given options.
func NewConn(opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		opts:      opts,
		logger:    opts.logger,
		encoder:   NewEncoder(opts.codec, uint32(opts.maxReadLength)),
		flow:      NewFlowController(),
		closed:    make(chan struct{}),
		drained:   make(chan struct{}),
		listeners: opts.listeners,
	}

	if opts.consumer != nil {
		c.consumer = opts.consumer
	} else {
		c.inbox = newInbox(opts.bufferSize)
		c.consumer = c.inbox
	}

	return c, nil
}

// Dial connects to address over TCP and returns an attached connection.
// Call Run to start it.
func Dial(ctx context.Context, address string, opt ...Option) (*Conn, error) {
	c, err := NewConn(opt...)
	if err != nil {
		return nil, err
	}

	ch, err := DialChannel(ctx, "tcp", address, c.opts.channelOpts...)
	if err != nil {
		return nil, err
	}

	if err := c.Attach(ch); err != nil {
		ch.Abort(err)
		return nil, err
	}
	return c, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = JSONCodec{}
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	// The limit is the 32-bit prefix range, or less where int is 32 bits.
	if uint64(opts.maxReadLength) > maxFrameLimit {
		return errors.Wrapf(ErrMessageTooLarge, "max read length %d exceeds the frame limit %d", opts.maxReadLength, maxFrameLimit)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// Attach binds the connection to an open channel.
func (c *Conn) Attach(ch ByteChannel) error {
	if ch == nil {
		return errors.New("attach: nil channel")
	}

	c.amu.Lock()
	defer c.amu.Unlock()

	switch c.State() {
	case StateUnattached:
	case StateClosed:
		return ErrConnectionClosed
	default:
		return ErrAlreadyAttached
	}

	c.ch = ch
	c.decoder = NewDecoder(ch, c.opts.codec, c.flow, uint32(c.opts.maxReadLength))
	c.state.Store(int32(StateAttached))
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Observe registers a lifecycle listener. Listeners run on the connection
// goroutine in registration order and must not block.
func (c *Conn) Observe(l Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run serves the attached channel and decodes inbound frames until the
// channel closes. It returns the fatal error that ended the connection:
// a *FrameError, a transport error, or the context's error. A clean close
// returns nil.
//
// Canceling ctx aborts the connection immediately; use Close for a
// graceful shutdown that flushes queued writes.
func (c *Conn) Run(ctx context.Context) error {
	switch c.State() {
	case StateUnattached:
		return ErrNotAttached
	case StateClosed:
		return ErrConnectionClosed
	}

	if !c.running.CompareAndSwap(false, true) {
		if c.State() == StateClosed {
			return ErrConnectionClosed
		}
		return errors.New("connection already running")
	}

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength)

	var group errgroup.Group

	group.Go(func() error {
		if err := c.ch.Serve(ctx); err != nil {
			c.logger.Debug("channel stopped", "addr", c.Addr(), "error", err)
		}
		return nil
	})

	group.Go(func() error {
		return c.loop(ctx)
	})

	err := group.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection: the farewell packet, if any, is
// queued after pending writes, the channel is flushed and closed, and no
// further frames are decoded. Safe to call multiple times.
func (c *Conn) Close() error {
	c.amu.Lock()
	if c.state.CompareAndSwap(int32(StateUnattached), int32(StateClosed)) {
		c.amu.Unlock()
		c.markClosed()
		return nil
	}
	c.amu.Unlock()

	if c.State() == StateClosed || !c.localClose.CompareAndSwap(false, true) {
		return nil
	}

	c.flow.Halt()
	if c.state.CompareAndSwap(int32(StateAttached), int32(StateClosing)) && c.opts.farewell != nil {
		if err := c.ch.Write(c.opts.farewell); err != nil {
			c.logger.Debug("farewell not sent", "addr", c.Addr(), "error", err)
		}
	}

	err := c.ch.Close()
	if c.running.CompareAndSwap(false, true) {
		// Never run: there is no loop to observe the channel closing.
		c.state.Store(int32(StateClosed))
		c.markClosed()
		c.emit(Event{Kind: EventClosed})
	}
	return err
}

// Done returns a channel that is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Addr returns the remote address, or nil before Attach.
func (c *Conn) Addr() net.Addr {
	if c.State() == StateUnattached {
		return nil
	}
	return c.ch.RemoteAddr()
}

// Resume lets decoding continue after the consumer rejected a message.
// Decoding resumes on the connection goroutine, not on the caller's stack.
// Calling Resume when decoding is not paused has no effect.
func (c *Conn) Resume() {
	c.flow.Resume()
}

// Paused reports whether decoding is waiting for Resume.
func (c *Conn) Paused() bool {
	return c.flow.Paused()
}

// Send encodes a message and queues it on the channel without blocking.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: write buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closing or closed
//   - ErrNotAttached: no channel attached yet
//   - encoding error: if the codec fails or the frame is too large
//
// For guaranteed queuing, use SendBlocking or SendTimeout instead.
func (c *Conn) Send(message Message) error {
	if err := c.writable(); err != nil {
		return err
	}

	data, err := c.encoder.Encode(message)
	if err != nil {
		return err
	}

	return c.ch.Write(data)
}

// SendBlocking encodes a message and queues it, waiting for the write
// buffer to drain while it is full.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closing or closed
//   - encoding error: if the codec fails or the frame is too large
func (c *Conn) SendBlocking(ctx context.Context, message Message) error {
	if err := c.writable(); err != nil {
		return err
	}

	data, err := c.encoder.Encode(message)
	if err != nil {
		return err
	}

	for {
		drained := c.drainSignal()

		err := c.ch.Write(data)
		if !errors.Is(err, ErrBufferFull) {
			return err
		}

		select {
		case <-drained:
		case <-c.closed:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendTimeout is SendBlocking with a time limit.
// It returns ErrBufferFull if the buffer did not drain in time.
func (c *Conn) SendTimeout(message Message, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := c.SendBlocking(ctx, message)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBufferFull
	}
	return err
}

// SendRaw queues pre-encoded bytes, such as a protocol control packet,
// without framing them.
func (c *Conn) SendRaw(packet []byte) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.ch.Write(packet)
}

// Receive returns the next decoded message from the inbox, waiting until
// one arrives. Taking a message makes room in the inbox and resumes
// decoding if it was paused. After the connection has closed and the inbox
// is empty it returns ErrConnectionClosed.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	if c.inbox == nil {
		return nil, ErrCustomConsumer
	}

	for {
		if m, ok := c.inbox.take(); ok {
			c.flow.Resume()
			return m, nil
		}

		select {
		case <-c.inbox.notify:
		case <-c.closed:
			if m, ok := c.inbox.take(); ok {
				return m, nil
			}
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// writable checks that the connection accepts outbound data.
func (c *Conn) writable() error {
	switch c.State() {
	case StateAttached:
		return nil
	case StateUnattached:
		return ErrNotAttached
	default:
		return ErrConnectionClosed
	}
}

// loop is the connection goroutine: it decodes, relays events and resumes
// after backpressure, one step at a time.
func (c *Conn) loop(ctx context.Context) error {
	done := ctx.Done()
	events := c.ch.Events()

	for {
		select {
		case <-done:
			done = nil
			c.localClose.Store(true)
			c.flow.Halt()
			c.state.CompareAndSwap(int32(StateAttached), int32(StateClosing))
			if !c.failed {
				c.failed = true
				c.err = ctx.Err()
			}
			c.ch.Abort(ctx.Err())

		case <-c.flow.Wake():
			c.decode()

		case ev, ok := <-events:
			if !ok {
				if c.err == nil && ctx.Err() != nil {
					c.err = ctx.Err()
				}
				return c.err
			}
			c.handle(ctx, ev)
		}
	}
}

// handle processes one channel event.
func (c *Conn) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventData:
		c.decode()

	case EventEnd:
		c.ended = true
		c.state.CompareAndSwap(int32(StateAttached), int32(StateClosing))
		c.decode()
		c.emit(ev)

	case EventError:
		c.fail(ev.Err)

	case EventDrain:
		c.signalDrain()
		c.emit(ev)

	case EventClosed:
		c.drainRemaining(ctx)
		c.flow.Halt()
		c.state.Store(int32(StateClosed))
		c.markClosed()
		c.emit(ev)

	default:
		c.emit(ev)
	}
}

// decode runs the decoder over whatever the channel has buffered.
func (c *Conn) decode() {
	if c.broken {
		return
	}

	err := c.decoder.Decode(c.offer)
	if err == nil {
		return
	}

	c.broken = true
	c.flow.Halt()
	c.logger.Warn("malformed frame, aborting connection", "addr", c.Addr(), "error", err)
	c.fail(err)
	c.ch.Abort(err)
}

// drainRemaining delivers frames still buffered after the peer ended the
// stream, waiting for the consumer when it is paused.
func (c *Conn) drainRemaining(ctx context.Context) {
	for c.ended && !c.broken && !c.localClose.Load() {
		c.decode()
		if !c.flow.Paused() {
			return
		}

		select {
		case <-c.flow.Wake():
		case <-ctx.Done():
			return
		}
	}
}

// offer hands a decoded message to the consumer and reports it to listeners.
func (c *Conn) offer(m Message) AcceptResult {
	res := c.consumer.Accept(m)
	c.emit(Event{Kind: EventMessage, Message: m})
	return res
}

// fail records the first fatal error and reports it.
func (c *Conn) fail(err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.err = err
	c.state.CompareAndSwap(int32(StateAttached), int32(StateClosing))
	c.emit(Event{Kind: EventError, Err: err})
}

func (c *Conn) emit(ev Event) {
	c.lmu.RLock()
	listeners := c.listeners
	c.lmu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// drainSignal returns a channel closed at the next drain event.
func (c *Conn) drainSignal() <-chan struct{} {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.drained
}

func (c *Conn) signalDrain() {
	c.drainMu.Lock()
	close(c.drained)
	c.drained = make(chan struct{})
	c.drainMu.Unlock()
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
