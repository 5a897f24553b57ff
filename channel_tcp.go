package duplex

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Default channel configuration values.
const (
	// defaultReadSize is the size of a single socket read.
	defaultReadSize = 4096
	// defaultHighWaterMark is how many unread bytes may pile up before the
	// channel stops reading from the socket.
	defaultHighWaterMark = 64 * 1024
	// defaultWriteBufferSize is how many bytes may be queued for writing.
	defaultWriteBufferSize = 64 * 1024
	// defaultEventBacklog is the capacity of the event channel.
	defaultEventBacklog = 16
	// defaultFlushTimeout bounds a single socket write when no idle timeout is set.
	defaultFlushTimeout = 30 * time.Second
)

// Channel is a ByteChannel over a net.Conn.
//
// A read pump buffers incoming bytes and stops reading the socket once
// the unread backlog reaches the high-water mark, so a paused consumer
// pushes back on the remote sender through TCP flow control. A frame
// larger than the mark is still read in full once the decoder has asked
// for it through Need. A write pump flushes queued bytes; Write never blocks.
type Channel struct {
	conn   net.Conn
	logger Logger
	opts   channelOptions

	mu          sync.Mutex
	buf         chunkBuffer
	dataPending bool
	want        int
	room        chan struct{}

	wmu        sync.Mutex
	queue      [][]byte
	queued     int
	rejected   bool
	writeReady chan struct{}

	events    chan Event
	serving   atomic.Bool
	closing   atomic.Bool
	aborted   atomic.Bool
	failed    atomic.Bool
	closeReq  chan struct{}
	closeOnce sync.Once
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn, opt ...ChannelOption) *Channel {
	var opts channelOptions
	for _, o := range opt {
		o(&opts)
	}
	checkChannelOptions(&opts)

	return &Channel{
		conn:       conn,
		logger:     opts.logger,
		opts:       opts,
		room:       make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		events:     make(chan Event, defaultEventBacklog),
		closeReq:   make(chan struct{}),
	}
}

// DialChannel connects to address and wraps the resulting connection.
func DialChannel(ctx context.Context, network, address string, opt ...ChannelOption) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewChannel(conn, opt...), nil
}

// checkChannelOptions sets default values for channel options.
func checkChannelOptions(opts *channelOptions) {
	if opts.readSize <= 0 {
		opts.readSize = defaultReadSize
	}
	if opts.highWaterMark <= 0 {
		opts.highWaterMark = defaultHighWaterMark
	}
	if opts.writeBufferSize <= 0 {
		opts.writeBufferSize = defaultWriteBufferSize
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// RemoteAddr returns the remote address of the connection.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Events returns the lifecycle event stream. It is closed after EventClosed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Serve starts the read and write pumps and blocks until both have stopped.
// It returns the transport error that ended the channel, if any.
func (c *Channel) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		if c.closing.Load() {
			return ErrConnectionClosed
		}
		return errors.New("channel already serving")
	}

	c.emit(Event{Kind: EventConnected})

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, func() {
		// Unblocks a pending Read when the pumps are torn down from outside.
		_ = c.conn.Close()
	})

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	stop()
	_ = c.conn.Close()

	if err != nil {
		c.logger.Debug("channel stopped with error", "addr", c.RemoteAddr(), "error", err)
	}

	c.emit(Event{Kind: EventClosed, Abrupt: err != nil || c.aborted.Load()})
	close(c.events)
	return err
}

// ReadExact removes exactly n buffered bytes, or returns false without
// consuming anything.
func (c *Channel) ReadExact(n int) ([]byte, bool) {
	c.mu.Lock()
	c.dataPending = false
	p, ok := c.buf.ReadExact(n)
	if ok && n > 0 {
		c.want = 0
	}
	c.mu.Unlock()

	if ok && n > 0 {
		select {
		case c.room <- struct{}{}:
		default:
		}
	}
	return p, ok
}

// Unread pushes p back to the front of the read buffer.
func (c *Channel) Unread(p []byte) {
	c.mu.Lock()
	c.buf.Unread(p)
	c.mu.Unlock()
}

// Need records that n buffered bytes are required before the next read can
// succeed. The read pump keeps reading past the high-water mark until they
// have arrived. The hint is cleared by the next successful ReadExact.
func (c *Channel) Need(n int) {
	c.mu.Lock()
	c.want = n
	c.mu.Unlock()

	select {
	case c.room <- struct{}{}:
	default:
	}
}

// Buffered returns the number of unread bytes.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Write queues p for sending. The channel takes ownership of p.
//
// Returns:
//   - nil: p was queued (not yet sent)
//   - ErrBufferFull: the write buffer is full, p was NOT queued; a drain
//     event follows once the buffer has been flushed
//   - ErrConnectionClosed: the channel is closing or closed
//
// A single write larger than the buffer is accepted when nothing else is queued.
func (c *Channel) Write(p []byte) error {
	c.wmu.Lock()
	if c.closing.Load() {
		c.wmu.Unlock()
		return ErrConnectionClosed
	}
	if c.queued > 0 && c.queued+len(p) > c.opts.writeBufferSize {
		c.rejected = true
		c.wmu.Unlock()
		return ErrBufferFull
	}
	c.queue = append(c.queue, p)
	c.queued += len(p)
	c.wmu.Unlock()

	select {
	case c.writeReady <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes queued writes and closes the connection. A channel that
// was never served is flushed and closed on the spot.
// Safe to call multiple times.
func (c *Channel) Close() error {
	c.shutdown(false)
	return nil
}

// Abort closes the connection immediately, dropping queued writes and
// unread bytes. Safe to call multiple times.
func (c *Channel) Abort(cause error) {
	if c.shutdown(true) {
		c.logger.Debug("channel aborted", "addr", c.RemoteAddr(), "cause", cause)
	}
}

// shutdown starts closing the channel and reports whether this call did it.
func (c *Channel) shutdown(abort bool) bool {
	started := false
	c.closeOnce.Do(func() {
		started = true
		c.wmu.Lock()
		c.closing.Store(true)
		if abort {
			c.aborted.Store(true)
			c.queue = nil
			c.queued = 0
		}
		c.wmu.Unlock()
		close(c.closeReq)
	})

	if abort && started {
		c.mu.Lock()
		c.buf.Reset()
		c.mu.Unlock()
		_ = c.conn.Close()
	}

	if started && c.serving.CompareAndSwap(false, true) {
		// No pumps will run, so finish the channel here.
		if !abort {
			_ = c.flush()
		}
		_ = c.conn.Close()
		c.emit(Event{Kind: EventClosed, Abrupt: abort || c.failed.Load()})
		close(c.events)
	}
	return started
}

// readLoop buffers socket data until the connection ends or fails.
func (c *Channel) readLoop(ctx context.Context) error {
	for {
		if !c.waitForRoom(ctx) {
			return nil
		}

		if c.opts.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		p := make([]byte, c.opts.readSize)
		n, err := c.conn.Read(p)
		if n > 0 {
			c.push(p[:n])
		}
		if err == nil {
			continue
		}

		if c.closing.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.logger.Debug("channel idle", "addr", c.RemoteAddr(), "timeout", c.opts.idleTimeout)
			c.emit(Event{Kind: EventTimeout})
			continue
		}

		if errors.Is(err, io.EOF) {
			c.logger.Debug("remote end of stream", "addr", c.RemoteAddr())
			c.emit(Event{Kind: EventEnd})
			c.shutdown(false)
			return nil
		}

		c.logger.Debug("read error", "addr", c.RemoteAddr(), "error", err)
		c.emitError(err)
		c.shutdown(false)
		return errors.Wrap(err, "read")
	}
}

// waitForRoom blocks while the read backlog is at the high-water mark and
// no pending frame needs more bytes. It returns false when the channel is
// shutting down.
func (c *Channel) waitForRoom(ctx context.Context) bool {
	for {
		if c.closing.Load() {
			return false
		}
		if c.hasRoom() {
			return true
		}
		select {
		case <-c.room:
		case <-c.closeReq:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Channel) hasRoom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len() < max(c.opts.highWaterMark, c.want)
}

// push appends p to the read buffer and announces it unless an earlier
// announcement has not been picked up yet.
func (c *Channel) push(p []byte) {
	c.mu.Lock()
	c.buf.Write(p)
	announce := !c.dataPending
	c.dataPending = true
	c.mu.Unlock()

	if announce {
		c.emit(Event{Kind: EventData})
	}
}

// writeLoop flushes queued writes until the channel closes.
func (c *Channel) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.writeReady:
			if err := c.flush(); err != nil {
				return err
			}
		case <-c.closeReq:
			if c.aborted.Load() {
				return nil
			}
			err := c.flush()
			_ = c.conn.Close()
			return err
		}
	}
}

// flush writes everything queued, emitting EventDrain if a write was
// rejected while the queue was full.
func (c *Channel) flush() error {
	for {
		c.wmu.Lock()
		batch := c.queue
		c.queue = nil
		if len(batch) == 0 {
			drained := c.rejected
			c.rejected = false
			c.wmu.Unlock()
			if drained {
				c.emit(Event{Kind: EventDrain})
			}
			return nil
		}
		c.wmu.Unlock()

		size := 0
		for _, p := range batch {
			size += len(p)
		}

		timeout := c.opts.idleTimeout * 2
		if timeout <= 0 {
			timeout = defaultFlushTimeout
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))

		bufs := net.Buffers(batch)
		n, err := bufs.WriteTo(c.conn)

		c.wmu.Lock()
		c.queued -= size
		c.wmu.Unlock()

		if err != nil {
			if c.aborted.Load() {
				return nil
			}
			c.logger.Debug("write error", "addr", c.RemoteAddr(), "error", err)
			c.emit(Event{Kind: EventSendFailed, Err: err, Dropped: size - int(n)})
			c.emitError(err)
			return errors.Wrap(err, "write")
		}
	}
}

// emitError emits the first transport error only.
func (c *Channel) emitError(err error) {
	if c.failed.Swap(true) {
		return
	}
	c.emit(Event{Kind: EventError, Err: err})
}

func (c *Channel) emit(ev Event) {
	c.events <- ev
}
