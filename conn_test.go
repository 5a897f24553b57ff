package duplex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memChannel is an in-memory ByteChannel driven by the test.
type memChannel struct {
	mu      sync.Mutex
	buf     chunkBuffer
	written bytes.Buffer
	closed  bool

	emu     sync.Mutex
	events  chan Event
	stopped bool

	done      chan struct{}
	closeOnce sync.Once
	aborted   atomic.Bool
}

func newMemChannel() *memChannel {
	return &memChannel{
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// feed makes p available to the decoder and announces it.
func (m *memChannel) feed(p []byte) {
	m.mu.Lock()
	m.buf.Write(append([]byte(nil), p...))
	m.mu.Unlock()
	m.emit(Event{Kind: EventData})
}

// end simulates the peer closing its side of the stream.
func (m *memChannel) end() {
	m.emit(Event{Kind: EventEnd})
	_ = m.Close()
}

func (m *memChannel) emit(ev Event) {
	m.emu.Lock()
	defer m.emu.Unlock()
	if !m.stopped {
		m.events <- ev
	}
}

func (m *memChannel) Serve(ctx context.Context) error {
	m.emit(Event{Kind: EventConnected})

	select {
	case <-m.done:
	case <-ctx.Done():
	}

	m.emu.Lock()
	m.stopped = true
	m.events <- Event{Kind: EventClosed, Abrupt: m.aborted.Load()}
	close(m.events)
	m.emu.Unlock()
	return nil
}

func (m *memChannel) Events() <-chan Event {
	return m.events
}

func (m *memChannel) ReadExact(n int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.ReadExact(n)
}

func (m *memChannel) Unread(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Unread(p)
}

func (m *memChannel) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	m.written.Write(p)
	return nil
}

func (m *memChannel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *memChannel) Abort(error) {
	m.aborted.Store(true)
	m.mu.Lock()
	m.buf.Reset()
	m.mu.Unlock()
	_ = m.Close()
}

func (m *memChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1883}
}

func (m *memChannel) writtenBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

// eventLog records every event a Conn relays.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runConn(ctx context.Context, c *Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

// newMemConn returns a running Conn over a memChannel that has announced
// EventConnected.
func newMemConn(t *testing.T, opts ...Option) (*Conn, *memChannel, *eventLog, <-chan error) {
	t.Helper()

	log := &eventLog{}
	opts = append([]Option{LoggerOption(NopLogger()), OnEventOption(log.listen)}, opts...)
	c, err := NewConn(opts...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ch := newMemChannel()
	if err := c.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	done := runConn(context.Background(), c)
	waitFor(t, "connected event", func() bool { return log.count(EventConnected) == 1 })
	return c, ch, log, done
}

func frames(payloads ...string) []byte {
	var wire []byte
	for _, p := range payloads {
		wire = AppendFrame(wire, []byte(p))
	}
	return wire
}

func receive(t *testing.T, c *Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return m
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func TestNewConn_Defaults(t *testing.T) {
	conn, err := NewConn()
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if _, ok := conn.opts.codec.(JSONCodec); !ok {
		t.Errorf("default codec = %T, want JSONCodec", conn.opts.codec)
	}
	if conn.opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", conn.opts.bufferSize, defaultBufferSize)
	}
	if conn.opts.maxReadLength != defaultMaxPackageLength {
		t.Errorf("maxReadLength = %d, want %d", conn.opts.maxReadLength, defaultMaxPackageLength)
	}
	if conn.logger == nil {
		t.Error("logger is nil")
	}
	if conn.inbox == nil {
		t.Error("inbox is nil without a custom consumer")
	}
	if conn.State() != StateUnattached {
		t.Errorf("State() = %s, want unattached", conn.State())
	}
	if conn.Addr() != nil {
		t.Errorf("Addr() = %v before Attach, want nil", conn.Addr())
	}
}

func TestNewConn_MaxSizeAboveFrameLimit(t *testing.T) {
	size := int64(math.MaxUint32) + 1
	if int64(int(size)) != size {
		t.Skip("int is 32 bits")
	}

	_, err := NewConn(MessageMaxSize(int(size)))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestNewConn_MaxSizeAtIntLimit(t *testing.T) {
	// Rejected everywhere: above the prefix range on 64-bit, and too close
	// to overflowing an int on 32-bit.
	if _, err := NewConn(MessageMaxSize(math.MaxInt)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	conn, err := NewConn(MessageMaxSize(int(maxFrameLimit)))
	if err != nil {
		t.Fatalf("NewConn at the frame limit failed: %v", err)
	}
	if uint64(conn.opts.maxReadLength) != maxFrameLimit {
		t.Errorf("maxReadLength = %d, want %d", conn.opts.maxReadLength, maxFrameLimit)
	}
}

func TestNewConn_CustomConsumer(t *testing.T) {
	conn, err := NewConn(ConsumerOption(ConsumerFunc(func(Message) AcceptResult { return Accepted })))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.inbox != nil {
		t.Error("inbox created alongside a custom consumer")
	}
	if _, err := conn.Receive(context.Background()); !errors.Is(err, ErrCustomConsumer) {
		t.Errorf("expected ErrCustomConsumer, got %v", err)
	}
}

func TestConn_Attach(t *testing.T) {
	conn, _ := NewConn(LoggerOption(NopLogger()))

	if err := conn.Attach(nil); err == nil {
		t.Error("expected error attaching nil channel")
	}

	if err := conn.Run(context.Background()); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Run before Attach: expected ErrNotAttached, got %v", err)
	}

	ch := newMemChannel()
	if err := conn.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if conn.State() != StateAttached {
		t.Errorf("State() = %s, want attached", conn.State())
	}
	if err := conn.Attach(newMemChannel()); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach: expected ErrAlreadyAttached, got %v", err)
	}
	if conn.Addr().String() != "127.0.0.1:1883" {
		t.Errorf("Addr() = %v", conn.Addr())
	}
}

func TestConn_CloseUnattached(t *testing.T) {
	conn, _ := NewConn(LoggerOption(NopLogger()))

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want closed", conn.State())
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed")
	}

	if err := conn.Attach(newMemChannel()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Attach after Close: expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.Run(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Run after Close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_Send(t *testing.T) {
	conn, _ := NewConn(CustomCodecOption(BytesCodec{}), LoggerOption(NopLogger()))

	if err := conn.Send([]byte("x")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Send before Attach: expected ErrNotAttached, got %v", err)
	}

	ch := newMemChannel()
	_ = conn.Attach(ch)

	if err := conn.Send([]byte("ABCDE")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := conn.SendRaw([]byte{0xC0, 0x00}); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}

	want := append(frames("ABCDE"), 0xC0, 0x00)
	if got := ch.writtenBytes(); !bytes.Equal(got, want) {
		t.Errorf("written = %v, want %v", got, want)
	}

	_ = conn.Close()
	if err := conn.Send([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after Close: expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.SendBlocking(context.Background(), []byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("SendBlocking after Close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_Send_EncodeError(t *testing.T) {
	conn, _ := NewConn(LoggerOption(NopLogger()), MessageMaxSize(4))
	ch := newMemChannel()
	_ = conn.Attach(ch)

	if err := conn.Send(make(chan int)); err == nil {
		t.Error("expected encode error")
	}
	if err := conn.Send("too long"); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if len(ch.writtenBytes()) != 0 {
		t.Error("failed sends must not write anything")
	}
}

func TestConn_ReceiveInOrder(t *testing.T) {
	conn, ch, log, done := newMemConn(t, CustomCodecOption(BytesCodec{}))

	wire := frames("first", "second", "third")
	ch.feed(wire[:7])
	ch.feed(wire[7:15])
	ch.feed(wire[15:])

	for _, want := range []string{"first", "second", "third"} {
		if got := string(receive(t, conn).([]byte)); got != want {
			t.Errorf("Receive() = %q, want %q", got, want)
		}
	}

	if n := log.count(EventMessage); n != 3 {
		t.Errorf("message events = %d, want 3", n)
	}
	if n := log.count(EventData); n != 0 {
		t.Errorf("data events relayed = %d, want 0", n)
	}

	_ = conn.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestConn_MalformedFrameAborts(t *testing.T) {
	conn, ch, log, done := newMemConn(t)

	ch.feed(frames(`{"n":1}`, `{"n":`, `{"n":3}`))

	err := waitRun(t, done)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != KindFraming {
		t.Fatalf("Run returned %v, want framing error", err)
	}

	if n := log.count(EventError); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
	if !ch.aborted.Load() {
		t.Error("channel not aborted")
	}

	events := log.snapshot()
	sawError := false
	for _, ev := range events {
		switch ev.Kind {
		case EventError:
			sawError = true
		case EventMessage:
			if sawError {
				t.Error("message delivered after the framing error")
			}
		}
	}
	last := events[len(events)-1]
	if last.Kind != EventClosed || !last.Abrupt {
		t.Errorf("last event = %+v, want abrupt close", last)
	}

	// The frame before the bad one was delivered.
	if m := receive(t, conn).(map[string]any); m["n"] != float64(1) {
		t.Errorf("Receive() = %v", m)
	}
	if _, err := conn.Receive(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want closed", conn.State())
	}
}

func TestConn_OversizeFrameAborts(t *testing.T) {
	_, ch, log, done := newMemConn(t, CustomCodecOption(BytesCodec{}), MessageMaxSize(8))

	ch.feed([]byte{0, 0, 0, 9})

	err := waitRun(t, done)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != KindOversize {
		t.Fatalf("Run returned %v, want oversize error", err)
	}
	if n := log.count(EventError); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
}

func TestConn_InboxBackpressure(t *testing.T) {
	conn, ch, log, done := newMemConn(t, CustomCodecOption(BytesCodec{}), BufferSizeOption(2))

	ch.feed(frames("1", "2", "3", "4", "5"))

	waitFor(t, "two messages", func() bool { return log.count(EventMessage) == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := log.count(EventMessage); n != 2 {
		t.Fatalf("messages while inbox full = %d, want 2", n)
	}
	if !conn.Paused() {
		t.Error("Paused() = false with a full inbox")
	}

	for _, want := range []string{"1", "2", "3", "4", "5"} {
		if got := string(receive(t, conn).([]byte)); got != want {
			t.Fatalf("Receive() = %q, want %q", got, want)
		}
	}

	_ = conn.Close()
	_ = waitRun(t, done)
}

func TestConn_ConsumerRejectBlocksNextFrame(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	consumer := ConsumerFunc(func(m Message) AcceptResult {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(m.([]byte)))
		if len(seen) == 1 {
			return Rejected
		}
		return Accepted
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	conn, ch, _, done := newMemConn(t, CustomCodecOption(BytesCodec{}), ConsumerOption(consumer))

	ch.feed(frames("k", "k+1", "k+2"))
	waitFor(t, "first message", func() bool { return count() == 1 })

	// New bytes do not resume decoding.
	ch.feed(frames("k+3"))
	time.Sleep(50 * time.Millisecond)
	if n := count(); n != 1 {
		t.Fatalf("consumer saw %d messages before Resume, want 1", n)
	}

	conn.Resume()
	conn.Resume()
	waitFor(t, "remaining messages", func() bool { return count() == 4 })

	mu.Lock()
	want := []string{"k", "k+1", "k+2", "k+3"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, seen[i], want[i])
		}
	}
	mu.Unlock()

	_ = conn.Close()
	_ = waitRun(t, done)
}

func TestConn_ResumeWhenRunningIsNoop(t *testing.T) {
	conn, _, _, done := newMemConn(t)

	conn.Resume()
	if n := len(conn.flow.wake); n != 0 {
		t.Errorf("Resume while running queued %d wakes, want 0", n)
	}

	_ = conn.Close()
	_ = waitRun(t, done)
}

func TestConn_RemoteEndDeliversBufferedFrames(t *testing.T) {
	conn, ch, log, done := newMemConn(t, CustomCodecOption(BytesCodec{}), BufferSizeOption(1))

	ch.feed(frames("a", "b", "c"))
	ch.end()

	for _, want := range []string{"a", "b", "c"} {
		if got := string(receive(t, conn).([]byte)); got != want {
			t.Fatalf("Receive() = %q, want %q", got, want)
		}
	}

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if _, err := conn.Receive(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if log.count(EventEnd) != 1 || log.count(EventClosed) != 1 {
		t.Errorf("events = %+v, want one end and one closed", log.snapshot())
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want closed", conn.State())
	}
}

func TestConn_CloseSendsFarewell(t *testing.T) {
	farewell := []byte{0xE0, 0x00}
	conn, ch, log, done := newMemConn(t, CustomCodecOption(BytesCodec{}), FarewellOption(farewell))

	if err := conn.Send([]byte("bye")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	want := append(frames("bye"), farewell...)
	if got := ch.writtenBytes(); !bytes.Equal(got, want) {
		t.Errorf("written = %v, want %v", got, want)
	}
	if ch.aborted.Load() {
		t.Error("graceful close aborted the channel")
	}
	if n := log.count(EventClosed); n != 1 {
		t.Errorf("closed events = %d, want 1", n)
	}
}

func TestConn_CloseStopsDecoding(t *testing.T) {
	var seen atomic.Int32
	consumer := ConsumerFunc(func(Message) AcceptResult {
		seen.Add(1)
		return Rejected
	})

	conn, ch, _, done := newMemConn(t, CustomCodecOption(BytesCodec{}), ConsumerOption(consumer))

	ch.feed(frames("1", "2", "3"))
	waitFor(t, "first message", func() bool { return seen.Load() == 1 })

	_ = conn.Close()
	conn.Resume()
	_ = waitRun(t, done)

	if n := seen.Load(); n != 1 {
		t.Errorf("consumer saw %d messages, want 1", n)
	}
}

func TestConn_ContextCancel(t *testing.T) {
	conn, _ := NewConn(LoggerOption(NopLogger()))
	ch := newMemChannel()
	_ = conn.Attach(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := runConn(ctx, conn)

	time.Sleep(20 * time.Millisecond)
	if err := conn.Run(ctx); err == nil {
		t.Error("second Run should fail while running")
	}

	cancel()
	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if !ch.aborted.Load() {
		t.Error("cancel should abort the channel")
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want closed", conn.State())
	}
}

func TestConn_ConnectionsAreIsolated(t *testing.T) {
	c1, ch1, _, done1 := newMemConn(t, CustomCodecOption(BytesCodec{}))
	c2, ch2, _, done2 := newMemConn(t, CustomCodecOption(BytesCodec{}))

	w1 := frames("one-a", "one-b")
	w2 := frames("two-a", "two-b")
	for i := 0; i < len(w1) || i < len(w2); i++ {
		if i < len(w1) {
			ch1.feed(w1[i : i+1])
		}
		if i < len(w2) {
			ch2.feed(w2[i : i+1])
		}
	}

	for _, want := range []string{"one-a", "one-b"} {
		if got := string(receive(t, c1).([]byte)); got != want {
			t.Errorf("conn 1 Receive() = %q, want %q", got, want)
		}
	}
	for _, want := range []string{"two-a", "two-b"} {
		if got := string(receive(t, c2).([]byte)); got != want {
			t.Errorf("conn 2 Receive() = %q, want %q", got, want)
		}
	}

	_ = c1.Close()
	_ = c2.Close()
	_ = waitRun(t, done1)
	_ = waitRun(t, done2)
}

func TestConn_TCP_FrameSplitAcrossWrites(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	log := &eventLog{}
	conn, _ := NewConn(CustomCodecOption(BytesCodec{}), LoggerOption(NopLogger()), OnEventOption(log.listen))
	_ = conn.Attach(NewChannel(serverConn, ChannelLoggerOption(NopLogger())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(ctx, conn)

	if _, err := clientConn.Write([]byte{0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := log.count(EventMessage); n != 0 {
		t.Fatalf("messages after partial prefix = %d, want 0", n)
	}

	if _, err := clientConn.Write([]byte{0x05, 0x41, 0x42, 0x43, 0x44, 0x45}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if got := string(receive(t, conn).([]byte)); got != "ABCDE" {
		t.Errorf("Receive() = %q, want ABCDE", got)
	}
	if n := log.count(EventMessage); n != 1 {
		t.Errorf("message events = %d, want 1", n)
	}

	cancel()
	_ = waitRun(t, done)
}

func TestConn_TCP_SendAndRemoteClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	log := &eventLog{}
	conn, _ := NewConn(LoggerOption(NopLogger()), OnEventOption(log.listen))
	_ = conn.Attach(NewChannel(serverConn, ChannelLoggerOption(NopLogger())))
	done := runConn(context.Background(), conn)

	if err := conn.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := make([]byte, 8)
	_ = clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if want := []byte{0, 0, 0, 4, '"', 'h', 'i', '"'}; !bytes.Equal(got, want) {
		t.Errorf("client read %v, want %v", got, want)
	}

	if _, err := clientConn.Write(frames(`{"reply":true}`)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	_ = clientConn.Close()

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	// The frame sent just before the close is still delivered.
	if m := receive(t, conn).(map[string]any); m["reply"] != true {
		t.Errorf("Receive() = %v", m)
	}
	if log.count(EventConnected) != 1 || log.count(EventEnd) != 1 || log.count(EventClosed) != 1 {
		t.Errorf("events = %+v", log.snapshot())
	}
	if err := conn.Send("late"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after remote close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_TCP_SendBlockingWaitsForDrain(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	log := &eventLog{}
	conn, _ := NewConn(CustomCodecOption(BytesCodec{}), LoggerOption(NopLogger()), OnEventOption(log.listen))
	_ = conn.Attach(NewChannel(serverConn,
		ChannelLoggerOption(NopLogger()),
		WriteBufferSizeOption(16),
	))

	payload := []byte("0123456789")
	if err := conn.Send(payload); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	// Nothing flushes before Run, so the buffer stays full.
	if err := conn.Send(payload); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("second Send: expected ErrBufferFull, got %v", err)
	}
	if err := conn.SendTimeout(payload, 20*time.Millisecond); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("SendTimeout: expected ErrBufferFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(ctx, conn)

	sendCtx, sendCancel := context.WithTimeout(ctx, 3*time.Second)
	defer sendCancel()
	if err := conn.SendBlocking(sendCtx, payload); err != nil {
		t.Fatalf("SendBlocking failed: %v", err)
	}

	got := make([]byte, 2*(4+len(payload)))
	_ = clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if want := frames(string(payload), string(payload)); !bytes.Equal(got, want) {
		t.Errorf("client read %v, want %v", got, want)
	}
	waitFor(t, "drain event", func() bool { return log.count(EventDrain) >= 1 })

	cancel()
	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestConn_TCP_FrameLargerThanHighWaterMark(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(CustomCodecOption(BytesCodec{}), LoggerOption(NopLogger()))
	_ = conn.Attach(NewChannel(serverConn, ChannelLoggerOption(NopLogger())))

	ctx, cancel := context.WithCancel(context.Background())
	done := runConn(ctx, conn)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 200*1024/16)
	go func() {
		_, _ = clientConn.Write(AppendFrame(nil, payload))
	}()

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	m, err := conn.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(m.([]byte), payload) {
		t.Errorf("received %d bytes, want the %d byte payload", len(m.([]byte)), len(payload))
	}

	// The channel is back under its high-water mark afterwards.
	if n := conn.ch.(*Channel).Buffered(); n != 0 {
		t.Errorf("Buffered() = %d after the frame, want 0", n)
	}

	cancel()
	_ = waitRun(t, done)
}

func TestConn_CloseWithoutRun(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	farewell := []byte{0xE0, 0x00}
	log := &eventLog{}
	conn, _ := NewConn(LoggerOption(NopLogger()), FarewellOption(farewell), OnEventOption(log.listen))
	if err := conn.Attach(NewChannel(serverConn, ChannelLoggerOption(NopLogger()))); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	received := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background())
		received <- err
	}()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	if s := conn.State(); s != StateClosed {
		t.Errorf("State() = %s, want closed", s)
	}
	if n := log.count(EventClosed); n != 1 {
		t.Errorf("closed events = %d, want 1", n)
	}

	select {
	case err := <-received:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Receive: expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}

	// The peer gets the farewell and then end of stream.
	_ = clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(got, farewell) {
		t.Errorf("client read %v, want %v", got, farewell)
	}

	if err := conn.Run(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Run after Close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestDial(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Dial(context.Background(), listener.Addr().String(),
		CustomCodecOption(BytesCodec{}),
		LoggerOption(NopLogger()),
		ChannelOptionsOption(ChannelLoggerOption(NopLogger())),
	)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if conn.State() != StateAttached {
		t.Fatalf("State() = %s, want attached", conn.State())
	}

	done := runConn(context.Background(), conn)

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for accept")
	}
	defer peer.Close()

	if err := conn.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_ = conn.Close()

	got, err := io.ReadAll(peer)
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if !bytes.Equal(got, frames("ping")) {
		t.Errorf("peer read %v, want %v", got, frames("ping"))
	}
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestDial_Refused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	if _, err := Dial(context.Background(), addr, LoggerOption(NopLogger())); err == nil {
		t.Error("expected dial error")
	}
}
