package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fesa6654/duplex"
)

// slowEcho echoes messages back at a fixed rate. It rejects every message,
// so decoding pauses until the ticker has sent it and calls Resume.
type slowEcho struct {
	conn    *duplex.Conn
	mu      sync.Mutex
	pending []duplex.Message
}

func (e *slowEcho) Accept(m duplex.Message) duplex.AcceptResult {
	e.mu.Lock()
	e.pending = append(e.pending, m)
	e.mu.Unlock()
	return duplex.Rejected
}

func (e *slowEcho) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.conn.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, m := range batch {
			if err := e.conn.Send(m); err != nil {
				slog.Warn("echo dropped", "addr", e.conn.Addr(), "error", err)
			}
		}
		e.conn.Resume()
	}
}

func handle(ctx context.Context, raw net.Conn) {
	echo := &slowEcho{}

	conn, err := duplex.NewConn(duplex.ConsumerOption(echo))
	if err != nil {
		panic(err)
	}
	echo.conn = conn

	if err := conn.Attach(duplex.NewChannel(raw, duplex.IdleTimeoutOption(time.Minute))); err != nil {
		panic(err)
	}

	conn.Observe(func(ev duplex.Event) {
		if ev.Kind == duplex.EventTimeout {
			_ = conn.Close()
		}
	})

	go echo.run(ctx, 100*time.Millisecond)

	if err := conn.Run(ctx); err != nil {
		slog.Info("connection ended", "addr", raw.RemoteAddr(), "error", err)
	}
}

func main() {
	ln, err := net.Listen("tcp", "127.0.0.1:12345")
	if err != nil {
		slog.Error("failed to listen", "error", err)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		ln.Close()
	}()

	slog.Info("server start", "addr", ln.Addr().String())
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("accept error", "error", err)
			}
			return
		}
		go handle(ctx, raw)
	}
}
