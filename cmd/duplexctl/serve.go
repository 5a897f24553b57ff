package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fesa6654/duplex"
)

func serveCmd(g *globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server that sends every message back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = g.cfg.Addr
			}

			tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
			if err != nil {
				return errors.Wrapf(err, "resolve %s", addr)
			}

			server, err := duplex.New(tcpAddr,
				duplex.ServerLoggerOption(g.log),
				duplex.ServerShutdownTimeoutOption(g.cfg.ShutdownTimeout),
				duplex.ServerConnOption(g.connOptions()...),
			)
			if err != nil {
				return errors.Wrap(err, "create server")
			}
			defer server.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = server.Serve(ctx, duplex.HandlerFunc(func(c *duplex.Conn) {
				go echo(ctx, g.log, c)
			}))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

// echo sends every received message back to its sender.
func echo(ctx context.Context, log duplex.Logger, c *duplex.Conn) {
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return
		}
		if err := c.SendBlocking(ctx, m); err != nil {
			log.Debug("echo failed", "addr", c.Addr(), "error", err)
			return
		}
	}
}
