package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fesa6654/duplex"
)

func sendCmd(g *globals) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send messages and print one reply per message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = g.cfg.Addr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := duplex.Dial(ctx, addr, g.connOptions()...)
			if err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() {
				done <- c.Run(context.WithoutCancel(ctx))
			}()

			for _, arg := range args {
				m, err := parseMessage(g.cfg.Codec, arg)
				if err != nil {
					_ = c.Close()
					return err
				}
				if err := c.SendBlocking(ctx, m); err != nil {
					_ = c.Close()
					return err
				}
			}

			for range args {
				m, err := c.Receive(ctx)
				if err != nil {
					_ = c.Close()
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
			}

			_ = c.Close()
			return <-done
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (overrides config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall time limit")
	return cmd
}
