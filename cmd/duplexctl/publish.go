package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fesa6654/duplex"
	"github.com/fesa6654/duplex/mqtt"
)

func publishCmd(g *globals) *cobra.Command {
	var (
		addr    string
		topic   string
		qos     uint8
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <payload>",
		Short: "Send an MQTT PUBLISH packet followed by DISCONNECT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = g.cfg.Addr
			}
			if qos > uint8(mqtt.ExactlyOnce) {
				return errors.Errorf("invalid qos %d", qos)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := duplex.Dial(ctx, addr, g.connOptions(duplex.FarewellOption(mqtt.DisconnectPacket()))...)
			if err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() {
				done <- c.Run(ctx)
			}()

			client := mqtt.NewClient(c)
			if err := client.Publish(topic, []byte(args[0]), mqtt.QOS(qos)); err != nil {
				_ = c.Close()
				return err
			}
			g.log.Info("published", "topic", topic, "qos", qos, "bytes", len(args[0]))

			_ = c.Close()
			return <-done
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Broker address (overrides config)")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic name")
	cmd.Flags().Uint8VarP(&qos, "qos", "q", 0, "Quality of service (0, 1 or 2)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall time limit")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}
