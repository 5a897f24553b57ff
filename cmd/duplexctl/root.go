package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fesa6654/duplex"
	"github.com/fesa6654/duplex/internal/config"
)

// globals is shared by all subcommands.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log *logger
}

// rootCmd returns the root cobra command of duplexctl.
func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "duplexctl",
		Short:         "Send and serve length-prefixed messages over TCP",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if g.log != nil {
				return g.log.Close()
			}
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (TOML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (overrides config)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json (overrides config)")

	cmd.AddCommand(serveCmd(g))
	cmd.AddCommand(sendCmd(g))
	cmd.AddCommand(publishCmd(g))
	return cmd
}

// load reads the config file and applies flag overrides.
func (g *globals) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	g.cfg = cfg
	g.log = l
	return nil
}

// connOptions maps the config onto connection options.
func (g *globals) connOptions(extra ...duplex.Option) []duplex.Option {
	opts := []duplex.Option{
		duplex.CustomCodecOption(codecFor(g.cfg.Codec)),
		duplex.BufferSizeOption(g.cfg.BufferSize),
		duplex.MessageMaxSize(g.cfg.MaxMessageSize),
		duplex.LoggerOption(g.log),
		duplex.ChannelOptionsOption(
			duplex.HighWaterMarkOption(g.cfg.HighWaterMark),
			duplex.WriteBufferSizeOption(g.cfg.WriteBufferSize),
			duplex.IdleTimeoutOption(g.cfg.IdleTimeout),
			duplex.ChannelLoggerOption(g.log),
		),
	}
	return append(opts, extra...)
}

func codecFor(name string) duplex.Codec {
	switch name {
	case config.CodecBytes:
		return duplex.BytesCodec{}
	case config.CodecProto:
		return duplex.ProtoCodec{New: func() proto.Message { return &structpb.Value{} }}
	default:
		return duplex.JSONCodec{}
	}
}

// parseMessage turns a command line argument into a message for codec.
// Arguments that are not valid JSON are sent as strings.
func parseMessage(codec, arg string) (duplex.Message, error) {
	if codec == config.CodecBytes {
		return []byte(arg), nil
	}

	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		v = arg
	}

	if codec == config.CodecProto {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, errors.Wrap(err, "convert message to protobuf")
		}
		return pv, nil
	}
	return v, nil
}

// formatMessage renders a received message for printing.
func formatMessage(m duplex.Message) string {
	switch v := m.(type) {
	case []byte:
		return string(v)
	case proto.Message:
		data, err := protojson.Marshal(v)
		if err != nil {
			return err.Error()
		}
		return string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err.Error()
		}
		return string(data)
	}
}
