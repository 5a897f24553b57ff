// Package config loads duplexctl settings from a TOML file.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Codec names accepted in the config file.
const (
	CodecJSON  = "json"
	CodecBytes = "bytes"
	CodecProto = "proto"
)

// Config holds connection, server and logging settings.
type Config struct {
	Addr            string
	Codec           string
	BufferSize      int
	MaxMessageSize  int
	HighWaterMark   int
	WriteBufferSize int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Log             LogConfig
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
	Path   string // empty means stderr
}

type fileConfig struct {
	Addr            string  `toml:"addr"`
	Codec           string  `toml:"codec"`
	BufferSize      int     `toml:"buffer_size"`
	MaxMessageSize  int     `toml:"max_message_size"`
	HighWaterMark   int     `toml:"high_water_mark"`
	WriteBufferSize int     `toml:"write_buffer_size"`
	IdleTimeout     string  `toml:"idle_timeout"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	Log             fileLog `toml:"log"`
}

type fileLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Path   string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:  "127.0.0.1:1883",
		Codec: CodecJSON,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path and overlays the keys it defines onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.ToLower(strings.TrimSpace(raw.Codec))
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("high_water_mark") {
		cfg.HighWaterMark = raw.HighWaterMark
	}
	if meta.IsDefined("write_buffer_size") {
		cfg.WriteBufferSize = raw.WriteBufferSize
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "path") {
		cfg.Log.Path = strings.TrimSpace(raw.Log.Path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config missing addr")
	}
	switch c.Codec {
	case CodecJSON, CodecBytes, CodecProto:
	default:
		return errors.Errorf("unknown codec %q", c.Codec)
	}
	if c.BufferSize < 0 || c.MaxMessageSize < 0 || c.HighWaterMark < 0 || c.WriteBufferSize < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	if c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
