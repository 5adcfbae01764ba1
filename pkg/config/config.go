// Package config loads the client's YAML configuration and builds the client
// and logger from it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"example.com/meet_client/client"
	"example.com/meet_client/pkg/media"
	"example.com/meet_client/pkg/render"
)

type Config struct {
	SignalingURL     string        `yaml:"signaling_url,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	RTC              RTCConfig     `yaml:"rtc,omitempty"`
	Devices          media.Devices `yaml:"devices,omitempty"`
	Render           RenderConfig  `yaml:"render,omitempty"`
	Logging          LoggingConfig `yaml:"logging,omitempty"`
	Development      bool          `yaml:"development,omitempty"`
}

type RTCConfig struct {
	ICEServers      []string      `yaml:"ice_servers,omitempty"`
	IncludeLoopback bool          `yaml:"include_loopback,omitempty"`
	PLIInterval     time.Duration `yaml:"pli_interval,omitempty"`
}

type RenderConfig struct {
	RecordDir string `yaml:"record_dir,omitempty"`
	Meter     bool   `yaml:"meter,omitempty"`
}

type LoggingConfig struct {
	zap.Config `yaml:",inline"`
}

// Default returns a fresh copy of the built-in configuration.
func Default() *Config {
	return &Config{
		SignalingURL:     "ws://127.0.0.1:19000/api/v1/signaling",
		HandshakeTimeout: 30 * time.Second,
		RTC: RTCConfig{
			ICEServers:  []string{"stun:stun.l.google.com:19302"},
			PLIInterval: 3 * time.Second,
		},
		Devices: media.Devices{
			Camera: media.Source{ToneHz: 440},
			Screen: media.Source{ToneHz: 660},
		},
		Logging: LoggingConfig{
			zap.Config{
				Level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
				Sampling: &zap.SamplingConfig{
					Initial:    100,
					Thereafter: 100,
				},
				Development: false,
				Encoding:    "json",
				EncoderConfig: zapcore.EncoderConfig{
					TimeKey:        "ts",
					LevelKey:       "level",
					NameKey:        "logger",
					CallerKey:      "caller",
					MessageKey:     "msg",
					StacktraceKey:  "trace",
					LineEnding:     zapcore.DefaultLineEnding,
					EncodeLevel:    zapcore.CapitalLevelEncoder,
					EncodeTime:     zapcore.EpochTimeEncoder,
					EncodeDuration: zapcore.SecondsDurationEncoder,
					EncodeCaller:   zapcore.ShortCallerEncoder,
				},
				OutputPaths:      []string{"stderr"},
				ErrorOutputPaths: []string{"stderr"},
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the fields the client cannot start without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling url must be ws:// or wss://, got %q", c.SignalingURL)
	}
	if c.HandshakeTimeout < 0 || c.RTC.PLIInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// DevMode switches logging to a colored console at debug level.
func (c *Config) DevMode() {
	c.Logging.Config.Development = true
	c.Logging.Config.Encoding = "console"
	c.Logging.Config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	c.Logging.Config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	c.Logging.Config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.Development = true
}

// ClientConfig maps the file layout onto client options.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		SignalingURL:     c.SignalingURL,
		HandshakeTimeout: c.HandshakeTimeout,
		ICEServers:       c.RTC.ICEServers,
		IncludeLoopback:  c.RTC.IncludeLoopback,
		PLIInterval:      c.RTC.PLIInterval,
		Devices:          c.Devices,
		Render: render.Options{
			RecordDir: c.Render.RecordDir,
			Meter:     c.Render.Meter,
		},
	}
}

// Build creates the logger and a client wired to it.
func (c *Config) Build(opts ...client.Option) (*client.Client, *zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := c.Logging.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	opts = append([]client.Option{client.WithLogger(logger)}, opts...)
	cl, err := client.New(c.ClientConfig(), opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return cl, logger, nil
}
