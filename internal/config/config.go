// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration.
//
// Values come from a YAML file, then defaults for anything left unset, then
// DCORE_* environment variables. The result is validated as a whole and every
// problem is reported at once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	dclog "github.com/tombee/daemoncore/internal/log"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DCORE"

// DefaultPort is the well-known command port.
const DefaultPort = 9618

// Config is the complete daemon configuration.
type Config struct {
	Log     LogConfig     `yaml:"log" split_words:"true"`
	Reactor ReactorConfig `yaml:"reactor" split_words:"true"`
	Listen  ListenConfig  `yaml:"listen" split_words:"true"`
	Metrics MetricsConfig `yaml:"metrics" split_words:"true"`
	Watch   WatchConfig   `yaml:"watch" split_words:"true"`
	Tracing TracingConfig `yaml:"tracing" split_words:"true"`

	// PIDFile is written at start-up and removed at exit. Empty disables it.
	PIDFile string `yaml:"pid_file" split_words:"true"`

	// AddressFile receives the primary command endpoint once listening.
	// Empty disables it.
	AddressFile string `yaml:"address_file" split_words:"true"`

	// HeartbeatInterval is the period of the heartbeat timer.
	// Default: 60s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level" split_words:"true"`

	// Format is json or text.
	Format string `yaml:"format" split_words:"true"`

	// AddSource adds file and line to every record.
	AddSource bool `yaml:"add_source" split_words:"true"`
}

// ReactorConfig sizes the dispatch tables and bounds request handling.
type ReactorConfig struct {
	// CommandTableSize is the capacity of the command table.
	// Default: 97
	CommandTableSize int `yaml:"command_table_size" split_words:"true"`

	// SignalTableSize is the capacity of the signal table.
	// Default: 32
	SignalTableSize int `yaml:"signal_table_size" split_words:"true"`

	// MaxSockets is the capacity of the socket registry.
	// Default: 64
	MaxSockets int `yaml:"max_sockets" split_words:"true"`

	// MaxReapers is the capacity of the reaper table.
	// Default: 100
	MaxReapers int `yaml:"max_reapers" split_words:"true"`

	// GrowableTables lets full command and signal tables double instead of
	// failing registration.
	GrowableTables bool `yaml:"growable_tables" split_words:"true"`

	// CommandReadTimeout bounds the read of a command code.
	// Default: 20s
	CommandReadTimeout time.Duration `yaml:"command_read_timeout" split_words:"true"`

	// AcceptTimeout bounds accept on a ready listener.
	// Default: 1s
	AcceptTimeout time.Duration `yaml:"accept_timeout" split_words:"true"`

	// MaxMessageSize is the largest framed message accepted on a stream.
	// Default: 1 MiB
	MaxMessageSize int `yaml:"max_message_size" split_words:"true"`
}

// ListenConfig describes the command endpoints.
type ListenConfig struct {
	// TCPAddr is the reliable command endpoint.
	// Default: 127.0.0.1:9618
	TCPAddr string `yaml:"tcp_addr" split_words:"true"`

	// UDPAddr is the datagram command endpoint. Empty means the host and
	// port the TCP listener bound to. "off" disables it.
	UDPAddr string `yaml:"udp_addr" split_words:"true"`

	// SocketPath adds a unix-socket command endpoint when set.
	SocketPath string `yaml:"socket_path" split_words:"true"`

	// AllowRemote permits binding to non-loopback addresses.
	AllowRemote bool `yaml:"allow_remote" split_words:"true"`
}

// MetricsConfig configures the Prometheus side server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true"`
}

// WatchConfig configures reloading when the config file changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" split_words:"true"`
	Debounce time.Duration `yaml:"debounce" split_words:"true"`
}

// TracingConfig configures export of dispatch spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`

	// Exporter is one of console, otlp (gRPC) or otlp_http.
	// Default: otlp
	Exporter string `yaml:"exporter" split_words:"true"`

	// Endpoint is the collector address for the OTLP exporters.
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint" split_words:"true"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure" split_words:"true"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers" split_words:"true"`

	// SampleRatio is the fraction of root spans recorded, in (0, 1].
	// Default: 1
	SampleRatio float64 `yaml:"sample_ratio" split_words:"true"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Reactor: ReactorConfig{
			CommandTableSize:   97,
			SignalTableSize:    32,
			MaxSockets:         64,
			MaxReapers:         100,
			CommandReadTimeout: 20 * time.Second,
			AcceptTimeout:      time.Second,
			MaxMessageSize:     1 << 20,
		},
		Listen: ListenConfig{
			TCPAddr: fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9619",
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
		},
		HeartbeatInterval: 60 * time.Second,
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file. If configPath is
// empty, only defaults and the environment are used.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &dcerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, &dcerrors.ConfigError{
			Key:    "environment",
			Reason: "invalid environment override",
			Cause:  err,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &dcerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values so minimal files work.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Reactor.CommandTableSize == 0 {
		c.Reactor.CommandTableSize = d.Reactor.CommandTableSize
	}
	if c.Reactor.SignalTableSize == 0 {
		c.Reactor.SignalTableSize = d.Reactor.SignalTableSize
	}
	if c.Reactor.MaxSockets == 0 {
		c.Reactor.MaxSockets = d.Reactor.MaxSockets
	}
	if c.Reactor.MaxReapers == 0 {
		c.Reactor.MaxReapers = d.Reactor.MaxReapers
	}
	if c.Reactor.CommandReadTimeout == 0 {
		c.Reactor.CommandReadTimeout = d.Reactor.CommandReadTimeout
	}
	if c.Reactor.AcceptTimeout == 0 {
		c.Reactor.AcceptTimeout = d.Reactor.AcceptTimeout
	}
	if c.Reactor.MaxMessageSize == 0 {
		c.Reactor.MaxMessageSize = d.Reactor.MaxMessageSize
	}

	if c.Listen.TCPAddr == "" {
		c.Listen.TCPAddr = d.Listen.TCPAddr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = d.Tracing.Endpoint
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = d.Tracing.SampleRatio
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path, err := ExpandHome(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Validate checks that the configuration is valid. Every problem found is
// returned in one aggregated error.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if !dclog.ValidLevel(c.Log.Level) {
		errs = multierror.Append(errs, fmt.Errorf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = multierror.Append(errs, fmt.Errorf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Reactor.CommandTableSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.command_table_size must be positive, got %d", c.Reactor.CommandTableSize))
	}
	if c.Reactor.SignalTableSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.signal_table_size must be positive, got %d", c.Reactor.SignalTableSize))
	}
	if c.Reactor.MaxSockets < 1 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.max_sockets must be positive, got %d", c.Reactor.MaxSockets))
	}
	if c.Reactor.MaxReapers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.max_reapers must be positive, got %d", c.Reactor.MaxReapers))
	}
	if c.Reactor.CommandReadTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.command_read_timeout must be positive, got %v", c.Reactor.CommandReadTimeout))
	}
	if c.Reactor.AcceptTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.accept_timeout must be positive, got %v", c.Reactor.AcceptTimeout))
	}
	if c.Reactor.MaxMessageSize < 64 {
		errs = multierror.Append(errs, fmt.Errorf("reactor.max_message_size must be at least 64 bytes, got %d", c.Reactor.MaxMessageSize))
	}

	if c.Listen.TCPAddr == "" && c.Listen.SocketPath == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen: at least one of tcp_addr or socket_path is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = multierror.Append(errs, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if c.Watch.Debounce < 0 {
		errs = multierror.Append(errs, fmt.Errorf("watch.debounce must not be negative, got %v", c.Watch.Debounce))
	}
	switch c.Tracing.Exporter {
	case "console", "otlp", "otlp_http":
	default:
		errs = multierror.Append(errs, fmt.Errorf("tracing.exporter must be one of [console, otlp, otlp_http], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		errs = multierror.Append(errs, fmt.Errorf("tracing.sample_ratio must be in (0, 1], got %v", c.Tracing.SampleRatio))
	}
	if c.HeartbeatInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval))
	}

	return errs.ErrorOrNil()
}

// UDPDisabled reports whether the datagram endpoint is turned off.
func (l ListenConfig) UDPDisabled() bool {
	return strings.EqualFold(l.UDPAddr, "off")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
