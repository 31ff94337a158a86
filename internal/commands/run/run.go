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
// Package run implements 'dcore run', which runs the daemon in the
// foreground until it is told to stop.
package run

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/daemoncore/internal/commands/shared"
	"github.com/tombee/daemoncore/internal/config"
	"github.com/tombee/daemoncore/internal/daemon"
	dclog "github.com/tombee/daemoncore/internal/log"
)

// Options are the command-line overrides of the configuration.
type Options struct {
	TCPAddr     string
	UDPAddr     string
	SocketPath  string
	PIDFile     string
	AllowRemote bool
	Metrics     string
	Watch       bool
}

// NewCommand creates the 'run' command.
func NewCommand() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Long: `Run the daemon in the foreground. It serves commands until it receives
SIGTERM or SIGINT (graceful), SIGQUIT (fast), or DC_OFF_GRACEFUL /
DC_OFF_FAST over the wire. SIGHUP and DC_RECONFIG reload the configuration.

Flags override the config file, which overrides the built-in defaults.
DCORE_* environment variables override everything.`,
		Example: `  # Run with defaults on 127.0.0.1:9618
  dcore run

  # Run on an ephemeral port with a unix socket and metrics
  dcore run --listen 127.0.0.1:0 --socket /tmp/dcore.sock --metrics 127.0.0.1:9619`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.TCPAddr, "listen", "", "TCP command address (default 127.0.0.1:9618)")
	cmd.Flags().StringVar(&opts.UDPAddr, "udp", "", "UDP command address; \"off\" disables it (default: same as --listen)")
	cmd.Flags().StringVar(&opts.SocketPath, "socket", "", "Also serve commands on this unix socket")
	cmd.Flags().StringVar(&opts.PIDFile, "pid-file", "", "Write the PID to this file")
	cmd.Flags().BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow binding to non-loopback addresses")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Reload when the config file changes")

	return cmd
}

// buildConfig loads the configuration and applies the command-line
// overrides. The result is validated again after the overrides.
func buildConfig(path string, opts Options, addressFile string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.TCPAddr != "" {
		cfg.Listen.TCPAddr = opts.TCPAddr
	}
	if opts.UDPAddr != "" {
		cfg.Listen.UDPAddr = opts.UDPAddr
	}
	if opts.SocketPath != "" {
		cfg.Listen.SocketPath = opts.SocketPath
	}
	if opts.AllowRemote {
		cfg.Listen.AllowRemote = true
	}
	if opts.PIDFile != "" {
		cfg.PIDFile = opts.PIDFile
	}
	if opts.Metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.Metrics
	}
	if opts.Watch {
		cfg.Watch.Enabled = true
	}
	if addressFile != "" {
		cfg.AddressFile = addressFile
	}
	if cfg.AddressFile == "" {
		cfg.AddressFile = config.DefaultAddressFile()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, opts Options) error {
	path := shared.ResolveConfigPath()
	cfg, err := buildConfig(path, opts, shared.GetAddressFile())
	if err != nil {
		return shared.NewConfigError("invalid configuration", err)
	}

	logCfg := &dclog.Config{
		Level:     cfg.Log.Level,
		Format:    dclog.Format(cfg.Log.Format),
		Output:    cmd.ErrOrStderr(),
		AddSource: cfg.Log.AddSource,
	}
	if shared.GetVerbose() {
		logCfg.Level = "debug"
	}
	logger := dclog.New(logCfg)
	slog.SetDefault(logger)

	if cfg.Listen.AllowRemote {
		logger.Warn("--allow-remote is enabled. The daemon will accept commands from any network address; administrative commands still require a local peer.")
	}

	version, commit, buildDate := shared.GetVersion()
	d, err := daemon.New(cfg, daemon.Options{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: path,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create daemon", dclog.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Run(cmd.Context()); err != nil {
		logger.Error("daemon exited with error", dclog.Error(err))
		return err
	}
	logger.Info("daemon exited", slog.Int("pid", os.Getpid()))
	return nil
}
