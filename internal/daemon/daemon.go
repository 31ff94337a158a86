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
// Package daemon assembles a complete daemon process around the reactor:
// command endpoints, PID and address files, built-in administration
// commands, reconfiguration, heartbeat, metrics and service-manager
// notification.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raulk/clock"

	"github.com/tombee/daemoncore/internal/config"
	"github.com/tombee/daemoncore/internal/lifecycle"
	"github.com/tombee/daemoncore/internal/listener"
	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/reactor"
	"github.com/tombee/daemoncore/internal/tracing"
)

// Signals the daemon handles itself.
const (
	SigReconfig = int(syscall.SIGHUP)
	SigGraceful = int(syscall.SIGTERM)
	SigFast     = int(syscall.SIGQUIT)
)

// shutdownTimeout bounds the graceful stop of the metrics server and the
// final span export.
const shutdownTimeout = 5 * time.Second

// NotifyFunc sends a state string to the service manager. It reports
// whether the notification was delivered.
type NotifyFunc func(state string) (bool, error)

// Options configures a Daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is read again on every reconfiguration. Empty reloads
	// defaults and the environment only.
	ConfigPath string

	// Logger is the base logger. Nil uses slog.Default.
	Logger *slog.Logger

	// Registry receives every collector. Nil creates one with the Go and
	// process collectors.
	Registry *prometheus.Registry

	// Authorizer checks command permissions. Nil uses LocalAdmin.
	Authorizer reactor.Authorizer

	// Clock drives timers. Nil uses the wall clock.
	Clock clock.Clock

	// Notify reaches the service manager. Nil uses sd_notify.
	Notify NotifyFunc
}

// Daemon owns a reactor and everything around it.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	reactor *reactor.Reactor

	registry *prometheus.Registry
	metrics  *metrics
	tracing  *tracing.Provider

	listeners     *listener.Set
	endpoints     []reactor.Endpoint
	pidFile       *lifecycle.PIDFile
	addressFile   string // set once written
	metricsServer *http.Server
	metricsAddr   string
	watcher       *ConfigWatcher
	heartbeat     *reactor.Registration
	watchdog      time.Duration

	started time.Time
	fast    atomic.Bool
	ready   chan struct{}
}

// New builds a Daemon from cfg. Nothing is opened until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Notify == nil {
		opts.Notify = func(state string) (bool, error) {
			return sddaemon.SdNotify(false, state)
		}
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if opts.Authorizer == nil {
		opts.Authorizer = LocalAdmin()
	}

	instanceID := uuid.NewString()
	logger := dclog.WithInstance(opts.Logger, instanceID)

	tp, err := tracing.New(context.Background(), tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "dcore",
		ServiceVersion: opts.Version,
		InstanceID:     instanceID,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	r, err := reactor.New(reactor.Options{
		CommandTableSize:   cfg.Reactor.CommandTableSize,
		SignalTableSize:    cfg.Reactor.SignalTableSize,
		MaxSockets:         cfg.Reactor.MaxSockets,
		MaxReapers:         cfg.Reactor.MaxReapers,
		GrowableTables:     cfg.Reactor.GrowableTables,
		CommandReadTimeout: cfg.Reactor.CommandReadTimeout,
		AcceptTimeout:      cfg.Reactor.AcceptTimeout,
		Authorizer:         opts.Authorizer,
		Logger:             logger,
		Clock:              opts.Clock,
		Registerer:         opts.Registry,
		TracerProvider:     tp.TracerProvider(),
		InstanceID:         instanceID,
	})
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, err
	}

	watchdog, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("ignoring invalid watchdog settings", dclog.Error(err))
		watchdog = 0
	}

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   dclog.WithComponent(logger, "daemon"),
		reactor:  r,
		registry: opts.Registry,
		tracing:  tp,
		watchdog: watchdog,
		ready:    make(chan struct{}),
	}
	d.metrics = newMetrics(opts.Registry, opts.Version, opts.Commit)

	if err := d.registerBuiltins(); err != nil {
		r.Close()
		_ = tp.Shutdown(context.Background())
		return nil, err
	}
	return d, nil
}

// Reactor returns the daemon's reactor so callers can register their own
// commands, signals, sockets and timers before Run.
func (d *Daemon) Reactor() *reactor.Reactor { return d.reactor }

// InstanceID returns the unique id of this daemon run.
func (d *Daemon) InstanceID() string { return d.reactor.InstanceID() }

// Ready is closed once every endpoint is open and the loop is about to
// start.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Listeners returns the open command endpoints. It is nil before Ready.
func (d *Daemon) Listeners() *listener.Set { return d.listeners }

// MetricsAddr returns the bound metrics address, or "" when the metrics
// server is off. It is valid after Ready.
func (d *Daemon) MetricsAddr() string { return d.metricsAddr }

// Run opens every endpoint, serves until ctx is done or a shutdown signal
// arrives, and then releases everything it opened.
func (d *Daemon) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if serr := d.shutdown(); serr != nil {
			d.logger.Warn("shutdown incomplete", dclog.Error(serr))
			if err == nil {
				err = serr
			}
		}
	}()

	d.started = d.opts.Clock.Now()

	if d.cfg.PIDFile != "" {
		p := lifecycle.NewPIDFile(d.cfg.PIDFile)
		if err := p.Create(os.Getpid()); err != nil {
			return fmt.Errorf("create pid file: %w", err)
		}
		d.pidFile = p
	}

	if err := d.openListeners(); err != nil {
		return err
	}

	if err := d.writeAddressFile(); err != nil {
		return err
	}

	if d.cfg.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			return err
		}
	}

	if d.cfg.Watch.Enabled && d.opts.ConfigPath != "" {
		w, err := NewConfigWatcher(d.opts.ConfigPath, d.cfg.Watch.Debounce, d.logger, func() {
			d.reactor.RaiseAsync(SigReconfig)
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		d.watcher = w
	}

	d.reactor.NotifyOS(ctx, map[os.Signal]int{
		syscall.SIGHUP:  SigReconfig,
		syscall.SIGTERM: SigGraceful,
		syscall.SIGINT:  SigGraceful,
		syscall.SIGQUIT: SigFast,
	})

	if err := d.startHeartbeat(); err != nil {
		return err
	}

	d.metrics.startTime.Set(float64(d.started.Unix()))
	d.notify(sddaemon.SdNotifyReady)
	d.logger.Info("dcore starting",
		slog.String("version", d.opts.Version),
		slog.String("commit", d.opts.Commit),
		slog.String("build_date", d.opts.BuildDate),
		slog.Int("pid", os.Getpid()),
		slog.Int("command_port", d.reactor.PrimaryCommandPort()),
	)
	close(d.ready)

	return d.reactor.Run(ctx)
}

func (d *Daemon) openListeners() error {
	set, err := listener.Open(d.cfg.Listen, d.cfg.Reactor.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("open command endpoints: %w", err)
	}
	d.listeners = set

	if set.TCP != nil {
		if err := d.registerEndpoint(set.TCP, "command-tcp"); err != nil {
			return err
		}
	}
	if set.UDP != nil {
		if err := d.registerEndpoint(set.UDP, "command-udp"); err != nil {
			return err
		}
	}
	if set.Unix != nil {
		if err := d.registerEndpoint(set.Unix, "command-unix"); err != nil {
			return err
		}
	}

	d.logger.Info("command endpoints open",
		slog.String("tcp", set.TCPAddr()),
		slog.String("udp", set.UDPAddr()),
		slog.String("unix", set.SocketPath()),
	)
	return nil
}

func (d *Daemon) registerEndpoint(ep reactor.Endpoint, label string) error {
	if _, err := d.reactor.RegisterSocket(ep, label, nil); err != nil {
		return err
	}
	d.endpoints = append(d.endpoints, ep)
	return nil
}

func (d *Daemon) writeAddressFile() error {
	if d.cfg.AddressFile == "" {
		return nil
	}
	addr := lifecycle.Address{
		Network:    "tcp",
		Addr:       d.listeners.TCPAddr(),
		UDPAddr:    d.listeners.UDPAddr(),
		SocketPath: d.listeners.SocketPath(),
		InstanceID: d.InstanceID(),
		PID:        os.Getpid(),
		Started:    d.started,
	}
	if addr.Addr == "" {
		addr.Network = "unix"
	}
	if err := lifecycle.WriteAddressFile(d.cfg.AddressFile, addr); err != nil {
		return err
	}
	d.addressFile = d.cfg.AddressFile
	return nil
}

func (d *Daemon) startMetricsServer() error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	d.metricsAddr = ln.Addr().String()
	d.metricsServer = &http.Server{
		Handler:           newMetricsMux(d.registry, d.reactor),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", dclog.Error(err))
		}
	}()
	d.logger.Info("metrics server listening", slog.String("addr", d.metricsAddr))
	return nil
}

// shutdown releases what Run opened, in reverse order. Every failure is
// collected.
func (d *Daemon) shutdown() error {
	var errs *multierror.Error
	fast := d.fast.Load()

	d.notify(sddaemon.SdNotifyStopping)
	d.logger.Info("dcore shutting down", slog.Bool("fast", fast))

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stop config watcher: %w", err))
		}
	}

	if d.metricsServer != nil {
		if fast {
			if err := d.metricsServer.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close metrics server: %w", err))
			}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := d.metricsServer.Shutdown(ctx); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("stop metrics server: %w", err))
			}
			cancel()
		}
	}

	if d.addressFile != "" {
		if err := lifecycle.RemoveAddressFile(d.addressFile); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// The listener set closes its own endpoints and removes the socket file.
	for _, ep := range d.endpoints {
		_ = d.reactor.CancelSocket(ep)
	}
	if d.listeners != nil {
		if err := d.listeners.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := d.reactor.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if !fast {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.tracing.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush traces: %w", err))
		}
		cancel()
	}

	if d.pidFile != nil {
		if err := d.pidFile.Remove(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Daemon) notify(state string) {
	if _, err := d.opts.Notify(state); err != nil {
		d.logger.Debug("service manager notification failed", slog.String("state", state), dclog.Error(err))
	}
}
