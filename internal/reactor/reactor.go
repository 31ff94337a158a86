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

// Package reactor implements the daemon event loop.
//
// A Reactor owns every inbound command, signal, timer and socket of one
// daemon process and drives them from a single goroutine. Handlers run to
// completion one at a time and must not block; the socket wait in Run is the
// only place the loop sleeps.
//
// Each pass of the loop dispatches pending signals, then due timers, then
// waits for socket readiness and serves whatever became ready. Signal
// dispatch always precedes timer dispatch, which always precedes socket
// dispatch.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/timer"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// ErrNilHandler is the cause of a ConfigError returned when a command,
// signal or timer is registered without a handler.
var ErrNilHandler = errors.New("nil handler")

// Options configures a Reactor.
type Options struct {
	// CommandTableSize is the capacity of the command table.
	CommandTableSize int

	// SignalTableSize is the capacity of the signal table.
	SignalTableSize int

	// MaxSockets is the capacity of the socket registry.
	MaxSockets int

	// MaxReapers is the capacity of the reaper table. Zero uses the default.
	MaxReapers int

	// GrowableTables lets full command and signal tables double in size.
	GrowableTables bool

	// CommandReadTimeout bounds the read of a command code.
	CommandReadTimeout time.Duration

	// AcceptTimeout bounds accept on a ready listener.
	AcceptTimeout time.Duration

	// Authorizer checks command permissions. Nil allows everything.
	Authorizer Authorizer

	// Logger receives loop diagnostics. Nil uses slog.Default.
	Logger *slog.Logger

	// Clock drives timers. Nil uses the wall clock.
	Clock clock.Clock

	// Registerer receives the reactor's Prometheus collectors. Nil keeps
	// them on a private registry.
	Registerer prometheus.Registerer

	// TracerProvider creates dispatch spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider

	// InstanceID identifies this reactor. Empty generates a random UUID.
	InstanceID string

	poller poller
}

// DefaultOptions returns the default sizing and timeouts.
func DefaultOptions() Options {
	return Options{
		CommandTableSize:   97,
		SignalTableSize:    32,
		MaxSockets:         64,
		MaxReapers:         100,
		CommandReadTimeout: 20 * time.Second,
		AcceptTimeout:      time.Second,
	}
}

// Reactor is the single-threaded event loop of a daemon. Only Stop,
// RaiseAsync and NotifyOS may be called from other goroutines while Run is
// active.
type Reactor struct {
	opts       Options
	logger     *slog.Logger
	clock      clock.Clock
	tracer     trace.Tracer
	metrics    *metrics
	instanceID string

	commands *DispatchTable[*commandEntry]
	signals  *signalController
	sockets  *socketRegistry
	reapers  *reaperTable
	timers   *timer.Manager
	poller   poller

	cmdLog       *dclog.CommandMiddleware
	unregistered *dclog.Throttled

	ctx     context.Context
	running atomic.Bool
	stopped atomic.Bool
	closed  bool
}

// New creates a Reactor. Invalid sizes are returned as ConfigErrors. The
// built-in CmdRaiseSignal command is registered.
func New(opts Options) (*Reactor, error) {
	d := DefaultOptions()
	if opts.CommandReadTimeout <= 0 {
		opts.CommandReadTimeout = d.CommandReadTimeout
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = d.AcceptTimeout
	}
	if opts.MaxReapers == 0 {
		opts.MaxReapers = d.MaxReapers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	commands, err := NewDispatchTable[*commandEntry]("command_table", opts.CommandTableSize, opts.GrowableTables)
	if err != nil {
		return nil, err
	}
	sockets, err := newSocketRegistry(opts.MaxSockets)
	if err != nil {
		return nil, err
	}
	reapers, err := newReaperTable(opts.MaxReapers)
	if err != nil {
		return nil, err
	}

	p := opts.poller
	if p == nil {
		if p, err = newPoller(); err != nil {
			return nil, fmt.Errorf("create poller: %w", err)
		}
	}

	logger := dclog.WithComponent(opts.Logger, "reactor")
	r := &Reactor{
		opts:         opts,
		logger:       logger,
		clock:        opts.Clock,
		tracer:       opts.TracerProvider.Tracer(tracerName),
		metrics:      newMetrics(opts.Registerer),
		instanceID:   opts.InstanceID,
		commands:     commands,
		sockets:      sockets,
		reapers:      reapers,
		timers:       timer.New(opts.Clock),
		poller:       p,
		cmdLog:       dclog.NewCommandMiddleware(logger),
		unregistered: dclog.NewThrottled(logger, time.Second, 10),
		ctx:          context.Background(),
	}

	r.signals, err = newSignalController(opts.SignalTableSize, opts.GrowableTables, logger, p.Wake)
	if err != nil {
		p.Close()
		return nil, err
	}

	if _, err := r.RegisterCommand(CmdRaiseSignal, "DC_RAISESIGNAL", CommandHandlerFunc(r.serveRaiseSignal),
		WithHandlerLabel("serveRaiseSignal"), WithPermission(PermWrite)); err != nil {
		p.Close()
		return nil, err
	}
	return r, nil
}

// InstanceID returns the reactor's unique id.
func (r *Reactor) InstanceID() string { return r.instanceID }

// Logger returns the reactor's logger.
func (r *Reactor) Logger() *slog.Logger { return r.logger }

// Clock returns the clock driving timers.
func (r *Reactor) Clock() clock.Clock { return r.clock }

// SetCommandReadTimeout changes the command read timeout for subsequent
// requests.
func (r *Reactor) SetCommandReadTimeout(d time.Duration) {
	if d > 0 {
		r.opts.CommandReadTimeout = d
	}
}

// CommandReadTimeout returns the current command read timeout.
func (r *Reactor) CommandReadTimeout() time.Duration { return r.opts.CommandReadTimeout }

// Run drives the loop until ctx is done or Stop is called. It returns nil
// on either, and an error only if waiting for sockets fails for a reason
// other than an interrupt.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor: already running")
	}
	defer r.running.Store(false)

	r.ctx = ctx
	defer func() { r.ctx = context.Background() }()
	stop := context.AfterFunc(ctx, r.poller.Wake)
	defer stop()

	r.logger.Info("event loop started",
		slog.String(dclog.InstanceKey, r.instanceID),
		slog.Int("commands", r.commands.Len()),
		slog.Int("signals", r.signals.table.Len()),
		slog.Int("sockets", r.sockets.count),
	)

	for {
		if ctx.Err() != nil || r.stopped.Load() {
			r.logger.Info("event loop stopped")
			return nil
		}
		if err := r.step(); err != nil {
			r.logger.Error("event loop failed", dclog.Error(err))
			return err
		}
	}
}

// Stop makes Run return after the current pass. It is safe to call from any
// goroutine, including handlers. A stopped reactor does not run again.
func (r *Reactor) Stop() {
	r.stopped.Store(true)
	r.poller.Wake()
}

// Stopping reports whether Stop has been called.
func (r *Reactor) Stopping() bool { return r.stopped.Load() }

// step runs one pass of the loop.
func (r *Reactor) step() error {
	r.metrics.iterations.Inc()

	r.signals.drain()
	r.signals.urgent = false
	r.dispatchSignals()

	r.timers.FireDue()

	timeout := r.waitTime()
	dclog.Trace(r.logger, "waiting for sockets", slog.Duration("timeout", timeout))

	start := r.clock.Now()
	ready, err := r.poller.Wait(timeout)
	r.metrics.waitSeconds.Observe(r.clock.Now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("socket wait: %w", err)
	}

	r.dispatchSockets(ready)
	return nil
}

// waitTime returns how long the socket wait may block; negative means until
// a socket is ready. A signal that became dispatchable forces zero.
func (r *Reactor) waitTime() time.Duration {
	if r.signals.urgent || r.signals.asyncPending() || r.stopped.Load() || r.ctx.Err() != nil {
		return 0
	}
	d, ok := r.timers.TimeUntilNext()
	if !ok {
		return -1
	}
	return d
}

// dispatchSockets serves ready sockets in slot order. After the first
// handler of a pass each socket is polled again, since an earlier handler
// may have consumed its input.
func (r *Reactor) dispatchSockets(ready []int) {
	if len(ready) == 0 {
		return
	}
	isReady := make(map[int]bool, len(ready))
	for _, fd := range ready {
		isReady[fd] = true
	}

	served := 0
	for slot := range r.sockets.slots {
		e := r.sockets.slots[slot]
		if e == nil || !isReady[e.fd] {
			continue
		}
		if served > 0 {
			ok, err := r.poller.Ready(e.fd)
			if err != nil || !ok {
				continue
			}
		}
		served++

		if e.isCommandSocket() {
			r.serveCommandSocket(e)
		} else {
			r.serveCustomSocket(e)
		}
	}
}

func (r *Reactor) serveCustomSocket(e *socketEntry) {
	ctx, span := r.startSpan("socket.dispatch", e.fd, e.reg)
	defer span.End()

	inv := newInvocation(ctx, r, e.reg)
	start := r.clock.Now()
	err := e.handler.ServeSocket(inv, e.ep)
	inv.finish()
	r.metrics.observeHandler(KindSocket, r.clock.Now().Sub(start))

	if errors.Is(err, KeepStream) {
		return
	}
	if err != nil {
		recordSpanError(span, err)
		r.logger.Warn("socket handler failed",
			slog.String(dclog.SocketKey, e.reg.label),
			slog.String(dclog.HandlerKey, e.reg.handler),
			dclog.Error(err),
		)
	}
	if i := r.sockets.find(e.ep); i >= 0 && r.sockets.slots[i] == e {
		r.cancelEntry(e)
		_ = e.ep.Close()
	}
}

// Close releases the poller and closes every registered endpoint. All
// failures are returned together.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.reapers.stopNotify()

	var errs *multierror.Error
	for i, e := range r.sockets.slots {
		if e == nil {
			continue
		}
		r.sockets.remove(i)
		e.reg.cancelled = true
		if err := e.ep.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", e.reg.label, err))
		}
	}
	if err := r.poller.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close poller: %w", err))
	}
	return errs.ErrorOrNil()
}

// configError builds a ConfigError for a registration problem.
func configError(key, reason string, cause error) error {
	return &dcerrors.ConfigError{Key: key, Reason: reason, Cause: cause}
}
