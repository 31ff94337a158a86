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

package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/eapache/queue"

	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/stream"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
	"github.com/tombee/daemoncore/pkg/protocol"
)

// CmdRaiseSignal is the reserved command that raises a signal in the
// receiving daemon. Its payload is one integer signal number.
const CmdRaiseSignal = protocol.CmdRaiseSignal

// ErrUncatchableSignal is the cause of a ConfigError returned when
// registering a handler for a signal that cannot be caught.
var ErrUncatchableSignal = errors.New("signal cannot be caught")

type signalEntry struct {
	reg     *Registration
	handler SignalHandler
	pending bool
	blocked bool
}

// signalController tracks pending and blocked state per signal. The two
// flags are independent: a blocked signal can become pending and fires as
// soon as it is unblocked.
type signalController struct {
	table  *DispatchTable[*signalEntry]
	logger *slog.Logger

	// urgent forces the next wait to zero. It is set whenever a signal
	// becomes dispatchable.
	urgent bool

	mu    sync.Mutex
	async *queue.Queue
	wake  func()
}

func newSignalController(size int, growable bool, logger *slog.Logger, wake func()) (*signalController, error) {
	table, err := NewDispatchTable[*signalEntry]("signal_table", size, growable)
	if err != nil {
		return nil, err
	}
	return &signalController{
		table:  table,
		logger: logger,
		async:  queue.New(),
		wake:   wake,
	}, nil
}

func uncatchable(sig int) bool {
	switch syscall.Signal(sig) {
	case syscall.SIGKILL, syscall.SIGSTOP, syscall.SIGCONT:
		return true
	}
	return false
}

func (c *signalController) register(sig int, e *signalEntry) (int, error) {
	if uncatchable(sig) {
		return -1, &dcerrors.ConfigError{
			Key:    "signal_table",
			Reason: fmt.Sprintf("signal %d (%v) cannot be caught", sig, syscall.Signal(sig)),
			Cause:  ErrUncatchableSignal,
		}
	}
	return c.table.Insert(sig, e)
}

func (c *signalController) lookup(sig int) (*signalEntry, error) {
	e, ok := c.table.Lookup(sig)
	if !ok {
		return nil, &dcerrors.NotFoundError{Resource: "signal", ID: fmt.Sprint(sig)}
	}
	return e, nil
}

func (c *signalController) raise(sig int) error {
	e, err := c.lookup(sig)
	if err != nil {
		c.logger.Warn("raised unregistered signal", dclog.Signal(sig))
		return err
	}
	e.pending = true
	c.urgent = true
	return nil
}

func (c *signalController) block(sig int) error {
	e, err := c.lookup(sig)
	if err != nil {
		return err
	}
	e.blocked = true
	return nil
}

func (c *signalController) unblock(sig int) error {
	e, err := c.lookup(sig)
	if err != nil {
		return err
	}
	e.blocked = false
	if e.pending {
		c.urgent = true
	}
	return nil
}

// enqueue records a raise coming from another goroutine.
func (c *signalController) enqueue(sig int) {
	c.mu.Lock()
	c.async.Add(sig)
	c.mu.Unlock()
	c.wake()
}

func (c *signalController) asyncPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.async.Length() > 0
}

// drain moves queued asynchronous raises into the table.
func (c *signalController) drain() int {
	c.mu.Lock()
	var sigs []int
	for c.async.Length() > 0 {
		sigs = append(sigs, c.async.Remove().(int))
	}
	c.mu.Unlock()

	for _, sig := range sigs {
		_ = c.raise(sig)
	}
	return len(sigs)
}

// Raise marks sig pending. The signal is dispatched at the start of the next
// loop pass, and the current wait is cut short. An unregistered signal is
// logged and returned as a NotFoundError. Raise must be called from the loop
// goroutine; use RaiseAsync elsewhere.
func (r *Reactor) Raise(sig int) error {
	return r.signals.raise(sig)
}

// RaiseAsync queues a raise from any goroutine and wakes the loop.
func (r *Reactor) RaiseAsync(sig int) {
	r.signals.enqueue(sig)
}

// Block defers dispatch of sig until Unblock.
func (r *Reactor) Block(sig int) error {
	return r.signals.block(sig)
}

// Unblock re-enables dispatch of sig. A signal that became pending while
// blocked fires on the very next pass.
func (r *Reactor) Unblock(sig int) error {
	return r.signals.unblock(sig)
}

// NotifyOS relays operating system signals into the reactor until ctx is
// done. Each os.Signal in mapping is raised as the mapped signal number.
func (r *Reactor) NotifyOS(ctx context.Context, mapping map[os.Signal]int) {
	if len(mapping) == 0 {
		return
	}
	ch := make(chan os.Signal, 8)
	sigs := make([]os.Signal, 0, len(mapping))
	for s := range mapping {
		sigs = append(sigs, s)
	}
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				r.logger.Debug("os signal received", "os_signal", s.String())
				r.RaiseAsync(mapping[s])
			}
		}
	}()
}

// dispatchSignals runs the handler of every pending, unblocked signal in
// slot order. A signal raised by a handler is picked up in this same scan if
// its slot has not been visited yet; otherwise the urgent flag brings the
// loop straight back.
func (r *Reactor) dispatchSignals() int {
	dispatched := 0
	r.signals.table.Range(func(_, sig int, e *signalEntry) bool {
		if !e.pending || e.blocked {
			return true
		}
		e.pending = false
		dispatched++
		r.invokeSignal(sig, e)
		return true
	})
	return dispatched
}

func (r *Reactor) invokeSignal(sig int, e *signalEntry) {
	ctx, span := r.startSpan("signal.dispatch", sig, e.reg)
	defer span.End()

	inv := newInvocation(ctx, r, e.reg)
	start := r.clock.Now()
	err := e.handler.HandleSignal(inv, sig)
	inv.finish()

	r.metrics.observeHandler(KindSignal, r.clock.Now().Sub(start))
	r.metrics.signals.Inc()
	if err != nil {
		recordSpanError(span, err)
		r.logger.Warn("signal handler failed",
			dclog.Signal(sig),
			slog.String(dclog.HandlerKey, e.reg.handler),
			dclog.Error(err),
		)
	}
}

// serveRaiseSignal is the built-in handler of CmdRaiseSignal.
func (r *Reactor) serveRaiseSignal(_ *Invocation, _ int, s stream.Stream) error {
	sig, err := s.GetInt()
	if err != nil {
		return fmt.Errorf("read signal number: %w", err)
	}
	if err := s.EndOfMessage(); err != nil {
		return err
	}
	return r.Raise(int(sig))
}
