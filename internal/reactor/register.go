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
	"fmt"
	"log/slog"
	"time"

	dclog "github.com/tombee/daemoncore/internal/log"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// RegisterOption customizes a registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	handlerLabel string
	perm         Permission
	data         any
}

// WithHandlerLabel sets the handler description used in logs and dumps.
func WithHandlerLabel(label string) RegisterOption {
	return func(c *registerConfig) { c.handlerLabel = label }
}

// WithPermission sets the permission a command requires.
func WithPermission(p Permission) RegisterOption {
	return func(c *registerConfig) { c.perm = p }
}

// WithData sets the initial data value handed to the handler.
func WithData(v any) RegisterOption {
	return func(c *registerConfig) { c.data = v }
}

func (r *Reactor) newRegistration(kind Kind, key int, label string, opts []RegisterOption) (*Registration, registerConfig) {
	var cfg registerConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Registration{
		reactor: r,
		kind:    kind,
		key:     key,
		label:   label,
		handler: cfg.handlerLabel,
		data:    cfg.data,
	}, cfg
}

// RegisterCommand routes command code to h. Duplicate codes, a full table
// and a nil handler are ConfigErrors.
func (r *Reactor) RegisterCommand(code int, label string, h CommandHandler, opts ...RegisterOption) (*Registration, error) {
	if h == nil {
		return nil, configError("command_table", fmt.Sprintf("nil handler for command %d (%s)", code, label), ErrNilHandler)
	}
	reg, cfg := r.newRegistration(KindCommand, code, label, opts)
	slot, err := r.commands.Insert(code, &commandEntry{reg: reg, handler: h, perm: cfg.perm})
	if err != nil {
		return nil, err
	}
	r.metrics.setRegistered(KindCommand, r.commands.Len())
	r.logger.Debug("registered command",
		dclog.Command(code),
		slog.String("label", label),
		slog.String(dclog.HandlerKey, reg.handler),
		slog.Int("slot", slot),
	)
	r.dumpTables()
	return reg, nil
}

// CancelCommand removes the handler of code.
func (r *Reactor) CancelCommand(code int) error {
	e, ok := r.commands.Lookup(code)
	if !ok {
		return &dcerrors.NotFoundError{Resource: "command", ID: fmt.Sprint(code)}
	}
	r.commands.Delete(code)
	e.reg.cancelled = true
	r.metrics.setRegistered(KindCommand, r.commands.Len())
	r.logger.Debug("cancelled command", dclog.Command(code))
	return nil
}

// RegisterSignal installs h for signal sig. Duplicate signals, a full table,
// a nil handler and SIGKILL, SIGSTOP or SIGCONT are ConfigErrors.
func (r *Reactor) RegisterSignal(sig int, label string, h SignalHandler, opts ...RegisterOption) (*Registration, error) {
	if h == nil {
		return nil, configError("signal_table", fmt.Sprintf("nil handler for signal %d (%s)", sig, label), ErrNilHandler)
	}
	reg, _ := r.newRegistration(KindSignal, sig, label, opts)
	slot, err := r.signals.register(sig, &signalEntry{reg: reg, handler: h})
	if err != nil {
		return nil, err
	}
	r.metrics.setRegistered(KindSignal, r.signals.table.Len())
	r.logger.Debug("registered signal",
		dclog.Signal(sig),
		slog.String("label", label),
		slog.String(dclog.HandlerKey, reg.handler),
		slog.Int("slot", slot),
	)
	r.dumpTables()
	return reg, nil
}

// CancelSignal removes the handler of sig. A pending raise is discarded.
func (r *Reactor) CancelSignal(sig int) error {
	e, err := r.signals.lookup(sig)
	if err != nil {
		return err
	}
	r.signals.table.Delete(sig)
	e.reg.cancelled = true
	r.metrics.setRegistered(KindSignal, r.signals.table.Len())
	r.logger.Debug("cancelled signal", dclog.Signal(sig))
	return nil
}

// RegisterSocket watches ep. With a nil handler ep is a command socket served
// by the router, and the first such socket becomes the primary command
// endpoint. Otherwise h runs whenever ep is readable.
func (r *Reactor) RegisterSocket(ep Endpoint, label string, h SocketHandler, opts ...RegisterOption) (*Registration, error) {
	if ep == nil {
		return nil, configError("socket_table", fmt.Sprintf("nil endpoint for socket %q", label), ErrNilHandler)
	}
	fd, err := descriptor(ep)
	if err != nil {
		return nil, configError("socket_table", fmt.Sprintf("socket %q has no descriptor", label), err)
	}

	reg, cfg := r.newRegistration(KindSocket, -1, label, opts)
	reg.endpoint = ep
	e := &socketEntry{reg: reg, ep: ep, fd: fd, handler: h, perm: cfg.perm}

	slot, err := r.sockets.insert(e)
	if err != nil {
		return nil, err
	}
	reg.key = slot

	if err := r.poller.Add(fd); err != nil {
		r.sockets.remove(slot)
		return nil, configError("socket_table", fmt.Sprintf("cannot watch socket %q", label), err)
	}

	r.metrics.setRegistered(KindSocket, r.sockets.count)
	r.logger.Debug("registered socket",
		slog.String(dclog.SocketKey, label),
		slog.String(dclog.HandlerKey, reg.handler),
		slog.Int("fd", fd),
		slog.Int("slot", slot),
		slog.Bool("command_socket", h == nil),
	)
	r.dumpTables()
	return reg, nil
}

// CancelSocket stops watching ep. It does not close it.
func (r *Reactor) CancelSocket(ep Endpoint) error {
	slot := r.sockets.find(ep)
	if slot < 0 {
		return &dcerrors.NotFoundError{Resource: "socket", ID: fmt.Sprintf("%T", ep)}
	}
	r.cancelEntry(r.sockets.slots[slot])
	return nil
}

func (r *Reactor) cancelEntry(e *socketEntry) {
	slot := r.sockets.find(e.ep)
	if slot < 0 {
		return
	}
	if err := r.poller.Remove(e.fd); err != nil {
		r.logger.Warn("removing socket from poller failed", slog.String(dclog.SocketKey, e.reg.label), dclog.Error(err))
	}
	r.sockets.remove(slot)
	e.reg.cancelled = true
	r.metrics.setRegistered(KindSocket, r.sockets.count)
	r.logger.Debug("cancelled socket", slog.String(dclog.SocketKey, e.reg.label), slog.Int("slot", slot))
}

// RegisterTimer runs h after delay and then every period; a zero period
// makes it one-shot. The registration key is the timer id.
func (r *Reactor) RegisterTimer(delay, period time.Duration, label string, h TimerHandler, opts ...RegisterOption) (*Registration, error) {
	if h == nil {
		return nil, configError("timer", fmt.Sprintf("nil handler for timer %q", label), ErrNilHandler)
	}
	reg, _ := r.newRegistration(KindTimer, 0, label, opts)
	reg.key = r.timers.Register(delay, period, label, func(id int) {
		r.invokeTimer(id, reg, h)
	})
	r.metrics.setRegistered(KindTimer, r.timers.Len())
	r.logger.Debug("registered timer",
		slog.Int(dclog.TimerKey, reg.key),
		slog.String("label", label),
		slog.Duration("delay", delay),
		slog.Duration("period", period),
	)
	return reg, nil
}

// CancelTimer removes timer id.
func (r *Reactor) CancelTimer(id int) error {
	if !r.timers.Cancel(id) {
		return &dcerrors.NotFoundError{Resource: "timer", ID: fmt.Sprint(id)}
	}
	r.metrics.setRegistered(KindTimer, r.timers.Len())
	return nil
}

// ResetTimer reschedules timer id.
func (r *Reactor) ResetTimer(id int, delay, period time.Duration) error {
	if !r.timers.Reset(id, delay, period) {
		return &dcerrors.NotFoundError{Resource: "timer", ID: fmt.Sprint(id)}
	}
	return nil
}

func (r *Reactor) invokeTimer(id int, reg *Registration, h TimerHandler) {
	ctx, span := r.startSpan("timer.dispatch", id, reg)
	defer span.End()

	inv := newInvocation(ctx, r, reg)
	start := r.clock.Now()
	err := h.HandleTimer(inv, id)
	inv.finish()

	r.metrics.observeHandler(KindTimer, r.clock.Now().Sub(start))
	r.metrics.timers.Inc()
	if !r.timers.Has(id) {
		reg.cancelled = true
		r.metrics.setRegistered(KindTimer, r.timers.Len())
	}
	if err != nil {
		recordSpanError(span, err)
		r.logger.Warn("timer handler failed",
			slog.Int(dclog.TimerKey, id),
			slog.String("label", reg.label),
			dclog.Error(err),
		)
	}
}

// dumpTables logs the full tables when debug logging is on.
func (r *Reactor) dumpTables() {
	if !r.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	d := r.Describe()
	r.logger.Debug("dispatch tables",
		slog.Any("commands", d.Commands),
		slog.Any("signals", d.Signals),
		slog.Any("sockets", d.Sockets),
		slog.Any("reapers", d.Reapers),
	)
}
