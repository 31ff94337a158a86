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

	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// Kind identifies which table a registration lives in.
type Kind int

const (
	KindCommand Kind = iota
	KindSignal
	KindSocket
	KindTimer
	KindReaper
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindSignal:
		return "signal"
	case KindSocket:
		return "socket"
	case KindTimer:
		return "timer"
	case KindReaper:
		return "reaper"
	default:
		return "unknown"
	}
}

// Registration is the handle returned by every Register call. It carries
// the opaque data value handed to the handler and can cancel the
// registration.
type Registration struct {
	reactor *Reactor
	kind    Kind
	key     int
	label   string
	handler string
	data    any

	endpoint  Endpoint
	cancelled bool
}

// Kind returns the table the registration lives in.
func (g *Registration) Kind() Kind { return g.kind }

// Key returns the command code, signal number, timer id or reaper id. For
// sockets it returns the slot at registration time.
func (g *Registration) Key() int { return g.key }

// Label returns the description given at registration.
func (g *Registration) Label() string { return g.label }

// HandlerLabel returns the handler description given at registration.
func (g *Registration) HandlerLabel() string { return g.handler }

// Data returns the registration's data value.
func (g *Registration) Data() any { return g.data }

// SetData replaces the registration's data value.
func (g *Registration) SetData(v any) { g.data = v }

// Cancelled reports whether Cancel has run.
func (g *Registration) Cancelled() bool { return g.cancelled }

// Cancel removes the registration. Cancelling twice returns a NotFoundError.
func (g *Registration) Cancel() error {
	if g.cancelled {
		return &dcerrors.NotFoundError{Resource: g.kind.String(), ID: fmt.Sprint(g.key)}
	}
	switch g.kind {
	case KindCommand:
		return g.reactor.CancelCommand(g.key)
	case KindSignal:
		return g.reactor.CancelSignal(g.key)
	case KindSocket:
		return g.reactor.CancelSocket(g.endpoint)
	case KindTimer:
		if err := g.reactor.CancelTimer(g.key); err != nil {
			return err
		}
		g.cancelled = true
	case KindReaper:
		return g.reactor.CancelReaper(g.key)
	}
	return nil
}

// Invocation is the context of one handler call. It is valid only while the
// handler runs. Every dispatch gets its own Invocation, so a handler that
// causes another dispatch never sees its own context change.
type Invocation struct {
	ctx     context.Context
	reactor *Reactor
	reg     *Registration
	active  bool
}

func newInvocation(ctx context.Context, r *Reactor, reg *Registration) *Invocation {
	return &Invocation{ctx: ctx, reactor: r, reg: reg, active: true}
}

// finish invalidates the invocation once the handler has returned.
func (inv *Invocation) finish() {
	inv.active = false
}

// Active reports whether the handler is still running.
func (inv *Invocation) Active() bool { return inv.active }

// Data returns the registration's data value, or nil once the handler has
// returned.
func (inv *Invocation) Data() any {
	if !inv.active {
		return nil
	}
	return inv.reg.data
}

// SetData replaces the registration's data value. It reports false, and
// does nothing, once the handler has returned.
func (inv *Invocation) SetData(v any) bool {
	if !inv.active {
		return false
	}
	inv.reg.data = v
	return true
}

// Context returns the dispatch context. It carries the trace span of the
// dispatch and derives from the context passed to Run.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Reactor returns the reactor running the handler.
func (inv *Invocation) Reactor() *Reactor { return inv.reactor }

// Registration returns the handle of the registration being served.
func (inv *Invocation) Registration() *Registration { return inv.reg }
