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
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	dclog "github.com/tombee/daemoncore/internal/log"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// fakePoller records every wait and never reports a ready descriptor unless
// told to.
type fakePoller struct {
	mu      sync.Mutex
	waits   []time.Duration
	fds     map[int]bool
	woken   int
	waitErr error
	onWait  func()
}

func newFakePoller() *fakePoller {
	return &fakePoller{fds: map[int]bool{}}
}

func (p *fakePoller) Add(fd int) error    { p.fds[fd] = true; return nil }
func (p *fakePoller) Remove(fd int) error { delete(p.fds, fd); return nil }

func (p *fakePoller) Wait(timeout time.Duration) ([]int, error) {
	p.mu.Lock()
	p.waits = append(p.waits, timeout)
	cb := p.onWait
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil, p.waitErr
}

func (p *fakePoller) Ready(int) (bool, error) { return false, nil }

func (p *fakePoller) Wake() {
	p.mu.Lock()
	p.woken++
	p.mu.Unlock()
}

func (p *fakePoller) Close() error { return nil }

func (p *fakePoller) waitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waits)
}

func newTestReactor(t *testing.T, mutate func(*Options)) (*Reactor, *fakePoller) {
	t.Helper()
	fp := newFakePoller()
	opts := DefaultOptions()
	opts.Logger = dclog.Discard()
	opts.poller = fp
	opts.SignalTableSize = 8
	opts.CommandTableSize = 16
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, fp
}

// recorder collects signal dispatches and how many waits had happened at
// the time of each.
type recorder struct {
	fp    *fakePoller
	order []int
	waits []int
}

func (rec *recorder) handler(extra func(inv *Invocation, sig int)) SignalHandlerFunc {
	return func(inv *Invocation, sig int) error {
		rec.order = append(rec.order, sig)
		rec.waits = append(rec.waits, rec.fp.waitCount())
		if extra != nil {
			extra(inv, sig)
		}
		return nil
	}
}

func TestNew_RegistersRaiseSignalCommand(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	_, ok := r.commands.Lookup(CmdRaiseSignal)
	assert.True(t, ok)

	_, err := r.RegisterCommand(CmdRaiseSignal, "again", CommandHandlerFunc(nil))
	assert.True(t, dcerrors.IsConfig(err))
	assert.NotEmpty(t, r.InstanceID())
}

func TestNew_InvalidSizes(t *testing.T) {
	for _, mutate := range []func(*Options){
		func(o *Options) { o.CommandTableSize = -1 },
		func(o *Options) { o.SignalTableSize = 0 },
		func(o *Options) { o.MaxSockets = 0 },
	} {
		opts := DefaultOptions()
		opts.Logger = dclog.Discard()
		opts.poller = newFakePoller()
		mutate(&opts)
		_, err := New(opts)
		assert.True(t, dcerrors.IsConfig(err), "got %v", err)
	}
}

func TestRegister_NilHandlers(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	_, err := r.RegisterCommand(1, "nil", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.True(t, dcerrors.IsConfig(err))

	_, err = r.RegisterSignal(1, "nil", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = r.RegisterTimer(0, 0, "nil", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRegisterSignal_Uncatchable(t *testing.T) {
	r, _ := newTestReactor(t, nil)
	h := SignalHandlerFunc(func(*Invocation, int) error { return nil })

	for _, sig := range []syscall.Signal{syscall.SIGKILL, syscall.SIGSTOP, syscall.SIGCONT} {
		_, err := r.RegisterSignal(int(sig), sig.String(), h)
		assert.ErrorIs(t, err, ErrUncatchableSignal)
		assert.True(t, dcerrors.IsConfig(err))
	}
}

func TestRegisterSignal_DuplicateAndFull(t *testing.T) {
	r, _ := newTestReactor(t, func(o *Options) { o.SignalTableSize = 2 })
	h := SignalHandlerFunc(func(*Invocation, int) error { return nil })

	_, err := r.RegisterSignal(100, "a", h)
	require.NoError(t, err)
	_, err = r.RegisterSignal(100, "a", h)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	_, err = r.RegisterSignal(101, "b", h)
	require.NoError(t, err)
	_, err = r.RegisterSignal(102, "c", h)
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestRaise_Unregistered(t *testing.T) {
	r, _ := newTestReactor(t, nil)
	err := r.Raise(77)

	var nf *dcerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "signal", nf.Resource)
	assert.False(t, dcerrors.IsConfig(err))
}

func TestSignal_BlockedNotDispatched(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	rec := &recorder{fp: fp}
	_, err := r.RegisterSignal(100, "s", rec.handler(nil))
	require.NoError(t, err)

	require.NoError(t, r.Block(100))
	require.NoError(t, r.Raise(100))
	require.NoError(t, r.step())

	assert.Empty(t, rec.order)
	assert.Equal(t, []time.Duration{-1}, fp.waits, "nothing due, so the wait is unbounded")

	require.NoError(t, r.Unblock(100))
	require.NoError(t, r.step())
	assert.Equal(t, []int{100}, rec.order)
}

func TestSignal_UnblockWhilePendingForcesZeroWait(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	rec := &recorder{fp: fp}
	_, err := r.RegisterSignal(100, "s", rec.handler(nil))
	require.NoError(t, err)

	require.NoError(t, r.Block(100))
	require.NoError(t, r.Raise(100))

	// A timer due now unblocks the signal after the signal phase has passed.
	_, err = r.RegisterTimer(0, 0, "unblock", TimerHandlerFunc(func(*Invocation, int) error {
		return r.Unblock(100)
	}))
	require.NoError(t, err)

	require.NoError(t, r.step())
	require.Empty(t, rec.order)
	require.Equal(t, []time.Duration{0}, fp.waits)

	require.NoError(t, r.step())
	require.Equal(t, []int{100}, rec.order)
	assert.Equal(t, []int{1}, rec.waits, "dispatched after only the zero-length wait")
	for _, w := range fp.waits[:rec.waits[0]] {
		assert.Zero(t, w)
	}
}

func TestSignal_RaiseFromHandlerLaterSlot(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	rec := &recorder{fp: fp}

	_, err := r.RegisterSignal(1, "s1", rec.handler(func(*Invocation, int) {
		require.NoError(t, r.Raise(2))
	}))
	require.NoError(t, err)
	_, err = r.RegisterSignal(2, "s2", rec.handler(nil))
	require.NoError(t, err)

	require.NoError(t, r.Raise(1))
	require.NoError(t, r.step())

	assert.Equal(t, []int{1, 2}, rec.order)
	assert.Equal(t, []int{0, 0}, rec.waits, "both ran in the same signal phase")
}

func TestSignal_RaiseFromHandlerEarlierSlot(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	rec := &recorder{fp: fp}

	_, err := r.RegisterSignal(3, "s1", rec.handler(func(*Invocation, int) {
		require.NoError(t, r.Raise(2))
	}))
	require.NoError(t, err)
	_, err = r.RegisterSignal(2, "s2", rec.handler(nil))
	require.NoError(t, err)

	require.NoError(t, r.Raise(3))
	require.NoError(t, r.step())
	require.NoError(t, r.step())

	assert.Equal(t, []int{3, 2}, rec.order)
	assert.Equal(t, []time.Duration{0, -1}, fp.waits, "the only wait before s2 was zero-length")
}

func TestSignal_RaiseAsync(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	rec := &recorder{fp: fp}
	_, err := r.RegisterSignal(100, "s", rec.handler(nil))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.RaiseAsync(100)
		close(done)
	}()
	<-done

	assert.Equal(t, time.Duration(0), r.waitTime(), "queued raises force a zero wait")
	require.NoError(t, r.step())
	assert.Equal(t, []int{100}, rec.order)
	assert.GreaterOrEqual(t, fp.woken, 1)
}

func TestInvocation_DataLifetime(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	var captured *Invocation
	reg, err := r.RegisterSignal(100, "s", SignalHandlerFunc(func(inv *Invocation, _ int) error {
		captured = inv
		assert.True(t, inv.Active())
		assert.Equal(t, "initial", inv.Data())
		assert.True(t, inv.SetData("changed"))
		return nil
	}), WithData("initial"))
	require.NoError(t, err)

	require.NoError(t, r.Raise(100))
	require.NoError(t, r.step())

	require.NotNil(t, captured)
	assert.False(t, captured.Active())
	assert.Nil(t, captured.Data())
	assert.False(t, captured.SetData("late"))
	assert.Equal(t, "changed", reg.Data())
}

func TestInvocation_RaiseInsideHandlerKeepsOuterContext(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	var outer, inner *Invocation
	_, err := r.RegisterSignal(1, "outer", SignalHandlerFunc(func(inv *Invocation, _ int) error {
		outer = inv
		require.NoError(t, r.Raise(2))
		assert.Equal(t, "outer-data", inv.Data())
		return nil
	}), WithData("outer-data"))
	require.NoError(t, err)
	_, err = r.RegisterSignal(2, "inner", SignalHandlerFunc(func(inv *Invocation, _ int) error {
		inner = inv
		assert.Equal(t, "inner-data", inv.Data())
		return nil
	}), WithData("inner-data"))
	require.NoError(t, err)

	require.NoError(t, r.Raise(1))
	require.NoError(t, r.step())
	require.NotNil(t, inner)
	assert.NotSame(t, outer, inner)
}

func TestRegistration_Cancel(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	reg, err := r.RegisterCommand(10, "cmd", CommandHandlerFunc(nil))
	require.NoError(t, err)
	require.NoError(t, reg.Cancel())
	assert.True(t, reg.Cancelled())

	_, ok := r.commands.Lookup(10)
	assert.False(t, ok)

	var nf *dcerrors.NotFoundError
	assert.ErrorAs(t, reg.Cancel(), &nf)

	// The code can be registered again after cancellation.
	_, err = r.RegisterCommand(10, "cmd", CommandHandlerFunc(nil))
	assert.NoError(t, err)

	sreg, err := r.RegisterSignal(100, "s", SignalHandlerFunc(func(*Invocation, int) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, r.Raise(100))
	require.NoError(t, sreg.Cancel())
	assert.ErrorAs(t, r.Raise(100), &nf)
}

func TestTimers_DriveWaitTime(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Unix(1700000000, 0))
	r, fp := newTestReactor(t, func(o *Options) { o.Clock = mc })

	fired := 0
	reg, err := r.RegisterTimer(5*time.Second, 0, "five", TimerHandlerFunc(func(inv *Invocation, id int) error {
		fired++
		assert.Equal(t, "payload", inv.Data())
		return nil
	}), WithData("payload"))
	require.NoError(t, err)

	require.NoError(t, r.step())
	assert.Equal(t, []time.Duration{5 * time.Second}, fp.waits)
	assert.Zero(t, fired)

	mc.Add(5 * time.Second)
	require.NoError(t, r.step())
	assert.Equal(t, 1, fired)
	assert.True(t, reg.Cancelled(), "one-shot timers end after firing")
	assert.Equal(t, time.Duration(-1), fp.waits[1])
}

func TestTimers_CancelAndReset(t *testing.T) {
	mc := clock.NewMock()
	r, _ := newTestReactor(t, func(o *Options) { o.Clock = mc })

	fired := 0
	reg, err := r.RegisterTimer(time.Second, time.Second, "tick", TimerHandlerFunc(func(*Invocation, int) error {
		fired++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, r.ResetTimer(reg.Key(), 10*time.Second, 0))
	mc.Add(2 * time.Second)
	require.NoError(t, r.step())
	assert.Zero(t, fired)

	require.NoError(t, reg.Cancel())
	assert.Error(t, r.CancelTimer(reg.Key()))
	assert.Error(t, r.ResetTimer(reg.Key(), 0, 0))
}

func TestTimer_RaiseForcesZeroWait(t *testing.T) {
	mc := clock.NewMock()
	r, fp := newTestReactor(t, func(o *Options) { o.Clock = mc })
	rec := &recorder{fp: fp}
	_, err := r.RegisterSignal(100, "s", rec.handler(nil))
	require.NoError(t, err)

	_, err = r.RegisterTimer(0, 0, "raise", TimerHandlerFunc(func(*Invocation, int) error {
		return r.Raise(100)
	}))
	require.NoError(t, err)
	_, err = r.RegisterTimer(time.Hour, 0, "far", TimerHandlerFunc(func(*Invocation, int) error { return nil }))
	require.NoError(t, err)

	require.NoError(t, r.step())
	require.NoError(t, r.step())
	assert.Equal(t, []int{100}, rec.order)
	assert.Equal(t, time.Duration(0), fp.waits[0])
}

func TestRun_StopFromTimer(t *testing.T) {
	r, _ := newTestReactor(t, nil)

	_, err := r.RegisterTimer(0, 0, "stop", TimerHandlerFunc(func(*Invocation, int) error {
		r.Stop()
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.True(t, r.Stopping())
}

func TestRun_ContextCancelled(t *testing.T) {
	r, _ := newTestReactor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.Run(ctx))
}

func TestRun_WaitFailureIsFatal(t *testing.T) {
	r, fp := newTestReactor(t, nil)
	fp.waitErr = errors.New("ebadf")

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket wait")
}

func TestRun_SignalHandlerErrorDoesNotStopLoop(t *testing.T) {
	r, fp := newTestReactor(t, nil)

	calls := 0
	_, err := r.RegisterSignal(100, "s", SignalHandlerFunc(func(*Invocation, int) error {
		calls++
		return errors.New("handler failed")
	}))
	require.NoError(t, err)
	fp.onWait = func() {
		if fp.waitCount() >= 3 {
			r.Stop()
		}
	}

	require.NoError(t, r.Raise(100))
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestMetrics_Signals(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, _ := newTestReactor(t, func(o *Options) { o.Registerer = reg })
	_, err := r.RegisterSignal(100, "s", SignalHandlerFunc(func(*Invocation, int) error { return nil }))
	require.NoError(t, err)

	require.NoError(t, r.Raise(100))
	require.NoError(t, r.step())

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.signals))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.iterations))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.registered.WithLabelValues("signal")))
}

func TestTracing_SignalSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	r, _ := newTestReactor(t, func(o *Options) {
		o.TracerProvider = tp
		o.InstanceID = "test-instance"
	})
	_, err := r.RegisterSignal(100, "SIGUSR", SignalHandlerFunc(func(*Invocation, int) error {
		return errors.New("boom")
	}), WithHandlerLabel("onUsr"))
	require.NoError(t, err)

	require.NoError(t, r.Raise(100))
	require.NoError(t, r.step())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.dispatch", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.Int("dcore.key", 100))
	assert.Contains(t, spans[0].Attributes, attribute.String("dcore.handler", "onUsr"))
	assert.Contains(t, spans[0].Attributes, attribute.String("dcore.instance_id", "test-instance"))
	assert.Len(t, spans[0].Events, 1, "the error is recorded as an event")
}

func TestDescribe(t *testing.T) {
	r, _ := newTestReactor(t, nil)
	h := SignalHandlerFunc(func(*Invocation, int) error { return nil })

	_, err := r.RegisterSignal(3, "three", h)
	require.NoError(t, err)
	_, err = r.RegisterSignal(1, "one", h)
	require.NoError(t, err)
	require.NoError(t, r.Block(1))

	d := r.Describe()
	require.Len(t, d.Signals, 2)
	assert.Equal(t, 1, d.Signals[0].Signal, "slot order, not registration order")
	assert.True(t, d.Signals[0].Blocked)
	assert.Equal(t, 3, d.Signals[1].Signal)
	assert.False(t, d.Signals[1].Blocked)

	require.Len(t, d.Commands, 1)
	assert.Equal(t, CmdRaiseSignal, d.Commands[0].Code)
	assert.Equal(t, "WRITE", d.Commands[0].Permission)
	assert.Equal(t, -1, r.PrimaryCommandPort())
}
