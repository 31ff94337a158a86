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
	"os/exec"
	"slices"
	"syscall"

	"golang.org/x/sys/unix"

	dclog "github.com/tombee/daemoncore/internal/log"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// ErrChildIO is returned by CreateProcess when a standard stream of the
// command is not an *os.File. Such streams need exec.Cmd.Wait, which would
// race the reactor for the exit status.
var ErrChildIO = errors.New("child stdio must be nil or *os.File")

type reaperEntry struct {
	reg     *Registration
	handler ReaperHandler
}

type child struct {
	pid    int
	reaper int
	path   string
	proc   *os.Process
}

// reaperTable holds reapers by id (slot + 1) and the children waiting to be
// reaped.
type reaperTable struct {
	slots    []*reaperEntry
	count    int
	fallback int

	children map[int]*child
	sigchld  bool
	cancel   context.CancelFunc
}

func newReaperTable(max int) (*reaperTable, error) {
	if max < 1 {
		return nil, &dcerrors.ConfigError{
			Key:    "reaper_table",
			Reason: fmt.Sprintf("max reapers must be positive, got %d", max),
		}
	}
	return &reaperTable{
		slots:    make([]*reaperEntry, max),
		children: make(map[int]*child),
	}, nil
}

// insert stores e in a free slot and returns its id. The scan starts after
// the live count so ids are not reused until the table wraps.
func (t *reaperTable) insert(e *reaperEntry) (int, error) {
	n := len(t.slots)
	for j, i := 0, t.count%n; j < n; j, i = j+1, (i+1)%n {
		if t.slots[i] == nil {
			t.slots[i] = e
			t.count++
			return i + 1, nil
		}
	}
	return 0, &dcerrors.ConfigError{
		Key:    "reaper_table",
		Reason: fmt.Sprintf("no free reaper slot (capacity %d)", n),
		Cause:  ErrTableFull,
	}
}

func (t *reaperTable) lookup(id int) (*reaperEntry, bool) {
	if id < 1 || id > len(t.slots) || t.slots[id-1] == nil {
		return nil, false
	}
	return t.slots[id-1], true
}

func (t *reaperTable) stopNotify() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *reaperTable) describe() []ReaperInfo {
	var out []ReaperInfo
	for i, e := range t.slots {
		if e == nil {
			continue
		}
		out = append(out, ReaperInfo{
			ID:      i + 1,
			Label:   e.reg.label,
			Handler: e.reg.handler,
			Default: i+1 == t.fallback,
		})
	}
	return out
}

func (t *reaperTable) describeChildren() []ChildInfo {
	var out []ChildInfo
	for _, pid := range t.pids() {
		c := t.children[pid]
		out = append(out, ChildInfo{PID: c.pid, Reaper: c.reaper, Path: c.path})
	}
	return out
}

func (t *reaperTable) pids() []int {
	pids := make([]int, 0, len(t.children))
	for pid := range t.children {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// RegisterReaper adds h to the reaper table. The registration key is the
// reaper id to pass to CreateProcess. A nil handler and a full table are
// ConfigErrors.
func (r *Reactor) RegisterReaper(label string, h ReaperHandler, opts ...RegisterOption) (*Registration, error) {
	if h == nil {
		return nil, configError("reaper_table", fmt.Sprintf("nil handler for reaper %q", label), ErrNilHandler)
	}
	reg, _ := r.newRegistration(KindReaper, 0, label, opts)
	id, err := r.reapers.insert(&reaperEntry{reg: reg, handler: h})
	if err != nil {
		return nil, err
	}
	reg.key = id
	r.metrics.setRegistered(KindReaper, r.reapers.count)
	r.logger.Debug("registered reaper",
		slog.Int(dclog.ReaperKey, id),
		slog.String("label", label),
		slog.String(dclog.HandlerKey, reg.handler),
	)
	r.dumpTables()
	return reg, nil
}

// ResetReaper replaces the handler of reaper id. Children already started
// with id are delivered to the new handler. The old registration is marked
// cancelled.
func (r *Reactor) ResetReaper(id int, label string, h ReaperHandler, opts ...RegisterOption) (*Registration, error) {
	if h == nil {
		return nil, configError("reaper_table", fmt.Sprintf("nil handler for reaper %q", label), ErrNilHandler)
	}
	old, ok := r.reapers.lookup(id)
	if !ok {
		return nil, &dcerrors.NotFoundError{Resource: "reaper", ID: fmt.Sprint(id)}
	}
	reg, _ := r.newRegistration(KindReaper, id, label, opts)
	old.reg.cancelled = true
	r.reapers.slots[id-1] = &reaperEntry{reg: reg, handler: h}
	r.logger.Debug("reset reaper", slog.Int(dclog.ReaperKey, id), slog.String("label", label))
	r.dumpTables()
	return reg, nil
}

// CancelReaper removes reaper id. Children started with it fall back to the
// default reaper when they exit.
func (r *Reactor) CancelReaper(id int) error {
	e, ok := r.reapers.lookup(id)
	if !ok {
		return &dcerrors.NotFoundError{Resource: "reaper", ID: fmt.Sprint(id)}
	}
	r.reapers.slots[id-1] = nil
	r.reapers.count--
	if r.reapers.fallback == id {
		r.reapers.fallback = 0
	}
	e.reg.cancelled = true
	r.metrics.setRegistered(KindReaper, r.reapers.count)
	r.logger.Debug("cancelled reaper", slog.Int(dclog.ReaperKey, id))
	return nil
}

// SetDefaultReaper makes id the reaper for children started without one.
// Zero clears the default.
func (r *Reactor) SetDefaultReaper(id int) error {
	if id != 0 {
		if _, ok := r.reapers.lookup(id); !ok {
			return &dcerrors.NotFoundError{Resource: "reaper", ID: fmt.Sprint(id)}
		}
	}
	r.reapers.fallback = id
	return nil
}

// CreateProcess starts cmd and delivers its exit to reaper reaperID, or to
// the default reaper when reaperID is zero. The reactor reaps the child
// itself, so the caller must not call cmd.Wait, and cmd's standard streams
// must be nil or *os.File. It returns the child's pid.
//
// The first call registers a SIGCHLD handler and starts relaying SIGCHLD
// from the operating system.
func (r *Reactor) CreateProcess(cmd *exec.Cmd, reaperID int) (int, error) {
	if cmd == nil || cmd.Process != nil {
		return 0, errors.New("create process: command is nil or already started")
	}
	if reaperID != 0 {
		if _, ok := r.reapers.lookup(reaperID); !ok {
			return 0, &dcerrors.NotFoundError{Resource: "reaper", ID: fmt.Sprint(reaperID)}
		}
	}
	for _, f := range []any{cmd.Stdin, cmd.Stdout, cmd.Stderr} {
		if f == nil {
			continue
		}
		if _, ok := f.(*os.File); !ok {
			return 0, fmt.Errorf("create process %s: %w", cmd.Path, ErrChildIO)
		}
	}
	if err := r.watchChildren(); err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("create process %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	r.reapers.children[pid] = &child{pid: pid, reaper: reaperID, path: cmd.Path, proc: cmd.Process}
	r.logger.Debug("created process",
		dclog.PID(pid),
		slog.String("path", cmd.Path),
		slog.Int(dclog.ReaperKey, reaperID),
	)
	return pid, nil
}

// watchChildren installs the SIGCHLD handler once.
func (r *Reactor) watchChildren() error {
	if r.reapers.sigchld {
		return nil
	}
	if _, err := r.RegisterSignal(int(unix.SIGCHLD), "SIGCHLD", SignalHandlerFunc(r.reapChildren),
		WithHandlerLabel("reapChildren")); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.reapers.cancel = cancel
	r.reapers.sigchld = true
	r.NotifyOS(ctx, map[os.Signal]int{unix.SIGCHLD: int(unix.SIGCHLD)})
	return nil
}

// reapChildren collects every exited child without blocking. Only pids
// started by CreateProcess are waited for, so children owned by other code
// in the process are left alone.
func (r *Reactor) reapChildren(_ *Invocation, _ int) error {
	for _, pid := range r.reapers.pids() {
		var (
			status unix.WaitStatus
			wpid   int
			err    error
		)
		for {
			wpid, err = unix.Wait4(pid, &status, unix.WNOHANG, nil)
			if !errors.Is(err, syscall.EINTR) {
				break
			}
		}
		c := r.reapers.children[pid]
		switch {
		case err != nil:
			r.logger.Warn("wait for child failed", dclog.PID(pid), dclog.Error(err))
			delete(r.reapers.children, pid)
			_ = c.proc.Release()
		case wpid == pid:
			delete(r.reapers.children, pid)
			_ = c.proc.Release()
			r.deliverExit(c, status)
		}
	}
	return nil
}

func (r *Reactor) deliverExit(c *child, status unix.WaitStatus) {
	id := c.reaper
	e, ok := r.reapers.lookup(id)
	if !ok && r.reapers.fallback != 0 {
		id = r.reapers.fallback
		e, ok = r.reapers.lookup(id)
	}
	r.metrics.reaped.Inc()
	if !ok {
		r.logger.Info("child exited with no reaper", dclog.PID(c.pid), slog.Int("status", int(status)))
		return
	}

	ctx, span := r.startSpan("reaper.dispatch", id, e.reg)
	defer span.End()

	r.logger.Debug("invoking reaper",
		dclog.PID(c.pid),
		slog.Int(dclog.ReaperKey, id),
		slog.String(dclog.HandlerKey, e.reg.handler),
		slog.Int("status", int(status)),
	)
	inv := newInvocation(ctx, r, e.reg)
	start := r.clock.Now()
	err := e.handler.Reap(inv, c.pid, status)
	inv.finish()

	r.metrics.observeHandler(KindReaper, r.clock.Now().Sub(start))
	if err != nil {
		recordSpanError(span, err)
		r.logger.Warn("reaper failed",
			dclog.PID(c.pid),
			slog.Int(dclog.ReaperKey, id),
			dclog.Error(err),
		)
	}
}
