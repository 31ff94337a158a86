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

// Package timer schedules one-shot and periodic callbacks for the event loop.
//
// The Manager never runs anything on its own. The loop asks it how long it
// may sleep (TimeUntilNext) and tells it when to run what is due (FireDue).
package timer

import (
	"container/heap"
	"sort"
	"time"

	"github.com/raulk/clock"
)

// Func is a timer callback. It receives the timer id.
type Func func(id int)

// Info describes a scheduled timer.
type Info struct {
	ID     int
	Label  string
	When   time.Time
	Period time.Duration
}

type entry struct {
	id     int
	label  string
	when   time.Time
	period time.Duration
	fn     Func
	index  int
	seq    uint64
}

// timerHeap is a min-heap of timers ordered by deadline, then by
// registration order.
type timerHeap []*entry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h.lessEntry(h[i], h[j]) }

func (timerHeap) lessEntry(a, b *entry) bool {
	if a.when.Equal(b.when) {
		return a.seq < b.seq
	}
	return a.when.Before(b.when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager owns the scheduled timers. It is not safe for concurrent use; the
// event loop is its only caller.
type Manager struct {
	clock  clock.Clock
	timers timerHeap
	byID   map[int]*entry
	nextID int
	seq    uint64
}

// New creates a Manager. A nil clock selects the wall clock.
func New(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:  clk,
		byID:   make(map[int]*entry),
		nextID: 1,
	}
}

// Clock returns the manager's clock.
func (m *Manager) Clock() clock.Clock { return m.clock }

// Register schedules fn to run after delay and then every period. A period of
// zero makes it one-shot. Negative delays are treated as zero.
func (m *Manager) Register(delay, period time.Duration, label string, fn Func) int {
	if delay < 0 {
		delay = 0
	}
	e := &entry{
		id:     m.nextID,
		label:  label,
		when:   m.clock.Now().Add(delay),
		period: period,
		fn:     fn,
	}
	m.nextID++
	m.push(e)
	m.byID[e.id] = e
	return e.id
}

// Cancel removes a timer. It reports whether the timer existed.
func (m *Manager) Cancel(id int) bool {
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	if e.index >= 0 {
		heap.Remove(&m.timers, e.index)
	}
	return true
}

// Reset reschedules an existing timer. It reports whether the timer existed.
func (m *Manager) Reset(id int, delay, period time.Duration) bool {
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	e.when = m.clock.Now().Add(delay)
	e.period = period
	if e.index >= 0 {
		m.seq++
		e.seq = m.seq
		heap.Fix(&m.timers, e.index)
	} else {
		m.push(e)
	}
	return true
}

// TimeUntilNext returns how long until the earliest deadline. The boolean is
// false when no timer is scheduled.
func (m *Manager) TimeUntilNext() (time.Duration, bool) {
	if len(m.timers) == 0 {
		return 0, false
	}
	d := m.timers[0].when.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// FireDue runs every timer whose deadline has passed and returns how many
// ran. Timers registered or reset by a callback are not run in the same call.
// Periodic timers are rescheduled one period after now.
func (m *Manager) FireDue() int {
	now := m.clock.Now()

	var due []*entry
	for len(m.timers) > 0 && !m.timers[0].when.After(now) {
		due = append(due, heap.Pop(&m.timers).(*entry))
	}

	fired := 0
	for _, e := range due {
		if m.byID[e.id] != e || e.index >= 0 {
			// Cancelled or reset by an earlier callback in this pass.
			continue
		}
		if e.period <= 0 {
			delete(m.byID, e.id)
		}
		e.fn(e.id)
		fired++

		if e.period > 0 && m.byID[e.id] == e && e.index < 0 {
			e.when = now.Add(e.period)
			m.push(e)
		}
	}
	return fired
}

// Has reports whether timer id is still scheduled.
func (m *Manager) Has(id int) bool {
	_, ok := m.byID[id]
	return ok
}

// Len returns the number of scheduled timers.
func (m *Manager) Len() int { return len(m.byID) }

// Describe lists the scheduled timers in deadline order.
func (m *Manager) Describe() []Info {
	sorted := make([]*entry, len(m.timers))
	copy(sorted, m.timers)
	sort.Slice(sorted, func(i, j int) bool {
		return m.timers.lessEntry(sorted[i], sorted[j])
	})

	out := make([]Info, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, Info{ID: e.id, Label: e.label, When: e.when, Period: e.period})
	}
	return out
}

func (m *Manager) push(e *entry) {
	m.seq++
	e.seq = m.seq
	heap.Push(&m.timers, e)
}
