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
	"errors"
	"fmt"

	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

var (
	// ErrDuplicateRegistration is the cause of a ConfigError returned when a
	// key is registered twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrTableFull is the cause of a ConfigError returned when a fixed-size
	// table has no free slot.
	ErrTableFull = errors.New("table full")
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

type tableSlot[T any] struct {
	state slotState
	key   int
	val   T
}

// DispatchTable is an open-addressed hash table keyed by a signed integer.
//
// A key hashes to abs(key) mod capacity and collisions probe linearly,
// wrapping at the end. In fixed mode an entry never moves once placed and
// inserting into a full table fails. In growable mode a full table doubles
// and rehashes instead, which may move entries.
type DispatchTable[T any] struct {
	name     string
	slots    []tableSlot[T]
	live     int
	growable bool
}

// NewDispatchTable creates a table. name is used in errors. A negative
// capacity, or zero capacity for a fixed table, is a configuration error.
func NewDispatchTable[T any](name string, capacity int, growable bool) (*DispatchTable[T], error) {
	if capacity < 0 || (capacity == 0 && !growable) {
		return nil, &dcerrors.ConfigError{
			Key:    name,
			Reason: fmt.Sprintf("capacity must be positive, got %d", capacity),
		}
	}
	return &DispatchTable[T]{
		name:     name,
		slots:    make([]tableSlot[T], capacity),
		growable: growable,
	}, nil
}

// home returns abs(key) mod capacity without overflowing on the most
// negative int.
func (t *DispatchTable[T]) home(key int) int {
	u := uint(key)
	if key < 0 {
		u = uint(-(key + 1)) + 1
	}
	return int(u % uint(len(t.slots)))
}

// Insert places val under key and returns its slot.
func (t *DispatchTable[T]) Insert(key int, val T) (int, error) {
	for {
		slot, err := t.insert(key, val)
		if !errors.Is(err, ErrTableFull) || !t.growable {
			return slot, err
		}
		t.grow()
	}
}

func (t *DispatchTable[T]) insert(key int, val T) (int, error) {
	n := len(t.slots)
	if n == 0 {
		return -1, t.full(key)
	}

	start := t.home(key)
	reuse := -1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		switch t.slots[idx].state {
		case slotEmpty:
			if reuse < 0 {
				reuse = idx
			}
			t.place(reuse, key, val)
			return reuse, nil
		case slotUsed:
			if t.slots[idx].key == key {
				return -1, &dcerrors.ConfigError{
					Key:    t.name,
					Reason: fmt.Sprintf("key %d already registered in slot %d", key, idx),
					Cause:  ErrDuplicateRegistration,
				}
			}
		case slotDeleted:
			if reuse < 0 {
				reuse = idx
			}
		}
	}

	if reuse >= 0 {
		t.place(reuse, key, val)
		return reuse, nil
	}
	return -1, t.full(key)
}

func (t *DispatchTable[T]) full(key int) error {
	return &dcerrors.ConfigError{
		Key:    t.name,
		Reason: fmt.Sprintf("no free slot for key %d (capacity %d)", key, len(t.slots)),
		Cause:  ErrTableFull,
	}
}

func (t *DispatchTable[T]) place(idx, key int, val T) {
	t.slots[idx] = tableSlot[T]{state: slotUsed, key: key, val: val}
	t.live++
}

func (t *DispatchTable[T]) find(key int) int {
	n := len(t.slots)
	if n == 0 {
		return -1
	}
	start := t.home(key)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			return -1
		case slotUsed:
			if s.key == key {
				return idx
			}
		}
	}
	return -1
}

// Lookup returns the value stored under key.
func (t *DispatchTable[T]) Lookup(key int) (T, bool) {
	if idx := t.find(key); idx >= 0 {
		return t.slots[idx].val, true
	}
	var zero T
	return zero, false
}

// Slot returns the slot holding key, or -1.
func (t *DispatchTable[T]) Slot(key int) int {
	return t.find(key)
}

// Delete removes key. The slot becomes a tombstone so probe chains through
// it stay intact. It reports whether key was present.
func (t *DispatchTable[T]) Delete(key int) bool {
	idx := t.find(key)
	if idx < 0 {
		return false
	}
	t.slots[idx] = tableSlot[T]{state: slotDeleted}
	t.live--
	return true
}

// Range calls fn for each live entry in slot order until fn returns false.
// fn may delete entries, including the current one, but must not insert.
func (t *DispatchTable[T]) Range(fn func(slot, key int, val T) bool) {
	for i := range t.slots {
		s := t.slots[i]
		if s.state != slotUsed {
			continue
		}
		if !fn(i, s.key, s.val) {
			return
		}
	}
}

// Len returns the number of live entries.
func (t *DispatchTable[T]) Len() int { return t.live }

// Cap returns the current capacity.
func (t *DispatchTable[T]) Cap() int { return len(t.slots) }

func (t *DispatchTable[T]) grow() {
	old := t.slots
	size := len(old) * 2
	if size == 0 {
		size = 8
	}
	t.slots = make([]tableSlot[T], size)
	t.live = 0
	for _, s := range old {
		if s.state == slotUsed {
			t.insert(s.key, s.val)
		}
	}
}
