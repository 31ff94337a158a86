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
	"github.com/tombee/daemoncore/internal/timer"
)

// CommandInfo describes one command table slot.
type CommandInfo struct {
	Slot       int    `json:"slot"`
	Code       int    `json:"code"`
	Label      string `json:"label"`
	Handler    string `json:"handler,omitempty"`
	Permission string `json:"permission"`
}

// SignalInfo describes one signal table slot.
type SignalInfo struct {
	Slot    int    `json:"slot"`
	Signal  int    `json:"signal"`
	Label   string `json:"label"`
	Handler string `json:"handler,omitempty"`
	Pending bool   `json:"pending"`
	Blocked bool   `json:"blocked"`
}

// SocketInfo describes one socket registry slot.
type SocketInfo struct {
	Slot          int    `json:"slot"`
	FD            int    `json:"fd"`
	Label         string `json:"label"`
	Handler       string `json:"handler,omitempty"`
	Address       string `json:"address,omitempty"`
	CommandSocket bool   `json:"command_socket"`
	Primary       bool   `json:"primary"`
}

// ReaperInfo describes one reaper table entry.
type ReaperInfo struct {
	ID      int    `json:"id"`
	Label   string `json:"label"`
	Handler string `json:"handler,omitempty"`
	Default bool   `json:"default"`
}

// ChildInfo describes one running child process.
type ChildInfo struct {
	PID    int    `json:"pid"`
	Reaper int    `json:"reaper_id"`
	Path   string `json:"path"`
}

// Description is a snapshot of every table in slot order.
type Description struct {
	InstanceID string        `json:"instance_id"`
	Commands   []CommandInfo `json:"commands"`
	Signals    []SignalInfo  `json:"signals"`
	Sockets    []SocketInfo  `json:"sockets"`
	Timers     []timer.Info  `json:"timers"`
	Reapers    []ReaperInfo  `json:"reapers"`
	Children   []ChildInfo   `json:"children"`
}

// Describe returns a snapshot of the dispatch tables.
func (r *Reactor) Describe() Description {
	d := Description{InstanceID: r.instanceID}

	r.commands.Range(func(slot, code int, e *commandEntry) bool {
		d.Commands = append(d.Commands, CommandInfo{
			Slot:       slot,
			Code:       code,
			Label:      e.reg.label,
			Handler:    e.reg.handler,
			Permission: e.perm.String(),
		})
		return true
	})

	r.signals.table.Range(func(slot, sig int, e *signalEntry) bool {
		d.Signals = append(d.Signals, SignalInfo{
			Slot:    slot,
			Signal:  sig,
			Label:   e.reg.label,
			Handler: e.reg.handler,
			Pending: e.pending,
			Blocked: e.blocked,
		})
		return true
	})

	for slot, e := range r.sockets.slots {
		if e == nil {
			continue
		}
		info := SocketInfo{
			Slot:          slot,
			FD:            e.fd,
			Label:         e.reg.label,
			Handler:       e.reg.handler,
			CommandSocket: e.isCommandSocket(),
			Primary:       slot == r.sockets.primary,
		}
		if addr := endpointAddr(e.ep); addr != nil {
			info.Address = addr.String()
		}
		d.Sockets = append(d.Sockets, info)
	}

	d.Timers = r.timers.Describe()
	d.Reapers = r.reapers.describe()
	d.Children = r.reapers.describeChildren()
	return d
}
