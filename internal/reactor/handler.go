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

	"golang.org/x/sys/unix"

	"github.com/tombee/daemoncore/internal/stream"
)

// KeepStream is returned by a handler to keep ownership of its stream or
// socket. Without it the reactor tears the stream down after the handler
// returns. It is not reported as a failure.
var KeepStream = errors.New("keep stream")

// CommandHandler serves one command request. code is the command code read
// from s; the payload that follows is for the handler to read.
type CommandHandler interface {
	ServeCommand(inv *Invocation, code int, s stream.Stream) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(inv *Invocation, code int, s stream.Stream) error

// ServeCommand calls f.
func (f CommandHandlerFunc) ServeCommand(inv *Invocation, code int, s stream.Stream) error {
	return f(inv, code, s)
}

// SignalHandler runs when a raised signal is dispatched.
type SignalHandler interface {
	HandleSignal(inv *Invocation, sig int) error
}

// SignalHandlerFunc adapts a function to SignalHandler.
type SignalHandlerFunc func(inv *Invocation, sig int) error

// HandleSignal calls f.
func (f SignalHandlerFunc) HandleSignal(inv *Invocation, sig int) error {
	return f(inv, sig)
}

// SocketHandler runs when a registered socket is readable. Unless it returns
// KeepStream the socket is cancelled and closed afterwards.
type SocketHandler interface {
	ServeSocket(inv *Invocation, ep Endpoint) error
}

// SocketHandlerFunc adapts a function to SocketHandler.
type SocketHandlerFunc func(inv *Invocation, ep Endpoint) error

// ServeSocket calls f.
func (f SocketHandlerFunc) ServeSocket(inv *Invocation, ep Endpoint) error {
	return f(inv, ep)
}

// TimerHandler runs when a timer is due.
type TimerHandler interface {
	HandleTimer(inv *Invocation, id int) error
}

// TimerHandlerFunc adapts a function to TimerHandler.
type TimerHandlerFunc func(inv *Invocation, id int) error

// HandleTimer calls f.
func (f TimerHandlerFunc) HandleTimer(inv *Invocation, id int) error {
	return f(inv, id)
}

// ReaperHandler runs when a child started with CreateProcess has exited.
// status is the raw wait status of the child.
type ReaperHandler interface {
	Reap(inv *Invocation, pid int, status unix.WaitStatus) error
}

// ReaperHandlerFunc adapts a function to ReaperHandler.
type ReaperHandlerFunc func(inv *Invocation, pid int, status unix.WaitStatus) error

// Reap calls f.
func (f ReaperHandlerFunc) Reap(inv *Invocation, pid int, status unix.WaitStatus) error {
	return f(inv, pid, status)
}

// Permission is the access level a command requires.
type Permission int

const (
	PermAllow Permission = iota
	PermRead
	PermWrite
	PermAdministrator
	PermOwner
	PermDaemon
)

func (p Permission) String() string {
	switch p {
	case PermAllow:
		return "ALLOW"
	case PermRead:
		return "READ"
	case PermWrite:
		return "WRITE"
	case PermAdministrator:
		return "ADMINISTRATOR"
	case PermOwner:
		return "OWNER"
	case PermDaemon:
		return "DAEMON"
	default:
		return "UNKNOWN"
	}
}

// Authorizer decides whether a peer may run a command. It runs after the
// command is found and before its handler is invoked. A denied request is
// dropped without a response.
type Authorizer interface {
	Authorize(perm Permission, code int, s stream.Stream) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(perm Permission, code int, s stream.Stream) bool

// Authorize calls f.
func (f AuthorizerFunc) Authorize(perm Permission, code int, s stream.Stream) bool {
	return f(perm, code, s)
}
