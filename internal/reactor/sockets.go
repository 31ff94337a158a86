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
	"net"
	"syscall"

	"github.com/tombee/daemoncore/internal/stream"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// ErrSocketRegistered is the cause of a ConfigError returned when the same
// endpoint or descriptor is registered twice.
var ErrSocketRegistered = errors.New("socket already registered")

// Endpoint is anything the reactor can wait on: a stream.Acceptor, a
// stream.Stream, or a custom socket.
type Endpoint interface {
	SyscallConn() (syscall.RawConn, error)
	Close() error
}

type socketEntry struct {
	reg     *Registration
	ep      Endpoint
	fd      int
	handler SocketHandler
	perm    Permission
}

// isCommandSocket reports whether the router serves this socket.
func (e *socketEntry) isCommandSocket() bool { return e.handler == nil }

// socketRegistry is a flat array of registered endpoints. Identity is the
// slot index.
type socketRegistry struct {
	slots   []*socketEntry
	count   int
	primary int
}

func newSocketRegistry(max int) (*socketRegistry, error) {
	if max < 1 {
		return nil, &dcerrors.ConfigError{
			Key:    "socket_table",
			Reason: fmt.Sprintf("max sockets must be positive, got %d", max),
		}
	}
	return &socketRegistry{
		slots:   make([]*socketEntry, max),
		primary: -1,
	}, nil
}

// descriptor extracts the file descriptor of ep.
func descriptor(ep Endpoint) (int, error) {
	rc, err := ep.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// insert places e in the lowest free slot.
func (s *socketRegistry) insert(e *socketEntry) (int, error) {
	free := -1
	for i, cur := range s.slots {
		if cur == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if cur.ep == e.ep || cur.fd == e.fd {
			return -1, &dcerrors.ConfigError{
				Key:    "socket_table",
				Reason: fmt.Sprintf("descriptor %d already registered in slot %d as %q", e.fd, i, cur.reg.label),
				Cause:  ErrSocketRegistered,
			}
		}
	}
	if free < 0 {
		return -1, &dcerrors.ConfigError{
			Key:    "socket_table",
			Reason: fmt.Sprintf("no free slot (capacity %d)", len(s.slots)),
			Cause:  ErrTableFull,
		}
	}

	s.slots[free] = e
	s.count++
	if e.isCommandSocket() && s.primary < 0 {
		s.primary = free
	}
	return free, nil
}

// find returns the slot of ep, or -1.
func (s *socketRegistry) find(ep Endpoint) int {
	for i, e := range s.slots {
		if e != nil && e.ep == ep {
			return i
		}
	}
	return -1
}

// remove empties slot i. If it held the primary command endpoint the next
// remaining command socket in slot order takes over.
func (s *socketRegistry) remove(i int) *socketEntry {
	e := s.slots[i]
	if e == nil {
		return nil
	}
	s.slots[i] = nil
	s.count--
	if s.primary == i {
		s.primary = -1
		for j, other := range s.slots {
			if other != nil && other.isCommandSocket() {
				s.primary = j
				break
			}
		}
	}
	return e
}

// primaryAddr returns the local address of the primary command endpoint.
func (s *socketRegistry) primaryAddr() net.Addr {
	if s.primary < 0 {
		return nil
	}
	return endpointAddr(s.slots[s.primary].ep)
}

func endpointAddr(ep Endpoint) net.Addr {
	switch v := ep.(type) {
	case stream.Acceptor:
		return v.Addr()
	case interface{ LocalAddr() net.Addr }:
		return v.LocalAddr()
	case *stream.Reliable:
		return v.Conn().LocalAddr()
	}
	return nil
}

func addrPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return -1
}

// PrimaryCommandPort returns the port of the primary command endpoint, or
// -1 if there is none or it has no port (a unix socket).
func (r *Reactor) PrimaryCommandPort() int {
	return addrPort(r.sockets.primaryAddr())
}

// PrimaryCommandAddr returns the address of the primary command endpoint,
// or nil if there is none.
func (r *Reactor) PrimaryCommandAddr() net.Addr {
	return r.sockets.primaryAddr()
}
