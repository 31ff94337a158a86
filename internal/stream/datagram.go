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

package stream

import (
	"fmt"
	"net"
	"syscall"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65507

// Datagram is a stream over a UDP socket. Each message is one datagram. A
// listening Datagram replies to the sender of the last datagram it read; a
// dialed Datagram always talks to its connected peer.
type Datagram struct {
	codec
	conn      *net.UDPConn
	connected bool
	last      *net.UDPAddr
	buf       []byte
}

var _ Stream = (*Datagram)(nil)

// NewDatagram wraps a listening UDP socket.
func NewDatagram(conn *net.UDPConn, maxSize int) *Datagram {
	return newDatagram(conn, maxSize, false)
}

func newDatagram(conn *net.UDPConn, maxSize int, connected bool) *Datagram {
	if maxSize <= 0 || maxSize > maxDatagram {
		maxSize = maxDatagram
	}
	s := &Datagram{
		conn:      conn,
		connected: connected,
		buf:       make([]byte, maxSize+1),
	}
	s.maxSize = maxSize
	s.read = s.readMsg
	s.write = s.writeMsg
	return s
}

func (s *Datagram) readMsg() ([]byte, error) {
	if err := s.conn.SetReadDeadline(deadline(s.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	n, addr, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		return nil, wrapIOError("read datagram", s.timeout, err)
	}
	if n > s.maxSize {
		return nil, fmt.Errorf("%w: datagram exceeds %d bytes", ErrMessageTooLarge, s.maxSize)
	}
	if !s.connected {
		s.last = addr
	}
	return append([]byte(nil), s.buf[:n]...), nil
}

func (s *Datagram) writeMsg(msg []byte) error {
	if err := s.conn.SetWriteDeadline(deadline(s.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	var err error
	if s.connected {
		_, err = s.conn.Write(msg)
	} else {
		if s.last == nil {
			return ErrNoPeer
		}
		_, err = s.conn.WriteToUDP(msg, s.last)
	}
	return wrapIOError("write datagram", s.timeout, err)
}

// Kind implements Stream.
func (s *Datagram) Kind() Kind { return KindDatagram }

// Peer implements Stream.
func (s *Datagram) Peer() string {
	if s.connected {
		if addr := s.conn.RemoteAddr(); addr != nil {
			return addr.String()
		}
		return ""
	}
	if s.last != nil {
		return s.last.String()
	}
	return ""
}

// LocalAddr returns the bound address.
func (s *Datagram) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// SyscallConn implements Stream.
func (s *Datagram) SyscallConn() (syscall.RawConn, error) {
	return s.conn.SyscallConn()
}

// Close implements Stream.
func (s *Datagram) Close() error {
	return s.conn.Close()
}
