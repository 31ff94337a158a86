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
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/libp2p/go-msgio"
)

// Reliable is a stream over a connection-oriented transport. Each message is
// one varint-length-prefixed frame.
type Reliable struct {
	codec
	conn net.Conn
	r    msgio.ReadCloser
	w    msgio.WriteCloser
}

var _ Stream = (*Reliable)(nil)

// NewReliable wraps conn. maxSize bounds incoming and outgoing messages; zero
// selects DefaultMaxMessageSize. The stream starts in decode mode.
func NewReliable(conn net.Conn, maxSize int) *Reliable {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	s := &Reliable{
		conn: conn,
		r:    msgio.NewVarintReaderSize(conn, maxSize),
		w:    msgio.NewVarintWriter(conn),
	}
	s.maxSize = maxSize
	s.read = s.readMsg
	s.write = s.writeMsg
	return s
}

func (s *Reliable) readMsg() ([]byte, error) {
	if err := s.conn.SetReadDeadline(deadline(s.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	msg, err := s.r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, wrapIOError("read message", s.timeout, err)
	}
	out := append([]byte(nil), msg...)
	s.r.ReleaseMsg(msg)
	return out, nil
}

func (s *Reliable) writeMsg(msg []byte) error {
	if err := s.conn.SetWriteDeadline(deadline(s.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return wrapIOError("write message", s.timeout, s.w.WriteMsg(msg))
}

// Kind implements Stream.
func (s *Reliable) Kind() Kind { return KindReliable }

// Peer implements Stream.
func (s *Reliable) Peer() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Conn returns the underlying connection.
func (s *Reliable) Conn() net.Conn { return s.conn }

// SyscallConn implements Stream.
func (s *Reliable) SyscallConn() (syscall.RawConn, error) {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("stream: %T has no descriptor", s.conn)
	}
	return sc.SyscallConn()
}

// Close implements Stream.
func (s *Reliable) Close() error {
	return s.conn.Close()
}

// Listener adapts a net.Listener to Acceptor.
type Listener struct {
	ln      net.Listener
	maxSize int
}

var _ Acceptor = (*Listener)(nil)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// NewListener wraps ln. Accepted connections become Reliable streams bounded
// by maxSize.
func NewListener(ln net.Listener, maxSize int) *Listener {
	return &Listener{ln: ln, maxSize: maxSize}
}

// Accept implements Acceptor.
func (l *Listener) Accept(timeout time.Duration) (Stream, error) {
	if d, ok := l.ln.(deadliner); ok {
		if err := d.SetDeadline(deadline(timeout)); err != nil {
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, wrapIOError("accept", timeout, err)
	}
	return NewReliable(conn, l.maxSize), nil
}

// Addr implements Acceptor.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// SyscallConn implements Acceptor.
func (l *Listener) SyscallConn() (syscall.RawConn, error) {
	sc, ok := l.ln.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("stream: %T has no descriptor", l.ln)
	}
	return sc.SyscallConn()
}

// Close implements Acceptor.
func (l *Listener) Close() error { return l.ln.Close() }
