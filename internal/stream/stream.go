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

// Package stream implements the command wire protocol.
//
// A message is a sequence of type-tagged values. Reliable streams carry one
// message per varint-length-prefixed frame; datagram streams carry one message
// per datagram. Every command request starts with an integer command code
// followed by a payload owned by the handler.
package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

// Mode is the direction of a stream.
type Mode int

const (
	// ModeDecode reads values from incoming messages.
	ModeDecode Mode = iota
	// ModeEncode buffers values for the next outgoing message.
	ModeEncode
)

func (m Mode) String() string {
	if m == ModeEncode {
		return "encode"
	}
	return "decode"
}

// Kind is the transport class of a stream.
type Kind int

const (
	// KindReliable is a connection-oriented byte stream (TCP, unix).
	KindReliable Kind = iota
	// KindDatagram is a connectionless endpoint (UDP).
	KindDatagram
)

func (k Kind) String() string {
	if k == KindDatagram {
		return "datagram"
	}
	return "reliable"
}

// DefaultMaxMessageSize bounds a single message when no limit is given.
const DefaultMaxMessageSize = 1 << 20

var (
	// ErrWrongMode is returned by a Put in decode mode or a Get in encode mode.
	ErrWrongMode = errors.New("stream: operation not valid in current mode")

	// ErrTypeMismatch is returned when the next value has a different type
	// than the one requested.
	ErrTypeMismatch = errors.New("stream: type mismatch")

	// ErrEndOfMessage is returned by a Get past the last value of a message.
	ErrEndOfMessage = errors.New("stream: end of message")

	// ErrMessageTooLarge is returned when a message exceeds the size limit.
	ErrMessageTooLarge = errors.New("stream: message too large")

	// ErrNoPeer is returned when a datagram reply has no destination.
	ErrNoPeer = errors.New("stream: no peer to reply to")
)

// Stream is one side of a command conversation.
type Stream interface {
	// Encode switches to encode mode.
	Encode()
	// Decode switches to decode mode.
	Decode()
	// Mode returns the current mode.
	Mode() Mode
	// Kind returns the transport class.
	Kind() Kind

	PutInt(v int64) error
	PutString(v string) error
	PutBytes(v []byte) error
	PutBool(v bool) error

	GetInt() (int64, error)
	GetString() (string, error)
	GetBytes() ([]byte, error)
	GetBool() (bool, error)

	// EndOfMessage finishes the current message. In encode mode the buffered
	// values are sent; in decode mode any unread values are discarded. It is a
	// no-op when no message is in progress.
	EndOfMessage() error

	// SetTimeout bounds each subsequent read and write. Zero disables it.
	SetTimeout(d time.Duration)

	// Peer returns the remote address, or "" if unknown.
	Peer() string

	// SyscallConn exposes the descriptor for readiness polling.
	SyscallConn() (syscall.RawConn, error)

	Close() error
}

// Acceptor is a connection-oriented listening endpoint.
type Acceptor interface {
	// Accept waits at most timeout for a connection and returns it as a
	// reliable stream in decode mode.
	Accept(timeout time.Duration) (Stream, error)
	Addr() net.Addr
	SyscallConn() (syscall.RawConn, error)
	Close() error
}

// deadline converts a relative timeout into an absolute deadline.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// wrapIOError maps network timeouts onto TimeoutError.
func wrapIOError(op string, d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &dcerrors.TimeoutError{Operation: op, Duration: d, Cause: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &dcerrors.TimeoutError{Operation: op, Duration: d, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
