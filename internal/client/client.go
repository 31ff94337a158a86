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

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/daemoncore/internal/listener"
	"github.com/tombee/daemoncore/internal/stream"
	"github.com/tombee/daemoncore/pkg/protocol"
)

// Client talks to one daemon.
type Client struct {
	network string
	addr    string
	timeout time.Duration
	maxSize int
}

// New creates a client for target. See listener.ParseTarget for the
// accepted forms.
func New(target string, opts ...Option) (*Client, error) {
	network, addr, err := listener.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	c := &Client{
		network: network,
		addr:    addr,
		maxSize: stream.DefaultMaxMessageSize,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithTimeout overrides the dial and I/O timeout of every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithMaxMessageSize bounds the size of replies.
func WithMaxMessageSize(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("max message size must be positive, got %d", n)
		}
		c.maxSize = n
		return nil
	}
}

// Network returns the network the client dials by default.
func (c *Client) Network() string { return c.network }

// Addr returns the daemon address.
func (c *Client) Addr() string { return c.addr }

// StartCommand connects to the daemon and writes code. The returned stream
// is in encode mode; the caller writes the payload, ends the message, and
// closes the stream.
func (c *Client) StartCommand(ctx context.Context, code int) (stream.Stream, error) {
	return c.startCommand(ctx, c.network, code, c.requestTimeout(protocol.RemoteSignalTimeout))
}

func (c *Client) startCommand(ctx context.Context, network string, code int, timeout time.Duration) (stream.Stream, error) {
	s, err := stream.Dial(ctx, network, c.addr, timeout, c.maxSize)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.addr, err)
	}
	if err := s.PutInt(int64(code)); err != nil {
		s.Close()
		return nil, fmt.Errorf("write command %d: %w", code, err)
	}
	return s, nil
}

// SendCommand sends code followed by args as one message and does not wait
// for a reply. Each arg is an int, int64, string, []byte or bool.
func (c *Client) SendCommand(ctx context.Context, code int, args ...any) error {
	s, err := c.StartCommand(ctx, code)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := putArgs(s, args); err != nil {
		return fmt.Errorf("write command %d: %w", code, err)
	}
	if err := s.EndOfMessage(); err != nil {
		return fmt.Errorf("send command %d: %w", code, err)
	}
	return nil
}

// SendSignal raises sig in the daemon through CmdRaiseSignal.
func (c *Client) SendSignal(ctx context.Context, sig int) error {
	network, timeout := c.signalTransport()
	s, err := c.startCommand(ctx, network, protocol.CmdRaiseSignal, timeout)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.PutInt(int64(sig)); err != nil {
		return fmt.Errorf("write signal %d: %w", sig, err)
	}
	if err := s.EndOfMessage(); err != nil {
		return fmt.Errorf("send signal %d to %s: %w", sig, c.addr, err)
	}
	return nil
}

// signalTransport picks a datagram with a short timeout for a daemon on
// this host and a stream with a long one otherwise.
func (c *Client) signalTransport() (string, time.Duration) {
	network := c.network
	timeout := protocol.RemoteSignalTimeout
	if listener.IsLocal(c.network, c.addr) {
		timeout = protocol.LocalSignalTimeout
		if network == "tcp" {
			network = "udp"
		}
	}
	return network, c.requestTimeout(timeout)
}

// QueryInstance returns the daemon's instance id.
func (c *Client) QueryInstance(ctx context.Context) (string, error) {
	network := c.network
	if network == "udp" {
		network = "tcp"
	}
	s, err := c.startCommand(ctx, network, protocol.CmdQueryInstance, c.requestTimeout(protocol.RemoteSignalTimeout))
	if err != nil {
		return "", err
	}
	defer s.Close()

	if err := s.EndOfMessage(); err != nil {
		return "", fmt.Errorf("send query: %w", err)
	}
	s.Decode()
	id, err := s.GetString()
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	return id, nil
}

// Ping sends CmdNop and waits for the daemon's acknowledgement. Over UDP a
// missing daemon shows up as a read timeout.
func (c *Client) Ping(ctx context.Context) error {
	s, err := c.startCommand(ctx, c.network, protocol.CmdNop, c.requestTimeout(protocol.LocalSignalTimeout))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.EndOfMessage(); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	s.Decode()
	if _, err := s.GetBool(); err != nil {
		return fmt.Errorf("read ping reply from %s: %w", c.addr, err)
	}
	return nil
}

func (c *Client) requestTimeout(def time.Duration) time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return def
}

func putArgs(s stream.Stream, args []any) error {
	for i, a := range args {
		var err error
		switch v := a.(type) {
		case int:
			err = s.PutInt(int64(v))
		case int64:
			err = s.PutInt(v)
		case string:
			err = s.PutString(v)
		case []byte:
			err = s.PutBytes(v)
		case bool:
			err = s.PutBool(v)
		default:
			return fmt.Errorf("argument %d has unsupported type %T", i, a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
