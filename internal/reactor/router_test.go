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
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/stream"
)

const (
	cmdEcho  = 500
	cmdKeep  = 600
	cmdAdmin = 700
)

// newLiveReactor builds a reactor on the real poller.
func newLiveReactor(t *testing.T, mutate func(*Options)) *Reactor {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = dclog.Discard()
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// runReactor runs r in the background. The returned function stops it and
// waits for Run to return; it is also registered as a cleanup.
func runReactor(t *testing.T, r *Reactor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("reactor did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func echoHandler(_ *Invocation, _ int, s stream.Stream) error {
	msg, err := s.GetString()
	if err != nil {
		return err
	}
	if err := s.EndOfMessage(); err != nil {
		return err
	}
	s.Encode()
	if err := s.PutString(strings.ToUpper(msg)); err != nil {
		return err
	}
	return s.EndOfMessage()
}

func listenTCP(t *testing.T, r *Reactor) *stream.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := stream.NewListener(ln, 0)
	_, err = r.RegisterSocket(l, "tcp", nil)
	require.NoError(t, err)
	return l
}

func dial(t *testing.T, network, addr string) stream.Stream {
	t.Helper()
	s, err := stream.Dial(context.Background(), network, addr, 3*time.Second, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sendEcho(t *testing.T, s stream.Stream, msg string) string {
	t.Helper()
	s.Encode()
	require.NoError(t, s.PutInt(cmdEcho))
	require.NoError(t, s.PutString(msg))
	require.NoError(t, s.EndOfMessage())

	s.Decode()
	reply, err := s.GetString()
	require.NoError(t, err)
	require.NoError(t, s.EndOfMessage())
	return reply
}

func TestRouter_TCPRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newLiveReactor(t, func(o *Options) { o.Registerer = reg })
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler))
	require.NoError(t, err)

	assert.Equal(t, l.Addr().(*net.TCPAddr).Port, r.PrimaryCommandPort())
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	assert.Equal(t, "HELLO", sendEcho(t, s, "hello"))

	// The accepted stream was closed after the handler.
	s.Decode()
	_, err = s.GetInt()
	assert.Error(t, err)

	s2 := dial(t, "tcp", l.Addr().String())
	assert.Equal(t, "AGAIN", sendEcho(t, s2, "again"))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.commands.WithLabelValues(resultOK)) == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRouter_DatagramsShareEndpoint(t *testing.T) {
	r := newLiveReactor(t, nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	ds := stream.NewDatagram(conn, 0)
	_, err = r.RegisterSocket(ds, "udp", nil)
	require.NoError(t, err)

	seen := make(chan stream.Stream, 2)
	_, err = r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(func(inv *Invocation, code int, s stream.Stream) error {
		seen <- s
		return echoHandler(inv, code, s)
	}))
	require.NoError(t, err)
	runReactor(t, r)

	a := dial(t, "udp", conn.LocalAddr().String())
	b := dial(t, "udp", conn.LocalAddr().String())
	assert.Equal(t, "FIRST", sendEcho(t, a, "first"))
	assert.Equal(t, "SECOND", sendEcho(t, b, "second"))

	for i := 0; i < 2; i++ {
		got := <-seen
		d, ok := got.(*stream.Datagram)
		require.True(t, ok)
		assert.True(t, d == ds, "every datagram is served on the registered endpoint")
	}
}

func TestRouter_ReadTimeoutDropsRequest(t *testing.T) {
	r := newLiveReactor(t, func(o *Options) { o.CommandReadTimeout = 100 * time.Millisecond })
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler))
	require.NoError(t, err)
	runReactor(t, r)

	silent := dial(t, "tcp", l.Addr().String())
	silent.Decode()
	_, err = silent.GetInt()
	assert.Error(t, err, "a silent client is disconnected after the read timeout")

	s := dial(t, "tcp", l.Addr().String())
	assert.Equal(t, "STILL SERVING", sendEcho(t, s, "still serving"))
}

func TestRouter_UnregisteredCommand(t *testing.T) {
	r := newLiveReactor(t, nil)
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler))
	require.NoError(t, err)
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	require.NoError(t, s.PutInt(9999))
	require.NoError(t, s.EndOfMessage())
	s.Decode()
	_, err = s.GetInt()
	assert.Error(t, err, "no response is sent for an unknown code")

	s2 := dial(t, "tcp", l.Addr().String())
	assert.Equal(t, "OK", sendEcho(t, s2, "ok"))
}

func TestRouter_KeepStream(t *testing.T) {
	r := newLiveReactor(t, nil)
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler))
	require.NoError(t, err)
	_, err = r.RegisterCommand(cmdKeep, "KEEP", CommandHandlerFunc(func(inv *Invocation, _ int, s stream.Stream) error {
		if err := s.EndOfMessage(); err != nil {
			return err
		}
		if _, err := inv.Reactor().RegisterSocket(s, "kept", nil); err != nil {
			return err
		}
		s.Encode()
		if err := s.PutString("kept"); err != nil {
			return err
		}
		if err := s.EndOfMessage(); err != nil {
			return err
		}
		return KeepStream
	}))
	require.NoError(t, err)
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	require.NoError(t, s.PutInt(cmdKeep))
	require.NoError(t, s.EndOfMessage())
	s.Decode()
	ack, err := s.GetString()
	require.NoError(t, err)
	require.Equal(t, "kept", ack)
	require.NoError(t, s.EndOfMessage())

	// The same connection now carries a second command.
	assert.Equal(t, "SECOND", sendEcho(t, s, "second"))

	s.Decode()
	_, err = s.GetInt()
	assert.Error(t, err, "a registered stream is closed after a command that does not keep it")
}

func TestRouter_AuthorizerDenies(t *testing.T) {
	var called atomic.Bool
	authz := AuthorizerFunc(func(perm Permission, _ int, _ stream.Stream) bool {
		return perm < PermAdministrator
	})
	r := newLiveReactor(t, func(o *Options) { o.Authorizer = authz })
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdAdmin, "ADMIN", CommandHandlerFunc(func(*Invocation, int, stream.Stream) error {
		called.Store(true)
		return nil
	}), WithPermission(PermAdministrator))
	require.NoError(t, err)
	_, err = r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler), WithPermission(PermRead))
	require.NoError(t, err)
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	require.NoError(t, s.PutInt(cmdAdmin))
	require.NoError(t, s.EndOfMessage())
	s.Decode()
	_, err = s.GetInt()
	assert.Error(t, err)
	assert.False(t, called.Load())

	s2 := dial(t, "tcp", l.Addr().String())
	assert.Equal(t, "READ", sendEcho(t, s2, "read"))
}

func TestRouter_RaiseSignalCommand(t *testing.T) {
	r := newLiveReactor(t, nil)
	l := listenTCP(t, r)
	got := make(chan int, 1)
	_, err := r.RegisterSignal(100, "SIGCUSTOM", SignalHandlerFunc(func(_ *Invocation, sig int) error {
		got <- sig
		return nil
	}))
	require.NoError(t, err)
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	require.NoError(t, s.PutInt(CmdRaiseSignal))
	require.NoError(t, s.PutInt(100))
	require.NoError(t, s.EndOfMessage())

	select {
	case sig := <-got:
		assert.Equal(t, 100, sig)
	case <-time.After(3 * time.Second):
		t.Fatal("signal was not dispatched")
	}
}

func TestRouter_CustomSocketClosedAfterHandler(t *testing.T) {
	r := newLiveReactor(t, nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	got := make(chan string, 1)
	reg, err := r.RegisterSocket(conn, "custom", SocketHandlerFunc(func(_ *Invocation, ep Endpoint) error {
		buf := make([]byte, 64)
		n, _, err := ep.(*net.UDPConn).ReadFromUDP(buf)
		if err != nil {
			return err
		}
		got <- string(buf[:n])
		return nil
	}), WithHandlerLabel("readOnce"))
	require.NoError(t, err)
	stop := runReactor(t, r)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "ping", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("socket handler did not run")
	}

	stop()
	assert.True(t, reg.Cancelled())
	assert.Empty(t, r.Describe().Sockets)
	_, _, err = conn.ReadFromUDP(make([]byte, 1))
	assert.Error(t, err, "the socket is closed")
}

func TestRouter_CustomSocketKept(t *testing.T) {
	r := newLiveReactor(t, nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	got := make(chan string, 2)
	reg, err := r.RegisterSocket(conn, "custom", SocketHandlerFunc(func(_ *Invocation, ep Endpoint) error {
		buf := make([]byte, 64)
		n, _, err := ep.(*net.UDPConn).ReadFromUDP(buf)
		if err != nil {
			return err
		}
		got <- string(buf[:n])
		return KeepStream
	}))
	require.NoError(t, err)
	stop := runReactor(t, r)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	for _, msg := range []string{"one", "two"} {
		_, err = client.Write([]byte(msg))
		require.NoError(t, err)
		select {
		case m := <-got:
			assert.Equal(t, msg, m)
		case <-time.After(3 * time.Second):
			t.Fatalf("socket handler did not run for %q", msg)
		}
	}

	stop()
	assert.False(t, reg.Cancelled())
	assert.Len(t, r.Describe().Sockets, 1)
}

// replyOK records the code and answers without finishing the request
// message first.
func replyOK(codes chan<- int) CommandHandlerFunc {
	return func(_ *Invocation, code int, s stream.Stream) error {
		codes <- code
		s.Encode()
		if err := s.PutString("ok"); err != nil {
			return err
		}
		return s.EndOfMessage()
	}
}

func TestRouter_DatagramUnreadPayloadIsNotACommand(t *testing.T) {
	r := newLiveReactor(t, nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	_, err = r.RegisterSocket(stream.NewDatagram(conn, 0), "udp", nil)
	require.NoError(t, err)

	codes := make(chan int, 8)
	for _, code := range []int{7, 100, 200} {
		_, err = r.RegisterCommand(code, "RECORD", replyOK(codes))
		require.NoError(t, err)
	}
	runReactor(t, r)

	c := dial(t, "udp", conn.LocalAddr().String())
	for _, req := range [][2]int64{{100, 7}, {200, 0}} {
		c.Encode()
		require.NoError(t, c.PutInt(req[0]))
		require.NoError(t, c.PutInt(req[1]))
		require.NoError(t, c.EndOfMessage())

		c.Decode()
		reply, err := c.GetString()
		require.NoError(t, err)
		assert.Equal(t, "ok", reply)
		require.NoError(t, c.EndOfMessage())
	}

	assert.Equal(t, 100, <-codes)
	assert.Equal(t, 200, <-codes)
	select {
	case code := <-codes:
		t.Fatalf("command %d dispatched from a payload value", code)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRouter_DatagramUnsentReplyIsFlushed(t *testing.T) {
	r := newLiveReactor(t, nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	_, err = r.RegisterSocket(stream.NewDatagram(conn, 0), "udp", nil)
	require.NoError(t, err)
	_, err = r.RegisterCommand(cmdEcho, "LAZY", CommandHandlerFunc(func(_ *Invocation, _ int, s stream.Stream) error {
		s.Encode()
		return s.PutString("late")
	}))
	require.NoError(t, err)
	runReactor(t, r)

	c := dial(t, "udp", conn.LocalAddr().String())
	require.NoError(t, c.PutInt(cmdEcho))
	require.NoError(t, c.EndOfMessage())
	c.Decode()
	reply, err := c.GetString()
	require.NoError(t, err)
	assert.Equal(t, "late", reply)
}

func TestRouter_KeptStreamDropsUnreadPayload(t *testing.T) {
	r := newLiveReactor(t, nil)
	l := listenTCP(t, r)
	_, err := r.RegisterCommand(cmdEcho, "ECHO", CommandHandlerFunc(echoHandler))
	require.NoError(t, err)
	_, err = r.RegisterCommand(cmdKeep, "KEEP", CommandHandlerFunc(func(inv *Invocation, _ int, s stream.Stream) error {
		if _, err := inv.Reactor().RegisterSocket(s, "kept", nil); err != nil {
			return err
		}
		s.Encode()
		if err := s.PutString("kept"); err != nil {
			return err
		}
		if err := s.EndOfMessage(); err != nil {
			return err
		}
		return KeepStream
	}))
	require.NoError(t, err)
	runReactor(t, r)

	s := dial(t, "tcp", l.Addr().String())
	require.NoError(t, s.PutInt(cmdKeep))
	require.NoError(t, s.PutInt(cmdEcho))
	require.NoError(t, s.PutString("stale"))
	require.NoError(t, s.EndOfMessage())
	s.Decode()
	ack, err := s.GetString()
	require.NoError(t, err)
	require.Equal(t, "kept", ack)
	require.NoError(t, s.EndOfMessage())

	assert.Equal(t, "FRESH", sendEcho(t, s, "fresh"))
}
