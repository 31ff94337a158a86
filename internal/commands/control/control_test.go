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
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/daemoncore/internal/commands/shared"
	"github.com/tombee/daemoncore/internal/config"
	"github.com/tombee/daemoncore/internal/daemon"
	dclog "github.com/tombee/daemoncore/internal/log"
	"github.com/tombee/daemoncore/internal/reactor"
	"github.com/tombee/daemoncore/internal/stream"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"HUP", 1, false},
		{"sighup", 1, false},
		{"SIGTERM", 15, false},
		{"quit", 3, false},
		{"100", 100, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"NOPE", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"true", true},
		{"hello", "hello"},
		{"str:42", "42"},
		{"int:9", int64(9)},
		{"bool:false", false},
		{"hex:0aff", []byte{0x0a, 0xff}},
		{"a:b", "a:b"},
	}
	for _, tt := range tests {
		got, err := ParseArg(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"int:x", "bool:maybe", "hex:zz"} {
		_, err := ParseArg(bad)
		assert.Error(t, err, bad)
	}
}

type fixture struct {
	d        *daemon.Daemon
	signals  chan int
	payloads chan []any
	done     chan error
}

func startDaemon(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Listen.TCPAddr = "127.0.0.1:0"
	d, err := daemon.New(cfg, daemon.Options{
		Logger: dclog.Discard(),
		Notify: func(string) (bool, error) { return false, nil },
	})
	require.NoError(t, err)

	f := &fixture{d: d, signals: make(chan int, 4), payloads: make(chan []any, 4), done: make(chan error, 1)}
	_, err = d.Reactor().RegisterSignal(100, "SIGAPP", reactor.SignalHandlerFunc(func(_ *reactor.Invocation, sig int) error {
		f.signals <- sig
		return nil
	}))
	require.NoError(t, err)
	_, err = d.Reactor().RegisterCommand(4200, "RECORD", reactor.CommandHandlerFunc(func(_ *reactor.Invocation, _ int, s stream.Stream) error {
		n, err := s.GetInt()
		if err != nil {
			return err
		}
		str, err := s.GetString()
		if err != nil {
			return err
		}
		b, err := s.GetBytes()
		if err != nil {
			return err
		}
		f.payloads <- []any{n, str, b}
		return s.EndOfMessage()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { f.done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-f.done:
		cancel()
		t.Fatalf("daemon exited: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	shared.SetTargetForTest(d.Listeners().TCPAddr(), "")
	t.Cleanup(func() { shared.SetTargetForTest("", "") })
	return f
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestQueryCommand(t *testing.T) {
	f := startDaemon(t)

	out, err := execute(t, NewQueryCommand())
	require.NoError(t, err)
	assert.Equal(t, f.d.InstanceID(), strings.TrimSpace(out))
}

func TestPingCommand(t *testing.T) {
	startDaemon(t)

	out, err := execute(t, NewPingCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "is accepting commands")
}

func TestSignalCommand(t *testing.T) {
	f := startDaemon(t)

	_, err := execute(t, NewSignalCommand(), "100")
	require.NoError(t, err)

	select {
	case sig := <-f.signals:
		assert.Equal(t, 100, sig)
	case <-time.After(3 * time.Second):
		t.Fatal("signal not dispatched")
	}
}

func TestSignalCommand_BadName(t *testing.T) {
	_, err := execute(t, NewSignalCommand(), "SIGNOTREAL")
	assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
}

func TestSendCommand(t *testing.T) {
	f := startDaemon(t)

	_, err := execute(t, NewSendCommand(), "4200", "7", "hello", "hex:beef")
	require.NoError(t, err)

	select {
	case p := <-f.payloads:
		assert.Equal(t, []any{int64(7), "hello", []byte{0xbe, 0xef}}, p)
	case <-time.After(3 * time.Second):
		t.Fatal("command not received")
	}
}

func TestSendCommand_BadCode(t *testing.T) {
	_, err := execute(t, NewSendCommand(), "abc")
	assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
}

func TestOffCommand(t *testing.T) {
	f := startDaemon(t)

	_, err := execute(t, NewOffCommand())
	require.NoError(t, err)

	select {
	case err := <-f.done:
		assert.NoError(t, err)
		f.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestUnreachableDaemon(t *testing.T) {
	shared.SetTargetForTest("127.0.0.1:1", "")
	defer shared.SetTargetForTest("", "")

	_, err := execute(t, NewQueryCommand())
	assert.Equal(t, shared.ExitUnavailable, shared.ExitCode(err))
}

func TestQueryCommand_JSON(t *testing.T) {
	f := startDaemon(t)

	root := &cobra.Command{Use: "dcore"}
	flags := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(flags.JSON, "json", false, "")
	root.AddCommand(NewQueryCommand())
	t.Cleanup(func() { *flags.JSON = false })

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"query", "--json"})
	require.NoError(t, root.Execute())

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "query", resp.Command)
	assert.Equal(t, f.d.InstanceID(), resp.InstanceID)
	assert.Equal(t, "tcp://"+f.d.Listeners().TCPAddr(), resp.Target)
}
