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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCommandMiddleware_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	defer SetLevel("info")

	m := NewCommandMiddleware(logger)
	tick := time.Unix(0, 0)
	m.now = func() time.Time {
		tick = tick.Add(5 * time.Millisecond)
		return tick
	}

	called := false
	err := m.Handle(&Request{Command: 421, Handler: "query", Peer: "10.0.0.1:5", Transport: "reliable"}, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["event"] != "command_response" {
		t.Errorf("event = %v", resp["event"])
	}
	if resp[DurationKey] != float64(5) {
		t.Errorf("%s = %v, want 5", DurationKey, resp[DurationKey])
	}
}

func TestCommandMiddleware_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	defer SetLevel("info")

	m := NewCommandMiddleware(logger)
	want := errors.New("bad payload")
	err := m.Handle(&Request{Command: 7}, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single warn line: %v (%s)", err, buf.String())
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["error"] != "bad payload" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestThrottled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	th := NewThrottled(logger, time.Hour, 2)
	if !th.Warn("unregistered command", CommandKey, 1) {
		t.Error("first message should pass")
	}
	if !th.Warn("unregistered command", CommandKey, 2) {
		t.Error("second message should pass")
	}
	if th.Warn("unregistered command", CommandKey, 3) {
		t.Error("third message should be suppressed")
	}
	if got := strings.Count(buf.String(), "unregistered command"); got != 2 {
		t.Errorf("wrote %d messages, want 2", got)
	}
	if th.suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", th.suppressed)
	}
}
