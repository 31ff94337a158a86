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
package shared

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/daemoncore/internal/lifecycle"
	dcerrors "github.com/tombee/daemoncore/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailed},
		{"usage", NewUsageError("bad", nil), ExitUsage},
		{"wrapped unavailable", fmt.Errorf("x: %w", NewUnavailableError("down", nil)), ExitUnavailable},
		{"config error", &dcerrors.ConfigError{Reason: "bad"}, ExitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Message(t *testing.T) {
	err := NewUnavailableError("daemon down", errors.New("connection refused"))
	if err.Error() != "daemon down: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}

	var buf bytes.Buffer
	PrintError(&buf, err)
	if buf.String() != "Error: daemon down: connection refused\n" {
		t.Errorf("PrintError wrote %q", buf.String())
	}
}

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := EmitJSON(&buf, NewJSONResponse("ping")); err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"@version\": \"1.0\",\n  \"command\": \"ping\",\n  \"success\": true\n}\n"
	if buf.String() != want {
		t.Errorf("EmitJSON wrote %q", buf.String())
	}
}

func TestResolveTarget(t *testing.T) {
	defer SetTargetForTest("", "")

	SetTargetForTest("udp://127.0.0.1:9618", "")
	got, err := ResolveTarget()
	if err != nil || got != "udp://127.0.0.1:9618" {
		t.Errorf("ResolveTarget() = %q, %v", got, err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "address")
	if err := lifecycle.WriteAddressFile(path, lifecycle.Address{Network: "tcp", Addr: "127.0.0.1:4000", Started: time.Now()}); err != nil {
		t.Fatal(err)
	}
	SetTargetForTest("", path)
	got, err = ResolveTarget()
	if err != nil || got != "127.0.0.1:4000" {
		t.Errorf("ResolveTarget() = %q, %v", got, err)
	}

	if err := lifecycle.WriteAddressFile(path, lifecycle.Address{Network: "unix", SocketPath: "/run/dcore.sock"}); err != nil {
		t.Fatal(err)
	}
	got, err = ResolveTarget()
	if err != nil || got != "unix:///run/dcore.sock" {
		t.Errorf("ResolveTarget() = %q, %v", got, err)
	}

	SetTargetForTest("", filepath.Join(dir, "missing"))
	_, err = ResolveTarget()
	if ExitCode(err) != ExitUnavailable {
		t.Errorf("missing address file: ExitCode = %d, err = %v", ExitCode(err), err)
	}
}
