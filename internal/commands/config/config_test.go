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
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/daemoncore/internal/commands/shared"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidate_Valid(t *testing.T) {
	result := validate(writeFile(t, "log:\n  level: debug\n"))
	if !result.Valid {
		t.Errorf("expected valid config, got errors %v", result.Errors)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	result := validate(writeFile(t, "log:\n  level: loud\n  format: xml\nheartbeat_interval: -1s\n"))
	if result.Valid {
		t.Fatal("expected invalid config")
	}
	if len(result.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Success {
		t.Error("Success should be false for an invalid config")
	}
}

func TestValidate_BadYAML(t *testing.T) {
	result := validate(writeFile(t, "log: [\n"))
	if result.Valid || len(result.Errors) != 1 {
		t.Errorf("expected one parse error, got %+v", result)
	}
}

func TestShowCommand(t *testing.T) {
	shared.SetConfigPathForTest(writeFile(t, "listen:\n  tcp_addr: 127.0.0.1:7000\n"))
	defer shared.SetConfigPathForTest("")

	cmd := NewShowCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(buf.String(), "tcp_addr: 127.0.0.1:7000") {
		t.Errorf("output missing tcp_addr:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "command_table_size: 97") {
		t.Errorf("output missing defaults:\n%s", buf.String())
	}
}

func TestValidateCommand_ExitCode(t *testing.T) {
	shared.SetConfigPathForTest(writeFile(t, "log:\n  level: loud\n"))
	defer shared.SetConfigPathForTest("")

	cmd := NewValidateCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	if shared.ExitCode(err) != shared.ExitConfig {
		t.Errorf("ExitCode = %d, want %d (err %v)", shared.ExitCode(err), shared.ExitConfig, err)
	}
	if !strings.Contains(buf.String(), "log.level") {
		t.Errorf("output should name the bad key:\n%s", buf.String())
	}
}
