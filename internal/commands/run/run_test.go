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
package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/daemoncore/internal/client"
	"github.com/tombee/daemoncore/internal/commands/shared"
	"github.com/tombee/daemoncore/internal/lifecycle"
	dclog "github.com/tombee/daemoncore/internal/log"
)

func TestBuildConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  tcp_addr: 127.0.0.1:7000\nmetrics:\n  addr: 127.0.0.1:7001\n"), 0600))

	cfg, err := buildConfig(path, Options{
		UDPAddr:    "off",
		SocketPath: filepath.Join(dir, "d.sock"),
		PIDFile:    filepath.Join(dir, "d.pid"),
		Watch:      true,
	}, filepath.Join(dir, "addr"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen.TCPAddr)
	assert.True(t, cfg.Listen.UDPDisabled())
	assert.Equal(t, filepath.Join(dir, "d.sock"), cfg.Listen.SocketPath)
	assert.Equal(t, filepath.Join(dir, "d.pid"), cfg.PIDFile)
	assert.Equal(t, filepath.Join(dir, "addr"), cfg.AddressFile)
	assert.True(t, cfg.Watch.Enabled)
	assert.False(t, cfg.Metrics.Enabled)

	cfg, err = buildConfig(path, Options{Metrics: "127.0.0.1:0", TCPAddr: "127.0.0.1:0"}, "")
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Addr)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen.TCPAddr)
	assert.NotEmpty(t, cfg.AddressFile)
}

func TestBuildConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0600))

	_, err := buildConfig(path, Options{}, "")
	assert.Error(t, err)
}

func TestRunCommand_ServesUntilCancelled(t *testing.T) {
	t.Cleanup(func() { dclog.SetLevel("info") })

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	addrFile := filepath.Join(dir, "address")
	shared.SetTargetForTest("", addrFile)
	t.Cleanup(func() { shared.SetTargetForTest("", "") })

	cmd := NewCommand()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&stderr)
	cmd.SetArgs([]string{"--listen", "127.0.0.1:0", "--pid-file", filepath.Join(dir, "dcore.pid")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr lifecycle.Address
	require.Eventually(t, func() bool {
		a, err := lifecycle.ReadAddressFile(addrFile)
		if err != nil {
			return false
		}
		addr = a
		return true
	}, 5*time.Second, 20*time.Millisecond)

	c, err := client.New(addr.Addr, client.WithTimeout(3*time.Second))
	require.NoError(t, err)
	id, err := c.QueryInstance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr.InstanceID, id)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.NoFileExists(t, addrFile)
}
