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

package mcp

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/pidfile"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_SupervisesUntilCancelled(t *testing.T) {
	path := writeConfig(t, map[string]string{"helper": "serve"})
	t.Cleanup(shared.SetFlagsForTest(path, true))
	t.Setenv("LOG_LEVEL", "error")

	dir := t.TempDir()
	db := filepath.Join(dir, "history.db")
	pid := filepath.Join(dir, "olympian.pid")

	var out syncBuffer
	cmd := NewRunCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runSupervisor(ctx, cmd, runOptions{
			historyDB:   db,
			pidFile:     pid,
			metricsAddr: "127.0.0.1:0",
			trace:       "none",
			watch:       true,
		})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"type":"started"`)
	}, 10*time.Second, 20*time.Millisecond, "expected a started event")

	held, err := pidfile.Read(pid)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), held)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	assert.Contains(t, out.String(), `"serverName":"helper"`)
	assert.Contains(t, out.String(), `"type":"stopped"`)

	_, err = os.Stat(db)
	assert.NoError(t, err, "expected the execution archive to be created")
	_, err = os.Stat(pid)
	assert.True(t, os.IsNotExist(err), "expected the PID file to be removed")
}

func TestRun_ResumesServersFromStateFile(t *testing.T) {
	path := writeConfig(t, map[string]string{"auto": "serve", "manual": "manual"})
	t.Cleanup(shared.SetFlagsForTest(path, true))
	t.Setenv("LOG_LEVEL", "error")

	stateFile := filepath.Join(t.TempDir(), "state.json")
	prior, err := mcpcore.OpenStateStore(stateFile, nil)
	require.NoError(t, err)
	prior.SetOwner(999999)
	prior.Observe(mcpcore.Event{Type: mcpcore.EventStarted, ServerName: "manual", Timestamp: time.Now()})
	prior.Observe(mcpcore.Event{Type: mcpcore.EventStarted, ServerName: "removed", Timestamp: time.Now()})
	require.NoError(t, prior.Flush())

	var out syncBuffer
	cmd := NewRunCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runSupervisor(ctx, cmd, runOptions{stateFile: stateFile, trace: "none"})
	}()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), `"type":"started"`) == 2
	}, 10*time.Second, 20*time.Millisecond, "expected the autoStart and the resumed server to start")
	assert.Contains(t, out.String(), `"serverName":"manual"`)

	require.Eventually(t, func() bool {
		st, err := mcpcore.ReadStateFile(stateFile)
		return err == nil && st.PID == os.Getpid()
	}, 10*time.Second, 50*time.Millisecond, "expected the state file to name this supervisor")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	st, err := mcpcore.ReadStateFile(stateFile)
	require.NoError(t, err)
	assert.Zero(t, st.PID, "a clean exit clears the owner")
	assert.NotContains(t, st.Servers, "removed")
	require.Contains(t, st.Servers, "manual")
	assert.False(t, st.Servers["manual"].WasRunning, "a clean exit is not resumed")
}

func TestRun_PIDFileHeld(t *testing.T) {
	path := writeConfig(t, map[string]string{"helper": "serve"})
	t.Cleanup(shared.SetFlagsForTest(path, false))

	pid := filepath.Join(t.TempDir(), "olympian.pid")
	held, err := pidfile.Acquire(pid)
	require.NoError(t, err)
	defer held.Release()

	cmd := NewRunCommand()
	cmd.SetErr(io.Discard)

	err = runSupervisor(context.Background(), cmd, runOptions{pidFile: pid})
	require.ErrorIs(t, err, pidfile.ErrLocked)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(err))
}

func TestRun_InvalidTraceExporter(t *testing.T) {
	path := writeConfig(t, map[string]string{"helper": "serve"})
	t.Cleanup(shared.SetFlagsForTest(path, false))

	cmd := NewRunCommand()
	cmd.SetErr(io.Discard)

	err := runSupervisor(context.Background(), cmd, runOptions{trace: "carrier-pigeon"})
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(err))
}

func TestWireTap_NamesServer(t *testing.T) {
	var buf bytes.Buffer
	tap := wireTap(&buf)("alpha")
	tap(transport.DirectionSend, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	assert.Contains(t, buf.String(), "alpha")
	assert.Contains(t, buf.String(), "ping")
}
