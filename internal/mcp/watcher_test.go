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
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingApplier) ApplyConfig(_ context.Context, changed []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, changed)
	return nil
}

func (r *recordingApplier) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestConfigWatcher_AppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {"command": "one"}}}`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)

	applier := &recordingApplier{}
	w, err := NewConfigWatcher(ConfigWatcherConfig{
		Source:        src,
		Target:        applier,
		Logger:        quietLogger(),
		DebounceDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {"command": "two"}, "b": {"command": "x"}}}`), 0o600))

	require.Eventually(t, func() bool {
		return len(applier.snapshot()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	calls := applier.snapshot()
	assert.Equal(t, []string{"a", "b"}, calls[len(calls)-1])

	a, err := src.ServerConfig("a")
	require.NoError(t, err)
	assert.Equal(t, "two", a.Command)
}

func TestConfigWatcher_IgnoresInvalidAndUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {"command": "one"}}}`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)

	applier := &recordingApplier{}
	w, err := NewConfigWatcher(ConfigWatcherConfig{
		Source:        src,
		Target:        applier,
		Logger:        quietLogger(),
		DebounceDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {}}}`), 0o600))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, applier.snapshot())
	assert.Zero(t, w.Reloads())

	a, err := src.ServerConfig("a")
	require.NoError(t, err)
	assert.Equal(t, "one", a.Command)
}

func TestNewConfigWatcher_RequiresSourceAndTarget(t *testing.T) {
	_, err := NewConfigWatcher(ConfigWatcherConfig{Target: &recordingApplier{}})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {}}`), 0o600))
	src, err := LoadFile(path)
	require.NoError(t, err)

	_, err = NewConfigWatcher(ConfigWatcherConfig{Source: src})
	assert.Error(t, err)
}
