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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	s, err := OpenStateStore(filepath.Join(t.TempDir(), "state.json"), quietLogger())
	require.NoError(t, err)
	return s
}

func TestStateStore_Observe(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := func(typ EventType, msg string) Event {
		return Event{Type: typ, ServerName: "git", Timestamp: at, Message: msg}
	}

	tests := []struct {
		name          string
		events        []Event
		wantRunning   bool
		wantAbandoned bool
		wantRestarts  int
		wantFailures  int
		wantLastError string
	}{
		{
			name:        "started",
			events:      []Event{ev(EventStarting, ""), ev(EventStarted, "")},
			wantRunning: true,
		},
		{
			name:   "stopped cleanly",
			events: []Event{ev(EventStarted, ""), ev(EventStopped, "")},
		},
		{
			name:          "failed start",
			events:        []Event{ev(EventStopped, "spawn failed")},
			wantFailures:  1,
			wantLastError: "spawn failed",
		},
		{
			name:          "crash then restart keeps running intent",
			events:        []Event{ev(EventStarted, ""), ev(EventCrashed, "exit status 3"), ev(EventRestarting, "crashed")},
			wantRunning:   true,
			wantRestarts:  1,
			wantFailures:  1,
			wantLastError: "exit status 3",
		},
		{
			name: "restart budget exhausted",
			events: []Event{
				ev(EventStarted, ""), ev(EventCrashed, "exit status 3"),
				ev(EventRestartAbandoned, "restart budget exhausted"),
			},
			wantAbandoned: true,
			wantFailures:  2,
			wantLastError: "restart budget exhausted",
		},
		{
			name:          "unhealthy",
			events:        []Event{ev(EventStarted, ""), ev(EventUnhealthy, "health probes failing")},
			wantRunning:   true,
			wantFailures:  1,
			wantLastError: "health probes failing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			for _, e := range tt.events {
				s.Observe(e)
			}

			got, ok := s.Get("git")
			require.True(t, ok)
			assert.Equal(t, tt.wantRunning, got.WasRunning)
			assert.Equal(t, tt.wantAbandoned, got.Abandoned)
			assert.Equal(t, tt.wantRestarts, got.Restarts)
			assert.Equal(t, tt.wantFailures, got.FailureCount)
			assert.Equal(t, tt.wantLastError, got.LastError)
			if tt.wantFailures > 0 {
				require.NotNil(t, got.LastFailure)
				assert.Equal(t, at, *got.LastFailure)
			}
		})
	}
}

func TestStateStore_IgnoresExecutionEvents(t *testing.T) {
	s := openTestStore(t)
	s.Observe(Event{Type: EventExecutionFinished, ServerName: "git"})
	s.Observe(Event{Type: EventToolsDiscovered, ServerName: "git"})

	_, ok := s.Get("git")
	assert.False(t, ok)
	require.NoError(t, s.Flush())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing changed, nothing written")
}

func TestStateStore_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := OpenStateStore(path, quietLogger())
	require.NoError(t, err)

	now := time.Now()
	s.SetOwner(4242)
	s.Observe(Event{Type: EventStarted, ServerName: "b", Timestamp: now})
	s.Observe(Event{Type: EventStarted, ServerName: "a", Timestamp: now})
	s.Observe(Event{Type: EventStarted, ServerName: "gone", Timestamp: now})
	s.Observe(Event{Type: EventStarted, ServerName: "quit", Timestamp: now})
	s.Observe(Event{Type: EventStopped, ServerName: "quit", Timestamp: now})
	s.Prune([]string{"a", "b", "quit"})
	require.NoError(t, s.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	st, err := ReadStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, st.PID)
	assert.Len(t, st.Servers, 3)

	reopened, err := OpenStateStore(path, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reopened.Resumable())

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestStateStore_UnreadableFileStartsFresh(t *testing.T) {
	tests := map[string]string{
		"corrupt":       "{not json",
		"other version": `{"version": 99, "servers": {"a": {"wasRunning": true}}}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := ReadStateFile(path)
			require.Error(t, err)

			s, err := OpenStateStore(path, quietLogger())
			require.NoError(t, err)
			assert.Empty(t, s.Resumable())
		})
	}
}

func TestManager_ResumeFromState(t *testing.T) {
	manual := helperServer(t, "manual", "serve")
	manual.AutoStart = false
	off := helperServer(t, "off", "serve")
	off.Disabled = true
	m, _, _ := newTestManager(t, testSettings(), helperServer(t, "auto", "serve"), manual, off)

	store := openTestStore(t)
	for _, name := range []string{"auto", "manual", "off", "removed"} {
		store.Observe(Event{Type: EventStarted, ServerName: name, Timestamp: time.Now()})
	}
	m.Subscribe(store.Observe)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Resume(context.Background(), store.Resumable()))

	assert.Equal(t, StateRunning, serverStatus(t, m, "auto").State)
	assert.Equal(t, StateRunning, serverStatus(t, m, "manual").State)
	assert.Equal(t, StateStopped, serverStatus(t, m, "off").State)

	require.NoError(t, m.Close())
	got, ok := store.Get("manual")
	require.True(t, ok)
	assert.False(t, got.WasRunning, "a graceful shutdown is not resumed")
}
