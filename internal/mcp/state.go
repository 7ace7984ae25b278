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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
)

// StateFileVersion is the format version written to state files. Files
// with another version are ignored.
const StateFileVersion = 1

// RuntimeState is the persisted view of a supervisor's servers.
type RuntimeState struct {
	Version     int                            `json:"version"`
	PID         int                            `json:"pid,omitempty"`
	Servers     map[string]*ServerRuntimeState `json:"servers"`
	LastUpdated time.Time                      `json:"lastUpdated"`
}

// ServerRuntimeState is the persisted state of one server.
type ServerRuntimeState struct {
	// WasRunning is true from a successful start until the server is
	// stopped, and stays true across crashes while restarts are pending.
	WasRunning bool `json:"wasRunning"`

	// Abandoned is set when the restart budget ran out.
	Abandoned bool `json:"abandoned,omitempty"`

	Restarts     int        `json:"restarts"`
	FailureCount int        `json:"failureCount"`
	LastError    string     `json:"lastError,omitempty"`
	LastFailure  *time.Time `json:"lastFailure,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// StateStore records server lifecycle events to a JSON file so a later
// supervisor can resume the servers that were running when the previous
// one died. A graceful shutdown stops every server, which clears
// WasRunning, so only abnormal exits lead to a resume.
type StateStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state *RuntimeState
	dirty bool
}

// OpenStateStore loads the state at path. A missing file yields an empty
// state; an unreadable or foreign-version file is logged and replaced on
// the next Flush.
func OpenStateStore(path string, logger *slog.Logger) (*StateStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	s := &StateStore{
		path:   path,
		logger: log.WithComponent(logger, "state"),
		state:  newRuntimeState(),
	}

	loaded, err := ReadStateFile(path)
	switch {
	case err == nil:
		s.state = loaded
	case os.IsNotExist(err):
	default:
		s.logger.Warn("discarding unreadable state file", slog.String("path", path), log.Error(err))
	}
	return s, nil
}

func newRuntimeState() *RuntimeState {
	return &RuntimeState{Version: StateFileVersion, Servers: make(map[string]*ServerRuntimeState)}
}

// ReadStateFile decodes the state file at path.
func ReadStateFile(path string) (*RuntimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st RuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("invalid state file: %w", err)
	}
	if st.Version != StateFileVersion {
		return nil, fmt.Errorf("unsupported state file version %d", st.Version)
	}
	if st.Servers == nil {
		st.Servers = make(map[string]*ServerRuntimeState)
	}
	return &st, nil
}

// Path returns the state file location.
func (s *StateStore) Path() string { return s.path }

// Observe is an EventHandler that folds lifecycle events into the state.
// It only touches memory; Flush writes the file.
func (s *StateStore) Observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv := s.state.Servers[ev.ServerName]
	if srv == nil {
		switch ev.Type {
		case EventStarted, EventStopped, EventCrashed, EventRestarting, EventRestartAbandoned, EventUnhealthy:
			srv = &ServerRuntimeState{}
			s.state.Servers[ev.ServerName] = srv
		default:
			return
		}
	}

	at := ev.Timestamp
	failed := func() {
		srv.FailureCount++
		srv.LastError = ev.Message
		srv.LastFailure = &at
	}

	switch ev.Type {
	case EventStarted:
		srv.WasRunning, srv.Abandoned = true, false
		srv.StartedAt = &at
	case EventStopped:
		srv.WasRunning = false
		srv.StartedAt = nil
		if ev.Message != "" {
			failed()
		}
	case EventCrashed, EventUnhealthy:
		failed()
	case EventRestarting:
		srv.Restarts++
	case EventRestartAbandoned:
		srv.WasRunning, srv.Abandoned = false, true
		srv.StartedAt = nil
		failed()
	default:
		return
	}
	s.dirty = true
}

// Get returns a copy of the state of server.
func (s *StateStore) Get(server string) (ServerRuntimeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.state.Servers[server]
	if !ok {
		return ServerRuntimeState{}, false
	}
	return *srv, true
}

// Resumable returns, sorted, the servers that were running when the state
// was last written.
func (s *StateStore) Resumable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, srv := range s.state.Servers {
		if srv.WasRunning && !srv.Abandoned {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Prune drops servers that are no longer configured.
func (s *StateStore) Prune(configured []string) {
	keep := make(map[string]bool, len(configured))
	for _, name := range configured {
		keep[name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.state.Servers {
		if !keep[name] {
			delete(s.state.Servers, name)
			s.dirty = true
		}
	}
}

// SetOwner records the PID of the supervisor writing the file.
func (s *StateStore) SetOwner(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.PID != pid {
		s.state.PID = pid
		s.dirty = true
	}
}

// Flush writes the state if it changed since the last write. The file is
// replaced atomically.
func (s *StateStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	s.state.LastUpdated = time.Now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.dirty = false
	return nil
}
