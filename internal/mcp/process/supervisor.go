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

// Package process supervises the OS child processes backing MCP servers.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
)

// DefaultGrace is how long Stop waits after the graceful signal.
const DefaultGrace = 2 * time.Second

// killWait bounds the wait for exit after SIGKILL.
const killWait = 5 * time.Second

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Config describes the process to launch.
type Config struct {
	Name             string
	Command          string
	Args             []string
	Env              map[string]string
	WorkingDirectory string
}

// SpawnError reports that the executable could not be launched.
type SpawnError struct {
	Server  string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Server, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrAlreadyRunning is returned by Start when the server has a live process.
var ErrAlreadyRunning = errors.New("process already running")

// ExitEvent is delivered once per process when it exits.
type ExitEvent struct {
	Handle *Handle
	// Status is StatusStopped for exits requested through Stop and
	// StatusCrashed otherwise.
	Status Status
	Err    error
	At     time.Time
}

// SupervisorConfig configures a Supervisor. OnExit runs on the process
// wait goroutine and must not block.
type SupervisorConfig struct {
	Logger *slog.Logger
	OnExit func(ExitEvent)
}

// Supervisor owns one child process per server name.
type Supervisor struct {
	logger *slog.Logger
	onExit func(ExitEvent)

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewSupervisor creates a supervisor with no running processes.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		logger:  log.WithComponent(cfg.Logger, "supervisor"),
		onExit:  cfg.OnExit,
		handles: make(map[string]*Handle),
	}
}

// Start launches the process described by cfg. The returned handle's pipes
// are owned by the caller. Exit monitoring is in place before Start returns.
// While the child is being spawned the server is tracked with a
// StatusStarting handle, so a concurrent Start fails with ErrAlreadyRunning
// and a concurrent Stop waits for the spawn to settle.
func (s *Supervisor) Start(cfg Config) (*Handle, error) {
	s.mu.Lock()
	if h, ok := s.handles[cfg.Name]; ok && !h.exited() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrAlreadyRunning)
	}
	h := &Handle{
		ServerName: cfg.Name,
		status:     StatusStarting,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.handles[cfg.Name] = h
	s.mu.Unlock()

	if err := h.spawn(cfg); err != nil {
		s.mu.Lock()
		if s.handles[cfg.Name] == h {
			delete(s.handles, cfg.Name)
		}
		s.mu.Unlock()

		h.mu.Lock()
		h.status = StatusCrashed
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
		close(h.started)

		s.logger.Error("failed to spawn process",
			slog.String(log.ServerKey, cfg.Name),
			slog.String("command", cfg.Command),
			log.Error(err))
		return nil, err
	}

	s.logger.Info("process started",
		slog.String(log.ServerKey, cfg.Name),
		slog.Int(log.PIDKey, h.PID))

	go s.wait(h)
	close(h.started)
	return h, nil
}

// spawn starts the child and fills in h. On success h is StatusRunning.
func (h *Handle) spawn(cfg Config) error {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	// Plain *os.File pipes: exec does not copy through goroutines and Wait
	// does not close our ends, so stdout can be drained after exit.
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			files = append(files, r, w)
		}
		return r, w, err
	}
	spawnErr := func(err error) error {
		closeAll()
		return &SpawnError{Server: cfg.Name, Command: cfg.Command, Err: err}
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return spawnErr(err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		return spawnErr(err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		return spawnErr(err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return spawnErr(err)
	}

	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	h.mu.Lock()
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now()
	h.Stdin = stdinW
	h.Stdout = stdoutR
	h.Stderr = stderrR
	h.cmd = cmd
	h.status = StatusRunning
	h.mu.Unlock()
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()

	h.mu.Lock()
	status := StatusCrashed
	if h.stopRequested {
		status = StatusStopped
	}
	h.status = status
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)

	s.mu.Lock()
	if s.handles[h.ServerName] == h {
		delete(s.handles, h.ServerName)
	}
	s.mu.Unlock()

	attrs := []any{
		slog.String(log.ServerKey, h.ServerName),
		slog.Int(log.PIDKey, h.PID),
		slog.String("status", string(status)),
	}
	if err != nil {
		attrs = append(attrs, log.Error(err))
	}
	if status == StatusCrashed {
		s.logger.Warn("process exited unexpectedly", attrs...)
	} else {
		s.logger.Info("process exited", attrs...)
	}

	if s.onExit != nil {
		s.onExit(ExitEvent{Handle: h, Status: status, Err: err, At: time.Now()})
	}
}

// Stop asks the server's process to exit and waits up to grace before
// killing it. Stopping an untracked or already exited server is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string, grace time.Duration) error {
	s.mu.Lock()
	h := s.handles[name]
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.stop(ctx, grace, s.logger)
}

// Restart stops the server's process and starts a new one from cfg.
func (s *Supervisor) Restart(ctx context.Context, cfg Config, grace time.Duration) (*Handle, error) {
	if err := s.Stop(ctx, cfg.Name, grace); err != nil {
		s.logger.Warn("stop before restart failed",
			slog.String(log.ServerKey, cfg.Name),
			log.Error(err))
	}
	return s.Start(cfg)
}

// Status returns the live handle for name, or nil when none is tracked.
func (s *Supervisor) Status(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}

// Names lists servers with a tracked process.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
