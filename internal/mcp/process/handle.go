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

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
)

// Handle is a spawned child process and its standard streams.
type Handle struct {
	ServerName string
	PID        int
	StartedAt  time.Time

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd     *exec.Cmd
	started chan struct{} // closed once spawning succeeded or failed
	done    chan struct{}

	mu            sync.Mutex
	status        Status
	stopRequested bool
	signalled     bool
	exitErr       error
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the error reported by Wait, valid after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExpectExit marks an upcoming exit as requested, so it is reported as
// StatusStopped rather than a crash. It sends no signal.
func (h *Handle) ExpectExit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited() {
		return
	}
	h.stopRequested = true
	h.status = StatusStopping
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) stop(ctx context.Context, grace time.Duration, logger *slog.Logger) error {
	if grace <= 0 {
		grace = DefaultGrace
	}

	select {
	case <-h.started:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	if h.exited() {
		h.mu.Unlock()
		return nil
	}
	alreadySignalled := h.signalled
	h.signalled = true
	h.stopRequested = true
	h.status = StatusStopping
	h.mu.Unlock()

	if !alreadySignalled {
		h.Stdin.Close()
		if err := terminate(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Debug("graceful signal failed",
				slog.String(log.ServerKey, h.ServerName),
				log.Error(err))
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	logger.Warn("process did not exit within grace period, killing",
		slog.String(log.ServerKey, h.ServerName),
		slog.Int(log.PIDKey, h.PID),
		slog.Duration("grace", grace))

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", h.ServerName, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d for %s did not exit after kill", h.PID, h.ServerName)
	}
}
