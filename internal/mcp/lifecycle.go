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
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/process"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
)

// maxBackoff caps the delay before an automatic restart.
const maxBackoff = 30 * time.Second

// newRestartLimiter allows MaxRestarts restarts at once, refilled evenly
// over RestartWindow.
func (m *Manager) newRestartLimiter() *rate.Limiter {
	every := m.settings.RestartWindow / time.Duration(m.settings.MaxRestarts)
	return rate.NewLimiter(rate.Every(every), m.settings.MaxRestarts)
}

// calculateBackoff returns the delay before restart attempt n (1-based):
// restartDelay doubled per attempt, capped at 30s.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return maxBackoff
	}
	backoff := base << uint(attempt-1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// onExit receives process exits from the supervisor.
func (m *Manager) onExit(ev process.ExitEvent) {
	if ev.Status != process.StatusCrashed {
		return
	}
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		m.handleCrash(ev)
	}()
}

func (m *Manager) handleCrash(ev process.ExitEvent) {
	name := ev.Handle.ServerName
	st := m.stateFor(name, false)
	if st == nil {
		return
	}

	st.lifecycle.Lock()
	st.mu.RLock()
	current := st.handle == ev.Handle
	st.mu.RUnlock()
	if !current {
		// A stop or restart already replaced this process.
		st.lifecycle.Unlock()
		return
	}

	reason := "process exited"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	m.teardown(st, fmt.Errorf("server crashed: %s", reason))

	st.mu.Lock()
	st.state = StateCrashed
	st.lastError = reason
	st.mu.Unlock()
	st.lifecycle.Unlock()

	m.events.emit(EventCrashed, name, reason, map[string]any{"pid": ev.Handle.PID})
	m.scheduleRestart(name, "crashed")
}

// onUnhealthy is called by the health monitor. It must not block.
func (m *Manager) onUnhealthy(name string, record HealthRecord) {
	log.WithServer(m.logger, name).Warn("mcp server unhealthy",
		slog.Int("consecutive_failures", record.ConsecutiveFailures),
		slog.String("last_error", record.LastError),
	)
	m.scheduleRestart(name, "unhealthy")
}

// scheduleRestart arranges one restart attempt after the backoff delay, if
// the server has autoRestart and restart budget left. A crashed server
// without either stays crashed.
func (m *Manager) scheduleRestart(name, reason string) {
	cfg, err := m.source.ServerConfig(name)
	if err != nil || !cfg.AutoRestart || cfg.Disabled {
		return
	}
	st := m.stateFor(name, false)
	if st == nil || m.ctx.Err() != nil {
		return
	}

	st.mu.Lock()
	if st.restartTimer != nil {
		st.mu.Unlock()
		return
	}
	if !st.limiter.Allow() {
		st.mu.Unlock()
		log.WithServer(m.logger, name).Error("restart budget exhausted, giving up",
			slog.Int("max_restarts", m.settings.MaxRestarts),
			slog.Duration("window", m.settings.RestartWindow),
		)
		m.events.emit(EventRestartAbandoned, name, "restart budget exhausted", map[string]any{
			"reason":      reason,
			"maxRestarts": m.settings.MaxRestarts,
		})
		return
	}
	attempt := m.settings.MaxRestarts - int(st.limiter.Tokens())
	delay := calculateBackoff(m.settings.RestartDelay, attempt)
	st.restartTimer = time.AfterFunc(delay, func() {
		m.autoRestart(st, reason)
	})
	st.mu.Unlock()

	m.events.emit(EventRestarting, name, reason, map[string]any{
		"attempt": attempt,
		"delayMs": delay.Milliseconds(),
	})
}

func (m *Manager) autoRestart(st *serverState, reason string) {
	if !m.track() {
		return
	}
	defer m.wg.Done()

	st.lifecycle.Lock()
	st.mu.Lock()
	st.restartTimer = nil
	state := st.state
	st.mu.Unlock()

	cfg, err := m.source.ServerConfig(st.name)
	if err != nil || cfg.Disabled {
		st.lifecycle.Unlock()
		return
	}

	switch {
	case reason == "crashed" && state != StateCrashed:
		// Operator intervened since the crash.
		st.lifecycle.Unlock()
		return
	case reason == "unhealthy" && state != StateRunning:
		st.lifecycle.Unlock()
		return
	}

	logger := log.WithServer(m.logger, st.name)
	logger.Info("restarting mcp server", slog.String("reason", reason))
	metrics.RecordRestart(st.name, reason)

	if state == StateRunning {
		_ = m.stopLocked(m.ctx, st)
	}

	st.mu.Lock()
	st.restarts++
	st.state = StateStopped
	st.mu.Unlock()

	startErr := m.startLocked(m.ctx, st, cfg)
	if startErr != nil {
		st.mu.Lock()
		st.state = StateCrashed
		st.mu.Unlock()
	}
	st.lifecycle.Unlock()

	if startErr != nil {
		logger.Error("automatic restart failed", log.Error(startErr))
		m.scheduleRestart(st.name, "crashed")
	}
}
