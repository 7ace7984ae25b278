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
	"log/slog"
	"sync"
	"time"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
)

// ProbeFunc performs one liveness check. A nil error means alive.
type ProbeFunc func(ctx context.Context) error

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	Logger *slog.Logger

	// Events receives healthy/unhealthy transitions (optional).
	Events *EventBus

	// MaxFailures is the number of consecutive failures that marks a
	// server unhealthy. Defaults to 3.
	MaxFailures int

	// ProbeTimeout bounds each probe. Defaults to 5s.
	ProbeTimeout time.Duration

	// OnUnhealthy is called once when a server crosses MaxFailures. It runs
	// on the probing goroutine and must not block.
	OnUnhealthy func(server string, record HealthRecord)
}

type prober struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// HealthMonitor runs periodic liveness probes, one goroutine per server.
type HealthMonitor struct {
	logger       *slog.Logger
	events       *EventBus
	maxFailures  int
	probeTimeout time.Duration
	onUnhealthy  func(string, HealthRecord)

	mu      sync.Mutex
	records map[string]*HealthRecord
	probers map[string]*prober
}

// NewHealthMonitor creates a monitor with no servers.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &HealthMonitor{
		logger:       log.WithComponent(cfg.Logger, "health"),
		events:       cfg.Events,
		maxFailures:  cfg.MaxFailures,
		probeTimeout: cfg.ProbeTimeout,
		onUnhealthy:  cfg.OnUnhealthy,
		records:      make(map[string]*HealthRecord),
		probers:      make(map[string]*prober),
	}
}

// StartProbing begins probing server every interval, replacing any probing
// already active for it. The health record starts fresh.
func (h *HealthMonitor) StartProbing(server string, interval time.Duration, probe ProbeFunc) {
	h.StopProbing(server)

	ctx, cancel := context.WithCancel(context.Background())
	p := &prober{cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	h.records[server] = &HealthRecord{ServerName: server, Healthy: true}
	h.probers[server] = p
	h.mu.Unlock()

	go h.run(ctx, server, interval, probe, p.done)
}

// StopProbing cancels probing for server and waits for an in-flight probe
// to return. It is a no-op when the server is not probed.
func (h *HealthMonitor) StopProbing(server string) {
	h.mu.Lock()
	p, ok := h.probers[server]
	delete(h.probers, server)
	h.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()
	<-p.done
}

// Probing reports whether server has active probing.
func (h *HealthMonitor) Probing(server string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.probers[server]
	return ok
}

// Record returns a copy of server's health record, or nil if it has none.
func (h *HealthMonitor) Record(server string) *HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[server]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Forget stops probing and drops the server's record.
func (h *HealthMonitor) Forget(server string) {
	h.StopProbing(server)
	h.mu.Lock()
	delete(h.records, server)
	h.mu.Unlock()
}

// Close stops all probing.
func (h *HealthMonitor) Close() {
	h.mu.Lock()
	names := make([]string, 0, len(h.probers))
	for name := range h.probers {
		names = append(names, name)
	}
	h.mu.Unlock()

	for _, name := range names {
		h.StopProbing(name)
	}
}

func (h *HealthMonitor) run(ctx context.Context, server string, interval time.Duration, probe ProbeFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
		err := probe(probeCtx)
		cancel()

		// Results of probes interrupted by StopProbing are discarded.
		if ctx.Err() != nil {
			return
		}
		h.observe(server, err)
	}
}

// observe applies one probe result.
func (h *HealthMonitor) observe(server string, err error) {
	h.mu.Lock()
	rec, ok := h.records[server]
	if !ok {
		h.mu.Unlock()
		return
	}

	rec.LastCheck = time.Now()
	wasHealthy := rec.Healthy
	if err == nil {
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
		rec.Healthy = true
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = err.Error()
		rec.Healthy = rec.ConsecutiveFailures < h.maxFailures
	}
	snapshot := *rec
	h.mu.Unlock()

	logger := log.WithServer(h.logger, server)
	if err != nil {
		metrics.RecordProbeFailure(server)
		logger.Debug("health probe failed",
			"consecutive_failures", snapshot.ConsecutiveFailures,
			log.Error(err),
		)
	}

	switch {
	case wasHealthy && !snapshot.Healthy:
		if h.events != nil {
			h.events.emit(EventUnhealthy, server, "health probes failing", map[string]any{
				"consecutiveFailures": snapshot.ConsecutiveFailures,
				"lastError":           snapshot.LastError,
			})
		}
		if h.onUnhealthy != nil {
			h.onUnhealthy(server, snapshot)
		}
	case !wasHealthy && snapshot.Healthy:
		if h.events != nil {
			h.events.emit(EventHealthy, server, "health probes recovered", nil)
		}
	}
}
