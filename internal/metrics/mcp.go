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

// Package metrics holds the Prometheus collectors for the MCP subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olympian_mcp_tool_executions_total",
			Help: "Tool executions by terminal status",
		},
		[]string{"server", "tool", "status"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "olympian_mcp_tool_execution_duration_seconds",
			Help:    "Wall-clock duration of tool executions",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"server", "tool"},
	)

	pendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "olympian_mcp_pending_requests",
			Help: "Requests written to a server and awaiting a response",
		},
		[]string{"server"},
	)

	serverRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olympian_mcp_server_restarts_total",
			Help: "Automatic server restarts by trigger",
		},
		[]string{"server", "reason"},
	)

	probeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olympian_mcp_health_probe_failures_total",
			Help: "Failed health probes",
		},
		[]string{"server"},
	)

	protocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olympian_mcp_protocol_violations_total",
			Help: "Inbound messages that could not be correlated",
		},
		[]string{"server"},
	)

	droppedLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olympian_mcp_dropped_lines_total",
			Help: "Non-protocol stdout lines discarded by the decoder",
		},
		[]string{"server"},
	)
)

// RecordExecution records a finished tool execution.
// status is one of: completed, failed, cancelled, timed_out
func RecordExecution(server, tool, status string, d time.Duration) {
	toolExecutions.WithLabelValues(server, tool, status).Inc()
	toolDuration.WithLabelValues(server, tool).Observe(d.Seconds())
}

// AddPending adjusts the pending request gauge by delta.
func AddPending(server string, delta float64) {
	pendingRequests.WithLabelValues(server).Add(delta)
}

// RecordRestart increments the restart counter.
// reason is one of: crashed, unhealthy, config_changed
func RecordRestart(server, reason string) {
	serverRestarts.WithLabelValues(server, reason).Inc()
}

func RecordProbeFailure(server string) {
	probeFailures.WithLabelValues(server).Inc()
}

func RecordProtocolViolation(server string) {
	protocolViolations.WithLabelValues(server).Inc()
}

func RecordDroppedLine(server string) {
	droppedLines.WithLabelValues(server).Inc()
}
