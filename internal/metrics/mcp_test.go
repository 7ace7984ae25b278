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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	tests := []struct {
		name   string
		server string
		tool   string
		status string
	}{
		{name: "completed", server: "echo", tool: "ping", status: "completed"},
		{name: "timed out", server: "echo", tool: "sleep", status: "timed_out"},
		{name: "cancelled", server: "files", tool: "read", status: "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := prometheus.Labels{"server": tt.server, "tool": tt.tool, "status": tt.status}
			before := testutil.ToFloat64(toolExecutions.With(labels))

			RecordExecution(tt.server, tt.tool, tt.status, 20*time.Millisecond)

			after := testutil.ToFloat64(toolExecutions.With(labels))
			if after != before+1 {
				t.Errorf("expected count to increment by 1, got before=%f, after=%f", before, after)
			}
		})
	}
}

func TestAddPending(t *testing.T) {
	before := testutil.ToFloat64(pendingRequests.WithLabelValues("pending-test"))

	AddPending("pending-test", 1)
	AddPending("pending-test", 1)
	AddPending("pending-test", -1)

	if got := testutil.ToFloat64(pendingRequests.WithLabelValues("pending-test")); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		read   func() float64
	}{
		{
			name:   "restart",
			record: func() { RecordRestart("echo", "crashed") },
			read:   func() float64 { return testutil.ToFloat64(serverRestarts.WithLabelValues("echo", "crashed")) },
		},
		{
			name:   "probe failure",
			record: func() { RecordProbeFailure("echo") },
			read:   func() float64 { return testutil.ToFloat64(probeFailures.WithLabelValues("echo")) },
		},
		{
			name:   "protocol violation",
			record: func() { RecordProtocolViolation("echo") },
			read:   func() float64 { return testutil.ToFloat64(protocolViolations.WithLabelValues("echo")) },
		},
		{
			name:   "dropped line",
			record: func() { RecordDroppedLine("echo") },
			read:   func() float64 { return testutil.ToFloat64(droppedLines.WithLabelValues("echo")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record()
			if after := tt.read(); after != before+1 {
				t.Errorf("expected count to increment by 1, got before=%f, after=%f", before, after)
			}
		})
	}
}
