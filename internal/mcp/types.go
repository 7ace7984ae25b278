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
	"time"
)

// ToolDefinition describes a tool discovered on an MCP server.
type ToolDefinition struct {
	// ServerName is the server exposing the tool
	ServerName string `json:"serverName"`

	// Name is the tool name as known to the server
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema of the tool arguments, verbatim
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	required []string
}

// Required returns the argument names the input schema marks as required.
func (t ToolDefinition) Required() []string {
	return t.required
}

// ExecutionStatus is the state of a tool execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// ExecuteRequest is a request to invoke one tool.
type ExecuteRequest struct {
	ServerName string         `json:"serverName"`
	ToolName   string         `json:"toolName"`
	Arguments  map[string]any `json:"arguments,omitempty"`

	// Timeout overrides the default request timeout.
	Timeout time.Duration `json:"-"`

	// IdempotencyKey, when set, replaces the argument-derived key used to
	// merge identical in-flight executions.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// ResultFilter is a jq expression applied to the transformed result.
	ResultFilter string `json:"resultFilter,omitempty"`
}

// ExecutionResult is the immutable outcome of a tool execution.
type ExecutionResult struct {
	ExecutionID string          `json:"executionId"`
	ToolName    string          `json:"toolName"`
	ServerName  string          `json:"serverName"`
	Status      ExecutionStatus `json:"status"`
	Success     bool            `json:"success"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   MCPErrorCode    `json:"errorCode,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HealthRecord is the probe history of one server.
type HealthRecord struct {
	ServerName          string    `json:"serverName"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck"`
	LastError           string    `json:"lastError,omitempty"`
	Healthy             bool      `json:"healthy"`
}

// ServerState is the lifecycle state of a managed server.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopping ServerState = "stopping"
	StateCrashed  ServerState = "crashed"
)

// ServerStatus is a point-in-time projection of a managed server.
type ServerStatus struct {
	Name          string        `json:"name"`
	State         ServerState   `json:"state"`
	PID           int           `json:"pid,omitempty"`
	StartedAt     time.Time     `json:"startedAt,omitempty"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	Health        *HealthRecord `json:"health,omitempty"`
	ToolCount     int           `json:"toolCount"`
	PendingCount  int           `json:"pendingRequests"`
	Restarts      int           `json:"restarts"`
	LastError     string        `json:"lastError,omitempty"`
	Disabled      bool          `json:"disabled,omitempty"`
	AutoRestart   bool          `json:"autoRestart"`
	ServerVersion string        `json:"serverVersion,omitempty"`
}
