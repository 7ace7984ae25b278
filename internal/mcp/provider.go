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

import "context"

// ServerController defines the control surface the rest of the system uses
// to manage MCP servers and invoke their tools.
// This interface enables dependency injection and testing with fake implementations.
type ServerController interface {
	// StartServer starts a configured server and waits until it is running.
	StartServer(ctx context.Context, name string) error

	// StopServer stops a server. Stopping a stopped server is a no-op.
	StopServer(ctx context.Context, name string) error

	// RestartServer stops and starts a server with fresh configuration.
	RestartServer(ctx context.Context, name string) error

	// GetServerStatus returns the status projection of one server.
	GetServerStatus(name string) (*ServerStatus, error)

	// ListServers returns the status of every known server.
	ListServers() []ServerStatus

	// ExecuteTool invokes a tool. It always returns a result.
	ExecuteTool(ctx context.Context, req ExecuteRequest) *ExecutionResult

	// DiscoverTools refreshes tool definitions of the named servers, or of
	// all running servers when none is named.
	DiscoverTools(ctx context.Context, names ...string) ([]ToolDefinition, error)

	// CancelExecution cancels an in-flight execution.
	CancelExecution(id string) bool

	// GetExecutionHistory returns up to limit recent results, oldest first.
	GetExecutionHistory(limit int) []ExecutionResult
}

var _ ServerController = (*Manager)(nil)
