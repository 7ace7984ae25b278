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

/*
Package mcp supervises Model Context Protocol (MCP) servers and invokes
their tools.

MCP servers are child processes speaking line-delimited JSON-RPC 2.0 over
their standard streams. This package spawns them, performs the initialize
handshake, discovers their tools, monitors their health and dispatches
tools/call requests with timeouts, cancellation and de-duplication.

# Overview

The implementation consists of several components:

  - Manager: per-server lifecycle (start, stop, restart, crash handling)
  - Dispatcher: tool discovery, argument validation and execution
  - HealthMonitor: periodic ping probes with failure counting
  - FileSource and ConfigWatcher: mcp.config.json loading and hot reload
  - EventBus: typed lifecycle events for observers

Lower layers live in subpackages: jsonrpc (framing), process (child
processes) and transport (request correlation over stdio).

# Server Lifecycle

Load configuration and start the auto-start servers:

	src, err := mcp.LoadFile("mcp.config.json")
	if err != nil {
		return err
	}
	mgr := mcp.NewManager(mcp.ManagerConfig{
		Source:   src,
		Settings: src.Settings(),
		Logger:   logger,
	})
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		logger.Warn("some servers failed to start", "error", err)
	}

Each server moves through stopped, starting, running, stopping and
crashed. A crashed server is restarted only when configured with
autoRestart, with exponential backoff and at most maxRestarts attempts per
restartWindow.

# Tool Execution

	result := mgr.ExecuteTool(ctx, mcp.ExecuteRequest{
		ServerName: "filesystem",
		ToolName:   "read_file",
		Arguments:  map[string]any{"path": "/tmp/notes.txt"},
	})
	if !result.Success {
		return fmt.Errorf("%s: %s", result.ErrorCode, result.Error)
	}

ExecuteTool never returns an error: failures are described by the result.
Unknown tools and missing required arguments are rejected without sending
anything to the server. Identical executions already in flight are joined.

# Error Handling

Errors are *MCPError values carrying a code and suggestions:

	if err := mgr.StartServer(ctx, "github"); err != nil {
		var mcpErr *mcp.MCPError
		if errors.As(err, &mcpErr) {
			fmt.Fprint(os.Stderr, mcpErr.Report())
		}
	}
*/
package mcp
