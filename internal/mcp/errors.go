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
	"errors"
	"fmt"
	"strings"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/jsonrpc"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/process"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
)

// MCPErrorCode represents a category of MCP error.
type MCPErrorCode string

const (
	// ErrorCodeNotFound indicates a server is not configured.
	ErrorCodeNotFound MCPErrorCode = "NOT_FOUND"
	// ErrorCodeAlreadyRunning indicates a server is already running.
	ErrorCodeAlreadyRunning MCPErrorCode = "ALREADY_RUNNING"
	// ErrorCodeNotRunning indicates a server is not running.
	ErrorCodeNotRunning MCPErrorCode = "NOT_RUNNING"
	// ErrorCodeDisabled indicates a server is disabled in configuration.
	ErrorCodeDisabled MCPErrorCode = "DISABLED"
	// ErrorCodeSpawn indicates the server process could not be launched.
	ErrorCodeSpawn MCPErrorCode = "SPAWN_FAILED"
	// ErrorCodeStartFailed indicates the server launched but did not
	// complete the handshake.
	ErrorCodeStartFailed MCPErrorCode = "START_FAILED"
	// ErrorCodeTransportClosed indicates the server connection is gone.
	ErrorCodeTransportClosed MCPErrorCode = "TRANSPORT_CLOSED"
	// ErrorCodeTimeout indicates a request timed out.
	ErrorCodeTimeout MCPErrorCode = "TIMEOUT"
	// ErrorCodeCancelled indicates a request was cancelled.
	ErrorCodeCancelled MCPErrorCode = "CANCELLED"
	// ErrorCodeUnknownTool indicates the tool is not in the discovered set.
	ErrorCodeUnknownTool MCPErrorCode = "UNKNOWN_TOOL"
	// ErrorCodeInvalidArguments indicates required arguments are missing.
	ErrorCodeInvalidArguments MCPErrorCode = "INVALID_ARGUMENTS"
	// ErrorCodeDiscovery indicates the tool list could not be fetched.
	ErrorCodeDiscovery MCPErrorCode = "DISCOVERY_FAILED"
	// ErrorCodeProtocolViolation indicates a malformed or unexpected message.
	ErrorCodeProtocolViolation MCPErrorCode = "PROTOCOL_VIOLATION"
	// ErrorCodeToolError indicates the server reported the call as failed.
	ErrorCodeToolError MCPErrorCode = "TOOL_ERROR"
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig MCPErrorCode = "CONFIG"
	// ErrorCodeInternalError indicates an internal error.
	ErrorCodeInternalError MCPErrorCode = "INTERNAL"
)

// MCPError is an error type that includes suggestions for resolution.
type MCPError struct {
	// Code is the error category.
	Code MCPErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *MCPError) Unwrap() error {
	return e.Cause
}

// Report renders the error with its suggestions for terminal output.
func (e *MCPError) Report() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Detail != "" {
		sb.WriteString("  -> ")
		sb.WriteString(e.Detail)
		sb.WriteString("\n")
	}

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n  Suggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// NewMCPError creates a new MCPError.
func NewMCPError(code MCPErrorCode, message string) *MCPError {
	return &MCPError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *MCPError) WithDetail(detail string) *MCPError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *MCPError) WithSuggestions(suggestions ...string) *MCPError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *MCPError) WithCause(cause error) *MCPError {
	e.Cause = cause
	return e
}

// ErrServerNotFound creates an error for a server missing from configuration.
func ErrServerNotFound(name string) *MCPError {
	return NewMCPError(ErrorCodeNotFound, fmt.Sprintf("MCP server '%s' not found", name)).
		WithSuggestions(
			"Check the server name against mcpServers in mcp.config.json",
			"List configured servers: olympian-mcp check",
		)
}

// ErrServerAlreadyRunning creates an error for when a server is already running.
func ErrServerAlreadyRunning(name string) *MCPError {
	return NewMCPError(ErrorCodeAlreadyRunning, fmt.Sprintf("MCP server '%s' is already running", name))
}

// ErrServerNotRunning creates an error for when a server is not running.
func ErrServerNotRunning(name string) *MCPError {
	return NewMCPError(ErrorCodeNotRunning, fmt.Sprintf("MCP server '%s' is not running", name)).
		WithSuggestions(
			fmt.Sprintf("Verify the server starts: olympian-mcp check %s", name),
			"Check whether the server crashed: olympian-mcp run logs the exit",
		)
}

// ErrServerDisabled creates an error for a server marked disabled.
func ErrServerDisabled(name string) *MCPError {
	return NewMCPError(ErrorCodeDisabled, fmt.Sprintf("MCP server '%s' is disabled", name)).
		WithSuggestions(fmt.Sprintf("Set \"disabled\": false for '%s' in mcp.config.json", name))
}

// SpawnError creates an error for a process that could not be launched.
func SpawnError(name string, cause error) *MCPError {
	suggestions := []string{
		"Verify the command is installed and in your PATH",
		"Use an absolute path for command",
	}
	var spawnErr *process.SpawnError
	if errors.As(cause, &spawnErr) {
		switch spawnErr.Command {
		case "npx", "node":
			suggestions = append(suggestions, "Install Node.js: https://nodejs.org/")
		case "python", "python3", "uvx":
			suggestions = append(suggestions, "Install Python: https://python.org/")
		}
	}
	return NewMCPError(ErrorCodeSpawn, fmt.Sprintf("Failed to launch MCP server '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(suggestions...)
}

// ErrStartFailed creates an error for a server that launched but could not
// be brought to running.
func ErrStartFailed(name string, cause error) *MCPError {
	return NewMCPError(ErrorCodeStartFailed, fmt.Sprintf("Failed to start MCP server '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Check the server's stderr output for startup errors",
			"Verify the server implements the MCP stdio protocol",
			"Ensure required environment variables are set",
		)
}

// TransportClosed creates an error for a request on a closed connection.
func TransportClosed(name string, cause error) *MCPError {
	e := NewMCPError(ErrorCodeTransportClosed, fmt.Sprintf("Connection to MCP server '%s' closed", name))
	if cause != nil {
		e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// TimeoutError creates an error for a request that timed out.
func TimeoutError(name, operation string, cause error) *MCPError {
	e := NewMCPError(ErrorCodeTimeout, fmt.Sprintf("Operation '%s' on MCP server '%s' timed out", operation, name)).
		WithSuggestions("Retry the request", "Increase the timeout")
	if cause != nil {
		e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// Cancelled creates an error for a cancelled request.
func Cancelled(name, operation string, cause error) *MCPError {
	e := NewMCPError(ErrorCodeCancelled, fmt.Sprintf("Operation '%s' on MCP server '%s' was cancelled", operation, name))
	if cause != nil {
		e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// UnknownTool creates an error for a tool absent from the discovered set.
func UnknownTool(server, tool string) *MCPError {
	return NewMCPError(ErrorCodeUnknownTool, fmt.Sprintf("Tool '%s' not found on MCP server '%s'", tool, server)).
		WithSuggestions(fmt.Sprintf("List available tools: olympian-mcp tools %s", server))
}

// InvalidArguments creates an error for missing required arguments.
func InvalidArguments(tool string, missing []string) *MCPError {
	return NewMCPError(ErrorCodeInvalidArguments, fmt.Sprintf("Invalid arguments for tool '%s'", tool)).
		WithDetail("missing required: " + strings.Join(missing, ", "))
}

// DiscoveryError creates an error for a failed tools/list.
func DiscoveryError(name string, cause error) *MCPError {
	return NewMCPError(ErrorCodeDiscovery, fmt.Sprintf("Failed to discover tools on MCP server '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause)
}

// ProtocolViolation creates an error for a message that breaks the protocol.
func ProtocolViolation(name, detail string) *MCPError {
	return NewMCPError(ErrorCodeProtocolViolation, fmt.Sprintf("MCP server '%s' violated the protocol", name)).
		WithDetail(detail)
}

// ErrInvalidConfig creates an error for invalid configuration.
func ErrInvalidConfig(detail string) *MCPError {
	return NewMCPError(ErrorCodeConfig, "Invalid MCP server configuration").
		WithDetail(detail).
		WithSuggestions(
			"Check the syntax of mcp.config.json",
			"Ensure every server has a command",
		)
}

// ErrInvalidServerName creates an error for an invalid server name.
func ErrInvalidServerName(name string) *MCPError {
	return NewMCPError(ErrorCodeConfig, fmt.Sprintf("Invalid server name '%s'", name)).
		WithDetail("Names must start with a letter, contain only letters/numbers/hyphens/underscores, and be at most 64 characters")
}

// Classify maps an error from the transport or process layers to the
// MCPError describing it. MCPErrors are returned unchanged.
func Classify(server, operation string, err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var rpcErr *jsonrpc.Error
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TimeoutError(server, operation, err)
	case errors.Is(err, transport.ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled(server, operation, err)
	case errors.Is(err, transport.ErrClosed):
		return TransportClosed(server, err)
	case errors.As(err, &spawnErr):
		return SpawnError(server, err)
	case errors.As(err, &rpcErr):
		return NewMCPError(ErrorCodeToolError, fmt.Sprintf("MCP server '%s' rejected '%s'", server, operation)).
			WithDetail(rpcErr.Message).
			WithCause(err)
	default:
		return NewMCPError(ErrorCodeInternalError, fmt.Sprintf("Operation '%s' on MCP server '%s' failed", operation, server)).
			WithDetail(err.Error()).
			WithCause(err)
	}
}

// CodeOf returns the MCPErrorCode in err's chain, or "" when there is none.
func CodeOf(err error) MCPErrorCode {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr.Code
	}
	return ""
}
