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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// Exit codes of olympian-mcp commands
const (
	ExitSuccess           = 0
	ExitFailed            = 1
	ExitInvalidConfig     = 2
	ExitToolFailed        = 3
	ExitServerUnavailable = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unreadable or invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewToolError creates an error for a tool call that did not succeed
func NewToolError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitToolFailed, Message: msg, Cause: cause}
}

// NewServerError creates an error for a server that could not be started
// or reached
func NewServerError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitServerUnavailable, Message: msg, Cause: cause}
}

// ExitCode returns the exit code for err. ExitErrors carry their own code;
// MCP errors map by category.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch mcp.CodeOf(err) {
	case mcp.ErrorCodeConfig:
		return ExitInvalidConfig
	case mcp.ErrorCodeSpawn, mcp.ErrorCodeStartFailed, mcp.ErrorCodeNotRunning,
		mcp.ErrorCodeTransportClosed, mcp.ErrorCodeDisabled, mcp.ErrorCodeNotFound,
		mcp.ErrorCodeDiscovery, mcp.ErrorCodeProtocolViolation:
		return ExitServerUnavailable
	case mcp.ErrorCodeToolError, mcp.ErrorCodeUnknownTool, mcp.ErrorCodeInvalidArguments,
		mcp.ErrorCodeTimeout, mcp.ErrorCodeCancelled:
		return ExitToolFailed
	}
	return ExitFailed
}

// ReportError writes err and, for MCP errors, their suggestions to w, and
// returns the exit code.
func ReportError(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}

	if mcpErr, ok := err.(*mcp.MCPError); ok {
		fmt.Fprint(w, mcpErr.Report())
		return ExitCode(err)
	}

	fmt.Fprintln(w, "Error:", err.Error())

	var mcpErr *mcp.MCPError
	if errors.As(err, &mcpErr) && len(mcpErr.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
		for _, s := range mcpErr.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}

	return ExitCode(err)
}

// HandleExitError reports err on stderr and exits with its exit code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(ReportError(os.Stderr, err))
}
