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
	"encoding/json"
	"errors"
	"io"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// JSONResponse is the base envelope for all JSON output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError represents a structured error with code, message and suggestions
type JSONError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Server      string   `json:"server,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// NewJSONResponse returns the envelope for command.
func NewJSONResponse(command string, success bool) JSONResponse {
	return JSONResponse{Version: "1.0", Command: command, Success: success}
}

// NewJSONError converts err into a JSONError. MCP errors keep their code
// and suggestions.
func NewJSONError(server string, err error) JSONError {
	je := JSONError{
		Code:    string(mcp.ErrorCodeInternalError),
		Message: err.Error(),
		Server:  server,
	}
	var mcpErr *mcp.MCPError
	if errors.As(err, &mcpErr) {
		je.Code = string(mcpErr.Code)
		je.Suggestions = mcpErr.Suggestions
	}
	return je
}

// EmitJSON writes response to w as indented JSON
func EmitJSON(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}
