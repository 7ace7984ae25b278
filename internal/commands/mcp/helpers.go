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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// session owns the configuration and Manager of one command invocation.
type session struct {
	source  *mcpcore.FileSource
	manager *mcpcore.Manager
}

func openSession(cmd *cobra.Command, opts shared.ManagerOptions) (*session, error) {
	src, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(cmd.ErrOrStderr())
	}
	return &session{source: src, manager: shared.NewManager(src, opts)}, nil
}

// Close stops every server the session started.
func (s *session) Close() error {
	return s.manager.Close()
}

// selectServers resolves arguments against the configured names. Arguments
// may be glob patterns ("git*"); no arguments selects every server. Each
// argument must match at least one server.
func selectServers(names []string, args []string) ([]string, error) {
	if len(args) == 0 {
		return names, nil
	}

	seen := make(map[string]bool)
	var selected []string
	for _, arg := range args {
		if !doublestar.ValidatePattern(arg) {
			return nil, shared.NewConfigError(fmt.Sprintf("invalid server pattern %q", arg), nil)
		}
		matched := false
		for _, name := range names {
			ok, _ := doublestar.Match(arg, name)
			if !ok {
				continue
			}
			matched = true
			if !seen[name] {
				seen[name] = true
				selected = append(selected, name)
			}
		}
		if !matched {
			return nil, mcpcore.ErrServerNotFound(arg)
		}
	}
	sort.Strings(selected)
	return selected, nil
}

// parseArguments builds tool arguments from --args and --arg values.
// --args holds a JSON object, @path to read one from a file, or - for stdin.
// Each --arg is key=value; values that parse as JSON keep their type.
func parseArguments(raw string, pairs []string, stdin io.Reader) (map[string]any, error) {
	args := make(map[string]any)

	if raw != "" {
		data := []byte(raw)
		switch {
		case raw == "-":
			b, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read arguments from stdin: %w", err)
			}
			data = b
		case strings.HasPrefix(raw, "@"):
			b, err := os.ReadFile(raw[1:])
			if err != nil {
				return nil, fmt.Errorf("failed to read arguments file: %w", err)
			}
			data = b
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
		if args == nil {
			args = make(map[string]any)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q must have the form key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = value
		}
	}

	return args, nil
}

// schemaProperties lists the property names of a JSON Schema object.
func schemaProperties(schema json.RawMessage) []string {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if len(schema) == 0 || json.Unmarshal(schema, &s) != nil {
		return nil
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
