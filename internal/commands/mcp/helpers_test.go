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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

func TestSelectServers(t *testing.T) {
	names := []string{"filesystem", "github", "gitlab", "slack"}

	tests := []struct {
		name     string
		args     []string
		want     []string
		wantCode mcpcore.MCPErrorCode
		wantErr  bool
	}{
		{name: "no args selects all", args: nil, want: names},
		{name: "exact name", args: []string{"slack"}, want: []string{"slack"}},
		{name: "glob", args: []string{"git*"}, want: []string{"github", "gitlab"}},
		{name: "overlapping patterns dedupe", args: []string{"github", "git*"}, want: []string{"github", "gitlab"}},
		{name: "character class", args: []string{"[fs]*"}, want: []string{"filesystem", "slack"}},
		{name: "unknown name", args: []string{"jira"}, wantCode: mcpcore.ErrorCodeNotFound, wantErr: true},
		{name: "invalid pattern", args: []string{"git["}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectServers(names, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				if tt.wantCode != "" {
					assert.Equal(t, tt.wantCode, mcpcore.CodeOf(err))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseArguments(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "args.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"path": "/tmp"}`), 0o600))

	tests := []struct {
		name    string
		raw     string
		pairs   []string
		stdin   string
		want    map[string]any
		wantErr bool
	}{
		{
			name: "empty",
			want: map[string]any{},
		},
		{
			name: "inline JSON keeps numbers exact",
			raw:  `{"query": "mcp", "limit": 10}`,
			want: map[string]any{"query": "mcp", "limit": json.Number("10")},
		},
		{
			name: "file",
			raw:  "@" + file,
			want: map[string]any{"path": "/tmp"},
		},
		{
			name:  "stdin",
			raw:   "-",
			stdin: `{"from": "stdin"}`,
			want:  map[string]any{"from": "stdin"},
		},
		{
			name:  "pairs decode JSON values",
			pairs: []string{"message=hello", "repeat=3", "loud=true", "tags=[\"a\"]"},
			want: map[string]any{
				"message": "hello",
				"repeat":  float64(3),
				"loud":    true,
				"tags":    []any{"a"},
			},
		},
		{
			name:  "pairs override args",
			raw:   `{"message": "one"}`,
			pairs: []string{"message=two"},
			want:  map[string]any{"message": "two"},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"expr=a=b"},
			want:  map[string]any{"expr": "a=b"},
		},
		{name: "not an object", raw: `[1, 2]`, wantErr: true},
		{name: "invalid JSON", raw: `{`, wantErr: true},
		{name: "missing file", raw: "@" + filepath.Join(dir, "missing.json"), wantErr: true},
		{name: "pair without equals", pairs: []string{"message"}, wantErr: true},
		{name: "pair without key", pairs: []string{"=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArguments(tt.raw, tt.pairs, strings.NewReader(tt.stdin))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaProperties(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"b":{},"a":{}},"required":["a"]}`)
	assert.Equal(t, []string{"a", "b"}, schemaProperties(schema))
	assert.Empty(t, schemaProperties(nil))
	assert.Empty(t, schemaProperties(json.RawMessage(`not json`)))
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a\n  b", indent("a\nb", "  "))
}
