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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helpFixture builds a root command shaped like olympian-mcp.
func helpFixture() *cobra.Command {
	root := &cobra.Command{Use: "olympian-mcp", Short: "Supervise MCP servers"}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	root.PersistentFlags().StringP("config", "c", "mcp.config.json", "Configuration file")

	check := &cobra.Command{
		Use:         "check [name|pattern...]",
		Short:       "Check servers",
		Example:     "  olympian-mcp check 'git*'",
		Annotations: map[string]string{"group": "diagnostics"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	call := &cobra.Command{
		Use:         "call <server> <tool>",
		Short:       "Call a tool",
		Annotations: map[string]string{"group": "execution"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	call.Flags().Duration("timeout", 0, "Request timeout")
	history := &cobra.Command{
		Use:         "history",
		Short:       "Show history",
		Annotations: map[string]string{"group": "execution"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	history.Flags().String("db", "", "Archive path")
	_ = history.MarkFlagRequired("db")

	root.AddCommand(check, call, history)
	root.SetHelpCommand(NewHelpCommand(root))
	return root
}

func runHelp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := helpFixture()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"help"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestHelp_JSONManifest(t *testing.T) {
	out, err := runHelp(t, "--json")
	require.NoError(t, err)

	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	assert.Equal(t, "1.0", resp.Version)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Command)
	assert.Equal(t, 3, resp.ExitCodes["tool_failed"])
	assert.Equal(t, 4, resp.ExitCodes["server_unavailable"])
	assert.Contains(t, resp.Environment, "OLYMPIAN_SECRET_<NAME>")

	names := make([]string, len(resp.Commands))
	for i, c := range resp.Commands {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"call", "check", "history"}, names)
	assert.Equal(t, []string{"call", "history"}, resp.Groups["execution"])
	assert.Equal(t, []string{"check"}, resp.Groups["diagnostics"])

	require.Len(t, resp.GlobalFlags, 2)
	for _, f := range resp.GlobalFlags {
		if f.Name == "config" {
			assert.Equal(t, "c", f.Shorthand)
			assert.Equal(t, "string", f.Type)
			assert.Equal(t, "mcp.config.json", f.Default)
		}
	}
}

func TestHelp_JSONSingleCommand(t *testing.T) {
	out, err := runHelp(t, "history", "--json")
	require.NoError(t, err)

	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Command)
	assert.Empty(t, resp.Commands)

	assert.Equal(t, "history", resp.Command.Name)
	assert.Equal(t, "execution", resp.Command.Group)
	require.Len(t, resp.Command.Flags, 1)
	assert.Equal(t, "db", resp.Command.Flags[0].Name)
	assert.True(t, resp.Command.Flags[0].Required)
}

func TestHelp_UnknownCommand(t *testing.T) {
	_, err := runHelp(t, "nope", "--json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestHelp_HumanOutput(t *testing.T) {
	out, err := runHelp(t)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "expected human output")
	assert.Contains(t, out, "check")
}

func TestDescribe(t *testing.T) {
	cmd := &cobra.Command{
		Use:         "call <server> <tool>",
		Short:       "Call a tool",
		Long:        "Invoke one tool",
		Annotations: map[string]string{"group": "execution"},
	}
	cmd.Flags().String("jq", "", "Result filter")
	cmd.Flags().StringArray("arg", nil, "Argument")

	meta := describe(cmd)
	assert.Equal(t, "call", meta.Name)
	assert.Equal(t, "<server> <tool>", meta.Args)
	assert.Equal(t, "execution", meta.Group)
	require.Len(t, meta.Flags, 2)

	types := map[string]string{}
	for _, f := range meta.Flags {
		types[f.Name] = f.Type
		assert.False(t, f.Required)
	}
	assert.Equal(t, "stringArray", types["arg"])
	assert.Equal(t, "string", types["jq"])
}

func TestCutUse(t *testing.T) {
	name, args, ok := cutUse("tools <name>")
	assert.True(t, ok)
	assert.Equal(t, "tools", name)
	assert.Equal(t, "<name>", args)

	name, _, ok = cutUse("run")
	assert.False(t, ok)
	assert.Equal(t, "run", name)
}
