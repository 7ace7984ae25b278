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
	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// SetVersion records build information. Call it before NewRootCommand.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the olympian-mcp root command with the global
// flags, the given subcommands and the JSON-aware help command.
func NewRootCommand(subcommands ...*cobra.Command) *cobra.Command {
	v, _, _ := shared.GetVersion()

	cmd := &cobra.Command{
		Use:   "olympian-mcp",
		Short: "olympian-mcp - supervise MCP servers and call their tools",
		Long: `olympian-mcp runs Model Context Protocol servers as child processes,
monitors their health and invokes their tools over stdio JSON-RPC.

Servers are declared in mcp.config.json under "mcpServers".

Run 'olympian-mcp check' to verify every configured server starts.
Run 'olympian-mcp run' to supervise servers until interrupted.`,
		Version:       v,
		SilenceUsage:  true,
		SilenceErrors: true, // reported by HandleExitError
	}
	cmd.SetVersionTemplate("olympian-mcp {{.Version}}\n")
	cmd.CompletionOptions.HiddenDefaultCmd = true

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	flags := cmd.PersistentFlags()
	flags.BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVarP(quiet, "quiet", "q", false, "Only log errors")
	flags.BoolVar(json, "json", false, "Output in JSON format")
	flags.StringVarP(config, "config", "c", mcp.DefaultConfigFile, "Path to the MCP server configuration (JSON or YAML)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(subcommands...)
	cmd.SetHelpCommand(NewHelpCommand(cmd))
	return cmd
}

// HandleExitError reports err and exits with its exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
