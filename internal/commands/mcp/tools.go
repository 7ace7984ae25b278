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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/cli/format"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

const descriptionWidth = 60

// NewToolsCommand creates the tools command.
func NewToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <name>",
		Short: "List the tools a server exposes",
		Long: `Start an MCP server, list the tools it advertises with their arguments,
and stop it again.`,
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Example: `  olympian-mcp tools github
  olympian-mcp tools github --json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, args[0])
		},
	}
}

func runTools(cmd *cobra.Command, name string) error {
	s, err := openSession(cmd, shared.ManagerOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if err := s.manager.StartServer(ctx, name); err != nil {
		return err
	}
	defer s.manager.StopServer(context.WithoutCancel(ctx), name)

	tools, ok := s.manager.Tools(name)
	if !ok {
		if tools, err = s.manager.DiscoverTools(ctx, name); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Server string                   `json:"server"`
			Tools  []mcpcore.ToolDefinition `json:"tools"`
		}{
			JSONResponse: shared.NewJSONResponse("tools", true),
			Server:       name,
			Tools:        tools,
		}
		if resp.Tools == nil {
			resp.Tools = []mcpcore.ToolDefinition{}
		}
		return shared.EmitJSON(out, resp)
	}

	printTools(out, name, tools, format.IsTTY(out))
	return nil
}

func printTools(w io.Writer, server string, tools []mcpcore.ToolDefinition, tty bool) {
	if len(tools) == 0 {
		fmt.Fprintf(w, "%s exposes no tools\n", server)
		return
	}

	fmt.Fprintf(w, "Tools from %s:\n\n", shared.Header.Render(server))
	for _, tool := range tools {
		fmt.Fprintf(w, "  %s\n", tool.Name)
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			rendered := strings.TrimRight(format.Markdown(desc, descriptionWidth, tty), "\n")
			fmt.Fprintln(w, indent(rendered, "    "))
		}

		props := schemaProperties(tool.InputSchema)
		if len(props) == 0 {
			fmt.Fprintln(w)
			continue
		}
		required := make(map[string]bool)
		for _, r := range tool.Required() {
			required[r] = true
		}
		args := make([]string, len(props))
		for i, p := range props {
			if required[p] {
				args[i] = p + "*"
			} else {
				args[i] = p
			}
		}
		fmt.Fprintf(w, "    %s %s\n\n", shared.Muted.Render("args:"), strings.Join(args, ", "))
	}
	fmt.Fprintln(w, shared.Muted.Render("* required"))
}
