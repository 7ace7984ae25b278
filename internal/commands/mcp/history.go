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
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/cli/format"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/historydb"
)

type historyOptions struct {
	db     string
	server string
	tool   string
	status string
	limit  int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var opts historyOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived tool executions",
		Long: `Show tool executions archived by 'olympian-mcp run --history-db'. The
most recent executions are listed first.`,
		Annotations: map[string]string{
			"group": "execution",
		},
		Example: `  olympian-mcp history --db history.db
  olympian-mcp history --db history.db --server github --status failed --limit 5`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.db, "db", "", "Path of the execution archive")
	cmd.Flags().StringVar(&opts.server, "server", "", "Only show executions of this server")
	cmd.Flags().StringVar(&opts.tool, "tool", "", "Only show executions of this tool")
	cmd.Flags().StringVar(&opts.status, "status", "", "Only show executions with this status")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum number of executions to show")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(cmd *cobra.Command, opts historyOptions) error {
	if _, err := os.Stat(opts.db); err != nil {
		return shared.NewConfigError(fmt.Sprintf("execution archive %s not found", opts.db), err)
	}

	store, err := historydb.Open(historydb.Config{Path: opts.db})
	if err != nil {
		return shared.NewConfigError("failed to open execution archive", err)
	}
	defer store.Close()

	results, err := store.Recent(cmd.Context(), historydb.Query{
		Server: opts.server,
		Tool:   opts.tool,
		Status: mcpcore.ExecutionStatus(opts.status),
		Limit:  opts.limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Executions []mcpcore.ExecutionResult `json:"executions"`
		}{
			JSONResponse: shared.NewJSONResponse("history", true),
			Executions:   results,
		}
		if resp.Executions == nil {
			resp.Executions = []mcpcore.ExecutionResult{}
		}
		return shared.EmitJSON(out, resp)
	}

	printHistory(out, results)
	return nil
}

func printHistory(w io.Writer, results []mcpcore.ExecutionResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No executions recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSERVER\tTOOL\tSTATUS\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.Timestamp.Local().Format(time.DateTime),
			r.ServerName,
			r.ToolName,
			r.Status,
			r.DurationMs,
			format.Truncate(r.Error, 50),
		)
	}
	tw.Flush()
}
