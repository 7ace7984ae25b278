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
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/cli/format"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/pidfile"
)

type serverStateRow struct {
	Name string `json:"name"`
	mcpcore.ServerRuntimeState
}

type statusResponse struct {
	shared.JSONResponse
	SupervisorPID     int              `json:"supervisorPid,omitempty"`
	SupervisorRunning bool             `json:"supervisorRunning"`
	LastUpdated       time.Time        `json:"lastUpdated"`
	Servers           []serverStateRow `json:"servers"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the server state recorded by a supervisor",
		Long: `Show the state file written by 'olympian-mcp run --state-file': whether
the supervisor is alive, which servers it keeps running, and their restart
and failure counts.`,
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Example:      `  olympian-mcp status --state-file ~/.local/state/olympian/state.json`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, stateFile)
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", "", "Path of the supervisor state file")
	_ = cmd.MarkFlagRequired("state-file")

	return cmd
}

func runStatus(cmd *cobra.Command, path string) error {
	st, err := mcpcore.ReadStateFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return shared.NewConfigError(fmt.Sprintf("state file %s not found", path), err)
		}
		return shared.NewConfigError("failed to read state file", err)
	}

	resp := statusResponse{
		JSONResponse:      shared.NewJSONResponse("status", true),
		SupervisorPID:     st.PID,
		SupervisorRunning: pidfile.Alive(st.PID),
		LastUpdated:       st.LastUpdated,
		Servers:           []serverStateRow{},
	}
	for name, srv := range st.Servers {
		resp.Servers = append(resp.Servers, serverStateRow{Name: name, ServerRuntimeState: *srv})
	}
	sort.Slice(resp.Servers, func(i, j int) bool { return resp.Servers[i].Name < resp.Servers[j].Name })

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}
	printStatus(cmd.OutOrStdout(), resp)
	return nil
}

func printStatus(w io.Writer, resp statusResponse) {
	switch {
	case resp.SupervisorRunning:
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("supervisor running (pid %d)", resp.SupervisorPID)))
	case resp.SupervisorPID != 0:
		fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("supervisor pid %d exited uncleanly; running servers will be resumed by the next run", resp.SupervisorPID)))
	default:
		fmt.Fprintln(w, shared.RenderWarn("supervisor stopped"))
	}
	fmt.Fprintln(w, shared.Muted.Render("updated "+resp.LastUpdated.Local().Format(time.DateTime)))
	fmt.Fprintln(w)

	if len(resp.Servers) == 0 {
		fmt.Fprintln(w, "No servers recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tSINCE\tRESTARTS\tFAILURES\tLAST ERROR")
	for _, s := range resp.Servers {
		since := "-"
		if s.StartedAt != nil {
			since = s.StartedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.Name, runtimeState(s.ServerRuntimeState), since, s.Restarts, s.FailureCount,
			format.Truncate(s.LastError, 50))
	}
	tw.Flush()
}

func runtimeState(s mcpcore.ServerRuntimeState) string {
	switch {
	case s.Abandoned:
		return "abandoned"
	case s.WasRunning:
		return "running"
	default:
		return "stopped"
	}
}
