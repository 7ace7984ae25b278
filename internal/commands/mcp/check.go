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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
)

// checkParallelism bounds how many servers are probed at once.
const checkParallelism = 4

// checkResult is the outcome of checking one server.
type checkResult struct {
	Name          string            `json:"name"`
	OK            bool              `json:"ok"`
	Disabled      bool              `json:"disabled,omitempty"`
	ServerVersion string            `json:"serverVersion,omitempty"`
	ToolCount     int               `json:"toolCount"`
	StartupMs     int64             `json:"startupMs"`
	Error         *shared.JSONError `json:"error,omitempty"`

	err error
}

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [name|pattern...]",
		Short: "Start configured servers, verify the handshake and stop them",
		Long: `Start each selected MCP server, complete the protocol handshake, discover
its tools and stop it again. With no arguments every configured server is
checked. Arguments may be glob patterns such as "git*".

Disabled servers are reported but not started.`,
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Example: `  # Check every configured server
  olympian-mcp check

  # Check matching servers and report as JSON
  olympian-mcp check 'git*' --json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args)
		},
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, shared.ManagerOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := selectServers(s.source.ServerNames(), args)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return shared.NewConfigError("no MCP servers configured", nil)
	}

	results := make([]checkResult, len(names))
	g := new(errgroup.Group)
	g.SetLimit(checkParallelism)
	for i, name := range names {
		g.Go(func() error {
			results[i] = checkServer(cmd.Context(), s, name)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK && !r.Disabled {
			failed++
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Servers []checkResult `json:"servers"`
		}{
			JSONResponse: shared.NewJSONResponse("check", failed == 0),
			Servers:      results,
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		printCheckResults(out, results)
	}

	if failed > 0 {
		return shared.NewServerError(fmt.Sprintf("%d of %d servers failed", failed, len(results)), nil)
	}
	return nil
}

func checkServer(ctx context.Context, s *session, name string) checkResult {
	r := checkResult{Name: name}

	cfg, err := s.source.ServerConfig(name)
	if err != nil {
		return r.fail(name, err)
	}
	if cfg.Disabled {
		r.Disabled = true
		return r
	}

	begin := time.Now()
	if err := s.manager.StartServer(ctx, name); err != nil {
		return r.fail(name, err)
	}
	r.StartupMs = time.Since(begin).Milliseconds()
	defer s.manager.StopServer(context.WithoutCancel(ctx), name)

	if status, err := s.manager.GetServerStatus(name); err == nil {
		r.ServerVersion = status.ServerVersion
	}
	tools, ok := s.manager.Tools(name)
	if !ok {
		var derr error
		tools, derr = s.manager.DiscoverTools(ctx, name)
		if derr != nil {
			return r.fail(name, derr)
		}
	}
	r.ToolCount = len(tools)
	r.OK = true
	return r
}

func (r checkResult) fail(name string, err error) checkResult {
	je := shared.NewJSONError(name, err)
	r.Error = &je
	r.err = err
	return r
}

func printCheckResults(w io.Writer, results []checkResult) {
	for _, r := range results {
		switch {
		case r.Disabled:
			fmt.Fprintln(w, shared.RenderWarn(fmt.Sprintf("%s: disabled", r.Name)))
		case r.OK:
			detail := fmt.Sprintf("%d tools, started in %dms", r.ToolCount, r.StartupMs)
			if r.ServerVersion != "" {
				detail = r.ServerVersion + ", " + detail
			}
			fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("%s %s", r.Name, shared.Muted.Render("("+detail+")"))))
		default:
			fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("%s: %s", r.Name, r.err)))
			for _, s := range r.Error.Suggestions {
				fmt.Fprintf(w, "    - %s\n", s)
			}
		}
	}
}
