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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/assert"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/cli/format"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

type callOptions struct {
	args           string
	pairs          []string
	timeout        time.Duration
	filter         string
	idempotencyKey string
	assertion      string
}

// NewCallCommand creates the call command.
func NewCallCommand() *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Invoke one tool and print the execution result",
		Long: `Start an MCP server, invoke one of its tools and print the execution
result as JSON. The server is stopped afterwards.

Arguments come from --args (a JSON object, @file or - for stdin) and from
repeated --arg key=value flags. --jq filters the result with a jq
expression. --assert evaluates an expression over the result and fails the
command when it is false; it can reference result, status, success, error,
errorCode and durationMs.`,
		Annotations: map[string]string{
			"group": "execution",
		},
		Example: `  # Call a tool with inline arguments
  olympian-mcp call github search_repositories --args '{"query":"mcp"}'

  # Build arguments from flags and keep part of the result
  olympian-mcp call files read_file --arg path=README.md --jq '.result'

  # Fail unless the result matches
  olympian-mcp call api health --assert 'success && durationMs < 500'`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVar(&opts.args, "args", "", "Tool arguments as a JSON object, @file or - for stdin")
	cmd.Flags().StringArrayVar(&opts.pairs, "arg", nil, "Tool argument as key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Request timeout (defaults to the configured timeout)")
	cmd.Flags().StringVar(&opts.filter, "jq", "", "jq expression applied to the result")
	cmd.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "Key used to merge identical in-flight calls")
	cmd.Flags().StringVar(&opts.assertion, "assert", "", "Expression the result must satisfy")

	return cmd
}

func runCall(cmd *cobra.Command, server, tool string, opts callOptions) error {
	arguments, err := parseArguments(opts.args, opts.pairs, cmd.InOrStdin())
	if err != nil {
		return shared.NewToolError("invalid tool arguments", err)
	}

	s, err := openSession(cmd, shared.ManagerOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if err := s.manager.StartServer(ctx, server); err != nil {
		return err
	}
	defer s.manager.StopServer(context.WithoutCancel(ctx), server)

	result := s.manager.ExecuteTool(ctx, mcpcore.ExecuteRequest{
		ServerName:     server,
		ToolName:       tool,
		Arguments:      arguments,
		Timeout:        opts.timeout,
		IdempotencyKey: opts.idempotencyKey,
		ResultFilter:   opts.filter,
	})

	var check *assert.Result
	if opts.assertion != "" {
		r := assert.New().EvaluateResult(opts.assertion, result)
		check = &r
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Execution *mcpcore.ExecutionResult `json:"execution"`
			Assertion *assert.Result           `json:"assertion,omitempty"`
		}{
			JSONResponse: shared.NewJSONResponse("call", result.Success && (check == nil || check.Passed)),
			Execution:    result,
			Assertion:    check,
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		rendered, err := format.JSON(result, format.IsTTY(out))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rendered)
	}

	if !result.Success {
		return shared.NewToolError(fmt.Sprintf("%s/%s %s", server, tool, result.Status), resultError(result))
	}
	if check != nil {
		switch {
		case check.Error != "":
			return shared.NewToolError("assertion could not be evaluated", errors.New(check.Error))
		case !check.Passed:
			return shared.NewToolError(fmt.Sprintf("assertion failed: %s", check.Expression), nil)
		}
	}
	return nil
}

func resultError(r *mcpcore.ExecutionResult) error {
	if r.Error == "" {
		return nil
	}
	if r.ErrorCode != "" {
		return mcpcore.NewMCPError(r.ErrorCode, r.Error)
	}
	return errors.New(r.Error)
}
