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
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
)

// exitCodes documents the process exit codes for machine consumers.
var exitCodes = map[string]int{
	"success":            shared.ExitSuccess,
	"failed":             shared.ExitFailed,
	"invalid_config":     shared.ExitInvalidConfig,
	"tool_failed":        shared.ExitToolFailed,
	"server_unavailable": shared.ExitServerUnavailable,
}

// environment lists the variables the CLI reads.
var environment = map[string]string{
	"OLYMPIAN_SECRET_<NAME>": "Value of ${secret:NAME} references in server env",
	"OLYMPIAN_LOG_LEVEL":     "Log level: trace, debug, info, warn, error",
	"OLYMPIAN_DEBUG":         "Set to 1 for debug logging with source locations",
	"LOG_FORMAT":             "Log format: text or json",
	"NO_COLOR":               "Disable colored output",
}

// CommandMetadata describes one command in JSON help.
type CommandMetadata struct {
	Name     string         `json:"name"`
	Short    string         `json:"short"`
	Long     string         `json:"long,omitempty"`
	Usage    string         `json:"usage"`
	Args     string         `json:"args,omitempty"`
	Flags    []FlagMetadata `json:"flags,omitempty"`
	Examples string         `json:"examples,omitempty"`
	Group    string         `json:"group,omitempty"`
}

// FlagMetadata describes one flag in JSON help.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the JSON output of the help command.
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata   `json:"commands,omitempty"`
	Groups      map[string][]string `json:"groups,omitempty"`
	Command     *CommandMetadata    `json:"target,omitempty"`
	GlobalFlags []FlagMetadata      `json:"global_flags"`
	ExitCodes   map[string]int      `json:"exit_codes"`
	Environment map[string]string   `json:"environment"`
}

// NewHelpCommand creates the help command. With --json it prints a manifest
// of commands, flags, exit codes and environment variables.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'olympian-mcp help' to see all available commands.
Run 'olympian-mcp help <command>' to see detailed help for a specific command.
Use --json to get machine-readable output, including the exit codes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := rootCmd
			if len(args) > 0 {
				found, rest, err := rootCmd.Find(args)
				if err != nil || len(rest) > 0 {
					return fmt.Errorf("command %q not found", args[0])
				}
				target = found
			}

			if !shared.GetJSON() && !jsonOutput {
				return target.Help()
			}

			resp := HelpResponse{
				JSONResponse: shared.NewJSONResponse("help", true),
				GlobalFlags:  flagsOf(rootCmd.PersistentFlags()),
				ExitCodes:    exitCodes,
				Environment:  environment,
			}
			if target == rootCmd {
				resp.Commands, resp.Groups = describeAll(rootCmd)
			} else {
				meta := describe(target)
				resp.Command = &meta
			}
			return shared.EmitJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// describeAll describes the visible subcommands of root and indexes them by
// their "group" annotation.
func describeAll(root *cobra.Command) ([]CommandMetadata, map[string][]string) {
	var commands []CommandMetadata
	groups := make(map[string][]string)
	for _, c := range root.Commands() {
		if c.Hidden || c.Name() == "help" {
			continue
		}
		meta := describe(c)
		commands = append(commands, meta)
		if meta.Group != "" {
			groups[meta.Group] = append(groups[meta.Group], meta.Name)
		}
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	for _, names := range groups {
		sort.Strings(names)
	}
	return commands, groups
}

func describe(cmd *cobra.Command) CommandMetadata {
	meta := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Group:    cmd.Annotations["group"],
		Flags:    flagsOf(cmd.LocalNonPersistentFlags()),
	}
	if _, rest, ok := cutUse(cmd.Use); ok {
		meta.Args = rest
	}
	return meta
}

// cutUse splits a Use line into the command name and its argument synopsis.
func cutUse(use string) (string, string, bool) {
	for i, r := range use {
		if r == ' ' {
			return use[:i], use[i+1:], true
		}
	}
	return use, "", false
}

func flagsOf(fs *pflag.FlagSet) []FlagMetadata {
	flags := []FlagMetadata{}
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		meta := FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
		}
		if ann := f.Annotations[cobra.BashCompOneRequiredFlag]; len(ann) > 0 && ann[0] == "true" {
			meta.Required = true
		}
		flags = append(flags, meta)
	})
	return flags
}
