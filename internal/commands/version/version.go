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

package version

import (
	"fmt"
	"runtime"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
)

// Info describes the running binary.
type Info struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildDate       string `json:"build_date"`
	ProtocolVersion string `json:"protocol_version"`
	GoVersion       string `json:"go_version"`
	Platform        string `json:"platform"`
}

// Current returns the build information recorded by main.
func Current() Info {
	v, c, b := shared.GetVersion()
	return Info{
		Version:         v,
		Commit:          c,
		BuildDate:       b,
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Long:        `Print the build version and the MCP protocol revision offered during initialize.`,
		Annotations: map[string]string{"group": "diagnostics"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := Current()
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), struct {
					shared.JSONResponse
					Info
				}{shared.NewJSONResponse("version", true), info})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "olympian-mcp %s (%s, built %s)\n", info.Version, info.Commit, info.BuildDate)
			fmt.Fprintf(w, "MCP protocol %s, %s %s\n", info.ProtocolVersion, info.GoVersion, info.Platform)
			return nil
		},
	}
}
