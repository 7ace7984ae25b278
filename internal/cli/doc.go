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

/*
Package cli assembles the olympian-mcp command tree: global flags, build
version, the JSON-aware help command and exit-code handling. The commands
themselves live under internal/commands.

	olympian-mcp
	├── run       supervise servers until SIGINT/SIGTERM
	├── check     start, discover, stop and report each server
	├── tools     list one server's tools
	├── call      invoke one tool
	├── history   query the execution archive
	├── status    show the state file written by run
	├── version
	└── help      --json prints a manifest of commands and exit codes

Wiring from main:

	cli.SetVersion(version, commit, date)
	root := cli.NewRootCommand(mcp.NewRunCommand(), mcp.NewCheckCommand())
	if err := root.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

-v and -q are mutually exclusive. Exit codes are 0 success, 1 failure,
2 invalid configuration, 3 tool failure and 4 server unavailable.
*/
package cli
