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

package shared

import "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"

// globals holds the persistent flag values bound by the root command.
var globals = struct {
	verbose, quiet, json bool
	config               string
}{config: mcp.DefaultConfigFile}

// build is stamped by main from -ldflags.
var build = struct{ version, commit, date string }{"dev", "unknown", "unknown"}

// RegisterFlagPointers returns the verbose, quiet, json and config
// destinations for the root command's persistent flags.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &globals.verbose, &globals.quiet, &globals.json, &globals.config
}

// SetVersion records build information.
func SetVersion(v, c, b string) {
	build.version, build.commit, build.date = v, c, b
}

// GetVersion returns the version, commit and build date.
func GetVersion() (string, string, string) {
	return build.version, build.commit, build.date
}

func GetVerbose() bool      { return globals.verbose }
func GetQuiet() bool        { return globals.quiet }
func GetJSON() bool         { return globals.json }
func GetConfigPath() string { return globals.config }

// SetFlagsForTest sets the config path and JSON flag, returning a function
// that restores the previous values.
func SetFlagsForTest(configPath string, jsonOut bool) func() {
	prev := globals
	globals.config, globals.json = configPath, jsonOut
	return func() {
		globals.config, globals.json = prev.config, prev.json
	}
}
