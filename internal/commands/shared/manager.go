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

import (
	"io"
	"log/slog"
	"os"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/secrets"
)

// ManagerOptions are the optional collaborators of a command's Manager.
type ManagerOptions struct {
	Logger *slog.Logger
	Sink   mcp.HistorySink
	Tap    func(server string) transport.Tap

	// Secrets defaults to the environment then the OS keychain
	Secrets mcp.SecretExpander
}

// NewLogger builds the CLI logger on w. It honours the LOG_* and
// OLYMPIAN_* environment variables, defaults to text output and raises the
// level to debug with --verbose.
func NewLogger(w io.Writer) *slog.Logger {
	cfg := log.FromEnv()
	cfg.Output = w
	if os.Getenv("LOG_FORMAT") == "" {
		cfg.Format = log.FormatText
	}
	if GetVerbose() && cfg.Level != "trace" {
		cfg.Level = "debug"
	}
	if GetQuiet() && !GetVerbose() {
		cfg.Level = "error"
	}
	return log.New(cfg)
}

// LoadConfig loads the configuration file named by --config.
func LoadConfig() (*mcp.FileSource, error) {
	src, err := mcp.LoadFile(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load MCP configuration", err)
	}
	return src, nil
}

// NewManager builds a Manager over src. No server is started.
func NewManager(src *mcp.FileSource, opts ManagerOptions) *mcp.Manager {
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewDefaultResolver()
	}
	v, _, _ := GetVersion()
	return mcp.NewManager(mcp.ManagerConfig{
		Source:        src,
		Settings:      src.Settings(),
		Logger:        opts.Logger,
		Sink:          opts.Sink,
		Tap:           opts.Tap,
		Secrets:       opts.Secrets,
		ClientVersion: v,
	})
}
