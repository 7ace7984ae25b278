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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServerName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "myserver", false},
		{"valid with hyphen", "my-server", false},
		{"valid with underscore", "my_server", false},
		{"valid with numbers", "server123", false},
		{"valid mixed", "my-server_v2", false},
		{"empty", "", true},
		{"starts with number", "123server", true},
		{"starts with hyphen", "-server", true},
		{"starts with underscore", "_server", true},
		{"contains space", "my server", true},
		{"contains dot", "my.server", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
		{"max length", "a" + strings.Repeat("b", 63), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServerName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnvKey(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"HOME", false},
		{"_PRIVATE", false},
		{"api_key_2", false},
		{"", true},
		{"2FAST", true},
		{"WITH-DASH", true},
		{"A=B", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateEnvKey(tt.input)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateEnvKey(%q) = %v", tt.input, err)
		})
	}
}

func TestParseConfig_JSON(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"files": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
				"env": {"API_TOKEN": "secret"},
				"autoRestart": true,
				"timeout": 1500
			},
			"git": {"command": "mcp-git", "autoStart": false, "disabled": true}
		},
		"settings": {"maxFailures": 5, "healthCheckInterval": 250}
	}`)

	cfg, err := ParseConfig("mcp.config.json", data)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	files := cfg.Servers["files"].toServerConfig("files")
	assert.Equal(t, "npx", files.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, files.Args)
	assert.True(t, files.AutoStart, "autoStart defaults to true")
	assert.True(t, files.AutoRestart)
	assert.Equal(t, 1500*time.Millisecond, files.Timeout)

	git := cfg.Servers["git"].toServerConfig("git")
	assert.False(t, git.AutoStart)
	assert.True(t, git.Disabled)

	settings := cfg.Settings.Resolve()
	assert.Equal(t, 5, settings.MaxFailures)
	assert.Equal(t, 250*time.Millisecond, settings.HealthCheckInterval)
	assert.Equal(t, DefaultSettings().DefaultTimeout, settings.DefaultTimeout)
	assert.Equal(t, 10, settings.MaxConcurrentTools)
}

func TestParseConfig_YAML(t *testing.T) {
	data := []byte(`
mcpServers:
  echo:
    command: ./echo-server
    args: ["--stdio"]
    workingDirectory: /srv
settings:
  defaultTimeout: 2000
`)

	cfg, err := ParseConfig("servers.yaml", data)
	require.NoError(t, err)

	echo := cfg.Servers["echo"].toServerConfig("echo")
	assert.Equal(t, "./echo-server", echo.Command)
	assert.Equal(t, "/srv", echo.WorkingDirectory)
	assert.Equal(t, 2*time.Second, cfg.Settings.Resolve().DefaultTimeout)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{"malformed", `{"mcpServers": `, "unexpected"},
		{"bad name", `{"mcpServers": {"9lives": {"command": "x"}}}`, "9lives"},
		{"missing command", `{"mcpServers": {"a": {"args": ["x"]}}}`, "command is required"},
		{"bad env key", `{"mcpServers": {"a": {"command": "x", "env": {"A-B": "1"}}}}`, "A-B"},
		{"negative timeout", `{"mcpServers": {"a": {"command": "x", "timeout": -1}}}`, "timeout"},
		{"negative setting", `{"settings": {"maxRestarts": -2}}`, "maxRestarts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig("mcp.config.json", []byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, ErrorCodeConfig, CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestFileSource_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	write(`{"mcpServers": {"a": {"command": "one"}, "b": {"command": "two"}}}`)
	src, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, src.ServerNames())

	write(`{"mcpServers": {"a": {"command": "one"}, "b": {"command": "changed"}, "c": {"command": "three"}}}`)
	changed, err := src.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, changed)

	b, err := src.ServerConfig("b")
	require.NoError(t, err)
	assert.Equal(t, "changed", b.Command)

	write(`{"mcpServers": {"c": {"command": "three"}}}`)
	changed, err = src.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, changed)

	_, err = src.ServerConfig("a")
	assert.Equal(t, ErrorCodeNotFound, CodeOf(err))
}

func TestFileSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {"command": "one"}}}`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"a": {}}}`), 0o600))
	_, err = src.Reload()
	require.Error(t, err)

	a, err := src.ServerConfig("a")
	require.NoError(t, err)
	assert.Equal(t, "one", a.Command)
}

func TestServerConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("OLYMPIAN_TEST_TOKEN", "t0k3n")

	cfg := ServerConfig{
		Name:    "api",
		Command: "api-server",
		Env:     map[string]string{"TOKEN": "${OLYMPIAN_TEST_TOKEN}", "PLAIN": "value"},
	}
	pc, err := cfg.processConfig(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "t0k3n", pc.Env["TOKEN"])
	assert.Equal(t, "value", pc.Env["PLAIN"])
	assert.Equal(t, "${OLYMPIAN_TEST_TOKEN}", cfg.Env["TOKEN"], "source config is not modified")
}

type stubSecrets map[string]string

func (s stubSecrets) Expand(_ context.Context, value string) (string, error) {
	if v, ok := s[value]; ok {
		return v, nil
	}
	if strings.HasPrefix(value, "${secret:") {
		return "", errors.New("secret not found")
	}
	return value, nil
}

func TestServerConfig_ExpandsSecrets(t *testing.T) {
	cfg := ServerConfig{
		Name:    "api",
		Command: "api-server",
		Env:     map[string]string{"TOKEN": "${secret:token}", "HOME_DIR": "$HOME"},
	}
	t.Setenv("HOME", "/home/test")

	pc, err := cfg.processConfig(context.Background(), stubSecrets{"${secret:token}": "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", pc.Env["TOKEN"])
	assert.Equal(t, "/home/test", pc.Env["HOME_DIR"])

	cfg.Env = map[string]string{"TOKEN": "${secret:missing}"}
	_, err = cfg.processConfig(context.Background(), stubSecrets{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env TOKEN")
}

func TestServerConfig_SecretValuesAreLiteral(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	cfg := ServerConfig{
		Name:    "api",
		Command: "api-server",
		Env:     map[string]string{"DSN": "user:${secret:pw}@$HOME"},
	}

	pc, err := cfg.processConfig(context.Background(), stubSecrets{"${secret:pw}": "p$HOME"})
	require.NoError(t, err)
	assert.Equal(t, "user:p$HOME@/home/test", pc.Env["DSN"])
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(ServerConfig{Name: "b", Command: "x"}, ServerConfig{Name: "a", Command: "y"})
	assert.Equal(t, []string{"a", "b"}, src.ServerNames())

	src.Set(ServerConfig{Name: "a", Command: "z"})
	a, err := src.ServerConfig("a")
	require.NoError(t, err)
	assert.Equal(t, "z", a.Command)

	_, err = src.ServerConfig("missing")
	assert.Equal(t, ErrorCodeNotFound, CodeOf(err))
}

func TestRedactEnv(t *testing.T) {
	redacted := RedactEnv(map[string]string{
		"API_KEY":     "abc",
		"GH_TOKEN":    "def",
		"DB_PASSWORD": "ghi",
		"HOME":        "/root",
	})

	assert.Equal(t, "***REDACTED***", redacted["API_KEY"])
	assert.Equal(t, "***REDACTED***", redacted["GH_TOKEN"])
	assert.Equal(t, "***REDACTED***", redacted["DB_PASSWORD"])
	assert.Equal(t, "/root", redacted["HOME"])
}
