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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/process"
)

// DefaultConfigFile is the conventional configuration file name.
const DefaultConfigFile = "mcp.config.json"

// ServerNameRegex validates MCP server names.
// Names must start with a letter and contain only letters, numbers, hyphens, and underscores.
// Maximum length is 64 characters.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ServerConfig is the resolved, read-only configuration of one server.
type ServerConfig struct {
	Name             string
	Command          string
	Args             []string
	Env              map[string]string
	WorkingDirectory string
	Disabled         bool
	AutoStart        bool
	AutoRestart      bool

	// Timeout overrides Settings.DefaultTimeout for this server's tool calls.
	Timeout time.Duration
}

// SecretExpander replaces secret references in env values.
type SecretExpander interface {
	Expand(ctx context.Context, value string) (string, error)
}

// processConfig resolves env values in a single pass: ${secret:NAME}
// references through secrets, everything else against the parent
// environment. Resolved values are not expanded again.
func (c ServerConfig) processConfig(ctx context.Context, secrets SecretExpander) (process.Config, error) {
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		var firstErr error
		env[k] = os.Expand(v, func(name string) string {
			if !strings.HasPrefix(name, "secret:") {
				return os.Getenv(name)
			}
			if secrets == nil {
				return "${" + name + "}"
			}
			value, err := secrets.Expand(ctx, "${"+name+"}")
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return value
		})
		if firstErr != nil {
			return process.Config{}, fmt.Errorf("env %s: %w", k, firstErr)
		}
	}
	return process.Config{
		Name:             c.Name,
		Command:          c.Command,
		Args:             c.Args,
		Env:              env,
		WorkingDirectory: c.WorkingDirectory,
	}, nil
}

// Settings are the subsystem-wide tunables.
type Settings struct {
	DefaultTimeout      time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	MaxFailures         int
	RestartDelay        time.Duration
	MaxRestarts         int
	RestartWindow       time.Duration
	MaxConcurrentTools  int
	HistorySize         int
	StopGrace           time.Duration
	StartupTimeout      time.Duration
}

// DefaultSettings returns the settings used for absent values.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		MaxFailures:         3,
		RestartDelay:        time.Second,
		MaxRestarts:         5,
		RestartWindow:       5 * time.Minute,
		MaxConcurrentTools:  10,
		HistorySize:         1000,
		StopGrace:           process.DefaultGrace,
		StartupTimeout:      30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	pick := func(v, def time.Duration) time.Duration {
		if v == 0 {
			return def
		}
		return v
	}
	pickInt := func(v, def int) int {
		if v == 0 {
			return def
		}
		return v
	}
	return Settings{
		DefaultTimeout:      pick(s.DefaultTimeout, d.DefaultTimeout),
		HealthCheckInterval: pick(s.HealthCheckInterval, d.HealthCheckInterval),
		ProbeTimeout:        pick(s.ProbeTimeout, d.ProbeTimeout),
		MaxFailures:         pickInt(s.MaxFailures, d.MaxFailures),
		RestartDelay:        pick(s.RestartDelay, d.RestartDelay),
		MaxRestarts:         pickInt(s.MaxRestarts, d.MaxRestarts),
		RestartWindow:       pick(s.RestartWindow, d.RestartWindow),
		MaxConcurrentTools:  pickInt(s.MaxConcurrentTools, d.MaxConcurrentTools),
		HistorySize:         pickInt(s.HistorySize, d.HistorySize),
		StopGrace:           pick(s.StopGrace, d.StopGrace),
		StartupTimeout:      pick(s.StartupTimeout, d.StartupTimeout),
	}
}

// ConfigSource provides server configuration to the Manager. Every call
// returns the current configuration, so restarts observe edits.
type ConfigSource interface {
	ServerConfig(name string) (ServerConfig, error)
	ServerNames() []string
}

// ConfigFile is the on-disk configuration document.
type ConfigFile struct {
	Servers  map[string]*ServerEntry `json:"mcpServers" yaml:"mcpServers"`
	Settings SettingsEntry           `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ServerEntry is one entry of mcpServers.
type ServerEntry struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env values may reference the parent environment as ${VAR}.
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	Disabled         bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// AutoStart defaults to true.
	AutoStart   *bool `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`
	AutoRestart bool  `json:"autoRestart,omitempty" yaml:"autoRestart,omitempty"`

	// Timeout is the tool call timeout in milliseconds.
	Timeout int64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SettingsEntry holds settings as written in the file. Durations are in
// milliseconds; zero selects the default.
type SettingsEntry struct {
	DefaultTimeout      int64 `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`
	HealthCheckInterval int64 `json:"healthCheckInterval,omitempty" yaml:"healthCheckInterval,omitempty"`
	ProbeTimeout        int64 `json:"probeTimeout,omitempty" yaml:"probeTimeout,omitempty"`
	MaxFailures         int   `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
	RestartDelay        int64 `json:"restartDelay,omitempty" yaml:"restartDelay,omitempty"`
	MaxRestarts         int   `json:"maxRestarts,omitempty" yaml:"maxRestarts,omitempty"`
	RestartWindow       int64 `json:"restartWindow,omitempty" yaml:"restartWindow,omitempty"`
	MaxConcurrentTools  int   `json:"maxConcurrentTools,omitempty" yaml:"maxConcurrentTools,omitempty"`
	HistorySize         int   `json:"historySize,omitempty" yaml:"historySize,omitempty"`
	StopGrace           int64 `json:"stopGrace,omitempty" yaml:"stopGrace,omitempty"`
	StartupTimeout      int64 `json:"startupTimeout,omitempty" yaml:"startupTimeout,omitempty"`
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Resolve converts the entry to Settings with defaults applied.
func (e SettingsEntry) Resolve() Settings {
	return Settings{
		DefaultTimeout:      ms(e.DefaultTimeout),
		HealthCheckInterval: ms(e.HealthCheckInterval),
		ProbeTimeout:        ms(e.ProbeTimeout),
		MaxFailures:         e.MaxFailures,
		RestartDelay:        ms(e.RestartDelay),
		MaxRestarts:         e.MaxRestarts,
		RestartWindow:       ms(e.RestartWindow),
		MaxConcurrentTools:  e.MaxConcurrentTools,
		HistorySize:         e.HistorySize,
		StopGrace:           ms(e.StopGrace),
		StartupTimeout:      ms(e.StartupTimeout),
	}.withDefaults()
}

// Validate checks the whole document.
func (c *ConfigFile) Validate() error {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ValidateServerName(name); err != nil {
			return ErrInvalidServerName(name).WithCause(err)
		}
		entry := c.Servers[name]
		if entry == nil {
			return ErrInvalidConfig(fmt.Sprintf("server %q: empty entry", name))
		}
		if err := entry.Validate(); err != nil {
			return ErrInvalidConfig(fmt.Sprintf("server %q: %v", name, err)).WithCause(err)
		}
	}

	return c.Settings.Validate()
}

// Validate rejects negative values.
func (e SettingsEntry) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"defaultTimeout", e.DefaultTimeout},
		{"healthCheckInterval", e.HealthCheckInterval},
		{"probeTimeout", e.ProbeTimeout},
		{"maxFailures", int64(e.MaxFailures)},
		{"restartDelay", e.RestartDelay},
		{"maxRestarts", int64(e.MaxRestarts)},
		{"restartWindow", e.RestartWindow},
		{"maxConcurrentTools", int64(e.MaxConcurrentTools)},
		{"historySize", int64(e.HistorySize)},
		{"stopGrace", e.StopGrace},
		{"startupTimeout", e.StartupTimeout},
	}
	for _, c := range checks {
		if c.value < 0 {
			return ErrInvalidConfig(fmt.Sprintf("settings.%s must not be negative", c.name))
		}
	}
	return nil
}

// Validate validates a single server entry.
func (e *ServerEntry) Validate() error {
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	for key := range e.Env {
		if err := ValidateEnvKey(key); err != nil {
			return err
		}
	}
	return nil
}

// toServerConfig resolves the entry into a ServerConfig.
func (e *ServerEntry) toServerConfig(name string) ServerConfig {
	autoStart := true
	if e.AutoStart != nil {
		autoStart = *e.AutoStart
	}
	env := make(map[string]string, len(e.Env))
	for k, v := range e.Env {
		env[k] = v
	}
	return ServerConfig{
		Name:             name,
		Command:          e.Command,
		Args:             append([]string(nil), e.Args...),
		Env:              env,
		WorkingDirectory: e.WorkingDirectory,
		Disabled:         e.Disabled,
		AutoStart:        autoStart,
		AutoRestart:      e.AutoRestart,
		Timeout:          ms(e.Timeout),
	}
}

// ParseConfig decodes a configuration document. YAML is used for .yaml
// and .yml paths, JSON otherwise.
func ParseConfig(path string, data []byte) (*ConfigFile, error) {
	var cfg ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, ErrInvalidConfig(err.Error()).WithCause(err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, ErrInvalidConfig(err.Error()).WithCause(err)
		}
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerEntry)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FileSource is a ConfigSource backed by a configuration file.
type FileSource struct {
	path string

	mu  sync.RWMutex
	cfg *ConfigFile
}

// LoadFile reads and validates the configuration file at path.
func LoadFile(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file this source reads.
func (s *FileSource) Path() string { return s.path }

// Reload re-reads the file and returns the names of servers whose entry was
// added, removed or changed. On error the previous configuration is kept.
func (s *FileSource) Reload() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, ErrInvalidConfig(fmt.Sprintf("read %s: %v", s.path, err)).WithCause(err)
	}
	cfg, err := ParseConfig(s.path, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev == nil {
		return nil, nil
	}
	return diffServers(prev.Servers, cfg.Servers), nil
}

func diffServers(prev, next map[string]*ServerEntry) []string {
	var changed []string
	for name, entry := range next {
		if old, ok := prev[name]; !ok || !reflect.DeepEqual(old, entry) {
			changed = append(changed, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// ServerConfig returns the current configuration of the named server.
func (s *FileSource) ServerConfig(name string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cfg.Servers[name]
	if !ok {
		return ServerConfig{}, ErrServerNotFound(name)
	}
	return entry.toServerConfig(name), nil
}

// ServerNames lists configured servers in name order.
func (s *FileSource) ServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.cfg.Servers))
	for name := range s.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settings returns the resolved settings of the current file.
func (s *FileSource) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Settings.Resolve()
}

// StaticSource is an in-memory ConfigSource.
type StaticSource struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewStaticSource creates a source holding the given servers.
func NewStaticSource(servers ...ServerConfig) *StaticSource {
	s := &StaticSource{servers: make(map[string]ServerConfig)}
	for _, cfg := range servers {
		s.servers[cfg.Name] = cfg
	}
	return s
}

// Set adds or replaces a server.
func (s *StaticSource) Set(cfg ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.Name] = cfg
}

// Remove deletes a server.
func (s *StaticSource) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, name)
}

// ServerConfig implements ConfigSource.
func (s *StaticSource) ServerConfig(name string) (ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.servers[name]
	if !ok {
		return ServerConfig{}, ErrServerNotFound(name)
	}
	return cfg, nil
}

// ServerNames implements ConfigSource.
func (s *StaticSource) ServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateServerName validates an MCP server name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("server name exceeds 64 character limit")
	}
	if !ServerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name: must start with a letter and contain only letters, numbers, hyphens, and underscores")
	}
	return nil
}

// ValidateEnvKey validates an environment variable name.
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("environment variable key is required")
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid environment variable key: %s", key)
	}
	return nil
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH",
}

// IsSensitiveEnvKey returns true if the key appears to contain sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv returns a copy of env with sensitive values masked.
func RedactEnv(env map[string]string) map[string]string {
	result := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveEnvKey(k) {
			v = "***REDACTED***"
		}
		result[k] = v
	}
	return result
}
