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

// Package log builds the slog loggers used by the supervisor, the transport
// and the CLI, and defines the attribute keys they share.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace sits below Debug. Raw JSON-RPC lines are logged here.
const LevelTrace = slog.Level(-8)

// Attribute keys.
const (
	ServerKey    = "server"
	ToolKey      = "tool"
	ExecutionKey = "execution_id"
	RequestIDKey = "request_id"
	MethodKey    = "method"
	PIDKey       = "pid"
	EventKey     = "event"
)

// Config configures New. The zero value logs JSON at info level to stderr.
type Config struct {
	Level     string // trace, debug, info, warn or error
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the zero-value defaults made explicit.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv reads the logging environment:
//
//	OLYMPIAN_DEBUG=1|true   debug level with source locations; overrides levels
//	OLYMPIAN_LOG_LEVEL      level, preferred over LOG_LEVEL
//	LOG_LEVEL               level
//	LOG_FORMAT              json or text
//	LOG_SOURCE=1            source locations
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("OLYMPIAN_DEBUG") {
	case "1", "true":
		cfg.Level, cfg.AddSource = "debug", true
	case "":
		cfg.Level = firstNonEmpty(os.Getenv("OLYMPIAN_LOG_LEVEL"), os.Getenv("LOG_LEVEL"), cfg.Level)
	}
	cfg.Level = strings.ToLower(cfg.Level)

	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Format = Format(strings.ToLower(f))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// New builds a logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// parseLevel maps a level name to a slog.Level. Unknown names are info.
func parseLevel(level string) slog.Level {
	level = strings.ToLower(level)
	switch level {
	case "trace":
		return LevelTrace
	case "warning":
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// OrDefault returns logger, or slog.Default() when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrDefault(logger).With("component", component)
}

func WithServer(logger *slog.Logger, server string) *slog.Logger {
	return OrDefault(logger).With(slog.String(ServerKey, server))
}

// WithExecution scopes logger to one tool execution.
func WithExecution(logger *slog.Logger, server, tool, executionID string) *slog.Logger {
	return OrDefault(logger).With(
		slog.String(ServerKey, server),
		slog.String(ToolKey, tool),
		slog.String(ExecutionKey, executionID),
	)
}

// Error is the attribute for err.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration is a millisecond attribute named key+"_ms".
func Duration(key string, ms int64) slog.Attr { return slog.Int64(key+"_ms", ms) }

// Trace logs at LevelTrace.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if logger.Enabled(ctx, LevelTrace) {
		logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
	}
}
