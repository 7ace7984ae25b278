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

package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Direction labels a line observed by a Tap.
type Direction string

const (
	DirectionSend    Direction = "SEND"
	DirectionReceive Direction = "RECV"
	DirectionDiscard Direction = "DROP"
)

// Tap observes raw protocol lines.
type Tap func(dir Direction, line []byte)

// DebugFormatterConfig configures a DebugFormatter.
type DebugFormatterConfig struct {
	// Writer is where formatted output is written (required)
	Writer io.Writer

	// ServerName prefixes every entry when set.
	ServerName string

	// HideTimestamps drops the wall-clock prefix.
	HideTimestamps bool
}

// DebugFormatter renders wire traffic in a human-readable form.
type DebugFormatter struct {
	mu             sync.Mutex
	writer         io.Writer
	serverName     string
	showTimestamps bool
	now            func() time.Time
}

// NewDebugFormatter creates a new debug formatter.
func NewDebugFormatter(cfg DebugFormatterConfig) *DebugFormatter {
	if cfg.Writer == nil {
		cfg.Writer = io.Discard
	}
	return &DebugFormatter{
		writer:         cfg.Writer,
		serverName:     cfg.ServerName,
		showTimestamps: !cfg.HideTimestamps,
		now:            time.Now,
	}
}

// Tap returns the formatter as a Tap for Options.
func (f *DebugFormatter) Tap() Tap {
	return func(dir Direction, line []byte) {
		f.Format(dir, line)
	}
}

// Format writes one entry for line. Lines that are not JSON are written raw.
func (f *DebugFormatter) Format(dir Direction, line []byte) error {
	var builder strings.Builder

	if f.showTimestamps {
		builder.WriteString(f.now().Format("15:04:05.000"))
		builder.WriteString(" ")
	}
	if f.serverName != "" {
		builder.WriteString("[")
		builder.WriteString(f.serverName)
		builder.WriteString("] ")
	}
	builder.WriteString(string(dir))
	builder.WriteString(" ")

	line = bytes.TrimSpace(line)
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if dir == DirectionDiscard || json.Unmarshal(line, &msg) != nil {
		builder.WriteString("RAW\n  ")
		builder.Write(line)
		builder.WriteString("\n")
		return f.write(builder.String())
	}

	var body json.RawMessage
	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		builder.WriteString("REQUEST " + msg.Method + " id=" + string(msg.ID))
		body = msg.Params
	case msg.Method != "":
		builder.WriteString("NOTIFICATION " + msg.Method)
		body = msg.Params
	case len(msg.Error) > 0:
		builder.WriteString("ERROR id=" + string(msg.ID))
		body = msg.Error
	default:
		builder.WriteString("RESPONSE id=" + string(msg.ID))
		body = msg.Result
	}
	builder.WriteString("\n")

	if len(body) > 0 {
		var indented bytes.Buffer
		if err := json.Indent(&indented, body, "  ", "  "); err == nil {
			builder.WriteString("  ")
			builder.Write(indented.Bytes())
			builder.WriteString("\n")
		}
	}
	return f.write(builder.String())
}

func (f *DebugFormatter) write(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := io.WriteString(f.writer, s)
	return err
}
