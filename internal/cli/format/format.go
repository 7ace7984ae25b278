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

// Package format renders tool results and descriptions for the terminal.
// Text coming from MCP servers is untrusted: escape sequences are stripped
// before any styling is applied.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const maxOutputSize = 10 * 1024 * 1024 // 10MB

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// JSON renders v as indented JSON, syntax highlighted when tty is set.
func JSON(v any, tty bool) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	if len(data) > maxOutputSize {
		return "", fmt.Errorf("output size (%d bytes) exceeds maximum (%d bytes)", len(data), maxOutputSize)
	}

	// Escape sequences inside JSON strings are already \u001b-escaped by
	// the encoder, so only the highlighter emits real ones.
	out := string(data)
	if !tty {
		return out, nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, out, "json", "terminal256", "monokai"); err != nil {
		return out, nil
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Markdown renders server-provided markdown when tty is set, wrapping at
// width. Without a TTY the text is returned word-wrapped.
func Markdown(content string, width int, tty bool) string {
	content = StripANSI(content)
	if !tty {
		return Wrap(content, width)
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return Wrap(content, width)
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return Wrap(content, width)
	}
	return strings.Trim(rendered, "\n")
}

// Wrap word-wraps text at width.
func Wrap(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	var current strings.Builder

	for _, word := range words {
		if current.Len() > 0 && current.Len()+len(word)+1 > width {
			lines = append(lines, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}

	return strings.Join(lines, "\n")
}

// Truncate shortens s to maxLen runes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
