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

package format

import (
	"bytes"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	v := map[string]any{"result": "pong", "n": 1}

	plain, err := JSON(v, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "{\n  \"n\": 1,\n  \"result\": \"pong\"\n}"
	if plain != want {
		t.Errorf("expected %q, got %q", want, plain)
	}

	colored, err := JSON(v, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(colored, "\x1b[") {
		t.Errorf("expected highlighted output, got %q", colored)
	}
	if strings.TrimSpace(StripANSI(colored)) != plain {
		t.Errorf("expected highlighting to only add escapes, got %q", StripANSI(colored))
	}
}

func TestJSON_EscapesServerText(t *testing.T) {
	out, err := JSON(map[string]any{"result": "\x1b[31mred"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "\x1b") {
		t.Errorf("expected escape byte to be encoded, got %q", out)
	}
}

func TestJSON_Unsupported(t *testing.T) {
	if _, err := JSON(map[string]any{"ch": make(chan int)}, false); err == nil {
		t.Error("expected error for unsupported value")
	}
}

func TestMarkdown_NoTTY(t *testing.T) {
	got := Markdown("Reads a \x1b[1mfile\x1b[0m from disk and returns its contents", 20, false)
	want := "Reads a file from\ndisk and returns its\ncontents"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMarkdown_TTY(t *testing.T) {
	got := Markdown("# Title\n\nSome **bold** text", 60, true)
	if !strings.Contains(StripANSI(got), "Title") {
		t.Errorf("expected rendered title, got %q", got)
	}
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  string
	}{
		{"empty", "   ", 10, ""},
		{"fits", "one two", 10, "one two"},
		{"wraps", "one two three", 7, "one two\nthree"},
		{"long word kept whole", "abcdefghij x", 4, "abcdefghij\nx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Wrap(tt.text, tt.width); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer string", 10, "a longe..."},
		{"héllo wörld", 8, "héllo..."},
		{"abc", 2, "ab"},
	}

	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d): expected %q, got %q", tt.in, tt.max, tt.want, got)
		}
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m \x1b]0;title\x07plain"
	if got := StripANSI(in); got != "red plain" {
		t.Errorf("expected %q, got %q", "red plain", got)
	}
}

func TestIsTTY_NonFile(t *testing.T) {
	t.Setenv("TERM", "xterm-256color")
	if IsTTY(&bytes.Buffer{}) {
		t.Error("expected buffer to not be a TTY")
	}

	t.Setenv("NO_COLOR", "1")
	if IsTTY(&bytes.Buffer{}) {
		t.Error("expected NO_COLOR to disable TTY output")
	}
}
