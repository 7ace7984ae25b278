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

import "github.com/charmbracelet/lipgloss"

// Terminal styles. lipgloss strips color when stdout is not a terminal or
// NO_COLOR is set.
var (
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	Muted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	okMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).SetString("✓")
	warnMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).SetString("○")
	errorMark = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).SetString("✗")
)

// RenderOK prefixes msg with a green check mark.
func RenderOK(msg string) string { return okMark.String() + " " + msg }

// RenderWarn prefixes msg with an orange circle. check uses it for
// disabled servers.
func RenderWarn(msg string) string { return warnMark.String() + " " + msg }

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string { return errorMark.String() + " " + msg }
