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
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// transformResult normalizes a tools/call result.
//
// A single text item becomes {"result": text}; text holding a JSON object or
// array is decoded. Anything else becomes {"content": [...]}. Structured
// content, when present, is added under "structured". For results the
// server flagged with isError, toolErr carries the joined text content.
func transformResult(raw json.RawMessage) (result map[string]any, toolErr string) {
	parsed, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		var v any
		if json.Unmarshal(raw, &v) != nil {
			return map[string]any{"result": string(raw)}, ""
		}
		return map[string]any{"result": v}, ""
	}

	if parsed.IsError {
		var msgs []string
		for _, c := range parsed.Content {
			if text, ok := mcp.AsTextContent(c); ok && text.Text != "" {
				msgs = append(msgs, text.Text)
			}
		}
		if len(msgs) == 0 {
			return nil, "tool execution failed"
		}
		return nil, strings.Join(msgs, "; ")
	}

	result = make(map[string]any)
	if len(parsed.Content) == 1 {
		if text, ok := mcp.AsTextContent(parsed.Content[0]); ok {
			result["result"] = decodeText(text.Text)
		}
	}
	if _, ok := result["result"]; !ok && len(parsed.Content) > 0 {
		items := make([]map[string]any, 0, len(parsed.Content))
		for _, c := range parsed.Content {
			items = append(items, contentItem(c))
		}
		result["content"] = items
	}
	var structured struct {
		Content any `json:"structuredContent"`
	}
	if json.Unmarshal(raw, &structured) == nil && structured.Content != nil {
		result["structured"] = structured.Content
	}
	return result, ""
}

func decodeText(text string) any {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return text
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return text
	}
	return v
}

func contentItem(c mcp.Content) map[string]any {
	item := make(map[string]any)
	if text, ok := mcp.AsTextContent(c); ok {
		item["type"] = text.Type
		item["text"] = text.Text
	} else if img, ok := mcp.AsImageContent(c); ok {
		item["type"] = img.Type
		item["data"] = img.Data
		item["mimeType"] = img.MIMEType
	} else if audio, ok := mcp.AsAudioContent(c); ok {
		item["type"] = audio.Type
		item["data"] = audio.Data
		item["mimeType"] = audio.MIMEType
	} else if data, err := json.Marshal(c); err == nil {
		// Embedded resources and links keep their wire shape.
		json.Unmarshal(data, &item)
	}
	return item
}
