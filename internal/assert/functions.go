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

package assert

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
)

func functionOptions() []expr.Option {
	return []expr.Option{
		expr.Function("has", hasFunc),
		expr.Function("text", textFunc),
	}
}

// hasFunc reports whether a string contains a substring, a collection
// contains an element, or a map contains a key.
// Usage: has(result.tags, "go")
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}

	haystack, needle := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	v := reflect.ValueOf(haystack)
	switch v.Kind() {
	case reflect.String:
		substr, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(v.String(), substr), nil

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil

	case reflect.Map:
		key := reflect.ValueOf(needle)
		if !key.IsValid() || !key.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(key).IsValid(), nil

	default:
		return false, fmt.Errorf("has: unsupported type %T", haystack)
	}
}

// textFunc joins the text items of a content list with newlines. A plain
// string is returned as is.
// Usage: text(result.content) contains "done"
func textFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("text requires exactly 1 argument, got %d", len(args))
	}
	if s, ok := args[0].(string); ok {
		return s, nil
	}

	v := reflect.ValueOf(args[0])
	if args[0] == nil || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return "", nil
	}

	var parts []string
	for i := 0; i < v.Len(); i++ {
		item := reflect.ValueOf(v.Index(i).Interface())
		if item.Kind() != reflect.Map || item.Type().Key().Kind() != reflect.String {
			continue
		}
		text := item.MapIndex(reflect.ValueOf("text").Convert(item.Type().Key()))
		if !text.IsValid() {
			continue
		}
		if s, ok := text.Interface().(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), nil
}
