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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns input",
			expression: "",
			data:       map[string]any{"result": "pong"},
			want:       map[string]any{"result": "pong"},
		},
		{
			name:       "field extraction",
			expression: ".result",
			data:       map[string]any{"result": "pong"},
			want:       "pong",
		},
		{
			name:       "multiple outputs become a slice",
			expression: ".content[].text",
			data: map[string]any{"content": []any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"type": "text", "text": "b"},
			}},
			want: []any{"a", "b"},
		},
		{
			name:       "no output",
			expression: "empty",
			data:       map[string]any{},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{},
			wantErr:    true,
		},
		{
			name:       "runtime error",
			expression: ".foo + 1",
			data:       map[string]any{"foo": "bar"},
			wantErr:    true,
		},
	}

	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(0, 0)

	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate(".result | length"))
	assert.Error(t, executor.Validate(".["))
	assert.Error(t, executor.Validate("undefined_fn(1)"))
}

func TestExecutor_MaxInputSize(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 16)

	_, err := executor.Execute(context.Background(), ".", map[string]any{"text": "this is far more than sixteen bytes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestExecutor_Timeout(t *testing.T) {
	executor := NewExecutor(50*time.Millisecond, DefaultMaxInputSize)

	_, err := executor.Execute(context.Background(), "def f: f; f", nil)
	require.Error(t, err)
}
