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

package historydb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

func createTestStore(t *testing.T, retain int) *Store {
	t.Helper()

	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "history.db"),
		WAL:    true,
		Retain: retain,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func result(id, server, tool string, status mcp.ExecutionStatus) mcp.ExecutionResult {
	r := mcp.ExecutionResult{
		ExecutionID: id,
		ServerName:  server,
		ToolName:    tool,
		Status:      status,
		Success:     status == mcp.ExecutionCompleted,
		DurationMs:  12,
		Timestamp:   time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC),
	}
	if r.Success {
		r.Result = map[string]any{"result": "ok"}
	} else {
		r.Error = "it broke"
		r.ErrorCode = mcp.ErrorCodeToolError
	}
	return r
}

func TestStore_RecordAndGet(t *testing.T) {
	store := createTestStore(t, 0)
	ctx := context.Background()

	ok := result("e1", "fs", "read", mcp.ExecutionCompleted)
	failed := result("e2", "fs", "write", mcp.ExecutionFailed)
	require.NoError(t, store.Record(ctx, ok))
	require.NoError(t, store.Record(ctx, failed))

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ok, *got)

	got, err = store.Get(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, failed, *got)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_RecordIsIdempotent(t *testing.T) {
	store := createTestStore(t, 0)
	ctx := context.Background()

	first := result("e1", "fs", "read", mcp.ExecutionCompleted)
	require.NoError(t, store.Record(ctx, first))

	again := first
	again.Status = mcp.ExecutionFailed
	require.NoError(t, store.Record(ctx, again))

	all, err := store.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, mcp.ExecutionCompleted, all[0].Status)
}

func TestStore_Recent(t *testing.T) {
	store := createTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, result("e1", "fs", "read", mcp.ExecutionCompleted)))
	require.NoError(t, store.Record(ctx, result("e2", "git", "log", mcp.ExecutionCompleted)))
	require.NoError(t, store.Record(ctx, result("e3", "fs", "write", mcp.ExecutionTimedOut)))
	require.NoError(t, store.Record(ctx, result("e4", "fs", "read", mcp.ExecutionCompleted)))

	ids := func(rs []mcp.ExecutionResult) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ExecutionID
		}
		return out
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all", Query{}, []string{"e1", "e2", "e3", "e4"}},
		{"limit keeps newest", Query{Limit: 2}, []string{"e3", "e4"}},
		{"by server", Query{Server: "fs"}, []string{"e1", "e3", "e4"}},
		{"by tool", Query{Server: "fs", Tool: "read"}, []string{"e1", "e4"}},
		{"by status", Query{Status: mcp.ExecutionTimedOut}, []string{"e3"}},
		{"no match", Query{Server: "nope"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Recent(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestStore_Retain(t *testing.T) {
	store := createTestStore(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Record(ctx, result(fmt.Sprintf("e%d", i), "fs", "read", mcp.ExecutionCompleted)))
	}

	all, err := store.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ExecutionID)
	assert.Equal(t, "e5", all[2].ExecutionID)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, result("e1", "fs", "read", mcp.ExecutionCompleted)))
	require.NoError(t, store.Close())

	store, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "fs", got.ServerName)
}
