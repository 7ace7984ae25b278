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

// Package historydb archives tool execution results in SQLite, so history
// survives restarts of the process.
package historydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

var _ mcp.HistorySink = (*Store)(nil)

// ErrNotFound is returned by Get for an unknown execution id.
var ErrNotFound = errors.New("execution not found")

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Retain bounds the number of archived results. Older rows are pruned
	// on insert. Zero keeps everything.
	Retain int
}

// Store is a SQLite-backed execution archive.
type Store struct {
	db     *sql.DB
	retain int
}

// Query filters Recent. Empty fields match everything.
type Query struct {
	Server string
	Tool   string
	Status mcp.ExecutionStatus
	Limit  int
}

// Open opens or creates the archive at cfg.Path.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, retain: cfg.Retain}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			success INTEGER NOT NULL,
			result TEXT,
			error TEXT,
			error_code TEXT,
			duration_ms INTEGER NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_server ON executions(server)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record archives one execution result. Recording an id twice keeps the
// first row.
func (s *Store) Record(ctx context.Context, result mcp.ExecutionResult) error {
	var resultJSON sql.NullString
	if result.Result != nil {
		data, err := json.Marshal(result.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (id, server, tool, status, success, result, error, error_code, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ExecutionID, result.ServerName, result.ToolName, string(result.Status),
		result.Success, resultJSON, nullString(result.Error), nullString(string(result.ErrorCode)),
		result.DurationMs, result.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	if s.retain > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE seq <= (SELECT MAX(seq) FROM executions) - ?`, s.retain); err != nil {
			return fmt.Errorf("failed to prune executions: %w", err)
		}
	}
	return nil
}

// Get returns one archived result.
func (s *Store) Get(ctx context.Context, id string) (*mcp.ExecutionResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server, tool, status, success, result, error, error_code, duration_ms, finished_at
		FROM executions WHERE id = ?
	`, id)

	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return result, nil
}

// Recent returns the latest archived results matching q, oldest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]mcp.ExecutionResult, error) {
	var where []string
	var args []any
	if q.Server != "" {
		where = append(where, "server = ?")
		args = append(args, q.Server)
	}
	if q.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, q.Tool)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	query := `SELECT id, server, tool, status, success, result, error, error_code, duration_ms, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var results []mcp.ExecutionResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		results = append(results, *result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*mcp.ExecutionResult, error) {
	var r mcp.ExecutionResult
	var status, finishedAt string
	var resultJSON, errStr, errCode sql.NullString

	if err := row.Scan(&r.ExecutionID, &r.ServerName, &r.ToolName, &status, &r.Success,
		&resultJSON, &errStr, &errCode, &r.DurationMs, &finishedAt); err != nil {
		return nil, err
	}

	r.Status = mcp.ExecutionStatus(status)
	r.Error = errStr.String
	r.ErrorCode = mcp.MCPErrorCode(errCode.String)
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, finishedAt)
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
