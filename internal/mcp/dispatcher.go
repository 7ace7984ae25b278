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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/jq"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/jsonrpc"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
)

const (
	// maxDiscoveryPages bounds tools/list pagination.
	maxDiscoveryPages = 100

	// cancelWait bounds how long CancelExecution waits for the execution to
	// record its terminal state.
	cancelWait = 5 * time.Second

	// sinkTimeout bounds a single HistorySink write.
	sinkTimeout = 5 * time.Second

	tracerName = "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// ConnResolver returns the open connection of a running server.
type ConnResolver func(server string) (*transport.Conn, error)

// HistorySink receives every terminal ExecutionResult, for example to
// archive it durably.
type HistorySink interface {
	Record(ctx context.Context, result ExecutionResult) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Logger *slog.Logger
	Events *EventBus

	// Resolve looks up the connection of a server. Required.
	Resolve ConnResolver

	// DefaultTimeout applies to calls without their own timeout.
	DefaultTimeout time.Duration

	// ServerTimeout, when set, returns a per-server default timeout that
	// takes precedence over DefaultTimeout. Zero means none.
	ServerTimeout func(server string) time.Duration

	// MaxConcurrent caps in-flight tools/call requests across all servers.
	// Executions beyond the cap queue.
	MaxConcurrent int

	// HistorySize is the capacity of the in-memory execution history.
	HistorySize int

	// Sink is optional.
	Sink HistorySink

	// Filter evaluates ExecuteRequest.ResultFilter. Defaults to a new
	// jq executor.
	Filter *jq.Executor

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

// execution is one in-flight tools/call.
type execution struct {
	id     string
	key    string
	server string
	tool   string
	start  time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// mu guards the fields below
	mu      sync.Mutex
	status  ExecutionStatus
	conn    *transport.Conn
	call    *transport.Call
	waiters int
	result  *ExecutionResult
}

// Dispatcher discovers tools and executes tool calls.
type Dispatcher struct {
	logger         *slog.Logger
	events         *EventBus
	resolve        ConnResolver
	defaultTimeout time.Duration
	serverTimeout  func(string) time.Duration
	sink           HistorySink
	filter         *jq.Executor
	tracer         trace.Tracer

	sem       *semaphore.Weighted
	discovery singleflight.Group
	history   *RingBuffer[ExecutionResult]

	toolsMu sync.RWMutex
	tools   map[string]map[string]ToolDefinition

	mu       sync.Mutex
	byID     map[string]*execution
	inflight map[string]*execution
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = transport.DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Filter == nil {
		cfg.Filter = jq.NewExecutor(0, 0)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Resolve == nil {
		cfg.Resolve = func(server string) (*transport.Conn, error) {
			return nil, ErrServerNotRunning(server)
		}
	}
	return &Dispatcher{
		logger:         log.WithComponent(cfg.Logger, "dispatcher"),
		events:         cfg.Events,
		resolve:        cfg.Resolve,
		defaultTimeout: cfg.DefaultTimeout,
		serverTimeout:  cfg.ServerTimeout,
		sink:           cfg.Sink,
		filter:         cfg.Filter,
		tracer:         cfg.Tracer,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		history:        NewRingBuffer[ExecutionResult](cfg.HistorySize),
		tools:          make(map[string]map[string]ToolDefinition),
		byID:           make(map[string]*execution),
		inflight:       make(map[string]*execution),
	}
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	} `json:"tools"`
	NextCursor mcp.Cursor `json:"nextCursor,omitempty"`
}

// DiscoverTools lists the server's tools, replaces its cached definitions
// and emits EventToolsDiscovered. Concurrent discoveries of one server
// share a single tools/list exchange.
func (d *Dispatcher) DiscoverTools(ctx context.Context, server string) ([]ToolDefinition, error) {
	conn, err := d.resolve(server)
	if err != nil {
		return nil, DiscoveryError(server, err)
	}
	return d.discoverOn(ctx, server, conn)
}

func (d *Dispatcher) discoverOn(ctx context.Context, server string, conn *transport.Conn) ([]ToolDefinition, error) {
	v, err, _ := d.discovery.Do(server, func() (any, error) {
		return d.discover(ctx, server, conn)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ToolDefinition), nil
}

func (d *Dispatcher) discover(ctx context.Context, server string, conn *transport.Conn) ([]ToolDefinition, error) {
	ctx, span := d.tracer.Start(ctx, "mcp.discover_tools",
		trace.WithAttributes(attribute.String("mcp.server", server)))
	defer span.End()

	var defs []ToolDefinition
	var cursor mcp.Cursor
	for page := 0; ; page++ {
		if page == maxDiscoveryPages {
			d.logger.Warn("tools/list pagination limit reached", slog.String(log.ServerKey, server))
			break
		}

		var params any
		if cursor != "" {
			params = mcp.PaginatedParams{Cursor: cursor}
		}
		var res listToolsResult
		if err := conn.Request(ctx, jsonrpc.MethodToolsList, params, d.timeoutFor(server, 0), &res); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, DiscoveryError(server, err)
		}

		for _, t := range res.Tools {
			if t.Name == "" {
				continue
			}
			defs = append(defs, newToolDefinition(server, t.Name, t.Description, t.InputSchema))
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	d.setTools(server, defs)

	span.SetAttributes(attribute.Int("mcp.tool_count", len(defs)))
	metrics.RecordDiscovery(ctx, server, len(defs))
	if d.events != nil {
		names := make([]string, len(defs))
		for i, def := range defs {
			names[i] = def.Name
		}
		d.events.emit(EventToolsDiscovered, server, fmt.Sprintf("%d tools", len(defs)), map[string]any{
			"tools": names,
		})
	}
	return defs, nil
}

func newToolDefinition(server, name, description string, schema json.RawMessage) ToolDefinition {
	def := ToolDefinition{
		ServerName:  server,
		Name:        name,
		Description: description,
		InputSchema: schema,
	}
	if len(schema) > 0 {
		var parsed mcp.ToolArgumentsSchema
		if err := json.Unmarshal(schema, &parsed); err == nil {
			def.required = parsed.Required
		}
	}
	return def
}

// Tools returns the cached definitions of server in name order. ok is false
// when the server has not been discovered since its last (re)start.
func (d *Dispatcher) Tools(server string) (defs []ToolDefinition, ok bool) {
	d.toolsMu.RLock()
	defer d.toolsMu.RUnlock()

	index, ok := d.tools[server]
	if !ok {
		return nil, false
	}
	defs = make([]ToolDefinition, 0, len(index))
	for _, def := range index {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, true
}

// setTools replaces the cached definitions of server.
func (d *Dispatcher) setTools(server string, defs []ToolDefinition) {
	index := make(map[string]ToolDefinition, len(defs))
	for _, def := range defs {
		index[def.Name] = def
	}
	d.toolsMu.Lock()
	d.tools[server] = index
	d.toolsMu.Unlock()
}

// InvalidateTools drops the cached definitions of server.
func (d *Dispatcher) InvalidateTools(server string) {
	d.toolsMu.Lock()
	delete(d.tools, server)
	d.toolsMu.Unlock()
}

func (d *Dispatcher) lookupTool(server, tool string) (ToolDefinition, bool) {
	d.toolsMu.RLock()
	defer d.toolsMu.RUnlock()
	def, ok := d.tools[server][tool]
	return def, ok
}

func (d *Dispatcher) timeoutFor(server string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if d.serverTimeout != nil {
		if t := d.serverTimeout(server); t > 0 {
			return t
		}
	}
	return d.defaultTimeout
}

// ExecuteTool invokes a tool and always returns a result; failures are
// reported through Success, Error and ErrorCode. Identical executions
// already in flight are joined instead of issuing a second request.
//
// If ctx ends first the caller stops waiting. The underlying request is
// cancelled once no caller is waiting for it.
func (d *Dispatcher) ExecuteTool(ctx context.Context, req ExecuteRequest) *ExecutionResult {
	conn, err := d.resolve(req.ServerName)
	if err != nil {
		return d.reject(req, Classify(req.ServerName, jsonrpc.MethodToolsCall, err))
	}

	def, ok := d.lookupTool(req.ServerName, req.ToolName)
	if !ok {
		return d.reject(req, UnknownTool(req.ServerName, req.ToolName))
	}
	if missing := missingArguments(def.Required(), req.Arguments); len(missing) > 0 {
		return d.reject(req, InvalidArguments(req.ToolName, missing))
	}
	if err := d.filter.Validate(req.ResultFilter); err != nil {
		return d.reject(req, NewMCPError(ErrorCodeInvalidArguments, "Invalid result filter").
			WithDetail(err.Error()).WithCause(err))
	}

	key, err := dedupKey(req)
	if err != nil {
		return d.reject(req, NewMCPError(ErrorCodeInvalidArguments, "Arguments are not JSON serializable").
			WithDetail(err.Error()).WithCause(err))
	}

	ex, created := d.join(key, req)
	if created {
		go d.run(ex, conn, req)
	}

	select {
	case <-ex.done:
		return ex.result
	case <-ctx.Done():
	}

	if d.leave(ex) {
		// Last waiter gone.
		d.abort(ex, context.Cause(ctx))
		<-ex.done
		return ex.result
	}

	// Other callers still wait on the execution; only this caller gives up.
	return &ExecutionResult{
		ExecutionID: ex.id,
		ToolName:    ex.tool,
		ServerName:  ex.server,
		Status:      ExecutionCancelled,
		Error:       context.Cause(ctx).Error(),
		ErrorCode:   ErrorCodeCancelled,
		DurationMs:  time.Since(ex.start).Milliseconds(),
		Timestamp:   time.Now(),
	}
}

func missingArguments(required []string, args map[string]any) []string {
	var missing []string
	for _, name := range required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// dedupKey identifies identical executions: the caller's idempotency key
// when given, otherwise server, tool, filter and canonical arguments.
// encoding/json writes map keys in sorted order, so equal argument maps
// produce equal keys.
func dedupKey(req ExecuteRequest) (string, error) {
	if req.IdempotencyKey != "" {
		return req.ServerName + "\x00idem\x00" + req.IdempotencyKey, nil
	}
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		return "", err
	}
	return req.ServerName + "\x00" + req.ToolName + "\x00" + req.ResultFilter + "\x00" + string(args), nil
}

// join returns the in-flight execution for key, creating it if needed.
func (d *Dispatcher) join(key string, req ExecuteRequest) (*execution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ex, ok := d.inflight[key]; ok {
		ex.mu.Lock()
		ex.waiters++
		ex.mu.Unlock()
		return ex, false
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	ex := &execution{
		id:      uuid.New().String(),
		key:     key,
		server:  req.ServerName,
		tool:    req.ToolName,
		start:   time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  ExecutionPending,
		waiters: 1,
	}
	d.inflight[key] = ex
	d.byID[ex.id] = ex
	return ex, true
}

// leave drops one waiter and reports whether it was the last. An execution
// without waiters no longer accepts new ones.
func (d *Dispatcher) leave(ex *execution) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.waiters--
	if ex.waiters > 0 {
		return false
	}
	if d.inflight[ex.key] == ex {
		delete(d.inflight, ex.key)
	}
	return true
}

// abort cancels ex. A pending request is rejected immediately.
func (d *Dispatcher) abort(ex *execution, cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}

	ex.mu.Lock()
	if ex.status.Terminal() {
		ex.mu.Unlock()
		return false
	}
	ex.cancel(cause)
	conn, call := ex.conn, ex.call
	ex.mu.Unlock()

	if call != nil {
		conn.Cancel(call.ID, cause)
	}
	return true
}

func (d *Dispatcher) run(ex *execution, conn *transport.Conn, req ExecuteRequest) {
	ctx, span := d.tracer.Start(ex.ctx, "mcp.execute_tool", trace.WithAttributes(
		attribute.String("mcp.server", ex.server),
		attribute.String("mcp.tool", ex.tool),
		attribute.String("mcp.execution_id", ex.id),
	))
	defer span.End()

	logger := log.WithExecution(d.logger, ex.server, ex.tool, ex.id)

	result := &ExecutionResult{
		ExecutionID: ex.id,
		ToolName:    ex.tool,
		ServerName:  ex.server,
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.fail(result, Cancelled(ex.server, jsonrpc.MethodToolsCall, context.Cause(ctx)))
		d.finish(ex, result, span, logger)
		return
	}
	defer d.sem.Release(1)

	timeout := d.timeoutFor(ex.server, req.Timeout)
	call, err := conn.Send(jsonrpc.MethodToolsCall, mcp.CallToolParams{
		Name:      req.ToolName,
		Arguments: req.Arguments,
	}, timeout)
	if err != nil {
		d.fail(result, Classify(ex.server, jsonrpc.MethodToolsCall, err))
		d.finish(ex, result, span, logger)
		return
	}

	ex.mu.Lock()
	ex.status = ExecutionRunning
	ex.conn = conn
	ex.call = call
	ex.mu.Unlock()
	logger.Debug("tool call sent", slog.String(log.RequestIDKey, call.ID), slog.Duration("timeout", timeout))

	resp, err := call.Wait(ctx)
	switch {
	case err != nil:
		d.fail(result, Classify(ex.server, jsonrpc.MethodToolsCall, err))
	case resp.Error != nil:
		d.fail(result, NewMCPError(ErrorCodeToolError, fmt.Sprintf("Tool '%s' failed on MCP server '%s'", ex.tool, ex.server)).
			WithDetail(resp.Error.Message).WithCause(resp.Error))
	default:
		value, toolErr := transformResult(resp.Result)
		if toolErr != "" {
			result.Status = ExecutionFailed
			result.Error = toolErr
			result.ErrorCode = ErrorCodeToolError
			break
		}
		filtered, err := d.filter.Execute(ctx, req.ResultFilter, value)
		if err != nil {
			d.fail(result, NewMCPError(ErrorCodeToolError, "Result filter failed").WithDetail(err.Error()).WithCause(err))
			break
		}
		result.Status = ExecutionCompleted
		result.Success = true
		result.Result = filtered
	}

	d.finish(ex, result, span, logger)
}

func (d *Dispatcher) fail(result *ExecutionResult, err *MCPError) {
	result.Success = false
	result.Error = err.Error()
	result.ErrorCode = err.Code
	switch err.Code {
	case ErrorCodeTimeout:
		result.Status = ExecutionTimedOut
	case ErrorCodeCancelled:
		result.Status = ExecutionCancelled
	default:
		result.Status = ExecutionFailed
	}
}

// finish records the terminal result of ex and releases its waiters.
func (d *Dispatcher) finish(ex *execution, result *ExecutionResult, span trace.Span, logger *slog.Logger) {
	result.Timestamp = time.Now()
	result.DurationMs = result.Timestamp.Sub(ex.start).Milliseconds()

	d.mu.Lock()
	delete(d.byID, ex.id)
	if d.inflight[ex.key] == ex {
		delete(d.inflight, ex.key)
	}
	d.mu.Unlock()

	ex.mu.Lock()
	ex.status = result.Status
	ex.result = result
	ex.mu.Unlock()
	ex.cancel(nil)

	span.SetAttributes(attribute.String("mcp.status", string(result.Status)))
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}

	d.record(*result)
	logger.Debug("tool execution finished",
		slog.String("status", string(result.Status)),
		log.Duration("duration", result.DurationMs),
	)
	close(ex.done)
}

// reject records an execution that failed validation and was never sent.
func (d *Dispatcher) reject(req ExecuteRequest, err *MCPError) *ExecutionResult {
	result := &ExecutionResult{
		ExecutionID: uuid.New().String(),
		ToolName:    req.ToolName,
		ServerName:  req.ServerName,
		Timestamp:   time.Now(),
	}
	d.fail(result, err)
	d.record(*result)
	return result
}

func (d *Dispatcher) record(result ExecutionResult) {
	d.history.Add(result)
	metrics.RecordExecution(result.ServerName, result.ToolName, string(result.Status),
		time.Duration(result.DurationMs)*time.Millisecond)

	if d.events != nil {
		d.events.emit(EventExecutionFinished, result.ServerName, result.ToolName, map[string]any{
			"executionId": result.ExecutionID,
			"status":      string(result.Status),
			"durationMs":  result.DurationMs,
		})
	}

	if d.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := d.sink.Record(ctx, result); err != nil {
			d.logger.Warn("failed to archive execution",
				slog.String(log.ExecutionKey, result.ExecutionID),
				log.Error(err),
			)
		}
	}
}

// CancelExecution cancels a pending or running execution and waits for it
// to record its cancelled state. It returns false when the execution is
// unknown or already terminal.
func (d *Dispatcher) CancelExecution(id string) bool {
	d.mu.Lock()
	ex, ok := d.byID[id]
	d.mu.Unlock()
	if !ok {
		return false
	}

	if !d.abort(ex, errors.New("cancelled by caller")) {
		return false
	}
	select {
	case <-ex.done:
	case <-time.After(cancelWait):
		d.logger.Warn("cancelled execution did not finish", slog.String(log.ExecutionKey, id))
	}
	return true
}

// CancelServer cancels every execution of server and waits for them.
func (d *Dispatcher) CancelServer(server string, cause error) int {
	d.mu.Lock()
	var targets []*execution
	for _, ex := range d.byID {
		if ex.server == server {
			targets = append(targets, ex)
		}
	}
	d.mu.Unlock()

	n := 0
	for _, ex := range targets {
		if d.abort(ex, cause) {
			n++
		}
	}
	deadline := time.After(cancelWait)
	for _, ex := range targets {
		select {
		case <-ex.done:
		case <-deadline:
			return n
		}
	}
	return n
}

// Active returns the ids of executions not yet terminal, oldest first.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	execs := make([]*execution, 0, len(d.byID))
	for _, ex := range d.byID {
		execs = append(execs, ex)
	}
	d.mu.Unlock()

	sort.Slice(execs, func(i, j int) bool { return execs[i].start.Before(execs[j].start) })
	ids := make([]string, len(execs))
	for i, ex := range execs {
		ids[i] = ex.id
	}
	return ids
}

// History returns up to limit of the most recent results, oldest first.
// limit <= 0 returns every retained result.
func (d *Dispatcher) History(limit int) []ExecutionResult {
	return d.history.GetLast(limit)
}
