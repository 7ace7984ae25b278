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

// Package testing provides an in-memory MCP server peer for tests.
package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/jsonrpc"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
)

// ToolHandler serves one tools/call. Its context is cancelled when the
// client sends notifications/cancelled for the request. Returning an error
// produces a JSON-RPC error response.
type ToolHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// FakeServer is an MCP server speaking line-delimited JSON-RPC over
// in-memory pipes. It records every message it receives, so tests can
// assert on what the client wrote.
type FakeServer struct {
	// Client side of the pipes.
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	in     *io.PipeReader
	out    *io.PipeWriter
	errOut *io.PipeWriter

	writeMu sync.Mutex

	mu        sync.Mutex
	tools     []mcp.Tool
	handlers  map[string]ToolHandler
	pageSize  int
	noTools   bool
	silent    map[string]bool
	received  []*jsonrpc.Message
	inflight  map[string]context.CancelFunc
	cancelled []string

	done chan struct{}
}

// NewFakeServer creates a server and starts serving.
func NewFakeServer() *FakeServer {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	f := &FakeServer{
		Stdin:    inW,
		Stdout:   outR,
		Stderr:   errR,
		in:       inR,
		out:      outW,
		errOut:   errW,
		handlers: make(map[string]ToolHandler),
		silent:   make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
	}
	go f.serve()
	return f
}

// Dial opens a transport connection to the server.
func (f *FakeServer) Dial(name string, opts transport.Options) *transport.Conn {
	return transport.New(name, f.Stdin, f.Stdout, f.Stderr, opts)
}

// AddTool registers a tool. A nil handler echoes the arguments back as
// JSON text.
func (f *FakeServer) AddTool(tool mcp.Tool, handler ToolHandler) {
	if handler == nil {
		handler = func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(raw)), nil
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, tool)
	f.handlers[tool.Name] = handler
}

// SetPageSize makes tools/list paginate with n tools per page.
func (f *FakeServer) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// SetToolsCapability controls whether initialize advertises tools.
func (f *FakeServer) SetToolsCapability(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noTools = !enabled
}

// Ignore makes the server swallow requests for method without answering.
func (f *FakeServer) Ignore(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[method] = true
}

// Received returns every message received so far.
func (f *FakeServer) Received() []*jsonrpc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*jsonrpc.Message(nil), f.received...)
}

// Count returns how many messages with method were received.
func (f *FakeServer) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m.Method == method {
			n++
		}
	}
	return n
}

// Cancelled returns the request ids the client cancelled.
func (f *FakeServer) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Notify sends a notification to the client.
func (f *FakeServer) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return f.send(msg)
}

// Request sends a server-to-client request with the given id.
func (f *FakeServer) Request(id int64, method string, params any) error {
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	return f.send(msg)
}

// WriteRaw writes line to the client's stdout verbatim, plus a newline.
func (f *FakeServer) WriteRaw(line string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := io.WriteString(f.out, line+"\n")
	return err
}

// LogStderr writes line to the client's stderr.
func (f *FakeServer) LogStderr(line string) error {
	_, err := io.WriteString(f.errOut, line+"\n")
	return err
}

// Done is closed when the server stops reading.
func (f *FakeServer) Done() <-chan struct{} { return f.done }

// Close simulates the process exiting: both output streams reach EOF.
func (f *FakeServer) Close() {
	f.out.Close()
	f.errOut.Close()
	f.in.Close()
}

func (f *FakeServer) send(msg *jsonrpc.Message) error {
	line, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err = f.out.Write(line)
	return err
}

func (f *FakeServer) serve() {
	defer close(f.done)

	var dec jsonrpc.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := f.in.Read(buf)
		for _, msg := range dec.Feed(buf[:n]) {
			f.handle(msg)
		}
		if err != nil {
			f.mu.Lock()
			for _, cancel := range f.inflight {
				cancel()
			}
			f.mu.Unlock()
			return
		}
	}
}

func (f *FakeServer) handle(msg *jsonrpc.Message) {
	f.mu.Lock()
	f.received = append(f.received, msg)
	silent := f.silent[msg.Method]
	f.mu.Unlock()

	switch msg.Kind() {
	case jsonrpc.KindNotification:
		if msg.Method == jsonrpc.NotifyCancelled {
			f.cancelRequest(msg.Params)
		}
		return
	case jsonrpc.KindRequest:
	default:
		return
	}

	if silent {
		return
	}

	id := *msg.ID
	switch msg.Method {
	case jsonrpc.MethodInitialize:
		f.reply(id, f.initializeResult())
	case jsonrpc.MethodPing:
		f.reply(id, struct{}{})
	case jsonrpc.MethodToolsList:
		f.reply(id, f.listTools(msg.Params))
	case jsonrpc.MethodToolsCall:
		ctx, cancel := context.WithCancel(context.Background())
		f.mu.Lock()
		f.inflight[msg.Key()] = cancel
		f.mu.Unlock()
		// Each call is served concurrently, so responses may be reordered.
		go f.callTool(ctx, id, msg.Key(), msg.Params)
	default:
		_ = f.send(jsonrpc.NewErrorResponse(id, mcp.METHOD_NOT_FOUND, "method not found: "+msg.Method))
	}
}

func (f *FakeServer) reply(id mcp.RequestId, result any) {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		_ = f.send(jsonrpc.NewErrorResponse(id, mcp.INTERNAL_ERROR, err.Error()))
		return
	}
	_ = f.send(resp)
}

func (f *FakeServer) initializeResult() mcp.InitializeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ServerInfo:      mcp.Implementation{Name: "fake", Version: "0.0.1"},
	}
	if !f.noTools {
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	return res
}

func (f *FakeServer) listTools(params json.RawMessage) mcp.ListToolsResult {
	var p mcp.PaginatedParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tools := f.tools
	if f.pageSize <= 0 {
		return mcp.ListToolsResult{Tools: append([]mcp.Tool{}, tools...)}
	}

	start := 0
	if p.Cursor != "" {
		start, _ = strconv.Atoi(string(p.Cursor))
	}
	if start > len(tools) {
		start = len(tools)
	}
	end := start + f.pageSize
	if end > len(tools) {
		end = len(tools)
	}
	res := mcp.ListToolsResult{Tools: append([]mcp.Tool{}, tools[start:end]...)}
	if end < len(tools) {
		res.NextCursor = mcp.Cursor(strconv.Itoa(end))
	}
	return res
}

func (f *FakeServer) callTool(ctx context.Context, id mcp.RequestId, key string, params json.RawMessage) {
	defer func() {
		f.mu.Lock()
		if cancel, ok := f.inflight[key]; ok {
			cancel()
			delete(f.inflight, key)
		}
		f.mu.Unlock()
	}()

	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		_ = f.send(jsonrpc.NewErrorResponse(id, mcp.INVALID_PARAMS, err.Error()))
		return
	}

	f.mu.Lock()
	handler, ok := f.handlers[p.Name]
	f.mu.Unlock()

	if !ok {
		_ = f.send(jsonrpc.NewErrorResponse(id, mcp.INVALID_PARAMS, fmt.Sprintf("tool %q not found", p.Name)))
		return
	}

	result, err := handler(ctx, p.Arguments)
	if ctx.Err() != nil {
		// Cancelled requests get no response.
		return
	}
	if err != nil {
		_ = f.send(jsonrpc.NewErrorResponse(id, mcp.INTERNAL_ERROR, err.Error()))
		return
	}
	f.reply(id, result)
}

func (f *FakeServer) cancelRequest(params json.RawMessage) {
	var p struct {
		RequestID mcp.RequestId `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key := p.RequestID.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
	if cancel, ok := f.inflight[key]; ok {
		cancel()
	}
}
