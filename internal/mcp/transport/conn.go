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

// Package transport correlates JSON-RPC requests and responses over the
// standard streams of an MCP server process.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/jsonrpc"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
)

// DefaultTimeout applies to requests sent without an explicit timeout.
const DefaultTimeout = 30 * time.Second

const (
	readChunkSize = 64 * 1024
	maxStderrLine = 1024 * 1024
	cancelReason  = "cancelled by client"
)

var (
	// ErrClosed is returned for requests outstanding when the connection
	// closes and for any send after it.
	ErrClosed = errors.New("transport closed")

	// ErrTimeout is returned when no response arrives within the timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is returned when a request is cancelled before its
	// response arrives.
	ErrCancelled = errors.New("request cancelled")
)

// State is the connection state.
type State string

const (
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// NotificationHandler receives inbound notifications in stream order. It is
// called on the read goroutine and must not block.
type NotificationHandler func(msg *jsonrpc.Message)

// DiagnosticHandler receives each line the server writes to stderr.
type DiagnosticHandler func(line string)

// Options configures a Conn.
type Options struct {
	Logger *slog.Logger

	// DefaultTimeout applies when Send is called with a zero timeout.
	DefaultTimeout time.Duration

	// Tap observes every line written and read, including discarded ones.
	Tap Tap

	// OnDiagnostic, if set, is registered before stderr is read, so no
	// early line is missed.
	OnDiagnostic DiagnosticHandler
}

type outcome struct {
	msg *jsonrpc.Message
	err error
}

type pendingRequest struct {
	id     mcp.RequestId
	method string
	sentAt time.Time
	timer  *time.Timer
	done   chan outcome
}

type subscriber[T any] struct {
	id int
	fn T
}

// Conn is one JSON-RPC connection to a server process. All methods are safe
// for concurrent use.
type Conn struct {
	name           string
	logger         *slog.Logger
	defaultTimeout time.Duration
	tap            Tap

	stdin  io.WriteCloser
	stdout io.Reader

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu          sync.Mutex
	state       State
	closeErr    error
	pending     map[string]*pendingRequest
	nextSubID   int
	subscribers []subscriber[NotificationHandler]
	diagnostics []subscriber[DiagnosticHandler]

	done chan struct{}
}

// New binds a connection to the given streams and starts reading. stderr
// may be nil. Closing the connection closes stdin, and stdout when it
// implements io.Closer.
func New(name string, stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, opts Options) *Conn {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Conn{
		name:           name,
		logger:         log.WithServer(log.WithComponent(opts.Logger, "transport"), name),
		defaultTimeout: timeout,
		tap:            opts.Tap,
		stdin:          stdin,
		stdout:         stdout,
		state:          StateOpen,
		pending:        make(map[string]*pendingRequest),
		done:           make(chan struct{}),
	}
	if opts.OnDiagnostic != nil {
		c.nextSubID++
		c.diagnostics = append(c.diagnostics, subscriber[DiagnosticHandler]{id: c.nextSubID, fn: opts.OnDiagnostic})
	}

	go c.readLoop()
	if stderr != nil {
		go c.stderrLoop(stderr)
	}
	return c
}

// Name returns the server name this connection belongs to.
func (c *Conn) Name() string { return c.name }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection has closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// PendingCount returns the number of requests awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call is an outstanding request.
type Call struct {
	// ID is the correlation key of the request.
	ID     string
	Method string
	SentAt time.Time

	conn *Conn
	done <-chan outcome
}

// Wait blocks until the call resolves. If ctx ends first the request is
// cancelled and ErrCancelled is returned.
func (call *Call) Wait(ctx context.Context) (*jsonrpc.Message, error) {
	select {
	case o := <-call.done:
		return o.msg, o.err
	case <-ctx.Done():
		call.conn.Cancel(call.ID, context.Cause(ctx))
		o := <-call.done
		return o.msg, o.err
	}
}

// Send writes a request and registers it for correlation. The request
// fails with ErrTimeout if no response arrives within timeout.
func (c *Conn) Send(method string, params any, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	msg, err := jsonrpc.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	key := msg.Key()

	p := &pendingRequest{
		id:     *msg.ID,
		method: method,
		sentAt: time.Now(),
		done:   make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[key] = p
	// Armed under the lock so the timer cannot observe a missing entry.
	p.timer = time.AfterFunc(timeout, func() {
		c.finish(key, nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout))
	})
	c.mu.Unlock()
	metrics.AddPending(c.name, 1)

	if err := c.write(msg); err != nil {
		c.finish(key, nil, err)
		<-p.done
		return nil, err
	}

	return &Call{ID: key, Method: method, SentAt: p.sentAt, conn: c, done: p.done}, nil
}

// SendRequest sends a request and waits for its response.
func (c *Conn) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Message, error) {
	call, err := c.Send(method, params, timeout)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Request sends a request, waits for the response and decodes its result
// into out. An error response is returned as *jsonrpc.Error.
func (c *Conn) Request(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	resp, err := c.SendRequest(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// SendNotification writes a notification. Nothing is tracked.
func (c *Conn) SendNotification(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Cancel rejects the pending request id with ErrCancelled and tells the
// server to abandon it. It reports whether the request was still pending.
func (c *Conn) Cancel(id string, reason error) bool {
	cause := ErrCancelled
	if reason != nil && !errors.Is(reason, ErrCancelled) {
		cause = fmt.Errorf("%w: %v", ErrCancelled, reason)
	}
	p := c.finish(id, nil, cause)
	if p == nil {
		return false
	}

	params := mcp.CancelledNotificationParams{RequestId: p.id, Reason: cancelReason}
	if err := c.SendNotification(jsonrpc.NotifyCancelled, params); err != nil {
		c.logger.Debug("failed to send cancellation", log.Error(err))
	}
	return true
}

// Subscribe registers a notification handler and returns its unsubscribe
// function.
func (c *Conn) Subscribe(fn NotificationHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscriber[NotificationHandler]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subscribers = removeSubscriber(c.subscribers, id)
	}
}

// OnDiagnostic registers a stderr line handler and returns its unsubscribe
// function.
func (c *Conn) OnDiagnostic(fn DiagnosticHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.diagnostics = append(c.diagnostics, subscriber[DiagnosticHandler]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.diagnostics = removeSubscriber(c.diagnostics, id)
	}
}

func removeSubscriber[T any](subs []subscriber[T], id int) []subscriber[T] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Close rejects every pending request with ErrClosed and releases the
// streams and handlers. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		metrics.AddPending(c.name, -1)
		p.done <- outcome{err: cause}
	}

	// Not under writeMu: a writer blocked on a full pipe is released by
	// the close.
	c.stdin.Close()
	if closer, ok := c.stdout.(io.Closer); ok {
		closer.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.subscribers = nil
	c.diagnostics = nil
	c.mu.Unlock()
	close(c.done)

	c.logger.Debug("connection closed",
		slog.Int("rejected", len(pending)),
		log.Error(cause))
}

// finish resolves a pending request exactly once. It returns the resolved
// request, or nil if id was not pending.
func (c *Conn) finish(id string, msg *jsonrpc.Message, err error) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	p.timer.Stop()
	metrics.AddPending(c.name, -1)
	p.done <- outcome{msg: msg, err: err}
	return p
}

func (c *Conn) write(msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.observe(DirectionSend, data)
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

func (c *Conn) observe(dir Direction, line []byte) {
	if c.tap != nil {
		c.tap(dir, line)
	}
	log.Trace(c.logger, "wire", slog.String("dir", string(dir)), slog.String("line", string(line)))
}

func (c *Conn) readLoop() {
	dec := &jsonrpc.Decoder{OnDiscard: func(line []byte, err error) {
		metrics.RecordDroppedLine(c.name)
		c.observe(DirectionDiscard, line)
		c.logger.Debug("discarding non-protocol output",
			slog.String("line", truncate(line, 200)),
			log.Error(err))
	}}

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.stdout.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				c.dispatch(msg)
			}
		}
		if err != nil {
			cause := fmt.Errorf("%w: server closed stdout", ErrClosed)
			if !errors.Is(err, io.EOF) {
				cause = fmt.Errorf("%w: read: %v", ErrClosed, err)
			}
			c.closeWith(cause)
			return
		}
	}
}

func (c *Conn) dispatch(msg *jsonrpc.Message) {
	if c.tap != nil {
		if data, err := json.Marshal(msg); err == nil {
			c.tap(DirectionReceive, data)
		}
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		// Error responses are delivered as messages, not as errors.
		if c.finish(msg.Key(), msg, nil) == nil {
			metrics.RecordProtocolViolation(c.name)
			c.logger.Warn("dropping response with unknown id",
				slog.String(log.RequestIDKey, msg.Key()))
		}
	case jsonrpc.KindNotification:
		c.mu.Lock()
		subs := c.subscribers
		c.mu.Unlock()
		for _, s := range subs {
			s.fn(msg)
		}
	case jsonrpc.KindRequest:
		c.answer(msg)
	}
}

// answer replies to requests initiated by the server. Only ping is served.
func (c *Conn) answer(req *jsonrpc.Message) {
	var resp *jsonrpc.Message
	if req.Method == jsonrpc.MethodPing {
		var err error
		if resp, err = jsonrpc.NewResponse(*req.ID, nil); err != nil {
			return
		}
	} else {
		c.logger.Debug("rejecting server request", slog.String(log.MethodKey, req.Method))
		resp = jsonrpc.NewErrorResponse(*req.ID, mcp.METHOD_NOT_FOUND, "method not supported by client: "+req.Method)
	}
	if err := c.write(resp); err != nil {
		c.logger.Debug("failed to answer server request", log.Error(err))
	}
}

func (c *Conn) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("server stderr", slog.String("line", line))

		c.mu.Lock()
		handlers := c.diagnostics
		c.mu.Unlock()
		for _, h := range handlers {
			h.fn(line)
		}
	}
	// Keep draining so the child never blocks on a full stderr pipe.
	io.Copy(io.Discard, r)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
