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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/jq"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/jsonrpc"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/process"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
)

// ClientName identifies this client in the initialize handshake.
const ClientName = "olympian"

// errServerStopping is the cancellation cause of executions interrupted by
// a server stop.
var errServerStopping = errors.New("server stopping")

// serverState tracks the runtime state of one configured server.
type serverState struct {
	name string

	// lifecycle serializes start, stop and restart of this server.
	lifecycle sync.Mutex

	// mu protects the fields below
	mu            sync.RWMutex
	state         ServerState
	handle        *process.Handle
	conn          *transport.Conn
	unsubscribe   []func()
	startedAt     time.Time
	lastError     string
	restarts      int
	serverVersion string
	restartTimer  *time.Timer
	limiter       *rate.Limiter
}

func (st *serverState) currentState() ServerState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state
}

// Manager supervises the configured MCP servers and exposes tool execution
// over them. It is safe for concurrent use. Lifecycle operations on one
// server are serialized; different servers are independent.
type Manager struct {
	source        ConfigSource
	settings      Settings
	logger        *slog.Logger
	tracer        trace.Tracer
	tap           func(server string) transport.Tap
	secrets       SecretExpander
	clientVersion string

	events     *EventBus
	supervisor *process.Supervisor
	health     *HealthMonitor
	dispatcher *Dispatcher
	logs       *LogCapture

	// mu protects servers and closed
	mu      sync.Mutex
	servers map[string]*serverState
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks background work: exit handling, rediscovery, restarts
	wg sync.WaitGroup
}

// ManagerConfig configures the MCP manager.
type ManagerConfig struct {
	// Source provides server configuration. Required.
	Source ConfigSource

	// Settings are the subsystem tunables; zero fields take defaults.
	Settings Settings

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Sink archives every execution result (optional)
	Sink HistorySink

	// Tap returns the observer of one server's protocol lines (optional)
	Tap func(server string) transport.Tap

	// Tracer defaults to the global tracer provider
	Tracer trace.Tracer

	// Secrets expands secret references in env values (optional)
	Secrets SecretExpander

	// ClientVersion is reported in the initialize handshake
	ClientVersion string
}

// NewManager creates a manager. No server is started.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Source == nil {
		cfg.Source = NewStaticSource()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	settings := cfg.Settings.withDefaults()
	logger := log.WithComponent(cfg.Logger, "mcp-manager")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:        cfg.Source,
		settings:      settings,
		logger:        logger,
		tracer:        cfg.Tracer,
		tap:           cfg.Tap,
		secrets:       cfg.Secrets,
		clientVersion: cfg.ClientVersion,
		events:        NewEventBus(cfg.Logger),
		logs:          NewLogCapture(DefaultRingCapacity),
		servers:       make(map[string]*serverState),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.supervisor = process.NewSupervisor(process.SupervisorConfig{
		Logger: cfg.Logger,
		OnExit: m.onExit,
	})
	m.health = NewHealthMonitor(HealthMonitorConfig{
		Logger:       cfg.Logger,
		Events:       m.events,
		MaxFailures:  settings.MaxFailures,
		ProbeTimeout: settings.ProbeTimeout,
		OnUnhealthy:  m.onUnhealthy,
	})
	m.dispatcher = NewDispatcher(DispatcherConfig{
		Logger:         cfg.Logger,
		Events:         m.events,
		Resolve:        m.runningConn,
		DefaultTimeout: settings.DefaultTimeout,
		ServerTimeout:  m.serverTimeout,
		MaxConcurrent:  settings.MaxConcurrentTools,
		HistorySize:    settings.HistorySize,
		Sink:           cfg.Sink,
		Filter:         jq.NewExecutor(0, 0),
		Tracer:         cfg.Tracer,
	})
	return m
}

func (m *Manager) tapFor(name string) transport.Tap {
	if m.tap == nil {
		return nil
	}
	return m.tap(name)
}

// Settings returns the effective settings.
func (m *Manager) Settings() Settings { return m.settings }

// Subscribe registers an event handler and returns its unsubscribe function.
func (m *Manager) Subscribe(fn EventHandler) func() {
	return m.events.Subscribe(fn)
}

// track registers background work. It returns false once the manager is
// closed.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// stateFor returns the state of name, creating it when create is set.
func (m *Manager) stateFor(name string, create bool) *serverState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.servers[name]
	if !ok && create {
		st = &serverState{
			name:    name,
			state:   StateStopped,
			limiter: m.newRestartLimiter(),
		}
		m.servers[name] = st
	}
	return st
}

func (m *Manager) runningConn(name string) (*transport.Conn, error) {
	st := m.stateFor(name, false)
	if st == nil {
		if _, err := m.source.ServerConfig(name); err != nil {
			return nil, err
		}
		return nil, ErrServerNotRunning(name)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.state != StateRunning || st.conn == nil {
		return nil, ErrServerNotRunning(name)
	}
	return st.conn, nil
}

func (m *Manager) serverTimeout(name string) time.Duration {
	cfg, err := m.source.ServerConfig(name)
	if err != nil {
		return 0
	}
	return cfg.Timeout
}

// StartServer spawns the server, performs the MCP handshake, discovers its
// tools and starts health probing. On any failure the server is left
// stopped and the originating error is returned.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	cfg, err := m.source.ServerConfig(name)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		return ErrServerDisabled(name)
	}

	st := m.stateFor(name, true)
	st.lifecycle.Lock()
	defer st.lifecycle.Unlock()

	return m.startLocked(ctx, st, cfg)
}

func (m *Manager) startLocked(ctx context.Context, st *serverState, cfg ServerConfig) error {
	name := st.name

	st.mu.Lock()
	switch st.state {
	case StateRunning, StateStarting:
		st.mu.Unlock()
		return ErrServerAlreadyRunning(name)
	}
	if st.restartTimer != nil {
		st.restartTimer.Stop()
		st.restartTimer = nil
	}
	st.state = StateStarting
	st.mu.Unlock()

	begin := time.Now()
	ctx, span := m.tracer.Start(ctx, "mcp.start_server", trace.WithAttributes(attribute.String("mcp.server", name)))
	defer span.End()

	logger := log.WithServer(m.logger, name)
	logger.Info("starting mcp server",
		slog.String("command", cfg.Command),
		slog.Any("args", cfg.Args),
		slog.Any("env", RedactEnv(cfg.Env)),
	)
	m.events.emit(EventStarting, name, "", nil)
	m.dispatcher.InvalidateTools(name)

	fail := func(err *MCPError) error {
		span.SetStatus(codes.Error, err.Error())
		m.teardown(st, err)
		st.mu.Lock()
		st.state = StateStopped
		st.lastError = err.Error()
		st.mu.Unlock()
		m.events.emit(EventStopped, name, err.Error(), map[string]any{"code": string(err.Code)})
		return err
	}

	pcfg, err := cfg.processConfig(ctx, m.secrets)
	if err != nil {
		return fail(ErrStartFailed(name, err))
	}

	handle, err := m.supervisor.Start(pcfg)
	if err != nil {
		if errors.Is(err, process.ErrAlreadyRunning) {
			return fail(ErrServerAlreadyRunning(name).WithCause(err))
		}
		return fail(SpawnError(name, err))
	}

	conn := transport.New(name, handle.Stdin, handle.Stdout, handle.Stderr, transport.Options{
		Logger:         m.logger,
		DefaultTimeout: m.settings.DefaultTimeout,
		Tap:            m.tapFor(name),
		OnDiagnostic: func(line string) {
			m.logs.Add(name, line)
		},
	})

	st.mu.Lock()
	st.handle = handle
	st.conn = conn
	st.mu.Unlock()

	initResult, err := m.initialize(ctx, conn)
	if err != nil {
		return fail(ErrStartFailed(name, err))
	}

	if initResult.Capabilities.Tools != nil {
		discoverCtx, cancel := context.WithTimeout(ctx, m.settings.StartupTimeout)
		_, err := m.dispatcher.discoverOn(discoverCtx, name, conn)
		cancel()
		if err != nil {
			return fail(Classify(name, jsonrpc.MethodToolsList, err))
		}
	} else {
		logger.Debug("server advertises no tools capability")
		m.dispatcher.setTools(name, nil)
	}

	unsubNotify := conn.Subscribe(func(msg *jsonrpc.Message) {
		if msg.Method == jsonrpc.NotifyToolsChange {
			m.rediscover(name, conn)
		}
	})

	st.mu.Lock()
	st.unsubscribe = append(st.unsubscribe, unsubNotify)
	st.state = StateRunning
	st.startedAt = time.Now()
	st.lastError = ""
	st.serverVersion = initResult.ServerInfo.Version
	st.mu.Unlock()

	m.health.StartProbing(name, m.settings.HealthCheckInterval, func(ctx context.Context) error {
		// Any response, including an error response, proves liveness.
		_, err := conn.SendRequest(ctx, jsonrpc.MethodPing, nil, m.settings.ProbeTimeout)
		return err
	})

	metrics.RecordStartup(ctx, name, time.Since(begin))
	tools, _ := m.dispatcher.Tools(name)
	logger.Info("mcp server running",
		slog.Int(log.PIDKey, handle.PID),
		slog.Int("tools", len(tools)),
		slog.String("server_version", initResult.ServerInfo.Version),
	)
	m.events.emit(EventStarted, name, "", map[string]any{
		"pid":   handle.PID,
		"tools": len(tools),
	})
	return nil
}

// initialize performs the initialize request and initialized notification.
func (m *Manager) initialize(ctx context.Context, conn *transport.Conn) (*mcp.InitializeResult, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo: mcp.Implementation{
			Name:    ClientName,
			Version: m.clientVersion,
		},
	}

	var result mcp.InitializeResult
	if err := conn.Request(ctx, jsonrpc.MethodInitialize, params, m.settings.StartupTimeout, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := conn.SendNotification(jsonrpc.NotifyInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// teardown releases everything attached to the server's current process.
// The caller holds st.lifecycle.
func (m *Manager) teardown(st *serverState, cause error) {
	m.health.StopProbing(st.name)
	m.dispatcher.CancelServer(st.name, cause)

	st.mu.Lock()
	handle, conn, unsubscribe := st.handle, st.conn, st.unsubscribe
	st.handle, st.conn, st.unsubscribe = nil, nil, nil
	st.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if handle != nil {
		handle.ExpectExit()
	}
	if conn != nil {
		if err := conn.SendNotification(jsonrpc.MethodShutdown, nil); err != nil {
			log.WithServer(m.logger, st.name).Debug("shutdown notification not sent", log.Error(err))
		}
		conn.Close()
	}
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.settings.StopGrace+10*time.Second)
		defer cancel()
		if err := m.supervisor.Stop(ctx, st.name, m.settings.StopGrace); err != nil {
			log.WithServer(m.logger, st.name).Warn("failed to stop process", log.Error(err))
		}
	}
}

// StopServer stops health probing, cancels the server's executions, closes
// the connection and stops the process. Stopping a server that is not
// running is a no-op.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	st := m.stateFor(name, false)
	if st == nil {
		if _, err := m.source.ServerConfig(name); err != nil {
			return err
		}
		return nil
	}

	st.lifecycle.Lock()
	defer st.lifecycle.Unlock()

	return m.stopLocked(ctx, st)
}

func (m *Manager) stopLocked(_ context.Context, st *serverState) error {
	st.mu.Lock()
	if st.restartTimer != nil {
		st.restartTimer.Stop()
		st.restartTimer = nil
	}
	prev := st.state
	if prev == StateStopped {
		st.mu.Unlock()
		return nil
	}
	st.state = StateStopping
	st.mu.Unlock()

	log.WithServer(m.logger, st.name).Info("stopping mcp server", slog.String("previous_state", string(prev)))
	m.teardown(st, errServerStopping)

	st.mu.Lock()
	st.state = StateStopped
	st.startedAt = time.Time{}
	st.mu.Unlock()

	m.events.emit(EventStopped, st.name, "", nil)
	return nil
}

// RestartServer stops the server and starts it again with its current
// configuration.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	cfg, err := m.source.ServerConfig(name)
	if err != nil {
		return err
	}

	st := m.stateFor(name, true)
	st.lifecycle.Lock()
	defer st.lifecycle.Unlock()

	m.events.emit(EventRestarting, name, "restart requested", nil)
	if err := m.stopLocked(ctx, st); err != nil {
		return err
	}
	if cfg.Disabled {
		return ErrServerDisabled(name)
	}
	return m.startLocked(ctx, st, cfg)
}

// GetServerStatus returns the status projection of a configured or
// tracked server.
func (m *Manager) GetServerStatus(name string) (*ServerStatus, error) {
	cfg, cfgErr := m.source.ServerConfig(name)
	st := m.stateFor(name, false)
	if cfgErr != nil && st == nil {
		return nil, cfgErr
	}

	status := &ServerStatus{
		Name:        name,
		State:       StateStopped,
		Disabled:    cfg.Disabled,
		AutoRestart: cfg.AutoRestart,
	}

	if st != nil {
		st.mu.RLock()
		status.State = st.state
		status.StartedAt = st.startedAt
		status.LastError = st.lastError
		status.Restarts = st.restarts
		status.ServerVersion = st.serverVersion
		if st.handle != nil {
			status.PID = st.handle.PID
		}
		if st.conn != nil {
			status.PendingCount = st.conn.PendingCount()
		}
		st.mu.RUnlock()
	}

	if status.State == StateRunning && !status.StartedAt.IsZero() {
		status.Uptime = time.Since(status.StartedAt).Round(time.Second)
	}
	status.Health = m.health.Record(name)
	if tools, ok := m.dispatcher.Tools(name); ok {
		status.ToolCount = len(tools)
	}
	return status, nil
}

// ListServers returns the status of every configured or tracked server in
// name order.
func (m *Manager) ListServers() []ServerStatus {
	names := make(map[string]struct{})
	for _, name := range m.source.ServerNames() {
		names[name] = struct{}{}
	}
	m.mu.Lock()
	for name := range m.servers {
		names[name] = struct{}{}
	}
	m.mu.Unlock()

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	statuses := make([]ServerStatus, 0, len(sorted))
	for _, name := range sorted {
		if status, err := m.GetServerStatus(name); err == nil {
			statuses = append(statuses, *status)
		}
	}
	return statuses
}

// ExecuteTool invokes a tool. It never fails; see Dispatcher.ExecuteTool.
func (m *Manager) ExecuteTool(ctx context.Context, req ExecuteRequest) *ExecutionResult {
	return m.dispatcher.ExecuteTool(ctx, req)
}

// DiscoverTools refreshes the tool cache of the named servers, or of every
// running server when no name is given, and returns the discovered tools.
func (m *Manager) DiscoverTools(ctx context.Context, names ...string) ([]ToolDefinition, error) {
	if len(names) == 0 {
		for _, status := range m.ListServers() {
			if status.State == StateRunning {
				names = append(names, status.Name)
			}
		}
	}

	var all []ToolDefinition
	var errs []error
	for _, name := range names {
		defs, err := m.dispatcher.DiscoverTools(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, defs...)
	}
	return all, errors.Join(errs...)
}

// Tools returns the cached tool definitions of a server.
func (m *Manager) Tools(name string) ([]ToolDefinition, bool) {
	return m.dispatcher.Tools(name)
}

// CancelExecution cancels an in-flight execution.
func (m *Manager) CancelExecution(id string) bool {
	return m.dispatcher.CancelExecution(id)
}

// ActiveExecutions returns the ids of executions in flight.
func (m *Manager) ActiveExecutions() []string {
	return m.dispatcher.Active()
}

// GetExecutionHistory returns up to limit recent results, oldest first.
func (m *Manager) GetExecutionHistory(limit int) []ExecutionResult {
	return m.dispatcher.History(limit)
}

// Logs returns the last lines of a server's stderr output.
func (m *Manager) Logs(name string, lines int) []LogEntry {
	return m.logs.Get(name, lines, time.Time{})
}

func (m *Manager) rediscover(name string, conn *transport.Conn) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.settings.DefaultTimeout)
		defer cancel()
		if _, err := m.dispatcher.discoverOn(ctx, name, conn); err != nil {
			log.WithServer(m.logger, name).Warn("tool rediscovery failed", log.Error(err))
		}
	}()
}

// Start starts every enabled server configured with autoStart. Failures are
// returned joined; they do not prevent other servers from starting.
func (m *Manager) Start(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, name := range m.source.ServerNames() {
		cfg, err := m.source.ServerConfig(name)
		if err != nil || cfg.Disabled || !cfg.AutoStart {
			continue
		}
		g.Go(func() error {
			if err := m.StartServer(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Resume starts the named servers that are still configured, enabled and
// not already running. Typically the names come from
// StateStore.Resumable.
func (m *Manager) Resume(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		cfg, err := m.source.ServerConfig(name)
		if err != nil || cfg.Disabled {
			continue
		}
		if st := m.stateFor(name, false); st != nil && st.currentState() != StateStopped {
			continue
		}
		if err := m.StartServer(ctx, name); err != nil && CodeOf(err) != ErrorCodeAlreadyRunning {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig reconciles servers whose configuration changed: removed or
// disabled servers are stopped, running servers are restarted, and new
// autoStart servers are started.
func (m *Manager) ApplyConfig(ctx context.Context, changed []string) error {
	var errs []error
	for _, name := range changed {
		cfg, err := m.source.ServerConfig(name)
		st := m.stateFor(name, false)

		switch {
		case err != nil:
			if st != nil {
				errs = append(errs, m.StopServer(ctx, name))
				m.forget(name)
			}
		case cfg.Disabled:
			if st != nil {
				errs = append(errs, m.StopServer(ctx, name))
			}
		case st != nil && st.currentState() != StateStopped:
			metrics.RecordRestart(name, "config_changed")
			errs = append(errs, m.RestartServer(ctx, name))
		case st == nil && cfg.AutoStart:
			errs = append(errs, m.StartServer(ctx, name))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.servers, name)
	m.mu.Unlock()
	m.health.Forget(name)
	m.dispatcher.InvalidateTools(name)
	m.logs.Clear(name)
}

// Close stops every server and waits for background work to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*serverState, 0, len(m.servers))
	for _, st := range m.servers {
		states = append(states, st)
	}
	m.mu.Unlock()

	m.cancel()

	var g errgroup.Group
	for _, st := range states {
		g.Go(func() error {
			st.lifecycle.Lock()
			defer st.lifecycle.Unlock()
			return m.stopLocked(context.Background(), st)
		})
	}
	err := g.Wait()

	m.health.Close()
	m.wg.Wait()
	return err
}
