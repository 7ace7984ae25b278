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
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/commands/shared"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
	mcpcore "github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/historydb"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp/transport"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/metrics"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/pidfile"
	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/tracing"
)

const (
	shutdownTimeout    = 10 * time.Second
	stateFlushInterval = 2 * time.Second
)

type runOptions struct {
	metricsAddr   string
	trace         string
	traceEndpoint string
	traceInsecure bool
	historyDB     string
	historyRetain int
	debugWire     bool
	watch         bool
	pidFile       string
	stateFile     string
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := runOptions{watch: true}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the configured MCP servers until interrupted",
		Long: `Start every enabled autoStart server and keep them running: crashed
servers are restarted within the configured budget, unhealthy servers are
detected by periodic probes, and configuration edits are applied without a
restart. SIGINT or SIGTERM stops every server and exits.

With --json, lifecycle events are written to stdout as JSON lines.`,
		Annotations: map[string]string{
			"group": "execution",
		},
		Example: `  # Supervise servers and expose Prometheus metrics
  olympian-mcp run --metrics-addr :9090

  # Archive executions and print console traces
  olympian-mcp run --history-db history.db --trace console

  # Show every JSON-RPC message exchanged with the servers
  olympian-mcp run --debug-wire

  # Resume servers after an unclean exit
  olympian-mcp run --state-file ~/.local/state/olympian/state.json`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.trace, "trace", tracing.ExporterNone, "Span exporter: none, console, otlp-http or otlp-grpc")
	cmd.Flags().StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP collector host:port")
	cmd.Flags().BoolVar(&opts.traceInsecure, "trace-insecure", false, "Export spans without TLS")
	cmd.Flags().StringVar(&opts.historyDB, "history-db", "", "Archive executions in this SQLite file")
	cmd.Flags().IntVar(&opts.historyRetain, "history-retain", 10000, "Maximum number of archived executions (0 keeps all)")
	cmd.Flags().BoolVar(&opts.debugWire, "debug-wire", false, "Print JSON-RPC traffic to stderr")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Apply configuration file changes while running")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "Write the supervisor PID here and refuse to start if another supervisor holds it")
	cmd.Flags().StringVar(&opts.stateFile, "state-file", "", "Persist server state here and resume servers left running by a supervisor that died")

	return cmd
}

func runSupervisor(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	logger := shared.NewLogger(cmd.ErrOrStderr())

	src, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if opts.pidFile != "" {
		pf, err := pidfile.Acquire(opts.pidFile)
		if err != nil {
			if errors.Is(err, pidfile.ErrLocked) {
				return shared.NewConfigError("another supervisor is running", err)
			}
			return err
		}
		defer pf.Release()
	}

	v, _, _ := shared.GetVersion()
	tp, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "olympian-mcp",
		ServiceVersion: v,
		Exporter:       opts.trace,
		Writer:         cmd.ErrOrStderr(),
		Endpoint:       opts.traceEndpoint,
		Insecure:       opts.traceInsecure,
	})
	if err != nil {
		return shared.NewConfigError("failed to set up tracing", err)
	}
	defer shutdownWithTimeout(logger, "tracing", tp.Shutdown)

	var srv *http.Server
	if opts.metricsAddr != "" {
		srv, err = serveMetrics(logger, opts.metricsAddr)
		if err != nil {
			return err
		}
		defer shutdownWithTimeout(logger, "metrics server", srv.Shutdown)
	}

	mopts := shared.ManagerOptions{Logger: logger}
	if opts.historyDB != "" {
		store, err := historydb.Open(historydb.Config{
			Path:   opts.historyDB,
			WAL:    true,
			Retain: opts.historyRetain,
		})
		if err != nil {
			return shared.NewConfigError("failed to open execution archive", err)
		}
		defer store.Close()
		mopts.Sink = store
	}
	if opts.debugWire {
		mopts.Tap = wireTap(cmd.ErrOrStderr())
	}

	m := shared.NewManager(src, mopts)
	if shared.GetJSON() {
		unsubscribe := m.Subscribe(eventWriter(cmd.OutOrStdout()))
		defer unsubscribe()
	}

	var resume []string
	if opts.stateFile != "" {
		store, err := mcpcore.OpenStateStore(opts.stateFile, logger)
		if err != nil {
			return shared.NewConfigError("failed to open state file", err)
		}
		resume = store.Resumable()
		store.Prune(src.ServerNames())
		store.SetOwner(os.Getpid())
		unsubscribe := m.Subscribe(store.Observe)
		defer unsubscribe()
		defer func() {
			store.SetOwner(0)
			if err := store.Flush(); err != nil {
				logger.Warn("failed to write state file", log.Error(err))
			}
		}()
		go flushState(ctx, logger, store)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("error stopping servers", log.Error(err))
		}
	}()

	if opts.watch {
		w, err := mcpcore.NewConfigWatcher(mcpcore.ConfigWatcherConfig{
			Source: src,
			Target: m,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("configuration watching disabled", log.Error(err))
		} else {
			defer w.Close()
		}
	}

	if err := m.Start(ctx); err != nil {
		logger.Error("some servers failed to start", log.Error(err))
	}
	if len(resume) > 0 {
		logger.Info("resuming servers left running", slog.Any("servers", resume))
		if err := m.Resume(ctx, resume); err != nil {
			logger.Error("some servers failed to resume", log.Error(err))
		}
	}
	logger.Info("supervising MCP servers",
		slog.String("config", src.Path()),
		slog.Int("servers", len(src.ServerNames())))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// wireTap returns a Tap factory that renders each server's traffic to w.
func wireTap(w io.Writer) func(server string) transport.Tap {
	return func(server string) transport.Tap {
		return transport.NewDebugFormatter(transport.DebugFormatterConfig{
			Writer:     w,
			ServerName: server,
		}).Tap()
	}
}

// flushState writes the state file periodically until ctx is done.
func flushState(ctx context.Context, logger *slog.Logger, store *mcpcore.StateStore) {
	ticker := time.NewTicker(stateFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Flush(); err != nil {
				logger.Warn("failed to write state file", log.Error(err))
			}
		}
	}
}

// eventWriter writes each event to w as one JSON line.
func eventWriter(w io.Writer) mcpcore.EventHandler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(ev mcpcore.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(ev)
	}
}

// serveMetrics installs the OpenTelemetry meter provider and serves the
// default Prometheus registry on addr.
func serveMetrics(logger *slog.Logger, addr string) (*http.Server, error) {
	if _, err := metrics.SetupMeterProvider(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("failed to set up meter provider: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, shared.NewConfigError(fmt.Sprintf("cannot listen on %s", addr), err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

func shutdownWithTimeout(logger *slog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", slog.String("component", what), log.Error(err))
	}
}
