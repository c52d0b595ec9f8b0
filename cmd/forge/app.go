package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/forge/internal/config"
	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/observability"
	"github.com/haasonsaas/forge/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// app holds the process-wide pieces every command needs: the loaded
// config, the logger and the telemetry sinks.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	shutdownTracer func(context.Context) error
	metricsServer  *observability.MetricsServer
	logFile        *os.File
}

// loadApp reads the config and sets up logging and telemetry. Interactive
// sessions log to a file so log lines never interleave with the chat.
func loadApp(opts *rootOptions, interactive bool) (*app, error) {
	path := opts.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	a := &app{configPath: path, cfg: cfg}

	var output io.Writer = os.Stderr
	if interactive {
		logPath, err := cfg.LogPath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		output = f
	}
	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    output,
		AddSource: opts.debug,
	})
	slog.SetDefault(a.logger)

	reg := prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(reg)
	if opts.metricsAddr != "" {
		srv, err := observability.ServeMetrics(opts.metricsAddr, reg, a.logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.metricsServer = srv
	}

	a.tracer, a.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "forge",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	a.logger.Debug("loaded configuration", "path", path, "model", cfg.Model)
	return a, nil
}

// configStore persists edits back into the file the config came from.
func (a *app) configStore() config.Store {
	return config.Store{Path: a.configPath}
}

// newManager builds an mcp manager over the configured servers. Edits are
// written back to the config file.
func (a *app) newManager() *mcp.Manager {
	return mcp.NewManager(a.cfg.MCP.Servers, a.logger,
		mcp.WithMetrics(a.metrics),
		mcp.WithTracer(a.tracer),
		mcp.WithPersist(a.configStore().SaveServers),
		mcp.WithClientOptions(
			mcp.WithCallTimeout(a.cfg.MCP.CallTimeout),
			mcp.WithClientInfo("forge", version),
		),
	)
}

// openStore opens the conversation database, or an in-memory store when
// persistence is disabled.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	if !a.cfg.Storage.Enabled {
		return storage.NewMemoryStore(), nil
	}
	path, err := a.cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	return storage.NewSQLiteStore(ctx, storage.SQLiteConfig{Path: path})
}

// Close flushes telemetry and releases the log file.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil && a.logger != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
