package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/adapter/semgrep"
	"github.com/safeflowhq/safeflow/pkg/adapter/syft"
	"github.com/safeflowhq/safeflow/pkg/adapter/trivy"
	"github.com/safeflowhq/safeflow/pkg/adapter/zap"
	"github.com/safeflowhq/safeflow/pkg/config"
	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/scheduler"
	"github.com/safeflowhq/safeflow/pkg/storage"
	"github.com/safeflowhq/safeflow/pkg/workflow"
)

// loadConfig reads the config file named by --config, falling back to
// defaults when none is given.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newAdapterRegistry registers every built-in scan tool explicitly.
func newAdapterRegistry() (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for _, a := range []adapter.Adapter{
		semgrep.New(),
		syft.New(),
		trivy.New(),
		zap.New(),
	} {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// openStore builds the checkpoint backend named by the config.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// initTracing starts the OTLP exporter when tracing is enabled. The returned
// function flushes pending spans on shutdown.
func initTracing(ctx context.Context, cfg *config.Config) func() {
	tp, err := observability.InitGlobalTracer(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sdk.Shutdown(shutdownCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}
	}
}

// newEngine wires the scheduler, storage, and workflow engine together.
// Callers own closing the returned store.
func newEngine(cfg *config.Config) (*workflow.Engine, storage.Store, error) {
	reg, err := newAdapterRegistry()
	if err != nil {
		return nil, nil, err
	}
	sched, err := scheduler.New(cfg.Workflow.Retry)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine, err := workflow.NewEngine(cfg.Workflow, reg, sched, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return engine, store, nil
}
