package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribekit/scribed/internal/config"
)

// Runtime owns the daemon's telemetry pipeline and the optional
// health/metrics HTTP endpoint.
type Runtime struct {
	cfg         config.TelemetryConfig
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.TelemetryConfig, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
	}
}

// Start initializes telemetry and, when metrics_bind is set, serves
// /healthz, /readyz and /metrics. Non-blocking.
func (r *Runtime) Start() error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.MetricsBind == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	r.httpServer = &http.Server{
		Addr:              r.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("metrics endpoint started", slog.String("addr", r.cfg.MetricsBind))
	return nil
}

// SetReady flips the readiness probe once the IPC server is listening.
func (r *Runtime) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Stop shuts the HTTP endpoint and telemetry down, bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) {
	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
