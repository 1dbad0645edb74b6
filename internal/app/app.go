package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
	"github.com/dvcrn/lightspeed-proxy/internal/bridge"
	"github.com/dvcrn/lightspeed-proxy/internal/config"
	"github.com/dvcrn/lightspeed-proxy/internal/credentials"
	"github.com/dvcrn/lightspeed-proxy/internal/metrics"
	"github.com/dvcrn/lightspeed-proxy/internal/observability"
	"github.com/dvcrn/lightspeed-proxy/internal/registry"
	"github.com/dvcrn/lightspeed-proxy/internal/server"
)

// App owns the wired components and their lifecycle: the HTTP server,
// the registry sweeper, and the trace provider.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry *registry.Registry
	metrics  *metrics.Collector
	httpSrv  *http.Server
	sweeper  *cron.Cron
	tracing  *sdktrace.TracerProvider
}

// New wires the full proxy from config. Nothing is started yet; call Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tokens, err := credentials.FromConfig(cfg.Backend.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to set up backend credentials: %w", err)
	}

	backendClient := backend.New(cfg.Backend, tokens, logger)

	// The collector always exists so callers never nil-check; when
	// metrics are disabled the /metrics route is simply not mounted.
	collector := metrics.NewCollector(cfg.Metrics.Namespace, nil)

	reg := registry.New(cfg.Contexts.TTL, logger,
		registry.WithEvictionHook(func(contextID string) {
			// Best effort: a context the backend already dropped answers
			// 404 and that is fine.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := backendClient.DeleteContext(ctx, contextID); err != nil {
				logger.Warn().Err(err).Str("context_id", contextID).Msg("Failed to delete backend context on eviction")
			}
			collector.ObserveContextEviction()
		}),
	)

	orch := bridge.NewOrchestrator(backendClient, reg, collector, logger, bridge.Config{
		Model: cfg.Backend.Model,
		Context: backend.ContextConfig{
			WorkingDirectory: cfg.Backend.WorkingDirectory,
			AllowedTools:     cfg.Backend.AllowedTools,
			SystemPrompt:     cfg.Backend.SystemPrompt,
		},
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	opts := []server.Option{server.WithAPIKey(cfg.Server.APIKey)}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsHandler(collector.Handler()))
	}
	srv := server.New(logger, orch, cfg.Backend.Model, opts...)

	var tracing *sdktrace.TracerProvider
	if cfg.Telemetry.OTLPEndpoint != "" {
		tracing, err = observability.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Contexts.SweepInterval), func() {
		evicted := reg.Sweep(time.Now())
		collector.SetActiveContexts(reg.Len())
		if evicted > 0 {
			logger.Info().Int("evicted", evicted).Int("remaining", reg.Len()).Msg("Swept idle backend contexts")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule context sweep: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  collector,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		},
		sweeper: sweeper,
		tracing: tracing,
	}, nil
}

// Run serves until ctx is canceled, then shuts everything down in order:
// stop accepting requests, stop the sweeper, flush traces.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("listen", a.cfg.Server.Listen).Msg("Starting server")
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := a.httpSrv.Shutdown(shutdownCtx)
	a.shutdown(shutdownCtx)
	return err
}

func (a *App) shutdown(ctx context.Context) {
	<-a.sweeper.Stop().Done()
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to flush traces on shutdown")
		}
	}
}
