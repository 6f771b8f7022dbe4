// Package app wires configuration, storage, the license engine and the
// HTTP surface into one runnable application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"aquacli/internal/config"
	"aquacli/internal/hardware"
	"aquacli/internal/infrastructure"
	"aquacli/internal/license"
	"aquacli/internal/notify"
	"aquacli/internal/services"
	"aquacli/internal/store"
	httptransport "aquacli/internal/transport/http"
)

// Application owns every long-lived component and their shutdown order
type Application struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.GormStore
	manager *license.Manager
	meter   *sdkmetric.MeterProvider
	server  *http.Server
}

// NewApplication loads configuration and constructs all components.
// Nothing talks to the network yet; that starts in Run.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	registry := license.NewHTTPRegistry(cfg.Registry, logger)
	probe := hardware.NewSystemProbe()

	var notifier notify.Notifier
	if cfg.Notify.Enabled && cfg.Notify.SMTPHost != "" {
		notifier = notify.NewEmailNotifier(cfg.Notify, logger)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	manager := license.NewManager(cfg, st, registry, probe, notifier, logger)

	app := &Application{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		manager: manager,
	}

	if err := app.initMetrics(); err != nil {
		// Metrics are optional instrumentation; the engine runs without them
		logger.Warn("Metrics initialization failed", slog.String("error", err.Error()))
	}

	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

func (a *Application) initMetrics() error {
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	a.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	metrics, err := license.NewMetrics(a.meter.Meter("aquacli/license"))
	if err != nil {
		return fmt.Errorf("create license metrics: %w", err)
	}
	a.manager.SetMetrics(metrics)
	return nil
}

func (a *Application) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	service := services.NewLicenseService(a.manager, a.store, a.logger)
	r.Mount("/api/license", httptransport.NewLicenseHandler(service, a.logger).Routes())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// Run performs the blocking startup validation, then serves until an
// interrupt arrives. The startup result is surfaced but never prevents
// the server from coming up: the UI needs the activation endpoint to fix
// a failed validation.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startupCtx := infrastructure.EnsureTraceID(ctx)
	res, err := a.manager.ValidateStartup(startupCtx)
	if err != nil {
		a.logger.WarnContext(startupCtx, "Startup license validation failed",
			slog.String("message", res.Message),
			slog.String("error", err.Error()),
		)
	} else {
		a.logger.InfoContext(startupCtx, "Startup license validation passed",
			slog.String("message", res.Message),
			slog.Bool("offline", res.Offline),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.backgroundLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// backgroundLoop runs the periodic non-blocking validation. Shutdown
// cancels the wait, never an in-flight store write.
func (a *Application) backgroundLoop(ctx context.Context) {
	interval := a.cfg.License.BackgroundInterval
	if interval <= 0 {
		a.logger.Info("Background validation disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx := infrastructure.EnsureTraceID(context.Background())
			res, err := a.manager.ValidateBackground(checkCtx)
			if err != nil {
				a.logger.WarnContext(checkCtx, "Background license validation failed",
					slog.String("message", res.Message),
					slog.String("error", err.Error()),
				)
				continue
			}
			a.logger.DebugContext(checkCtx, "Background license validation completed",
				slog.String("message", res.Message),
				slog.Bool("offline", res.Offline),
			)
		}
	}
}

func (a *Application) shutdown() error {
	a.logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}
	if a.meter != nil {
		if err := a.meter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store close: %w", err)
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close log file: %w", err)
	}
	return firstErr
}
