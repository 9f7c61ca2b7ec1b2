package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln/cmd/api/api"
	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/bakes"
	"github.com/kilnhq/kiln/lib/images"
	"github.com/kilnhq/kiln/lib/middleware"
	"github.com/kilnhq/kiln/lib/otel"
	"github.com/kilnhq/kiln/lib/registry"
)

// application holds the initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	Otel         *otel.Providers
	ImageManager images.Manager
	BakeManager  bakes.Manager
	Registry     *registry.Registry
	ApiService   *api.ApiService
}

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	logger := app.Logger
	slog.SetDefault(logger)

	// Bakes interrupted by a previous shutdown rerun from scratch
	app.BakeManager.RecoverPendingBakes()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.AccessLogger(logger))
	r.Use(middleware.InjectLogger(logger))

	if app.Otel.Enabled {
		r.Use(otelchi.Middleware("kiln", otelchi.WithChiRoutes(r)))
		httpMetrics, err := middleware.NewHTTPMetrics(app.Otel.Meter)
		if err != nil {
			return fmt.Errorf("create http metrics: %w", err)
		}
		r.Use(httpMetrics.Middleware)
	}

	// Management API, optionally behind JWT auth
	r.Group(func(pr chi.Router) {
		if app.Config.JwtSecret != "" {
			pr.Use(middleware.VerifyJWT(app.Config.JwtSecret))
		}
		app.ApiService.RegisterRoutes(pr)
	})

	// Pull-only registry surface for baked images
	r.Mount("/v2", app.Registry.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", app.Config.Port),
		Handler: r,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("starting kiln API server", "port", app.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}

		logger.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}
