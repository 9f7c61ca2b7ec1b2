// Package providers holds the wire provider functions that assemble the
// application graph.
package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/bakes"
	"github.com/kilnhq/kiln/lib/images"
	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/otel"
	"github.com/kilnhq/kiln/lib/paths"
	"github.com/kilnhq/kiln/lib/pipeline"
	"github.com/kilnhq/kiln/lib/registry"
	"github.com/kilnhq/kiln/lib/remote"
	"github.com/kilnhq/kiln/lib/rootfs"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideOtel initializes the OTel SDK. Telemetry is disabled when no
// collector endpoint is configured.
func ProvideOtel(ctx context.Context, cfg *config.Config) (*otel.Providers, func(), error) {
	p, err := otel.Setup(ctx, cfg.OtelEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("setup otel: %w", err)
	}
	cleanup := func() {
		_ = p.Shutdown(context.Background())
	}
	return p, cleanup, nil
}

// ProvideLogger provides the root structured logger
func ProvideLogger(otelp *otel.Providers) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemAPI, logger.NewConfig(), otelp.LogHandler)
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) (*paths.Paths, error) {
	p := paths.New(cfg.DataDir)
	if err := p.EnsureBase(); err != nil {
		return nil, fmt.Errorf("create data directories: %w", err)
	}
	return p, nil
}

// ProvideRemoteClient provides the registry client used for base image
// resolution and pulls
func ProvideRemoteClient() *remote.Client {
	return remote.NewClient()
}

// ProvideFetcher binds the remote client as the pipeline's image fetcher
func ProvideFetcher(c *remote.Client) pipeline.Fetcher {
	return c
}

// ProvideImageManager provides the built image store
func ProvideImageManager(p *paths.Paths, otelp *otel.Providers) images.Manager {
	log := logger.NewSubsystemLogger(logger.SubsystemImages, logger.NewConfig(), otelp.LogHandler)
	return images.NewManager(p, log)
}

// ProvideEnvFactory provides the factory building overlay/chroot bake
// environments
func ProvideEnvFactory(cfg *config.Config, otelp *otel.Providers) bakes.EnvFactory {
	return func(workspaceDir string, output io.Writer, log *slog.Logger) (pipeline.Environment, error) {
		return rootfs.NewEnv(workspaceDir, &rootfs.ChrootExecutor{}, log, output, cfg.MaxRootfsSize)
	}
}

// ProvideBakeManager provides the bake manager
func ProvideBakeManager(
	p *paths.Paths,
	cfg *config.Config,
	fetcher pipeline.Fetcher,
	envFactory bakes.EnvFactory,
	imageManager images.Manager,
	otelp *otel.Providers,
) (bakes.Manager, error) {
	log := logger.NewSubsystemLogger(logger.SubsystemBakes, logger.NewConfig(), otelp.LogHandler)

	bakeCfg := bakes.DefaultConfig()
	bakeCfg.MaxConcurrentBakes = cfg.MaxConcurrentBakes
	bakeCfg.Timeout = cfg.BakeTimeout
	bakeCfg.MaxContextBytes = cfg.MaxContextSize

	return bakes.NewManager(p, bakeCfg, fetcher, envFactory, imageManager, log, otelp.Meter)
}

// ProvideRegistry provides the pull-only registry facade
func ProvideRegistry(imageManager images.Manager, otelp *otel.Providers) *registry.Registry {
	log := logger.NewSubsystemLogger(logger.SubsystemRegistry, logger.NewConfig(), otelp.LogHandler)
	return registry.New(imageManager, log)
}
