//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/kilnhq/kiln/cmd/api/api"
	"github.com/kilnhq/kiln/lib/providers"
	"github.com/kilnhq/kiln/lib/remote"
)

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideOtel,
		providers.ProvideLogger,
		providers.ProvidePaths,
		providers.ProvideRemoteClient,
		providers.ProvideFetcher,
		providers.ProvideImageManager,
		providers.ProvideEnvFactory,
		providers.ProvideBakeManager,
		providers.ProvideRegistry,
		wire.Bind(new(api.Pusher), new(*remote.Client)),
		api.New,
		wire.Struct(new(application), "*"),
	))
}
