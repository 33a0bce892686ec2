//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"keeper/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config, watcher *config.Watcher) (*App, error) {
	wire.Build(
		provideAppBuilder,
		provideAppFromBuilder,
	)
	return nil, nil
}
