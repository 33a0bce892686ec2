package app

import (
	"context"

	"keeper/internal/config"
)

func provideAppBuilder(cfg *config.Config, watcher *config.Watcher) *AppBuilder {
	return NewAppBuilder(cfg, watcher)
}

func provideAppFromBuilder(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
