package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"keeper/internal/cache"
	"keeper/internal/config"
	"keeper/internal/eventbus"
	"keeper/internal/logger"
	"keeper/internal/monitor"
	"keeper/internal/recovery"
	"keeper/internal/restorer"
	"keeper/internal/store/gormstore"
	opshttp "keeper/internal/transport/http/ops"
)

// App restores persisted sessions on startup, then keeps the monitors, the
// degraded-session heartbeat and the ops HTTP server running until ctx ends.
type App struct {
	cfg      *config.Config
	cache    *cache.BadgerStore
	ledger   *gormstore.Store
	bus      *eventbus.Bus
	monitor  *monitor.Scheduler
	restorer *restorer.Restorer
	policy   *recovery.PolicyHolder
	opsHTTP  *opshttp.Server
	Summary  *StartupSummary
}

// NewApp builds the application without starting it. watcher may be nil,
// in which case the recovery policy is fixed for the process lifetime.
func NewApp(ctx context.Context, cfg *config.Config, watcher *config.Watcher) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg, watcher)
}

func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.restorer == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.opsHTTP != nil {
		group.Go(func() error {
			if err := a.opsHTTP.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}
	if !a.cfg.Cache.InMemory && a.cfg.Cache.GCInterval() > 0 {
		group.Go(func() error {
			return a.cache.RunGC(ctx, a.cfg.Cache.GCInterval())
		})
	}
	group.Go(func() error {
		if _, err := a.restorer.RestoreAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("restore sessions: %w", err)
		}
		return a.restorer.RunHeartbeat(ctx, a.cfg.Recovery.HeartbeatInterval())
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Restorer exposes the session table, mainly for tests.
func (a *App) Restorer() *restorer.Restorer {
	if a == nil {
		return nil
	}
	return a.restorer
}

// Close stops monitors and the bus before releasing the stores. Safe to call
// more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.monitor != nil {
		a.monitor.StopAll()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("close ledger: %v", err)
		}
		a.ledger = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Warnf("close cache: %v", err)
		}
		a.cache = nil
	}
}
