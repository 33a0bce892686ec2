package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"keeper/internal/cache"
	"keeper/internal/config"
	"keeper/internal/eventbus"
	"keeper/internal/gateway/binance"
	"keeper/internal/gateway/exchange"
	"keeper/internal/gateway/notifier"
	"keeper/internal/logger"
	"keeper/internal/metrics"
	"keeper/internal/monitor"
	"keeper/internal/pkg/circuit"
	"keeper/internal/recovery"
	"keeper/internal/restorer"
	"keeper/internal/store/gormstore"
	opshttp "keeper/internal/transport/http/ops"
)

const busBuffer = 1024

type AppBuilder struct {
	cfg     *config.Config
	watcher *config.Watcher

	cacheFn    func(config.CacheConfig) (*cache.BadgerStore, error)
	ledgerFn   func(config.DatabaseConfig) (*gormstore.Store, error)
	exchangeFn func(config.ExchangeConfig) exchange.Provider
	notifierFn func(config.NotifyConfig) notifier.Sink
	opsHTTPFn  func(config.HTTPConfig, opshttp.RecoveryService, func(context.Context) error) (*opshttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithExchange replaces the venue provider, mainly for tests.
func WithExchange(p exchange.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.exchangeFn = func(config.ExchangeConfig) exchange.Provider { return p }
	}
}

func WithNotifier(s notifier.Sink) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.Sink { return s }
	}
}

func NewAppBuilder(cfg *config.Config, watcher *config.Watcher, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		watcher:    watcher,
		cacheFn:    openCache,
		ledgerFn:   openLedger,
		exchangeFn: buildExchange,
		notifierFn: buildNotifier,
		opsHTTPFn:  buildOpsHTTP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	store, err := b.cacheFn(cfg.Cache)
	if err != nil {
		return nil, err
	}
	ledger, err := b.ledgerFn(cfg.Database)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	policy := recovery.NewPolicyHolder(PolicyFromConfig(cfg.Policy))
	if b.watcher != nil {
		b.watcher.Subscribe(func(snap config.Snapshot) {
			policy.Set(PolicyFromConfig(snap.Config.Policy))
			if !logger.SetLevel(snap.Config.App.LogLevel) {
				logger.Warnf("config v%d: unknown log level %q, using info", snap.Version, snap.Config.App.LogLevel)
			}
			logger.Infof("config v%d applied: recovery policy updated", snap.Version)
		})
	}

	bus := eventbus.New(busBuffer)
	bus.Start()

	deps := recovery.Deps{
		Exchange: b.exchangeFn(cfg.Exchange),
		Gate:     buildGate(cfg.Exchange),
		Ledger:   ledger,
		Cache:    store,
		Bus:      bus,
		Notifier: b.notifierFn(cfg.Notify),
		Policy:   policy,
	}
	// The checker never starts or stops tasks, so it can see deps before
	// the scheduler is attached.
	scheduler := monitor.NewScheduler(ctx, monitor.Config{
		Interval:     cfg.Monitor.Interval(),
		CheckTimeout: cfg.Monitor.CheckTimeout(),
	}, recovery.NewHealthChecker(deps))
	deps.Monitor = scheduler

	rs := restorer.New(restorer.Config{
		Concurrency:       cfg.Recovery.Concurrency,
		SessionTimeout:    cfg.Recovery.SessionTimeout(),
		HeartbeatInterval: cfg.Recovery.HeartbeatInterval(),
		AdminUserIDs:      cfg.Recovery.AdminUserIDs,
	}, deps, recovery.DefaultRegistry())

	a := &App{
		cfg:      cfg,
		cache:    store,
		ledger:   ledger,
		bus:      bus,
		monitor:  scheduler,
		restorer: rs,
		policy:   policy,
		Summary:  newStartupSummary(cfg, recovery.DefaultRegistry().Strategies()),
	}
	if cfg.HTTP.Enabled {
		srv, err := b.opsHTTPFn(cfg.HTTP, rs, ledger.Ping)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.opsHTTP = srv
	}
	return a, nil
}

// PolicyFromConfig converts the policy section into recovery thresholds.
func PolicyFromConfig(p config.PolicyConfig) recovery.Policy {
	return recovery.Policy{
		SizeTolerance:     decimal.NewFromFloat(p.SizeTolerance),
		AlertThreshold:    decimal.NewFromFloat(p.AlertThreshold),
		StopProximityPct:  decimal.NewFromFloat(p.StopProximityPct),
		DefaultStopPct:    decimal.NewFromFloat(p.DefaultStopPct),
		AveragingStepPct:  decimal.NewFromFloat(p.AveragingStepPct),
		MaxAveragingCount: p.MaxAveragingCount,
		BaseSizeSlack:     decimal.NewFromFloat(p.BaseSizeSlack),
		DBTimeout:         time.Duration(p.DBTimeoutSeconds) * time.Second,
		DBAttempts:        p.DBAttempts,
		NotifyTimeout:     time.Duration(p.NotifyTimeoutSeconds) * time.Second,
	}
}

func openCache(cfg config.CacheConfig) (*cache.BadgerStore, error) {
	store, err := cache.Open(cache.OpenOptions{Path: cfg.Path, InMemory: cfg.InMemory})
	if err != nil {
		return nil, err
	}
	if cfg.InMemory {
		logger.Warnf("cache: running in memory, persisted sessions will not survive restart")
	}
	return store, nil
}

func openLedger(cfg config.DatabaseConfig) (*gormstore.Store, error) {
	st, err := gormstore.NewStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Path, err)
	}
	return st, nil
}

func buildExchange(cfg config.ExchangeConfig) exchange.Provider {
	accounts := make(map[int64]binance.Credentials, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		accounts[acct.UserID] = binance.Credentials{APIKey: acct.APIKey, SecretKey: acct.SecretKey}
	}
	logger.Infof("exchange: %s with %d account(s), testnet=%v", cfg.Name, len(accounts), cfg.Testnet)
	return binance.NewProvider(binance.Config{
		RESTBaseURL:  cfg.RESTBaseURL,
		HTTPTimeout:  time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		Testnet:      cfg.Testnet,
		ProxyEnabled: cfg.ProxyEnabled,
		RESTProxyURL: cfg.RESTProxyURL,
		Accounts:     accounts,
	})
}

func buildGate(cfg config.ExchangeConfig) *exchange.Gate {
	breaker := circuit.NewCircuitBreaker(cfg.Name, cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSeconds)*time.Second)
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		metrics.SetBreakerState(name, int(to))
		logger.Warnf("exchange breaker %s: %s -> %s", name, from, to)
	})
	metrics.SetBreakerState(breaker.Name(), int(breaker.State()))
	return exchange.NewGate(exchange.GateConfig{
		Concurrency:    cfg.Concurrency,
		AttemptTimeout: time.Duration(cfg.AttemptTimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
	}, breaker)
}

func buildNotifier(cfg config.NotifyConfig) notifier.Sink {
	sinks := notifier.Multi{notifier.LogSink{}}
	if tg := newTelegram(cfg.Telegram); tg != nil {
		sinks = append(sinks, tg)
	}
	return sinks
}

func newTelegram(cfg config.TelegramConfig) *notifier.Telegram {
	if !cfg.Enabled || cfg.BotToken == "" {
		return nil
	}
	tg := notifier.NewTelegram(cfg.BotToken)
	if cfg.APIBaseURL != "" {
		tg.BaseURL = cfg.APIBaseURL
	}
	if cfg.TimeoutSeconds > 0 {
		tg.Client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return tg
}

func buildOpsHTTP(cfg config.HTTPConfig, svc opshttp.RecoveryService, health func(context.Context) error) (*opshttp.Server, error) {
	return opshttp.NewServer(opshttp.ServerConfig{
		Addr:     cfg.Addr,
		Recovery: svc,
		Health:   health,
	})
}
