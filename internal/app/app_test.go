package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper/internal/config"
	"keeper/internal/gateway/exchange"
	"keeper/internal/gateway/notifier"
	"keeper/internal/session"
)

func loadConfig(t *testing.T, extra string) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
cache:
  in_memory: true
database:
  path: ` + filepath.Join(dir, "ledger.db") + `
http:
  enabled: false
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func noExchange() exchange.Provider {
	return exchange.ProviderFunc(func(context.Context, int64) (exchange.Client, error) {
		return nil, exchange.ErrNoCredentials
	})
}

func quietSink() notifier.Sink {
	return notifier.SinkFunc(func(context.Context, int64, string) error { return nil })
}

func TestPolicyFromConfig(t *testing.T) {
	_, cfg := loadConfig(t, "policy:\n  size_tolerance: 0.25\n  db_timeout_seconds: 2\n")

	p := PolicyFromConfig(cfg.Policy)
	assert.Equal(t, "0.25", p.SizeTolerance.String())
	assert.Equal(t, "5", p.AlertThreshold.String())
	assert.Equal(t, 2*time.Second, p.DBTimeout)
	assert.Equal(t, 3, p.DBAttempts)
}

func TestRunRestoresFleetAndStopsOnCancel(t *testing.T) {
	_, cfg := loadConfig(t, "")
	a, err := NewAppBuilder(cfg, nil, WithExchange(noExchange()), WithNotifier(quietSink())).Build(context.Background())
	require.NoError(t, err)

	corrupt := session.NewKey(3, "ETHUSDT", "averaging")
	require.NoError(t, a.cache.Put(context.Background(), corrupt.StateKey(), []byte("{not json"), 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := a.Restorer().Report()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	report, _ := a.Restorer().Report()
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Failed)
	sr, ok := report.Session(corrupt.String())
	require.True(t, ok)
	assert.Equal(t, "permanent-data", sr.Kind)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestWatcherReloadSwapsPolicy(t *testing.T) {
	path, cfg := loadConfig(t, "")
	w, err := config.NewWatcher(path)
	require.NoError(t, err)

	a, err := NewAppBuilder(cfg, w, WithExchange(noExchange()), WithNotifier(quietSink())).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, "0.5", a.policy.Get().SizeTolerance.String())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(raw, []byte("policy:\n  size_tolerance: 1.5\n")...), 0o644))

	require.Eventually(t, func() bool {
		return a.policy.Get().SizeTolerance.String() == "1.5"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartupSummaryLines(t *testing.T) {
	_, cfg := loadConfig(t, "exchange:\n  testnet: true\n")
	s := newStartupSummary(cfg, []string{"averaging", "impulse"})
	lines := s.Lines()
	assert.Contains(t, lines, "strategies: averaging, impulse")
	assert.Contains(t, lines, "exchange: binance (testnet), accounts: 0")
	assert.Contains(t, lines, "cache: in-memory")
	assert.Contains(t, lines, "ops http: -")
}
