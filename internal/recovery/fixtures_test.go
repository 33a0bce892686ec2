package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keeper/internal/cache"
	"keeper/internal/eventbus"
	"keeper/internal/gateway/exchange"
	"keeper/internal/monitor"
	"keeper/internal/session"
)

var errDown = errors.New("connection refused")

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// stubClient behaves like a tiny exchange: placed orders show up in later
// order listings.
type stubClient struct {
	mu        sync.Mutex
	positions []exchange.Position
	orders    []exchange.Order
	readErr   error
	placeErr  error
	placed    []exchange.ProtectiveOrderRequest
	reads     int
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) GetOpenPositions(_ context.Context, _ string) ([]exchange.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]exchange.Position(nil), c.positions...), nil
}

func (c *stubClient) GetOpenOrders(_ context.Context, _ string) ([]exchange.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]exchange.Order(nil), c.orders...), nil
}

func (c *stubClient) PlaceProtectiveOrder(_ context.Context, req exchange.ProtectiveOrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.placeErr != nil {
		return "", c.placeErr
	}
	for _, o := range c.orders {
		if o.ClientOrderID == req.ClientOrderID {
			return "", exchange.ErrDuplicateOrder
		}
	}
	c.placed = append(c.placed, req)
	id := fmt.Sprintf("ex-%d", len(c.placed))
	c.orders = append(c.orders, exchange.Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          exchange.OrderSide(req.PositionSide),
		Type:          "STOP_MARKET",
		StopPrice:     req.TriggerPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    true,
	})
	return id, nil
}

func (c *stubClient) placedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placed)
}

func (c *stubClient) setPosition(side, size, entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = []exchange.Position{{Symbol: "BTCUSDT", Side: side, Size: dec(size), EntryPrice: dec(entry)}}
}

func (c *stubClient) addStop(id, side, trigger, qty string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, exchange.Order{
		ID: id, Symbol: "BTCUSDT", Side: side, Type: "STOP_MARKET",
		StopPrice: dec(trigger), Quantity: dec(qty), ReduceOnly: true,
	})
}

// fakeLedger is an in-memory Ledger with failure injection.
type fakeLedger struct {
	mu            sync.Mutex
	rec           session.LedgerRecord
	found         bool
	getErr        error
	getCalls      int
	upserts       []session.StatsUpdate
	discrepancies []session.Discrepancy
}

func (l *fakeLedger) GetLedger(_ context.Context, _ session.Key) (session.LedgerRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getCalls++
	if l.getErr != nil {
		return session.LedgerRecord{}, false, l.getErr
	}
	return l.rec, l.found, nil
}

func (l *fakeLedger) UpsertStrategyStats(_ context.Context, _ session.Key, up session.StatsUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upserts = append(l.upserts, up)
	if up.StopLink != nil {
		l.rec.StopHistory = append(l.rec.StopHistory, *up.StopLink)
		l.found = true
	}
	return nil
}

func (l *fakeLedger) AppendDiscrepancy(_ context.Context, _ session.Key, d session.Discrepancy) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discrepancies = append(l.discrepancies, d)
	return nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID int64, text string) error {
	args := m.Called(ctx, userID, text)
	return args.Error(0)
}

func (m *mockNotifier) texts() []string {
	var out []string
	for _, c := range m.Calls {
		if c.Method == "Notify" {
			out = append(out, c.Arguments.String(2))
		}
	}
	return out
}

type env struct {
	t        *testing.T
	key      session.Key
	client   *stubClient
	ledger   *fakeLedger
	cache    *cache.BadgerStore
	bus      *eventbus.Bus
	monitor  *monitor.Scheduler
	notifier *mockNotifier
	deps     Deps
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.SizeTolerance = dec("0.001")
	p.AlertThreshold = dec("0.5")
	p.DBAttempts = 2
	p.DBTimeout = time.Second
	p.NotifyTimeout = time.Second
	return p
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := cache.Open(cache.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New(16)
	bus.Start()
	t.Cleanup(bus.Stop)

	sched := monitor.NewScheduler(ctx, monitor.Config{Interval: time.Hour},
		monitor.CheckerFunc(func(context.Context, *session.Session) error { return nil }))
	t.Cleanup(sched.StopAll)

	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	e := &env{
		t:        t,
		key:      session.NewKey(7, "BTCUSDT", StrategyAveraging),
		client:   &stubClient{},
		ledger:   &fakeLedger{},
		cache:    store,
		bus:      bus,
		monitor:  sched,
		notifier: n,
	}
	e.deps = Deps{
		Exchange: exchange.ProviderFunc(func(context.Context, int64) (exchange.Client, error) { return e.client, nil }),
		Gate: exchange.NewGate(exchange.GateConfig{
			MaxAttempts:    2,
			AttemptTimeout: time.Second,
			BackoffInitial: time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
		}, nil),
		Ledger:   e.ledger,
		Cache:    store,
		Bus:      bus,
		Monitor:  sched,
		Notifier: n,
		Policy:   NewPolicyHolder(testPolicy()),
	}
	return e
}

// persisted builds a validated snapshot for the env's key.
func (e *env) persisted(fields map[string]any) *session.PersistedState {
	e.t.Helper()
	if fields == nil {
		return nil
	}
	doc := map[string]any{
		"user_id":       e.key.UserID,
		"symbol":        e.key.Symbol,
		"strategy_type": e.key.Strategy,
	}
	for k, v := range fields {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(e.t, err)
	ps, err := session.ParsePersistedState(raw)
	require.NoError(e.t, err)
	return ps
}

func (e *env) recover(fields map[string]any) (Result, *session.Session) {
	e.t.Helper()
	sess := session.New(e.key)
	h, err := DefaultRegistry().New(e.deps, sess, e.persisted(fields))
	require.NoError(e.t, err)
	return Recover(context.Background(), h), sess
}

func activeLong() map[string]any {
	return map[string]any{
		"position_active": true,
		"side":            "long",
		"entry_price":     "100",
		"position_size":   "1",
		"stop_loss_price": "98",
	}
}

func kinds(ds []session.Discrepancy) []session.DiscrepancyKind {
	out := make([]session.DiscrepancyKind, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Kind)
	}
	return out
}
