package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper/internal/pkg/circuit"
)

type stubClient struct {
	mu        sync.Mutex
	positions []Position
	orders    []Order
	posErr    []error
	placed    []ProtectiveOrderRequest
	block     bool
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) GetOpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	block := s.block
	var err error
	if len(s.posErr) > 0 {
		err = s.posErr[0]
		s.posErr = s.posErr[1:]
	}
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return s.positions, nil
}

func (s *stubClient) GetOpenOrders(context.Context, string) ([]Order, error) {
	return s.orders, nil
}

func (s *stubClient) PlaceProtectiveOrder(_ context.Context, req ProtectiveOrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, req)
	return "ord-1", nil
}

func fastGate(breaker *circuit.CircuitBreaker) *Gate {
	return NewGate(GateConfig{
		Concurrency:    2,
		AttemptTimeout: 20 * time.Millisecond,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, breaker)
}

func TestGateRetriesTransientThenSucceeds(t *testing.T) {
	c := &stubClient{
		positions: []Position{{Symbol: "BTCUSDT", Side: "long", Size: decimal.NewFromInt(10)}},
		posErr:    []error{errors.New("503"), errors.New("503")},
	}
	snap, err := fastGate(nil).Snapshot(context.Background(), c, "BTCUSDT")
	require.NoError(t, err)
	pos, ok := snap.Position()
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(10)))
}

func TestGateGivesUpAfterBudget(t *testing.T) {
	c := &stubClient{block: true}
	start := time.Now()
	_, err := fastGate(nil).Snapshot(context.Background(), c, "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateDoesNotRetryPermanent(t *testing.T) {
	var calls atomic.Int32
	err := fastGate(nil).Do(context.Background(), "op", func(context.Context) error {
		calls.Add(1)
		return ErrUnknownSymbol
	})
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := circuit.NewCircuitBreaker("test", 1, time.Hour)
	breaker.SetStateChangeHandler(func(string, circuit.State, circuit.State) {})
	breaker.RecordFailure()

	var calls atomic.Int32
	err := fastGate(breaker).Do(context.Background(), "op", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.True(t, IsTransient(err))
	assert.Zero(t, calls.Load())
}

func TestPlaceProtectiveSkipsWhenCancelled(t *testing.T) {
	c := &stubClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastGate(nil).PlaceProtective(ctx, c, ProtectiveOrderRequest{
		Symbol: "BTCUSDT", PositionSide: "long", ClientOrderID: "k-1",
		Quantity: decimal.NewFromInt(1), TriggerPrice: decimal.NewFromInt(90),
	})
	require.Error(t, err)
	assert.Empty(t, c.placed)
}

func TestOrderIsProtective(t *testing.T) {
	stop := Order{Type: "STOP_MARKET", StopPrice: decimal.NewFromInt(90), ReduceOnly: true}
	assert.True(t, stop.IsProtective())
	limit := Order{Type: "LIMIT", Price: decimal.NewFromInt(90), ReduceOnly: true}
	assert.False(t, limit.IsProtective())
	entry := Order{Type: "STOP_MARKET", StopPrice: decimal.NewFromInt(90)}
	assert.False(t, entry.IsProtective())
	assert.Equal(t, "buy", OrderSide("short"))
	assert.Equal(t, "sell", OrderSide("long"))
}
