package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"keeper/internal/logger"
	"keeper/internal/pkg/circuit"
)

type GateConfig struct {
	Concurrency    int
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// Gate bounds every outbound exchange call: a process-wide semaphore, a
// per-attempt timeout, exponential retry and a shared circuit breaker.
type Gate struct {
	cfg     GateConfig
	sem     *semaphore.Weighted
	breaker *circuit.CircuitBreaker
	nowFn   func() time.Time
}

func NewGate(cfg GateConfig, breaker *circuit.CircuitBreaker) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		breaker: breaker,
		nowFn:   time.Now,
	}
}

func (g *Gate) Config() GateConfig { return g.cfg }

func (g *Gate) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.BackoffInitial
	exp.MaxInterval = g.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.cfg.MaxAttempts-1)), ctx)
}

// Do runs fn under the gate. The returned error is the last attempt's error,
// or the context error once ctx is done.
func (g *Gate) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if g.breaker != nil && !g.breaker.Allow() {
			return backoff.Permanent(fmt.Errorf("%s: %w", op, circuit.ErrOpen))
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			if g.breaker != nil {
				g.breaker.Abandon()
			}
			return backoff.Permanent(err)
		}
		defer g.sem.Release(1)

		actx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
		err := fn(actx)
		if err == nil {
			if g.breaker != nil {
				g.breaker.RecordSuccess()
			}
			return nil
		}
		if IsPermanent(err) {
			// The venue answered; only the request was bad.
			if g.breaker != nil {
				g.breaker.RecordSuccess()
			}
			return backoff.Permanent(err)
		}
		if g.breaker != nil {
			g.breaker.RecordFailure()
		}
		logger.Debugf("exchange %s attempt %d/%d failed: %v", op, attempt, g.cfg.MaxAttempts, err)
		return err
	}, g.policy(ctx))
	if err != nil {
		return fmt.Errorf("%s after %d attempt(s): %w", op, attempt, err)
	}
	return nil
}

// Snapshot reads positions then open orders for symbol.
func (g *Gate) Snapshot(ctx context.Context, c Client, symbol string) (Snapshot, error) {
	snap := Snapshot{Symbol: symbol}
	if err := g.Do(ctx, "get_open_positions", func(actx context.Context) error {
		positions, err := c.GetOpenPositions(actx, symbol)
		if err != nil {
			return err
		}
		snap.Positions = positions
		return nil
	}); err != nil {
		return Snapshot{}, err
	}
	if err := g.Do(ctx, "get_open_orders", func(actx context.Context) error {
		orders, err := c.GetOpenOrders(actx, symbol)
		if err != nil {
			return err
		}
		snap.Orders = orders
		return nil
	}); err != nil {
		return Snapshot{}, err
	}
	snap.FetchedAt = g.nowFn()
	return snap, nil
}

// PlaceProtective submits a protective order. It never starts an attempt once
// ctx is done; retries reuse req.ClientOrderID so the venue can deduplicate.
func (g *Gate) PlaceProtective(ctx context.Context, c Client, req ProtectiveOrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return "", errors.New("protective order requires a client order id")
	}
	var orderID string
	err := g.Do(ctx, "place_protective_order", func(actx context.Context) error {
		if err := actx.Err(); err != nil {
			return err
		}
		id, err := c.PlaceProtectiveOrder(actx, req)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// IsTransient reports a gate failure that a later retry may clear.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
