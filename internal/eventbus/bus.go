// Package eventbus is the in-process publish/subscribe channel for market,
// order and user events. Subscriptions are unique per (owner session, type)
// and only ever see events stamped at or after their registration.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"keeper/internal/logger"
	symbolpkg "keeper/internal/pkg/symbol"
	"keeper/internal/session"
)

var (
	ErrStopped     = errors.New("event bus stopped")
	ErrUnknownType = errors.New("unknown event type")
)

const slowHandlerThreshold = 100 * time.Millisecond

type subscription struct {
	owner   session.Key
	handler Handler
	since   time.Time
}

type Bus struct {
	mu   sync.RWMutex
	subs map[EventType]map[session.Key]*subscription

	msgCh    chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool

	nowFn func() time.Time
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[EventType]map[session.Key]*subscription),
		msgCh:  make(chan Event, buffer),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		nowFn:  time.Now,
	}
}

func (b *Bus) Start() {
	b.wg.Add(1)
	go b.runLoop()
}

// Stop halts dispatch and waits for the loop to exit. Safe to call twice.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopCh)
		b.cancel()
	})
	b.wg.Wait()
}

// Subscribe registers h for (owner, t). It reports false without error when
// the pair is already registered; the existing handler is kept.
func (b *Bus) Subscribe(t EventType, owner session.Key, h Handler) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if h == nil {
		return false, errors.New("nil event handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false, ErrStopped
	}
	byOwner, ok := b.subs[t]
	if !ok {
		byOwner = make(map[session.Key]*subscription)
		b.subs[t] = byOwner
	}
	if _, exists := byOwner[owner]; exists {
		return false, nil
	}
	byOwner[owner] = &subscription{owner: owner, handler: h, since: b.nowFn()}
	return true, nil
}

func (b *Bus) Unsubscribe(t EventType, owner session.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	byOwner, ok := b.subs[t]
	if !ok {
		return false
	}
	if _, exists := byOwner[owner]; !exists {
		return false
	}
	delete(byOwner, owner)
	return true
}

// UnsubscribeOwner removes every subscription of owner and returns how many.
func (b *Bus) UnsubscribeOwner(owner session.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, byOwner := range b.subs {
		if _, ok := byOwner[owner]; ok {
			delete(byOwner, owner)
			n++
		}
	}
	return n
}

func (b *Bus) Subscribed(t EventType, owner session.Key) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[t][owner]
	return ok
}

// Subscriptions lists the event types owner is registered for.
func (b *Bus) Subscriptions(owner session.Key) []EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []EventType
	for t, byOwner := range b.subs {
		if _, ok := byOwner[owner]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Publish enqueues evt, stamping ID and Timestamp when unset.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, evt.Type)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.nowFn()
	}
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	select {
	case b.msgCh <- evt:
		return nil
	case <-b.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) runLoop() {
	defer b.wg.Done()
	logger.Debugf("eventbus: dispatcher started")
	for {
		select {
		case evt := <-b.msgCh:
			b.dispatch(evt)
		case <-b.stopCh:
			logger.Debugf("eventbus: dispatcher stopping")
			return
		}
	}
}

func (b *Bus) targets(evt Event) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, sub := range b.subs[evt.Type] {
		if evt.Timestamp.Before(sub.since) {
			continue
		}
		if evt.UserID != 0 && evt.UserID != sub.owner.UserID {
			continue
		}
		if evt.Symbol != "" && !symbolpkg.Same(evt.Symbol, sub.owner.Symbol) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *Bus) dispatch(evt Event) {
	for _, sub := range b.targets(evt) {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("eventbus: panic in %s handler of %s: %v\n%s", evt.Type, sub.owner, r, debug.Stack())
		}
		if dur := time.Since(start); dur > slowHandlerThreshold {
			logger.Warnf("eventbus: slow %s handler of %s took %v", evt.Type, sub.owner, dur)
		}
	}()
	sub.handler(b.ctx, evt)
}
