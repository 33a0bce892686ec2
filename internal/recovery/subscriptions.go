package recovery

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"keeper/internal/eventbus"
	"keeper/internal/logger"
	"keeper/internal/session"
)

// SubscriptionRestorer re-registers a session's event handlers. Existing
// (owner, type) pairs are left alone, so restoring twice is harmless.
type SubscriptionRestorer struct {
	Bus Bus
}

// Restore subscribes sess to every type in types. handlerFor builds the
// handler per type; delivered events are dropped unless the session is Active.
func (r SubscriptionRestorer) Restore(sess *session.Session, types []eventbus.EventType, handlerFor func(eventbus.EventType) eventbus.Handler) bool {
	if r.Bus == nil {
		return false
	}
	ok := true
	for _, t := range types {
		h := handlerFor(t)
		if h == nil {
			continue
		}
		added, err := r.Bus.Subscribe(t, sess.Key, activeOnly(sess, h))
		if err != nil {
			logger.Warnf("subscription %s for %s failed: %v", t, sess.Key, err)
			ok = false
			continue
		}
		if added {
			logger.Debugf("subscribed %s to %s", sess.Key, t)
		}
	}
	return ok
}

func activeOnly(sess *session.Session, h eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, evt eventbus.Event) {
		if sess.Status() != session.StatusActive {
			return
		}
		h(ctx, evt)
	}
}

// subscribe restores the given types with the base session handlers.
func (b *Base) subscribe(types ...eventbus.EventType) bool {
	return SubscriptionRestorer{Bus: b.deps.Bus}.Restore(b.sess, types, b.eventHandler)
}

func (b *Base) eventHandler(t eventbus.EventType) eventbus.Handler {
	switch t {
	case eventbus.EventPriceUpdate:
		return b.onPrice
	case eventbus.EventOrderFilled, eventbus.EventOrderCancelled:
		return b.onOrder
	default:
		return func(_ context.Context, evt eventbus.Event) {
			b.log.Debug("event", "type", evt.Type, "id", evt.ID)
		}
	}
}

func (b *Base) onPrice(_ context.Context, evt eventbus.Event) {
	price, ok := payloadDecimal(evt.Payload, "price")
	if !ok {
		return
	}
	b.sess.Update(func(st *session.State) {
		st.LastPrice = &price
		st.LastEventAt = eventTime(evt)
	})
}

func (b *Base) onOrder(_ context.Context, evt eventbus.Event) {
	id, _ := evt.Payload["order_id"].(string)
	st := b.sess.State()
	if st.Stop != nil && id != "" && (id == st.Stop.OrderID || id == st.Stop.ClientOrderID) {
		b.log.Info("protective order event", "type", evt.Type, "order_id", id)
	}
	b.sess.Update(func(s *session.State) { s.LastEventAt = eventTime(evt) })
}

func eventTime(evt eventbus.Event) time.Time {
	if evt.Timestamp.IsZero() {
		return time.Now()
	}
	return evt.Timestamp
}

func payloadDecimal(p map[string]any, key string) (decimal.Decimal, bool) {
	switch v := p[key].(type) {
	case decimal.Decimal:
		return v, true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	default:
		return decimal.Zero, false
	}
}
