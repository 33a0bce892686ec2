package recovery

import (
	"context"

	"keeper/internal/eventbus"
	"keeper/internal/session"
)

const StrategyImpulse = "impulse"

// ImpulseHandler recovers single-entry sessions whose stop trails price. The
// persisted stop_loss_price is the last trailed level.
type ImpulseHandler struct {
	Base
}

func NewImpulseHandler(deps Deps, sess *session.Session, persisted *session.PersistedState) Handler {
	return &ImpulseHandler{Base: NewBase(deps, sess, persisted)}
}

func (h *ImpulseHandler) SyncWithExchange(ctx context.Context) (ExchangeOutcome, error) {
	snap, err := h.FetchSnapshot(ctx)
	if err != nil {
		return ExchangeOutcome{}, err
	}
	switch h.ReconcilePosition(ctx, snap) {
	case VerdictClosed, VerdictStateMissing:
		return ExchangeOutcome{Closed: true}, nil
	case VerdictFlat:
		return ExchangeOutcome{}, nil
	}
	if err := h.EnsureProtection(ctx, snap, h.ExpectedStop()); err != nil {
		return ExchangeOutcome{PositionOpen: true}, err
	}
	return ExchangeOutcome{PositionOpen: true, Protected: true}, nil
}

func (h *ImpulseHandler) RestoreEventSubscriptions(context.Context) bool {
	return h.subscribe(eventbus.EventPriceUpdate, eventbus.EventOrderFilled, eventbus.EventOrderCancelled)
}
