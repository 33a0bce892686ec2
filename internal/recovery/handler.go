package recovery

import (
	"context"
	"errors"
	"log/slog"

	"keeper/internal/logger"
	"keeper/internal/metrics"
	"keeper/internal/session"
)

var (
	errUnprotected         = errors.New("open position has no protective order")
	errSubscriptionsFailed = errors.New("event subscriptions not restored")
)

// ExchangeOutcome is what the exchange step established about the position.
type ExchangeOutcome struct {
	PositionOpen bool
	Protected    bool
	Closed       bool
}

// Handler is the per-strategy recovery contract. Implementations embed Base,
// which supplies the default database and subscription steps.
type Handler interface {
	SyncWithExchange(ctx context.Context) (ExchangeOutcome, error)
	SyncWithDatabase(ctx context.Context) error
	RestoreEventSubscriptions(ctx context.Context) bool

	core() *Base
}

// Recover runs the fixed recovery sequence for h. It never panics on handler
// errors and always leaves the session in a settled status.
func Recover(ctx context.Context, h Handler) Result {
	b := h.core()
	started := b.deps.now()
	b.sess.SetStatus(session.StatusRecovering)
	b.discrepancies = nil
	b.log.Debug("recovery started")

	outcome, err := h.SyncWithExchange(ctx)
	if err != nil {
		kind := KindOf(err)
		if kind == KindTransientExchange {
			// nothing observed can be trusted
			b.discrepancies = nil
			return b.finish(ctx, started, session.StatusDegraded, kind, err)
		}
		return b.finish(ctx, started, session.StatusFailed, kind, err)
	}
	if outcome.Closed {
		return b.finish(ctx, started, session.StatusClosed, KindNone, nil)
	}
	if outcome.PositionOpen && !outcome.Protected {
		return b.finish(ctx, started, session.StatusFailed, KindProtectionSynthesis,
			newError(KindProtectionSynthesis, "protection_gate", errUnprotected))
	}

	if err := h.SyncWithDatabase(ctx); err != nil {
		b.sess.Update(func(st *session.State) { st.StatsStale = true })
		return b.finish(ctx, started, session.StatusDegraded, KindPartialSync,
			newError(KindPartialSync, "sync_database", err))
	}

	if !h.RestoreEventSubscriptions(ctx) {
		return b.finish(ctx, started, session.StatusDegraded, KindPartialSync,
			newError(KindPartialSync, "restore_subscriptions", errSubscriptionsFailed))
	}
	return b.finish(ctx, started, session.StatusActive, KindNone, nil)
}

// Base carries the injected collaborators and shared reconciliation helpers.
type Base struct {
	deps      Deps
	sess      *session.Session
	persisted *session.PersistedState
	log       *slog.Logger

	discrepancies []session.Discrepancy
	pendingLink   *session.StopLink
	afterLedger   func(rec session.LedgerRecord, found bool)
}

// NewBase binds a session and its persisted snapshot. persisted may be nil
// when the cache holds no state for the session.
func NewBase(deps Deps, sess *session.Session, persisted *session.PersistedState) Base {
	return Base{
		deps:      deps,
		sess:      sess,
		persisted: persisted,
		log:       logger.With("session", sess.Key.String()),
	}
}

func (b *Base) core() *Base { return b }

func (b *Base) Session() *session.Session { return b.sess }

func (b *Base) Persisted() *session.PersistedState { return b.persisted }

func (b *Base) Policy() Policy { return b.deps.policy() }

// Discrepancies recorded so far in the current attempt.
func (b *Base) Discrepancies() []session.Discrepancy {
	return append([]session.Discrepancy(nil), b.discrepancies...)
}

// SyncWithDatabase merges ledger fields into the reconciled state and writes
// the reconciled stats back.
func (b *Base) SyncWithDatabase(ctx context.Context) error {
	rec, found, err := b.LoadLedger(ctx)
	if err != nil {
		return err
	}
	b.MergeLedger(rec, found)
	if b.afterLedger != nil {
		b.afterLedger(rec, found)
	}
	if found && b.pendingLink != nil && len(rec.StopHistory) > 0 &&
		rec.StopHistory[len(rec.StopHistory)-1].OrderID == b.pendingLink.OrderID {
		b.pendingLink = nil
	}
	b.WriteStats(ctx)
	return nil
}

func (b *Base) RestoreEventSubscriptions(context.Context) bool { return true }

func (b *Base) recordDiscrepancy(d session.Discrepancy) {
	if d.DetectedAt.IsZero() {
		d.DetectedAt = b.deps.now()
	}
	b.discrepancies = append(b.discrepancies, d)
	metrics.IncDiscrepancy(string(d.Kind))
	b.log.Warn("discrepancy", "kind", d.Kind, "source", d.Source, "detail", d.Detail)
}

func (b *Base) strategy() string { return b.sess.Key.Strategy }
