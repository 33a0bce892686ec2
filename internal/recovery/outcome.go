package recovery

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"keeper/internal/metrics"
	"keeper/internal/session"
)

const (
	markerDiscrepancies = "discrepancies"
	markerClosed        = "closed"
)

// closedMarker records which snapshot was already settled as Closed, so a
// restart does not report the same dead session again.
type closedMarker struct {
	StateDigest string    `json:"state_digest"`
	SavedAt     time.Time `json:"saved_at,omitzero"`
	ClosedAt    time.Time `json:"closed_at"`
}

// finish settles the session: monitor for Active, teardown otherwise, then
// best-effort persistence and the single outcome notification.
func (b *Base) finish(ctx context.Context, started time.Time, status session.Status, kind Kind, cause error) Result {
	if status == session.StatusActive {
		b.sess.Update(func(st *session.State) { st.RecoveredAt = b.deps.now() })
	}
	b.sess.SetStatus(status)
	if status == session.StatusActive && b.deps.Monitor != nil {
		if _, err := b.deps.Monitor.Start(b.sess); err != nil {
			status, kind = session.StatusDegraded, KindPartialSync
			cause = newError(KindPartialSync, "start_monitor", err)
			b.sess.SetStatus(status)
		}
	}
	if status != session.StatusActive {
		b.teardown()
	}

	// Bookkeeping outlives a cancelled recovery; each call has its own timeout.
	bg := context.WithoutCancel(ctx)
	if status == session.StatusClosed && b.closedBefore(bg) {
		b.log.Debug("snapshot already settled as closed")
		b.discrepancies = nil
	} else {
		b.persistDiscrepancies(bg)
		b.notifyOutcome(bg, status, kind, cause)
		b.trackClosed(bg, status)
	}

	finished := b.deps.now()
	res := newResult(b.sess.Key, status, kind, cause, b.discrepancies, started, finished)
	metrics.ObserveRecovery(b.strategy(), status.String(), finished.Sub(started))
	if cause != nil {
		b.log.Warn("recovery finished", "status", status, "kind", kind, "err", cause, "took", res.Duration())
	} else {
		b.log.Info("recovery finished", "status", status, "discrepancies", len(b.discrepancies), "took", res.Duration())
	}
	return res
}

func (b *Base) teardown() {
	if b.deps.Bus != nil {
		if n := b.deps.Bus.UnsubscribeOwner(b.sess.Key); n > 0 {
			b.log.Debug("subscriptions removed", "count", n)
		}
	}
	if b.deps.Monitor != nil {
		b.deps.Monitor.StopSession(b.sess.Key)
	}
}

func (b *Base) persistDiscrepancies(ctx context.Context) {
	pol := b.deps.policy()
	if b.deps.Ledger != nil {
		for _, d := range b.discrepancies {
			dctx, cancel := context.WithTimeout(ctx, pol.DBTimeout)
			err := b.deps.Ledger.AppendDiscrepancy(dctx, b.sess.Key, d)
			cancel()
			if err != nil {
				b.log.Warn("discrepancy not logged", "kind", d.Kind, "err", err)
			}
		}
	}
	if b.deps.Cache == nil {
		return
	}
	key := b.sess.Key.MarkerKey(markerDiscrepancies)
	cctx, cancel := context.WithTimeout(ctx, pol.DBTimeout)
	defer cancel()
	if len(b.discrepancies) == 0 {
		if err := b.deps.Cache.Delete(cctx, key); err != nil {
			b.log.Debug("discrepancy marker not cleared", "err", err)
		}
		return
	}
	raw, err := json.Marshal(b.discrepancies)
	if err != nil {
		return
	}
	if err := b.deps.Cache.Put(cctx, key, raw, 0); err != nil {
		b.log.Warn("discrepancy marker not written", "err", err)
	}
}

func stateDigest(ps *session.PersistedState) string {
	return strconv.FormatUint(xxhash.Sum64(ps.Raw()), 16)
}

// closedBefore reports whether the current snapshot was settled as Closed by
// an earlier run.
func (b *Base) closedBefore(ctx context.Context) bool {
	if b.persisted == nil || b.deps.Cache == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, b.deps.policy().DBTimeout)
	defer cancel()
	raw, found, err := b.deps.Cache.Get(cctx, b.sess.Key.MarkerKey(markerClosed))
	if err != nil || !found {
		return false
	}
	var m closedMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m.StateDigest == stateDigest(b.persisted)
}

// trackClosed writes the closed marker, or clears it once the session is
// live again.
func (b *Base) trackClosed(ctx context.Context, status session.Status) {
	switch {
	case status == session.StatusClosed && b.persisted != nil:
		b.putMarker(ctx, markerClosed, closedMarker{
			StateDigest: stateDigest(b.persisted),
			SavedAt:     b.persisted.SavedAt(),
			ClosedAt:    b.deps.now().UTC(),
		})
	case status == session.StatusActive && b.deps.Cache != nil:
		cctx, cancel := context.WithTimeout(ctx, b.deps.policy().DBTimeout)
		defer cancel()
		if err := b.deps.Cache.Delete(cctx, b.sess.Key.MarkerKey(markerClosed)); err != nil {
			b.log.Debug("closed marker not cleared", "err", err)
		}
	}
}

func (b *Base) putMarker(ctx context.Context, name string, v any) {
	if b.deps.Cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deps.policy().DBTimeout)
	defer cancel()
	if err := b.deps.Cache.Put(cctx, b.sess.Key.MarkerKey(name), raw, 0); err != nil {
		b.log.Warn("marker not written", "marker", name, "err", err)
	}
}

// Abort settles sess without running a handler, for failures that happen
// before one can be built. Retryable kinds leave the session Degraded.
func Abort(ctx context.Context, deps Deps, sess *session.Session, kind Kind, cause error) Result {
	b := NewBase(deps, sess, nil)
	status := session.StatusFailed
	if kind.Retryable() {
		status = session.StatusDegraded
	}
	return b.finish(ctx, deps.now(), status, kind, newError(kind, "prepare", cause))
}
