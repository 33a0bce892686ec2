package recovery

import (
	"context"

	"github.com/shopspring/decimal"

	"keeper/internal/eventbus"
	"keeper/internal/session"
)

const StrategyAveraging = "averaging"

// AveragingHandler recovers sessions that scale into a position with
// additional fills and keep a single protective stop for the whole size.
type AveragingHandler struct {
	Base
}

func NewAveragingHandler(deps Deps, sess *session.Session, persisted *session.PersistedState) Handler {
	h := &AveragingHandler{Base: NewBase(deps, sess, persisted)}
	h.afterLedger = h.applyLedgerFills
	return h
}

func (h *AveragingHandler) SyncWithExchange(ctx context.Context) (ExchangeOutcome, error) {
	snap, err := h.FetchSnapshot(ctx)
	if err != nil {
		return ExchangeOutcome{}, err
	}
	verdict := h.ReconcilePosition(ctx, snap)
	if verdict.Terminal() {
		return ExchangeOutcome{Closed: true}, nil
	}
	if verdict == VerdictFlat {
		h.sess.Update(func(st *session.State) { st.Averaging = session.Averaging{} })
		return ExchangeOutcome{}, nil
	}

	h.restoreAveraging()
	if err := h.EnsureProtection(ctx, snap, h.ExpectedStop()); err != nil {
		return ExchangeOutcome{PositionOpen: true}, err
	}
	h.recomputeNextTrigger()
	return ExchangeOutcome{PositionOpen: true, Protected: true}, nil
}

func (h *AveragingHandler) RestoreEventSubscriptions(context.Context) bool {
	return h.subscribe(eventbus.EventPriceUpdate, eventbus.EventOrderFilled)
}

// restoreAveraging rebuilds averaging progress from the snapshot, or
// estimates it from how far the live size exceeds the base size.
func (h *AveragingHandler) restoreAveraging() {
	st := h.sess.State()
	av := session.Averaging{}
	ps := h.persisted
	if ps != nil && !st.ReconstructedFromExchange {
		av.BaseSize = h.baseSize()
		av.Executed = ps.Bool("averaging.executed")
		av.Count = int(ps.Int("averaging.count"))
		av.Fills = ps.Fills()
	}

	switch {
	case len(av.Fills) > 0:
		if n := len(av.Fills) - 1; n > av.Count {
			av.Count = n
		}
		av.Executed = av.Count > 0
	case av.BaseSize.IsPositive():
		slack := decimal.NewFromInt(1).Add(h.deps.policy().BaseSizeSlack)
		if st.Size.GreaterThan(av.BaseSize.Mul(slack)) {
			est := int(st.Size.Div(av.BaseSize).Round(0).IntPart()) - 1
			if est < 1 {
				est = 1
			}
			if est > av.Count {
				av.Count = est
			}
			av.Executed = true
			av.Estimated = true
		}
	}
	h.sess.Update(func(s *session.State) { s.Averaging = av })
}

// baseSize is the pre-averaging position size. After averaging the runtime
// keeps the combined size in total_position_size and the original in
// position_size.
func (h *AveragingHandler) baseSize() decimal.Decimal {
	ps := h.persisted
	if v, ok := ps.Decimal("config.base_size"); ok && v.IsPositive() {
		return v
	}
	if total, ok := ps.Decimal("total_position_size"); ok && total.IsPositive() {
		if v, ok := ps.Decimal("position_size"); ok && v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}

func (h *AveragingHandler) applyLedgerFills(rec session.LedgerRecord, found bool) {
	if !found || len(rec.Fills) == 0 {
		return
	}
	if h.sess.State().ReconstructedFromExchange {
		return
	}
	h.sess.Update(func(st *session.State) {
		st.Averaging.Fills = append([]session.Fill(nil), rec.Fills...)
		st.Averaging.Count = len(rec.Fills) - 1
		st.Averaging.Executed = st.Averaging.Count > 0
		st.Averaging.Estimated = false
	})
	h.recomputeNextTrigger()
}

func (h *AveragingHandler) recomputeNextTrigger() {
	pol := h.deps.policy()
	step, limit := pol.AveragingStepPct, pol.MaxAveragingCount
	if ps := h.persisted; ps != nil {
		if v, ok := ps.Decimal("config.averaging_step_pct"); ok && v.IsPositive() {
			step = v
		}
		if r := ps.Get("config.max_averaging_count"); r.Exists() {
			limit = int(r.Int())
		}
	}
	h.sess.Update(func(st *session.State) {
		st.Averaging.NextTrigger = NextAveragingTrigger(*st, step, limit)
	})
}

// NextAveragingTrigger is the price of the next averaging fill, or nil once
// the averaging budget is spent.
func NextAveragingTrigger(st session.State, step decimal.Decimal, limit int) *decimal.Decimal {
	if !st.PositionActive || st.Averaging.Count >= limit {
		return nil
	}
	avg := st.EffectiveEntry()
	if !avg.IsPositive() {
		return nil
	}
	one := decimal.NewFromInt(1)
	var next decimal.Decimal
	if st.Side == session.SideShort {
		next = avg.Mul(one.Add(step))
	} else {
		next = avg.Mul(one.Sub(step))
	}
	next = roundLike(next, st.EntryPrice)
	return &next
}
