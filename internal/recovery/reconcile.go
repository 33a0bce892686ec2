package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"keeper/internal/gateway/exchange"
	"keeper/internal/metrics"
	"keeper/internal/session"
)

const (
	markerProtectiveOrder = "protective-order"
	clientOrderPrefix     = "kp-"
)

var (
	errNoExchange = errors.New("no exchange provider configured")
	errNoTrigger  = errors.New("no usable trigger price for protective order")
)

// Verdict is the position-level result of comparing cache and exchange.
type Verdict int

const (
	VerdictOpen Verdict = iota
	VerdictFlat
	VerdictClosed
	VerdictStateMissing
)

// Terminal reports verdicts that end recovery with the session Closed.
func (v Verdict) Terminal() bool { return v == VerdictClosed || v == VerdictStateMissing }

func (b *Base) gate() *exchange.Gate {
	if b.deps.Gate == nil {
		b.deps.Gate = exchange.NewGate(exchange.GateConfig{}, nil)
	}
	return b.deps.Gate
}

// FetchSnapshot reads positions and open orders for the session's symbol.
func (b *Base) FetchSnapshot(ctx context.Context) (exchange.Snapshot, error) {
	client, err := b.exchangeClient(ctx)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	snap, err := b.gate().Snapshot(ctx, client, b.sess.Key.Symbol)
	if err != nil {
		return exchange.Snapshot{}, classifyExchange("fetch_snapshot", err)
	}
	return snap, nil
}

func (b *Base) exchangeClient(ctx context.Context) (exchange.Client, error) {
	if b.deps.Exchange == nil {
		return nil, newError(KindPermanentData, "resolve_client", errNoExchange)
	}
	client, err := b.deps.Exchange.ForUser(ctx, b.sess.Key.UserID)
	if err != nil {
		return nil, classifyExchange("resolve_client", err)
	}
	return client, nil
}

// ReconcilePosition applies the cache/exchange tie-breaks and writes the
// reconciled position into the session. The exchange is ground truth.
func (b *Base) ReconcilePosition(ctx context.Context, snap exchange.Snapshot) Verdict {
	var cached session.CachedPosition
	if b.persisted != nil {
		cached = b.persisted.Position()
	}
	live, open := snap.Position()
	pol := b.deps.policy()

	if !open {
		b.sess.Update(func(st *session.State) {
			st.PositionActive = false
			st.Side = ""
			st.Size = decimal.Zero
			st.Stop = nil
		})
		switch {
		case cached.Active:
			b.recordDiscrepancy(session.Discrepancy{
				Kind:     session.DiscrepancyPositionClosed,
				Source:   "exchange",
				Cached:   cached.Size,
				Observed: decimal.Zero,
				Detail:   b.withSnapshotAge("exchange reports no open position"),
			})
			return VerdictClosed
		case b.persisted == nil:
			b.recordDiscrepancy(session.Discrepancy{
				Kind:   session.DiscrepancyStateMissing,
				Source: "cache",
				Detail: "no persisted state and no open position",
			})
			return VerdictStateMissing
		default:
			return VerdictFlat
		}
	}

	liveSide := session.ParseSide(live.Side)
	if !cached.Active || cached.Side != liveSide {
		detail := "no cached position"
		if cached.Active {
			detail = fmt.Sprintf("cached side %s, exchange side %s", cached.Side, liveSide)
		}
		observedCached := decimal.Zero
		if cached.Active {
			observedCached = cached.Size
		}
		b.recordDiscrepancy(session.Discrepancy{
			Kind:     session.DiscrepancyPositionReconstructed,
			Source:   "exchange",
			Cached:   observedCached,
			Observed: live.Size,
			Detail:   b.withSnapshotAge(detail),
		})
		b.sess.Update(func(st *session.State) {
			*st = session.State{
				PositionActive:            true,
				Side:                      liveSide,
				Size:                      live.Size,
				EntryPrice:                live.EntryPrice,
				ReconstructedFromExchange: true,
			}
		})
		return VerdictOpen
	}

	delta := live.Size.Sub(cached.Size).Abs()
	if delta.GreaterThan(pol.SizeTolerance) {
		b.recordDiscrepancy(session.Discrepancy{
			Kind:     session.DiscrepancySizeAdjusted,
			Source:   "exchange",
			Cached:   cached.Size,
			Observed: live.Size,
			Detail:   b.withSnapshotAge("exchange size adopted"),
		})
		if delta.GreaterThan(pol.AlertThreshold) {
			b.alertSizeChange(ctx, cached.Size, live.Size)
		}
	}
	entry := cached.EntryPrice
	if !entry.IsPositive() {
		entry = live.EntryPrice
	}
	avg := cached.AverageEntry
	if !avg.IsPositive() {
		avg = live.EntryPrice
	}
	b.sess.Update(func(st *session.State) {
		st.PositionActive = true
		st.Side = liveSide
		st.Size = live.Size
		st.EntryPrice = entry
		st.ReconstructedFromExchange = false
		st.Stop = nil
		if avg.IsPositive() {
			v := avg
			st.AverageEntryPrice = &v
		} else {
			st.AverageEntryPrice = nil
		}
	})
	return VerdictOpen
}

// withSnapshotAge appends how old the cached snapshot was, when it says.
func (b *Base) withSnapshotAge(detail string) string {
	if b.persisted == nil {
		return detail
	}
	saved := b.persisted.SavedAt()
	if saved.IsZero() {
		return detail
	}
	age := b.deps.now().Sub(saved).Round(time.Second)
	if age < 0 {
		return detail
	}
	return fmt.Sprintf("%s (snapshot saved %s ago)", detail, age)
}

// ExpectedStop is the trigger a protective order should sit at: the persisted
// stop, else the effective entry shifted by DefaultStopPct against the side.
func (b *Base) ExpectedStop() decimal.Decimal {
	st := b.sess.State()
	if b.persisted != nil && !st.ReconstructedFromExchange {
		if p, ok := b.persisted.Decimal("stop_loss_price"); ok && p.IsPositive() {
			return p
		}
	}
	entry := st.EffectiveEntry()
	if !entry.IsPositive() {
		return decimal.Zero
	}
	pct := b.deps.policy().DefaultStopPct
	if b.persisted != nil {
		if p, ok := b.persisted.Decimal("config.stop_loss_pct"); ok && p.IsPositive() {
			pct = p
		}
	}
	if st.Side == session.SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(pct))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(pct))
}

// EnsureProtection relinks an existing protective order matching side and
// trigger proximity, or places one. Order ids are never trusted for matching
// except our own deterministic client id.
func (b *Base) EnsureProtection(ctx context.Context, snap exchange.Snapshot, expected decimal.Decimal) error {
	st := b.sess.State()
	if !st.PositionActive {
		return nil
	}
	trigger := roundLike(expected, st.EntryPrice)
	cid := ClientOrderID(b.sess.Key, st.Side, st.Size, trigger)

	if o, ok := b.matchProtective(snap, st.Side, trigger, cid); ok {
		b.link(st, o)
		return nil
	}

	if !trigger.IsPositive() {
		return newError(KindProtectionSynthesis, "place_protective_order", errNoTrigger)
	}
	if err := ctx.Err(); err != nil {
		return newError(KindTransientExchange, "place_protective_order", err)
	}
	client, err := b.exchangeClient(ctx)
	if err != nil {
		return err
	}
	req := exchange.ProtectiveOrderRequest{
		Symbol:        b.sess.Key.Symbol,
		PositionSide:  string(st.Side),
		Quantity:      st.Size,
		TriggerPrice:  trigger,
		ClientOrderID: cid,
	}
	id, err := b.gate().PlaceProtective(ctx, client, req)
	if errors.Is(err, exchange.ErrDuplicateOrder) {
		id, err = cid, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return newError(KindTransientExchange, "place_protective_order", err)
		}
		return newError(KindProtectionSynthesis, "place_protective_order", err)
	}

	now := b.deps.now()
	prot := session.Protection{OrderID: id, ClientOrderID: cid, TriggerPrice: trigger, Quantity: st.Size, Synthesized: true}
	link := session.StopLink{OrderID: id, TriggerPrice: trigger.String(), Reason: "synthesized", LinkedAt: now}
	b.sess.Update(func(s *session.State) {
		s.Stop = &prot
		s.StopHistory = append(s.StopHistory, link)
	})
	b.recordDiscrepancy(session.Discrepancy{
		Kind:     session.DiscrepancyStopSynthesized,
		Source:   "recovery",
		Observed: trigger,
		Detail:   "protective stop placed at " + trigger.String(),
	})
	metrics.IncProtectiveOrder()
	b.putMarker(ctx, markerProtectiveOrder, protectiveMarker{
		OrderID:       id,
		ClientOrderID: cid,
		Side:          string(st.Side),
		Quantity:      st.Size.String(),
		TriggerPrice:  trigger.String(),
		PlacedAt:      now,
	})
	b.writeLink(ctx, st, link)
	return nil
}

type protectiveMarker struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          string    `json:"side"`
	Quantity      string    `json:"quantity"`
	TriggerPrice  string    `json:"trigger_price"`
	PlacedAt      time.Time `json:"placed_at"`
}

func (b *Base) matchProtective(snap exchange.Snapshot, side session.Side, trigger decimal.Decimal, cid string) (exchange.Order, bool) {
	want := exchange.OrderSide(string(side))
	prox := b.deps.policy().StopProximityPct
	var best exchange.Order
	var bestDist decimal.Decimal
	found := false
	for _, o := range snap.ProtectiveOrders() {
		if !strings.EqualFold(o.Side, want) {
			continue
		}
		if o.ClientOrderID == cid {
			return o, true
		}
		dist := decimal.Zero
		if trigger.IsPositive() {
			dist = o.StopPrice.Sub(trigger).Abs().Div(trigger)
			if dist.GreaterThan(prox) {
				continue
			}
		}
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = o, dist, true
		}
	}
	return best, found
}

func (b *Base) link(st session.State, o exchange.Order) {
	qty := o.Quantity
	if o.ClosePosition || !qty.IsPositive() {
		qty = st.Size
	}
	prot := session.Protection{OrderID: o.ID, ClientOrderID: o.ClientOrderID, TriggerPrice: o.StopPrice, Quantity: qty}

	var knownID string
	if b.persisted != nil {
		knownID = b.persisted.Position().StopOrderID
	}
	var link *session.StopLink
	if knownID != o.ID {
		link = &session.StopLink{
			OrderID:      o.ID,
			TriggerPrice: o.StopPrice.String(),
			Reason:       "relinked",
			LinkedAt:     b.deps.now(),
		}
		b.pendingLink = link
	}
	b.sess.Update(func(s *session.State) {
		s.Stop = &prot
		if link != nil {
			s.StopHistory = append(s.StopHistory, *link)
		}
	})
	b.log.Debug("protective order linked", "order_id", o.ID, "trigger", o.StopPrice.String())
}

// writeLink records a stop link immediately; the later stats write may never
// happen if the ledger is down.
func (b *Base) writeLink(ctx context.Context, st session.State, l session.StopLink) {
	if b.deps.Ledger == nil {
		b.pendingLink = &l
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deps.policy().DBTimeout)
	defer cancel()
	err := b.deps.Ledger.UpsertStrategyStats(dctx, b.sess.Key, session.StatsUpdate{
		PositionSize:  st.Size,
		Side:          st.Side,
		StopLink:      &l,
		Reconstructed: st.ReconstructedFromExchange,
	})
	if err != nil {
		b.log.Warn("stop link not written", "order_id", l.OrderID, "err", err)
		b.pendingLink = &l
	}
}

// ClientOrderID derives a stable id so a resubmitted order is recognised by
// the venue and by the next recovery.
func ClientOrderID(key session.Key, side session.Side, size, trigger decimal.Decimal) string {
	name := strings.Join([]string{key.String(), string(side), size.String(), trigger.String()}, "|")
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	return clientOrderPrefix + strings.ReplaceAll(id.String(), "-", "")
}

func roundLike(v, ref decimal.Decimal) decimal.Decimal {
	places := int32(8)
	if exp := ref.Exponent(); ref.IsPositive() && exp < 0 {
		places = -exp
	}
	return v.Round(places)
}

// LoadLedger reads the ledger with a per-attempt timeout and bounded retry.
func (b *Base) LoadLedger(ctx context.Context) (session.LedgerRecord, bool, error) {
	if b.deps.Ledger == nil {
		return session.LedgerRecord{}, false, nil
	}
	pol := b.deps.policy()
	var (
		rec   session.LedgerRecord
		found bool
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, pol.DBTimeout)
		defer cancel()
		r, ok, err := b.deps.Ledger.GetLedger(actx, b.sess.Key)
		if err != nil {
			return err
		}
		rec, found = r, ok
		return nil
	}
	attempts := pol.DBAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return session.LedgerRecord{}, false, fmt.Errorf("load ledger: %w", err)
	}
	return rec, found, nil
}

// MergeLedger copies ledger-derived fields over the reconciled state.
func (b *Base) MergeLedger(rec session.LedgerRecord, found bool) {
	if !found {
		return
	}
	b.sess.Update(func(st *session.State) {
		st.StopHistory = mergeLinks(rec.StopHistory, st.StopHistory)
		st.StatsStale = false
		if st.ReconstructedFromExchange {
			// ledger history belongs to a position we no longer hold
			return
		}
		if avg, ok := rec.AverageEntry(); ok && st.PositionActive {
			st.AverageEntryPrice = &avg
		}
		if rec.RealizedPnL != nil {
			v := *rec.RealizedPnL
			st.RealizedPnL = &v
		}
		if fees, ok := rec.TotalFees(); ok {
			st.FeesPaid = &fees
		}
	})
}

func mergeLinks(ledger, local []session.StopLink) []session.StopLink {
	out := append([]session.StopLink(nil), ledger...)
	seen := make(map[string]struct{}, len(out))
	for _, l := range out {
		seen[l.OrderID] = struct{}{}
	}
	for _, l := range local {
		if _, ok := seen[l.OrderID]; ok {
			continue
		}
		seen[l.OrderID] = struct{}{}
		out = append(out, l)
	}
	return out
}

// WriteStats pushes the reconciled stats to the ledger. Failures are logged;
// the in-memory state is already correct.
func (b *Base) WriteStats(ctx context.Context) {
	if b.deps.Ledger == nil {
		return
	}
	st := b.sess.State()
	fields := map[string]any{
		"recovered_at":        b.deps.now().UTC().Format(time.RFC3339),
		"averaging_count":     st.Averaging.Count,
		"averaging_estimated": st.Averaging.Estimated,
	}
	if st.Averaging.NextTrigger != nil {
		fields["next_averaging_trigger"] = st.Averaging.NextTrigger.String()
	}
	up := session.StatsUpdate{
		AverageEntryPrice: st.AverageEntryPrice,
		RealizedPnL:       st.RealizedPnL,
		FeesPaid:          st.FeesPaid,
		PositionSize:      st.Size,
		Side:              st.Side,
		StopLink:          b.pendingLink,
		Reconstructed:     st.ReconstructedFromExchange,
		Fields:            fields,
	}
	dctx, cancel := context.WithTimeout(ctx, b.deps.policy().DBTimeout)
	defer cancel()
	if err := b.deps.Ledger.UpsertStrategyStats(dctx, b.sess.Key, up); err != nil {
		b.log.Warn("stats not written", "err", err)
		return
	}
	b.pendingLink = nil
}
