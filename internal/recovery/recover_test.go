package recovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper/internal/eventbus"
	"keeper/internal/gateway/exchange"
	"keeper/internal/session"
)

func TestRecoverAgreeingSourcesGoesActive(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")

	res, sess := e.recover(activeLong())

	assert.True(t, res.Success)
	assert.Equal(t, session.StatusActive, res.FinalStatus)
	assert.Empty(t, res.Discrepancies())
	assert.Equal(t, 0, e.client.placedCount())
	assert.True(t, e.monitor.Running(e.key))
	assert.ElementsMatch(t, []eventbus.EventType{eventbus.EventPriceUpdate, eventbus.EventOrderFilled}, e.bus.Subscriptions(e.key))

	st := sess.State()
	require.NotNil(t, st.Stop)
	assert.Equal(t, "s-1", st.Stop.OrderID)
	assert.True(t, st.Size.Equal(dec("1")))

	texts := e.notifier.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Position restored")
	assert.Contains(t, texts[0], "Direction: LONG")
}

func TestRecoverPositionClosedWhileOffline(t *testing.T) {
	e := newEnv(t)

	res, sess := e.recover(activeLong())

	assert.True(t, res.Success)
	assert.Equal(t, session.StatusClosed, res.FinalStatus)
	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancyPositionClosed}, kinds(res.Discrepancies()))
	assert.False(t, e.monitor.Running(e.key))
	assert.Empty(t, e.bus.Subscriptions(e.key))
	assert.False(t, sess.State().PositionActive)
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.Equal(t, 0, e.ledger.getCalls, "closed sessions skip the ledger")
	assert.Len(t, e.ledger.discrepancies, 1)
}

func TestRecoverSizeMismatchExchangeWins(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "2", "100")
	e.client.addStop("s-1", "sell", "98", "2")

	res, sess := e.recover(activeLong())

	assert.Equal(t, session.StatusActive, res.FinalStatus)
	ds := res.Discrepancies()
	require.Len(t, ds, 1)
	assert.Equal(t, session.DiscrepancySizeAdjusted, ds[0].Kind)
	assert.True(t, ds[0].Cached.Equal(dec("1")))
	assert.True(t, ds[0].Observed.Equal(dec("2")))
	assert.True(t, sess.State().Size.Equal(dec("2")))

	texts := e.notifier.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "size changed")
}

func TestRecoverSmallSizeMismatchDoesNotAlert(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1.2", "100")
	e.client.addStop("s-1", "sell", "98", "1.2")

	res, _ := e.recover(activeLong())

	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancySizeAdjusted}, kinds(res.Discrepancies()))
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRecoverSynthesizesMissingStopOnce(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")

	res, sess := e.recover(activeLong())
	require.Equal(t, session.StatusActive, res.FinalStatus)
	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancyStopSynthesized}, kinds(res.Discrepancies()))
	require.Equal(t, 1, e.client.placedCount())

	req := e.client.placed[0]
	assert.True(t, req.TriggerPrice.Equal(dec("98")))
	assert.True(t, req.Quantity.Equal(dec("1")))
	assert.Equal(t, "long", req.PositionSide)
	assert.True(t, strings.HasPrefix(req.ClientOrderID, "kp-"))

	st := sess.State()
	require.NotNil(t, st.Stop)
	assert.True(t, st.Stop.Synthesized)
	assert.Equal(t, "ex-1", st.Stop.OrderID)

	marker, ok, err := e.cache.Get(context.Background(), e.key.MarkerKey(markerProtectiveOrder))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(marker), req.ClientOrderID)

	// the next recovery finds the order it placed and does not place another
	res2, sess2 := e.recover(activeLong())
	assert.Equal(t, session.StatusActive, res2.FinalStatus)
	assert.Empty(t, res2.Discrepancies())
	assert.Equal(t, 1, e.client.placedCount())
	assert.Equal(t, "ex-1", sess2.State().Stop.OrderID)
}

func TestRecoverSynthesisFailureFails(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	e.client.placeErr = exchange.ErrRejected

	res, sess := e.recover(activeLong())

	assert.False(t, res.Success)
	assert.Equal(t, session.StatusFailed, res.FinalStatus)
	assert.Equal(t, KindProtectionSynthesis, res.Kind)
	assert.Equal(t, session.StatusFailed, sess.Status())
	assert.False(t, e.monitor.Running(e.key))
	assert.Empty(t, e.bus.Subscriptions(e.key))
	texts := e.notifier.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Recovery failed")
}

func TestRecoverExchangeDownDegrades(t *testing.T) {
	e := newEnv(t)
	e.client.readErr = errDown

	res, _ := e.recover(activeLong())

	assert.False(t, res.Success)
	assert.Equal(t, session.StatusDegraded, res.FinalStatus)
	assert.Equal(t, KindTransientExchange, res.Kind)
	assert.Empty(t, res.Discrepancies())
	assert.Equal(t, 2, e.client.reads, "retry budget is the gate's MaxAttempts")
	assert.False(t, e.monitor.Running(e.key))
	assert.Equal(t, 0, e.ledger.getCalls)
	texts := e.notifier.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Recovery incomplete")
}

func TestRecoverUnknownSymbolFails(t *testing.T) {
	e := newEnv(t)
	e.client.readErr = exchange.ErrUnknownSymbol

	res, _ := e.recover(activeLong())

	assert.Equal(t, session.StatusFailed, res.FinalStatus)
	assert.Equal(t, KindPermanentData, res.Kind)
	assert.Equal(t, 1, e.client.reads)
}

func TestRecoverLedgerDownDegradesWithStaleStats(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")
	e.ledger.getErr = errDown

	res, sess := e.recover(activeLong())

	assert.Equal(t, session.StatusDegraded, res.FinalStatus)
	assert.Equal(t, KindPartialSync, res.Kind)
	assert.True(t, sess.State().StatsStale)
	assert.Equal(t, 2, e.ledger.getCalls)
	assert.False(t, e.monitor.Running(e.key))
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRecoverReconstructsUntrackedPosition(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("short", "3", "200")
	e.client.addStop("s-9", "buy", "204", "3")
	pnl := dec("12.5")
	e.ledger.rec = session.LedgerRecord{RealizedPnL: &pnl}
	e.ledger.found = true

	res, sess := e.recover(map[string]any{"position_active": false})

	assert.Equal(t, session.StatusActive, res.FinalStatus)
	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancyPositionReconstructed}, kinds(res.Discrepancies()))
	st := sess.State()
	assert.True(t, st.ReconstructedFromExchange)
	assert.Equal(t, session.SideShort, st.Side)
	assert.Nil(t, st.RealizedPnL)
	assert.Nil(t, st.AverageEntryPrice)
	require.NotNil(t, st.Stop)
	assert.Equal(t, "s-9", st.Stop.OrderID)
	assert.Equal(t, 0, e.client.placedCount())
}

func TestRecoverSideMismatchReconstructs(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("short", "1", "100")

	res, sess := e.recover(activeLong())

	kindsSeen := kinds(res.Discrepancies())
	assert.Contains(t, kindsSeen, session.DiscrepancyPositionReconstructed)
	assert.Contains(t, kindsSeen, session.DiscrepancyStopSynthesized)
	require.Equal(t, 1, e.client.placedCount())
	// the cached long stop is ignored for a reconstructed short
	assert.True(t, e.client.placed[0].TriggerPrice.Equal(dec("102")))
	assert.Equal(t, session.SideShort, sess.State().Side)
}

func TestRecoverBothFlatIsIdleActive(t *testing.T) {
	e := newEnv(t)

	res, _ := e.recover(map[string]any{"position_active": false})

	assert.True(t, res.Success)
	assert.Equal(t, session.StatusActive, res.FinalStatus)
	assert.Empty(t, res.Discrepancies())
	assert.True(t, e.monitor.Running(e.key))
	e.notifier.AssertNumberOfCalls(t, "Notify", 0)
}

func TestRecoverMissingStateAndFlatCloses(t *testing.T) {
	e := newEnv(t)

	res, _ := e.recover(nil)

	assert.Equal(t, session.StatusClosed, res.FinalStatus)
	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancyStateMissing}, kinds(res.Discrepancies()))
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRecoverIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")

	sess := session.New(e.key)
	ps := e.persisted(activeLong())
	for i := 0; i < 3; i++ {
		h, err := DefaultRegistry().New(e.deps, sess, ps)
		require.NoError(t, err)
		res := Recover(context.Background(), h)
		require.Equal(t, session.StatusActive, res.FinalStatus)
		assert.Empty(t, res.Discrepancies())
	}
	assert.Len(t, e.bus.Subscriptions(e.key), 2)
	assert.Equal(t, 1, e.monitor.Count())
	assert.Equal(t, 0, e.client.placedCount())
}

func TestRecoverCancelledContextPlacesNothing(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := session.New(e.key)
	h, err := DefaultRegistry().New(e.deps, sess, e.persisted(activeLong()))
	require.NoError(t, err)
	res := Recover(ctx, h)

	assert.Equal(t, session.StatusDegraded, res.FinalStatus)
	assert.Equal(t, 0, e.client.placedCount())
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRecoverMergesLedger(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "2", "95")
	e.client.addStop("s-1", "sell", "98", "2")
	fees := dec("0.4")
	e.ledger.rec = session.LedgerRecord{
		Fills: []session.Fill{
			{Price: dec("100"), Size: dec("1"), Fee: dec("0.2")},
			{Price: dec("90"), Size: dec("1"), Fee: dec("0.2")},
		},
		FeesPaid:    &fees,
		StopHistory: []session.StopLink{{OrderID: "s-0", TriggerPrice: "97", Reason: "placed", LinkedAt: time.Now()}},
	}
	e.ledger.found = true

	fields := activeLong()
	fields["total_position_size"] = "2"
	res, sess := e.recover(fields)

	require.Equal(t, session.StatusActive, res.FinalStatus)
	st := sess.State()
	require.NotNil(t, st.AverageEntryPrice)
	assert.True(t, st.AverageEntryPrice.Equal(dec("95")))
	require.NotNil(t, st.FeesPaid)
	assert.True(t, st.FeesPaid.Equal(dec("0.4")))
	assert.Equal(t, 1, st.Averaging.Count)
	assert.False(t, st.Averaging.Estimated)
	assert.Len(t, st.Averaging.Fills, 2)
	assert.Equal(t, []string{"s-0", "s-1"}, []string{st.StopHistory[0].OrderID, st.StopHistory[1].OrderID})

	require.NotEmpty(t, e.ledger.upserts)
	last := e.ledger.upserts[len(e.ledger.upserts)-1]
	assert.True(t, last.PositionSize.Equal(dec("2")))
	assert.Equal(t, 1, last.Fields["averaging_count"])
}

func TestRecoverClearsDiscrepancyMarkerWhenClean(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	marker := e.key.MarkerKey(markerDiscrepancies)
	require.NoError(t, e.cache.Put(ctx, marker, []byte(`[{"kind":"size-adjusted"}]`), 0))
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")

	res, _ := e.recover(activeLong())
	require.Equal(t, session.StatusActive, res.FinalStatus)

	_, ok, err := e.cache.Get(ctx, marker)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResultDiscrepanciesAreCopies(t *testing.T) {
	e := newEnv(t)
	res, _ := e.recover(activeLong())
	ds := res.Discrepancies()
	require.NotEmpty(t, ds)
	ds[0].Detail = "changed"
	assert.NotEqual(t, "changed", res.Discrepancies()[0].Detail)
}

func TestAbortSettlesWithoutHandler(t *testing.T) {
	e := newEnv(t)
	sess := session.New(e.key)

	res := Abort(context.Background(), e.deps, sess, KindPermanentData, session.ErrCorruptState)

	assert.Equal(t, session.StatusFailed, res.FinalStatus)
	assert.Equal(t, session.StatusFailed, sess.Status())
	assert.Contains(t, res.Cause, "corrupt")
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)

	res = Abort(context.Background(), e.deps, sess, KindPartialSync, errDown)
	assert.Equal(t, session.StatusDegraded, res.FinalStatus)
}

func TestRecoverSizeToleranceBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		observed string
		adjusted bool
		alert    bool
	}{
		{name: "delta equal to tolerance is agreement", observed: "10.5"},
		{name: "cache 10 exchange 7", observed: "7", adjusted: true},
		{name: "delta equal to alert threshold", observed: "15", adjusted: true},
		{name: "delta above alert threshold", observed: "15.5", adjusted: true, alert: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			pol := testPolicy()
			pol.SizeTolerance = dec("0.5")
			pol.AlertThreshold = dec("5")
			e.deps.Policy.Set(pol)
			e.client.setPosition("long", tc.observed, "100")
			e.client.addStop("s-1", "sell", "98", tc.observed)

			fields := activeLong()
			fields["position_size"] = "10"
			res, sess := e.recover(fields)

			require.Equal(t, session.StatusActive, res.FinalStatus)
			if tc.adjusted {
				assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancySizeAdjusted}, kinds(res.Discrepancies()))
				assert.True(t, sess.State().Size.Equal(dec(tc.observed)))
			} else {
				assert.Empty(t, res.Discrepancies())
			}
			alerted := false
			for _, text := range e.notifier.texts() {
				if strings.Contains(text, "size changed") {
					alerted = true
				}
			}
			assert.Equal(t, tc.alert, alerted)
		})
	}
}

func TestRecoverClosedSnapshotReportedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _ := e.recover(activeLong())
	require.Equal(t, session.StatusClosed, res.FinalStatus)
	_, found, err := e.cache.Get(ctx, e.key.MarkerKey(markerClosed))
	require.NoError(t, err)
	require.True(t, found)

	// a restart sees the same snapshot and stays quiet
	res, sess := e.recover(activeLong())
	assert.Equal(t, session.StatusClosed, res.FinalStatus)
	assert.Empty(t, res.Discrepancies())
	assert.False(t, sess.State().PositionActive)
	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.Len(t, e.ledger.discrepancies, 1)

	// a different snapshot under the same key is a new position
	fields := activeLong()
	fields["position_size"] = "2"
	res, _ = e.recover(fields)
	assert.Equal(t, []session.DiscrepancyKind{session.DiscrepancyPositionClosed}, kinds(res.Discrepancies()))
	e.notifier.AssertNumberOfCalls(t, "Notify", 2)

	// going live again clears the marker
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")
	res, _ = e.recover(activeLong())
	require.Equal(t, session.StatusActive, res.FinalStatus)
	_, found, err = e.cache.Get(ctx, e.key.MarkerKey(markerClosed))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecoverDiscrepancyCarriesSnapshotAge(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	e.deps.Now = func() time.Time { return now }

	fields := activeLong()
	fields["saved_at"] = "2024-03-01T12:00:00Z"
	res, _ := e.recover(fields)

	ds := res.Discrepancies()
	require.Len(t, ds, 1)
	assert.Equal(t, "exchange reports no open position (snapshot saved 1h0m0s ago)", ds[0].Detail)
}
