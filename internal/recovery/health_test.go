package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper/internal/monitor"
	"keeper/internal/session"
)

func activeSession(e *env, size string) *session.Session {
	sess := session.New(e.key)
	sess.Update(func(st *session.State) {
		st.PositionActive = true
		st.Side = session.SideLong
		st.Size = dec(size)
		st.EntryPrice = dec("100")
		st.Stop = &session.Protection{OrderID: "s-1", TriggerPrice: dec("98"), Quantity: dec(size)}
	})
	sess.SetStatus(session.StatusActive)
	return sess
}

func TestHealthCheckerQuietWhenHealthy(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")
	c := NewHealthChecker(e.deps)

	require.NoError(t, c.Check(context.Background(), activeSession(e, "1")))
	e.notifier.AssertNumberOfCalls(t, "Notify", 0)
}

func TestHealthCheckerReportsEachIssueOnce(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	c := NewHealthChecker(e.deps)
	sess := activeSession(e, "1")
	ctx := context.Background()

	require.NoError(t, c.Check(ctx, sess))
	require.NoError(t, c.Check(ctx, sess))
	texts := e.notifier.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Protective stop missing")

	// a new drift is a distinct issue
	e.client.setPosition("long", "1.5", "100")
	require.NoError(t, c.Check(ctx, sess))
	require.NoError(t, c.Check(ctx, sess))
	texts = e.notifier.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "size drifted")

	// once cleared, the same issue may be reported again
	e.client.setPosition("long", "1", "100")
	e.client.addStop("s-1", "sell", "98", "1")
	require.NoError(t, c.Check(ctx, sess))
	e.client.mu.Lock()
	e.client.orders = nil
	e.client.mu.Unlock()
	require.NoError(t, c.Check(ctx, sess))
	e.notifier.AssertNumberOfCalls(t, "Notify", 3)
}

func TestHealthCheckerSeesVanishedPosition(t *testing.T) {
	e := newEnv(t)
	c := NewHealthChecker(e.deps)

	require.NoError(t, c.Check(context.Background(), activeSession(e, "1")))
	texts := e.notifier.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "no longer open")
}

func TestHealthCheckerPropagatesExchangeErrors(t *testing.T) {
	e := newEnv(t)
	e.client.readErr = errDown
	c := NewHealthChecker(e.deps)

	assert.Error(t, c.Check(context.Background(), activeSession(e, "1")))
	e.notifier.AssertNumberOfCalls(t, "Notify", 0)
}

type chanSink chan string

func (c chanSink) Notify(_ context.Context, _ int64, text string) error {
	c <- text
	return nil
}

func TestHealthCheckerReportsAgainAfterSessionReturns(t *testing.T) {
	e := newEnv(t)
	e.client.setPosition("long", "1", "100")
	sent := make(chanSink, 8)
	e.deps.Notifier = sent
	c := NewHealthChecker(e.deps)
	sched := monitor.NewScheduler(context.Background(), monitor.Config{Interval: time.Millisecond}, c)
	t.Cleanup(sched.StopAll)
	sess := activeSession(e, "1")

	next := func() string {
		select {
		case text := <-sent:
			return text
		case <-time.After(time.Second):
			t.Fatal("no report")
			return ""
		}
	}

	_, err := sched.Start(sess)
	require.NoError(t, err)
	assert.Contains(t, next(), "Protective stop missing")

	sess.SetStatus(session.StatusDegraded)
	assert.True(t, sched.StopSession(sess.Key))

	sess.SetStatus(session.StatusActive)
	_, err = sched.Start(sess)
	require.NoError(t, err)
	assert.Contains(t, next(), "Protective stop missing")
}
