package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper/internal/session"
)

func activeSession(symbol string) *session.Session {
	s := session.New(session.NewKey(1, symbol, "averaging"))
	s.SetStatus(session.StatusActive)
	return s
}

func TestStartRefusesNonActive(t *testing.T) {
	sched := NewScheduler(context.Background(), Config{Interval: time.Millisecond}, nil)
	for _, st := range []session.Status{session.StatusPending, session.StatusDegraded, session.StatusFailed, session.StatusClosed} {
		s := session.New(session.NewKey(1, "BTCUSDT", "averaging"))
		s.SetStatus(st)
		_, err := sched.Start(s)
		assert.ErrorIs(t, err, ErrNotActive, st.String())
	}
	assert.Zero(t, sched.Count())
}

func TestStartIsIdempotent(t *testing.T) {
	sched := NewScheduler(context.Background(), Config{Interval: time.Hour}, nil)
	t.Cleanup(sched.StopAll)
	s := activeSession("BTCUSDT")
	h1, err := sched.Start(s)
	require.NoError(t, err)
	h2, err := sched.Start(s)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, sched.Count())
}

func TestStopIsSynchronousAndRepeatable(t *testing.T) {
	var running atomic.Int32
	var checks atomic.Int32
	checker := CheckerFunc(func(ctx context.Context, _ *session.Session) error {
		running.Add(1)
		defer running.Add(-1)
		checks.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	sched := NewScheduler(context.Background(), Config{Interval: time.Millisecond}, checker)
	s := activeSession("BTCUSDT")
	h, err := sched.Start(s)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return checks.Load() > 0 }, time.Second, time.Millisecond)
	sched.Stop(h)

	select {
	case <-h.Done():
	default:
		t.Fatal("task still running after Stop returned")
	}
	assert.Zero(t, running.Load())
	assert.False(t, sched.Running(s.Key))
	after := checks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, checks.Load())

	sched.Stop(h)
	assert.False(t, sched.StopSession(s.Key))
}

func TestTaskExitsWhenSessionLeavesActive(t *testing.T) {
	sched := NewScheduler(context.Background(), Config{Interval: time.Millisecond}, nil)
	s := activeSession("BTCUSDT")
	h, err := sched.Start(s)
	require.NoError(t, err)
	s.SetStatus(session.StatusDegraded)
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit")
	}
	assert.False(t, sched.Running(s.Key))
}

func TestCheckerPanicIsContained(t *testing.T) {
	var calls atomic.Int32
	checker := CheckerFunc(func(context.Context, *session.Session) error {
		calls.Add(1)
		panic("boom")
	})
	sched := NewScheduler(context.Background(), Config{Interval: time.Millisecond}, checker)
	t.Cleanup(sched.StopAll)
	_, err := sched.Start(activeSession("BTCUSDT"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStopAllRefusesNewTasks(t *testing.T) {
	sched := NewScheduler(context.Background(), Config{Interval: time.Hour}, nil)
	_, err := sched.Start(activeSession("BTCUSDT"))
	require.NoError(t, err)
	_, err = sched.Start(activeSession("ETHUSDT"))
	require.NoError(t, err)
	sched.StopAll()
	assert.Zero(t, sched.Count())
	_, err = sched.Start(activeSession("SOLUSDT"))
	assert.ErrorIs(t, err, ErrStopped)
}

type forgettingChecker struct {
	forgot chan session.Key
}

func (c *forgettingChecker) Check(context.Context, *session.Session) error { return nil }

func (c *forgettingChecker) Forget(key session.Key) { c.forgot <- key }

func TestExitedTaskReleasesCheckerMemory(t *testing.T) {
	checker := &forgettingChecker{forgot: make(chan session.Key, 4)}
	sched := NewScheduler(context.Background(), Config{Interval: time.Millisecond}, checker)
	t.Cleanup(sched.StopAll)

	s := activeSession("BTCUSDT")
	_, err := sched.Start(s)
	require.NoError(t, err)
	s.SetStatus(session.StatusRecovering)

	select {
	case key := <-checker.forgot:
		assert.Equal(t, s.Key, key)
	case <-time.After(time.Second):
		t.Fatal("checker memory not released")
	}

	other := activeSession("ETHUSDT")
	_, err = sched.Start(other)
	require.NoError(t, err)
	assert.True(t, sched.StopSession(other.Key))
	assert.Equal(t, other.Key, <-checker.forgot)
}

func TestRetireKeepsTaskOfReactivatedSession(t *testing.T) {
	sched := NewScheduler(context.Background(), Config{Interval: time.Hour}, nil)
	t.Cleanup(sched.StopAll)
	s := activeSession("BTCUSDT")
	h, err := sched.Start(s)
	require.NoError(t, err)

	// recovery flipped the session back to Active before the task looked
	s.SetStatus(session.StatusRecovering)
	s.SetStatus(session.StatusActive)
	assert.False(t, sched.retire(h, s))
	assert.True(t, sched.Running(s.Key))

	// the task retires first; a later Start gets a fresh task
	s.SetStatus(session.StatusRecovering)
	assert.True(t, sched.retire(h, s))
	assert.False(t, sched.Running(s.Key))
	s.SetStatus(session.StatusActive)
	h2, err := sched.Start(s)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	sched.Stop(h)
}
