// Package restorer brings every persisted session back after a restart and
// keeps retrying the ones that came back degraded.
package restorer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"keeper/internal/logger"
	"keeper/internal/recovery"
	"keeper/internal/session"
)

var (
	ErrRestoreInProgress  = errors.New("restore already in progress")
	ErrAlreadyRestored    = errors.New("sessions already restored")
	ErrRecoveryInProgress = errors.New("session recovery already in progress")
	ErrUnknownSession     = errors.New("unknown session")
)

const (
	phaseIdle int32 = iota
	phaseRunning
	phaseDone
)

type Config struct {
	Concurrency       int
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	AdminUserIDs      []int64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	return c
}

// Restorer owns the in-memory session table.
type Restorer struct {
	cfg      Config
	deps     recovery.Deps
	registry *recovery.Registry
	nowFn    func() time.Time

	phase atomic.Int32

	mu       sync.RWMutex
	sessions map[session.Key]*session.Session
	results  map[string]recovery.Result
	inflight map[session.Key]struct{}
	report   FleetReport
	reported bool
	// stateKeys holds the cache key each session was listed under; the
	// runtime may have written it in a non-canonical case.
	stateKeys map[session.Key]string
}

func New(cfg Config, deps recovery.Deps, registry *recovery.Registry) *Restorer {
	if registry == nil {
		registry = recovery.DefaultRegistry()
	}
	return &Restorer{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		registry:  registry,
		nowFn:     time.Now,
		sessions:  make(map[session.Key]*session.Session),
		results:   make(map[string]recovery.Result),
		inflight:  make(map[session.Key]struct{}),
		stateKeys: make(map[session.Key]string),
	}
}

// RestoreAll recovers every session found in the cache. It runs once per
// process; later calls are rejected.
func (r *Restorer) RestoreAll(ctx context.Context) (FleetReport, error) {
	if !r.phase.CompareAndSwap(phaseIdle, phaseRunning) {
		if r.phase.Load() == phaseRunning {
			return FleetReport{}, ErrRestoreInProgress
		}
		return FleetReport{}, ErrAlreadyRestored
	}
	started := r.nowFn()
	keys, err := r.deps.Cache.ListSessionKeys(ctx)
	if err != nil {
		r.phase.Store(phaseIdle)
		return FleetReport{}, fmt.Errorf("list session keys: %w", err)
	}
	defer r.phase.Store(phaseDone)
	logger.Infof("restorer: %d persisted session(s) found", len(keys))

	var eg errgroup.Group
	eg.SetLimit(r.cfg.Concurrency)
	for _, key := range r.indexKeys(keys) {
		eg.Go(func() error {
			if _, err := r.recoverKey(ctx, key); err != nil {
				logger.Warnf("restorer: %s skipped: %v", key, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	report := r.buildReport(started)
	logger.InfoBlock("recovery summary", report.Summary())
	if raw, err := report.YAML(); err == nil {
		logger.Debugf("restorer: fleet report\n%s", raw)
	}
	r.notifyAdmins(ctx, report)
	return report, nil
}

// indexKeys parses the listed state keys, records malformed ones as Failed
// and remembers the raw key of each session. When two raw keys name the same
// session the canonical one wins.
func (r *Restorer) indexKeys(raws []string) []session.Key {
	var out []session.Key
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range raws {
		key, err := session.ParseKey(raw)
		if err != nil {
			logger.Errorf("restorer: %v", err)
			r.results[raw] = recovery.FailedResult(session.Key{}, recovery.KindPermanentData, err, r.nowFn())
			continue
		}
		prev, seen := r.stateKeys[key]
		switch {
		case !seen:
			out = append(out, key)
			r.stateKeys[key] = raw
		case raw == key.StateKey():
			logger.Warnf("restorer: %s listed as %q and %q, using the canonical key", key, prev, raw)
			r.stateKeys[key] = raw
		default:
			logger.Warnf("restorer: %s listed as %q and %q, ignoring the latter", key, prev, raw)
		}
	}
	return out
}

func (r *Restorer) readState(ctx context.Context, key session.Key) ([]byte, bool, error) {
	r.mu.RLock()
	raw := r.stateKeys[key]
	r.mu.RUnlock()
	if raw == "" || raw == key.StateKey() {
		return r.deps.Cache.GetPersistedState(ctx, key)
	}
	return r.deps.Cache.Get(ctx, raw)
}

// RestoreSession re-runs recovery for one known session.
func (r *Restorer) RestoreSession(ctx context.Context, key session.Key) (recovery.Result, error) {
	r.mu.RLock()
	_, known := r.sessions[key]
	r.mu.RUnlock()
	if !known {
		return recovery.Result{}, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	return r.recoverKey(ctx, key)
}

// RetryDegraded re-runs recovery for every Degraded session.
func (r *Restorer) RetryDegraded(ctx context.Context) []recovery.Result {
	r.mu.RLock()
	var keys []session.Key
	for k, s := range r.sessions {
		if s.Status() == session.StatusDegraded {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()
	if len(keys) == 0 {
		return nil
	}
	logger.Infof("restorer: retrying %d degraded session(s)", len(keys))

	var (
		eg  errgroup.Group
		mu  sync.Mutex
		out []recovery.Result
	)
	eg.SetLimit(r.cfg.Concurrency)
	for _, k := range keys {
		eg.Go(func() error {
			res, err := r.recoverKey(ctx, k)
			if err != nil {
				return nil
			}
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	r.buildReport(time.Time{})
	return out
}

// RunHeartbeat retries Degraded sessions every interval until ctx is done.
func (r *Restorer) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.cfg.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RetryDegraded(ctx)
		}
	}
}

func (r *Restorer) recoverKey(ctx context.Context, key session.Key) (res recovery.Result, err error) {
	sess, ok := r.acquire(key)
	if !ok {
		return recovery.Result{}, fmt.Errorf("%w: %s", ErrRecoveryInProgress, key)
	}
	defer r.release(key)
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("restorer: panic recovering %s: %v\n%s", key, p, debug.Stack())
			res = r.abortAfterPanic(ctx, sess, p)
		}
		r.mu.Lock()
		r.results[key.String()] = res
		r.mu.Unlock()
	}()

	uctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()
	return r.recoverSession(uctx, sess), nil
}

func (r *Restorer) abortAfterPanic(ctx context.Context, sess *session.Session, p any) (res recovery.Result) {
	cause := fmt.Errorf("panic: %v", p)
	defer func() {
		if recover() != nil {
			sess.SetStatus(session.StatusFailed)
			res = recovery.FailedResult(sess.Key, recovery.KindPermanentData, cause, r.nowFn())
		}
	}()
	return recovery.Abort(ctx, r.deps, sess, recovery.KindPermanentData, cause)
}

func (r *Restorer) recoverSession(ctx context.Context, sess *session.Session) recovery.Result {
	raw, found, err := r.readState(ctx, sess.Key)
	if err != nil {
		return recovery.Abort(ctx, r.deps, sess, recovery.KindPartialSync, fmt.Errorf("read persisted state: %w", err))
	}
	var ps *session.PersistedState
	if found {
		ps, err = session.ParsePersistedState(raw)
		if err == nil {
			err = ps.CheckKey(sess.Key)
		}
		if err != nil {
			return recovery.Abort(ctx, r.deps, sess, recovery.KindPermanentData, err)
		}
	}
	h, err := r.registry.New(r.deps, sess, ps)
	if err != nil {
		return recovery.Abort(ctx, r.deps, sess, recovery.KindPermanentData, err)
	}
	return recovery.Recover(ctx, h)
}

// acquire marks key in flight, creating its session on first sight.
func (r *Restorer) acquire(key session.Key) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return nil, false
	}
	r.inflight[key] = struct{}{}
	sess, ok := r.sessions[key]
	if !ok {
		sess = session.New(key)
		r.sessions[key] = sess
	}
	return sess, true
}

func (r *Restorer) release(key session.Key) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}

// Session returns the live session for key.
func (r *Restorer) Session(key session.Key) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Sessions lists every known session ordered by id.
func (r *Restorer) Sessions() []session.Snapshot {
	r.mu.RLock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Report returns the latest fleet report, false before the first restore.
func (r *Restorer) Report() (FleetReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report, r.reported
}

func (r *Restorer) buildReport(started time.Time) FleetReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if started.IsZero() {
		started = r.report.StartedAt
	}
	results := make(map[string]recovery.Result, len(r.results))
	for id, res := range r.results {
		results[id] = res
	}
	r.report = NewFleetReport(results, started, r.nowFn())
	r.reported = true
	return r.report
}

func (r *Restorer) notifyAdmins(ctx context.Context, report FleetReport) {
	if r.deps.Notifier == nil || len(r.cfg.AdminUserIDs) == 0 {
		return
	}
	text := report.Message(r.nowFn()).RenderMarkdown()
	for _, uid := range r.cfg.AdminUserIDs {
		nctx, cancel := context.WithTimeout(ctx, r.deps.Policy.Get().NotifyTimeout)
		if err := r.deps.Notifier.Notify(nctx, uid, text); err != nil {
			logger.Warnf("restorer: admin notify %d failed: %v", uid, err)
		}
		cancel()
	}
}
