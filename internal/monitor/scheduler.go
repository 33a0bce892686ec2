// Package monitor runs one periodic health check per Active session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"keeper/internal/logger"
	"keeper/internal/metrics"
	"keeper/internal/session"
)

var (
	ErrNotActive = errors.New("monitor: session is not active")
	ErrStopped   = errors.New("monitor: scheduler stopped")
)

// Checker inspects one session. Errors are logged and counted; they do not
// stop the task.
type Checker interface {
	Check(ctx context.Context, sess *session.Session) error
}

type CheckerFunc func(ctx context.Context, sess *session.Session) error

func (f CheckerFunc) Check(ctx context.Context, sess *session.Session) error { return f(ctx, sess) }

// Forgetter is implemented by checkers that remember per-session findings.
// Forget runs once no task for the key remains.
type Forgetter interface {
	Forget(key session.Key)
}

type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
}

// Handle identifies one running task.
type Handle struct {
	key    session.Key
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Key() session.Key { return h.key }

// Done is closed once the task goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

type Scheduler struct {
	cfg     Config
	checker Checker
	parent  context.Context

	mu      sync.Mutex
	tasks   map[session.Key]*Handle
	stopped bool
}

func NewScheduler(ctx context.Context, cfg Config, checker Checker) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = cfg.Interval
	}
	return &Scheduler{
		cfg:     cfg,
		checker: checker,
		parent:  ctx,
		tasks:   make(map[session.Key]*Handle),
	}
}

// Start launches the task for sess, or returns the one already running.
func (s *Scheduler) Start(sess *session.Session) (*Handle, error) {
	if sess == nil {
		return nil, errors.New("monitor: nil session")
	}
	if st := sess.Status(); st != session.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, sess.Key, st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if h, ok := s.tasks[sess.Key]; ok {
		return h, nil
	}
	ctx, cancel := context.WithCancel(s.parent)
	h := &Handle{key: sess.Key, cancel: cancel, done: make(chan struct{})}
	s.tasks[sess.Key] = h
	metrics.SetMonitorTasks(len(s.tasks))
	go s.run(ctx, h, sess)
	logger.Infof("monitor: started %s every %s", sess.Key, s.cfg.Interval)
	return h, nil
}

// Stop cancels the task and waits for it to exit. Safe to repeat.
func (s *Scheduler) Stop(h *Handle) {
	if h == nil {
		return
	}
	s.forget(h)
	h.cancel()
	<-h.done
}

func (s *Scheduler) StopSession(key session.Key) bool {
	s.mu.Lock()
	h, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop(h)
	return true
}

// StopAll stops every task and refuses new ones.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.Stop(h)
	}
}

func (s *Scheduler) Running(key session.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.tasks[h.key]; ok && cur == h {
		delete(s.tasks, h.key)
		metrics.SetMonitorTasks(len(s.tasks))
	}
	s.mu.Unlock()
}

// retire removes h unless sess is Active again. The status is read under the
// lock so a concurrent Start never hands out a task that is about to exit.
func (s *Scheduler) retire(h *Handle, sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status() == session.StatusActive {
		return false
	}
	if cur, ok := s.tasks[h.key]; ok && cur == h {
		delete(s.tasks, h.key)
		metrics.SetMonitorTasks(len(s.tasks))
	}
	return true
}

func (s *Scheduler) release(h *Handle) {
	s.forget(h)
	f, ok := s.checker.(Forgetter)
	if !ok {
		return
	}
	s.mu.Lock()
	_, replaced := s.tasks[h.key]
	s.mu.Unlock()
	if !replaced {
		f.Forget(h.key)
	}
}

func (s *Scheduler) run(ctx context.Context, h *Handle, sess *session.Session) {
	defer close(h.done)
	defer s.release(h)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.retire(h, sess) {
			logger.Infof("monitor: %s left active (%s), exit", sess.Key, sess.Status())
			return
		}
		s.checkOnce(ctx, sess)
	}
}

func (s *Scheduler) checkOnce(ctx context.Context, sess *session.Session) {
	if s.checker == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.IncMonitorCheck("panic")
			logger.Errorf("monitor: panic checking %s: %v\n%s", sess.Key, r, debug.Stack())
		}
	}()
	if err := s.checker.Check(cctx, sess); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncMonitorCheck("error")
		logger.Warnf("monitor: check %s failed: %v", sess.Key, err)
		return
	}
	metrics.IncMonitorCheck("ok")
}
