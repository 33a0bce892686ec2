package recovery

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"keeper/internal/session"
)

var ErrUnknownStrategy = errors.New("no recovery handler for strategy")

// Factory builds the handler for one session. persisted may be nil.
type Factory func(deps Deps, sess *session.Session, persisted *session.PersistedState) Handler

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(StrategyAveraging, NewAveragingHandler)
	r.Register(StrategyImpulse, NewImpulseHandler)
	return r
}

func (r *Registry) Register(strategy string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strategy)] = f
}

func (r *Registry) New(deps Deps, sess *session.Session, persisted *session.PersistedState) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(sess.Key.Strategy)]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(KindPermanentData, "select_handler", fmt.Errorf("%w: %q", ErrUnknownStrategy, sess.Key.Strategy))
	}
	return f(deps, sess, persisted), nil
}

func (r *Registry) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
