package recovery

import (
	"context"
	"time"

	"keeper/internal/cache"
	"keeper/internal/eventbus"
	"keeper/internal/gateway/exchange"
	"keeper/internal/gateway/notifier"
	"keeper/internal/monitor"
	"keeper/internal/session"
)

// Ledger is the durable store recovery reads computed fields from.
type Ledger interface {
	GetLedger(ctx context.Context, key session.Key) (session.LedgerRecord, bool, error)
	UpsertStrategyStats(ctx context.Context, key session.Key, update session.StatsUpdate) error
	AppendDiscrepancy(ctx context.Context, key session.Key, d session.Discrepancy) error
}

type Bus interface {
	Subscribe(t eventbus.EventType, owner session.Key, h eventbus.Handler) (bool, error)
	UnsubscribeOwner(owner session.Key) int
}

type Monitor interface {
	Start(sess *session.Session) (*monitor.Handle, error)
	StopSession(key session.Key) bool
}

// Deps are the collaborators injected into every handler.
type Deps struct {
	Exchange exchange.Provider
	Gate     *exchange.Gate
	Ledger   Ledger
	Cache    cache.Store
	Bus      Bus
	Monitor  Monitor
	Notifier notifier.Sink
	Policy   *PolicyHolder
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) policy() Policy { return d.Policy.Get() }
