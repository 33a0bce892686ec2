package recovery

import (
	"context"
	"strings"
	"sync"

	"keeper/internal/gateway/exchange"
	"keeper/internal/gateway/notifier"
	"keeper/internal/logger"
	"keeper/internal/monitor"
	"keeper/internal/session"
)

var _ monitor.Forgetter = (*HealthChecker)(nil)

// HealthChecker is the periodic position check run for Active sessions. It
// only reports; it never trades. Each distinct issue is reported once until
// it clears.
type HealthChecker struct {
	deps Deps

	mu       sync.Mutex
	reported map[session.Key]map[string]struct{}
}

func NewHealthChecker(deps Deps) *HealthChecker {
	return &HealthChecker{deps: deps, reported: make(map[session.Key]map[string]struct{})}
}

type healthIssue struct {
	id    string
	title string
	lines []string
}

func (c *HealthChecker) Check(ctx context.Context, sess *session.Session) error {
	if c.deps.Exchange == nil {
		return errNoExchange
	}
	client, err := c.deps.Exchange.ForUser(ctx, sess.Key.UserID)
	if err != nil {
		return err
	}
	gate := c.deps.Gate
	if gate == nil {
		gate = exchange.NewGate(exchange.GateConfig{}, nil)
	}
	snap, err := gate.Snapshot(ctx, client, sess.Key.Symbol)
	if err != nil {
		return err
	}
	issues := c.inspect(sess.State(), snap)
	c.report(ctx, sess, issues)
	return nil
}

func (c *HealthChecker) inspect(st session.State, snap exchange.Snapshot) []healthIssue {
	live, open := snap.Position()
	var issues []healthIssue
	switch {
	case st.PositionActive && !open:
		issues = append(issues, healthIssue{
			id:    "position-gone",
			title: "Position no longer open on the exchange",
			lines: []string{"Tracked size: " + st.Size.String()},
		})
	case !st.PositionActive && open:
		issues = append(issues, healthIssue{
			id:    "unexpected-position:" + live.Side,
			title: "Untracked position on the exchange",
			lines: []string{"Direction: " + strings.ToUpper(live.Side), "Size: " + live.Size.String()},
		})
	case st.PositionActive && open:
		if live.Size.Sub(st.Size).Abs().GreaterThan(c.deps.policy().SizeTolerance) {
			issues = append(issues, healthIssue{
				id:    "size-drift:" + live.Size.String(),
				title: "Position size drifted",
				lines: []string{"Tracked: " + st.Size.String(), "Exchange: " + live.Size.String()},
			})
		}
		if !hasStop(st, snap) {
			issues = append(issues, healthIssue{
				id:    "stop-missing",
				title: "Protective stop missing",
				lines: []string{"No protective order guards the open position."},
			})
		}
	}
	return issues
}

func hasStop(st session.State, snap exchange.Snapshot) bool {
	want := exchange.OrderSide(string(st.Side))
	for _, o := range snap.ProtectiveOrders() {
		if st.Stop != nil && (o.ID == st.Stop.OrderID || (o.ClientOrderID != "" && o.ClientOrderID == st.Stop.ClientOrderID)) {
			return true
		}
		if strings.EqualFold(o.Side, want) {
			return true
		}
	}
	return false
}

func (c *HealthChecker) report(ctx context.Context, sess *session.Session, issues []healthIssue) {
	c.mu.Lock()
	seen := c.reported[sess.Key]
	current := make(map[string]struct{}, len(issues))
	var fresh []healthIssue
	for _, is := range issues {
		current[is.id] = struct{}{}
		if _, ok := seen[is.id]; !ok {
			fresh = append(fresh, is)
		}
	}
	if len(current) == 0 {
		delete(c.reported, sess.Key)
	} else {
		c.reported[sess.Key] = current
	}
	c.mu.Unlock()

	for _, is := range fresh {
		logger.Warnf("monitor %s: %s", sess.Key, is.id)
		if c.deps.Notifier == nil {
			continue
		}
		msg := notifier.StructuredMessage{
			Icon:  "⚠️",
			Title: is.title,
			Sections: []notifier.MessageSection{
				{Lines: []string{"Symbol: " + sess.Key.Symbol, "Strategy: " + sess.Key.Strategy}},
				{Lines: is.lines},
			},
			Timestamp: c.deps.now(),
		}
		nctx, cancel := context.WithTimeout(ctx, c.deps.policy().NotifyTimeout)
		if err := c.deps.Notifier.Notify(nctx, sess.Key.UserID, msg.RenderMarkdown()); err != nil {
			logger.Warnf("monitor notify %s failed: %v", sess.Key, err)
		}
		cancel()
	}
}

// Forget drops remembered issues for key. The scheduler calls it when the
// session's task exits.
func (c *HealthChecker) Forget(key session.Key) {
	c.mu.Lock()
	delete(c.reported, key)
	c.mu.Unlock()
}
