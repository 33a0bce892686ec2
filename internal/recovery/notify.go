package recovery

import (
	"context"
	"fmt"
	"strings"

	"keeper/internal/gateway/notifier"
	"keeper/internal/session"

	"github.com/shopspring/decimal"
)

func (b *Base) notifyOutcome(ctx context.Context, status session.Status, kind Kind, cause error) {
	var msg notifier.StructuredMessage
	switch status {
	case session.StatusDegraded:
		msg = b.message("⚠️", "Recovery incomplete",
			notifier.MessageSection{Title: "Reason", Lines: []string{kind.String(), errText(cause)}},
			notifier.MessageSection{Lines: []string{"The session will be retried automatically."}},
		)
	case session.StatusFailed:
		msg = b.message("❌", "Recovery failed",
			notifier.MessageSection{Title: "Reason", Lines: []string{kind.String(), errText(cause)}},
			notifier.MessageSection{Lines: []string{"Manual action is required."}},
		)
	case session.StatusClosed:
		title := "Position closed while offline"
		lines := []string{"No open position on the exchange."}
		for _, d := range b.discrepancies {
			switch d.Kind {
			case session.DiscrepancyPositionClosed:
				lines = append(lines, "Cached size: "+d.Cached.String())
			case session.DiscrepancyStateMissing:
				title = "Session closed"
				lines = append(lines, "No saved state was found.")
			}
		}
		msg = b.message("🔒", title, notifier.MessageSection{Title: "Status", Lines: lines})
	case session.StatusActive:
		st := b.sess.State()
		if !st.PositionActive {
			return
		}
		msg = b.message("✅", "Position restored", notifier.MessageSection{Title: "Position", Lines: positionLines(st)})
	default:
		return
	}
	b.send(ctx, msg)
}

// alertSizeChange warns the user about a large unexplained size change.
func (b *Base) alertSizeChange(ctx context.Context, cached, observed decimal.Decimal) {
	b.send(ctx, b.message("🚨", "Position size changed while offline",
		notifier.MessageSection{Title: "Size", Lines: []string{
			"Cached: " + cached.String(),
			"Exchange: " + observed.String(),
			"Exchange value adopted.",
		}}))
}

func (b *Base) message(icon, title string, sections ...notifier.MessageSection) notifier.StructuredMessage {
	k := b.sess.Key
	head := notifier.MessageSection{Lines: []string{
		"Symbol: " + k.Symbol,
		"Strategy: " + k.Strategy,
	}}
	return notifier.StructuredMessage{
		Icon:      icon,
		Title:     title,
		Sections:  append([]notifier.MessageSection{head}, sections...),
		Timestamp: b.deps.now(),
	}
}

func (b *Base) send(ctx context.Context, msg notifier.StructuredMessage) {
	if b.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deps.policy().NotifyTimeout)
	defer cancel()
	if err := b.deps.Notifier.Notify(nctx, b.sess.Key.UserID, msg.RenderMarkdown()); err != nil {
		b.log.Warn("notification failed", "title", msg.Title, "err", err)
	}
}

func positionLines(st session.State) []string {
	lines := []string{
		"Direction: " + strings.ToUpper(string(st.Side)),
		"Size: " + st.Size.String(),
		"Entry: " + st.EffectiveEntry().String(),
	}
	if st.Stop != nil {
		lines = append(lines, "Stop: "+st.Stop.TriggerPrice.String())
	}
	av := st.Averaging
	switch {
	case av.Executed && av.Estimated:
		lines = append(lines, fmt.Sprintf("Averaging: %d executed (estimated)", av.Count))
	case av.Executed:
		lines = append(lines, fmt.Sprintf("Averaging: %d executed", av.Count))
	default:
		lines = append(lines, "Averaging: not executed")
	}
	if av.NextTrigger != nil {
		lines = append(lines, "Next averaging at: "+av.NextTrigger.String())
	}
	if st.ReconstructedFromExchange {
		lines = append(lines, "Rebuilt from exchange data; P&L unknown")
	}
	return lines
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
