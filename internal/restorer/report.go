package restorer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"keeper/internal/gateway/notifier"
	"keeper/internal/recovery"
	"keeper/internal/session"
)

// FleetReport aggregates the latest result of every session.
type FleetReport struct {
	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`
	Total      int             `json:"total" yaml:"total"`
	Active     int             `json:"active" yaml:"active"`
	Degraded   int             `json:"degraded" yaml:"degraded"`
	Failed     int             `json:"failed" yaml:"failed"`
	Closed     int             `json:"closed" yaml:"closed"`
	Sessions   []SessionReport `json:"sessions" yaml:"sessions"`
}

type SessionReport struct {
	ID            string              `json:"id" yaml:"id"`
	Status        string              `json:"status" yaml:"status"`
	Success       bool                `json:"success" yaml:"success"`
	Kind          string              `json:"kind,omitempty" yaml:"kind,omitempty"`
	Cause         string              `json:"cause,omitempty" yaml:"cause,omitempty"`
	DurationMS    int64               `json:"duration_ms" yaml:"duration_ms"`
	Discrepancies []DiscrepancyReport `json:"discrepancies,omitempty" yaml:"discrepancies,omitempty"`
}

type DiscrepancyReport struct {
	Kind     string `json:"kind" yaml:"kind"`
	Source   string `json:"source" yaml:"source"`
	Cached   string `json:"cached,omitempty" yaml:"cached,omitempty"`
	Observed string `json:"observed,omitempty" yaml:"observed,omitempty"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// NewFleetReport builds a report from results keyed by session id.
func NewFleetReport(results map[string]recovery.Result, started, finished time.Time) FleetReport {
	rep := FleetReport{StartedAt: started, FinishedAt: finished, Total: len(results)}
	for id, res := range results {
		switch res.FinalStatus {
		case session.StatusActive:
			rep.Active++
		case session.StatusDegraded:
			rep.Degraded++
		case session.StatusFailed:
			rep.Failed++
		case session.StatusClosed:
			rep.Closed++
		}
		sr := SessionReport{
			ID:         id,
			Status:     res.FinalStatus.String(),
			Success:    res.Success,
			Kind:       res.Kind.String(),
			Cause:      res.Cause,
			DurationMS: res.Duration().Milliseconds(),
		}
		for _, d := range res.Discrepancies() {
			dr := DiscrepancyReport{Kind: string(d.Kind), Source: d.Source, Detail: d.Detail}
			if !d.Cached.IsZero() {
				dr.Cached = d.Cached.String()
			}
			if !d.Observed.IsZero() {
				dr.Observed = d.Observed.String()
			}
			sr.Discrepancies = append(sr.Discrepancies, dr)
		}
		rep.Sessions = append(rep.Sessions, sr)
	}
	sort.Slice(rep.Sessions, func(i, j int) bool { return rep.Sessions[i].ID < rep.Sessions[j].ID })
	return rep
}

// Session returns the entry for id.
func (r FleetReport) Session(id string) (SessionReport, bool) {
	for _, s := range r.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return SessionReport{}, false
}

func (r FleetReport) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Summary is the operator text block: totals, then every session that did
// not come back cleanly or needed reconciling.
func (r FleetReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions=%d active=%d degraded=%d failed=%d closed=%d",
		r.Total, r.Active, r.Degraded, r.Failed, r.Closed)
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " took=%s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	for _, line := range r.attentionLines() {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func (r FleetReport) attentionLines() []string {
	var out []string
	for _, s := range r.Sessions {
		if s.Status == session.StatusActive.String() && len(s.Discrepancies) == 0 {
			continue
		}
		line := s.ID + " " + s.Status
		if s.Kind != "" {
			line += " (" + s.Kind + ")"
		}
		if s.Cause != "" {
			line += ": " + s.Cause
		}
		for _, d := range s.Discrepancies {
			line += " [" + d.Kind + "]"
		}
		out = append(out, line)
	}
	return out
}

// Message renders the report for the admin chat.
func (r FleetReport) Message(now time.Time) notifier.StructuredMessage {
	msg := notifier.StructuredMessage{
		Icon:  "🛠",
		Title: "Sessions restored",
		Sections: []notifier.MessageSection{{
			Title: "Totals",
			Lines: []string{
				fmt.Sprintf("Total: %d", r.Total),
				fmt.Sprintf("Active: %d", r.Active),
				fmt.Sprintf("Degraded: %d", r.Degraded),
				fmt.Sprintf("Failed: %d", r.Failed),
				fmt.Sprintf("Closed: %d", r.Closed),
			},
		}},
		Timestamp: now,
	}
	if lines := r.attentionLines(); len(lines) > 0 {
		msg.Sections = append(msg.Sections, notifier.MessageSection{Title: "Attention", Lines: lines})
	}
	return msg
}
