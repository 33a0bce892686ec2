package recovery

import (
	"time"

	"keeper/internal/session"
)

// Result is the outcome of one recovery attempt. It is a value; the
// discrepancy slice is copied on the way in and out.
type Result struct {
	Key         session.Key
	Success     bool
	FinalStatus session.Status
	Kind        Kind
	Cause       string
	StartedAt   time.Time
	FinishedAt  time.Time

	discrepancies []session.Discrepancy
}

func newResult(key session.Key, status session.Status, kind Kind, cause error, ds []session.Discrepancy, started, finished time.Time) Result {
	r := Result{
		Key:           key,
		FinalStatus:   status,
		Kind:          kind,
		Success:       status == session.StatusActive || (status == session.StatusClosed && kind == KindNone),
		StartedAt:     started,
		FinishedAt:    finished,
		discrepancies: append([]session.Discrepancy(nil), ds...),
	}
	if cause != nil {
		r.Cause = cause.Error()
	}
	return r
}

// FailedResult records a session that never reached a handler, e.g. an
// unparseable key or state.
func FailedResult(key session.Key, kind Kind, cause error, at time.Time) Result {
	return newResult(key, session.StatusFailed, kind, cause, nil, at, at)
}

func (r Result) Discrepancies() []session.Discrepancy {
	return append([]session.Discrepancy(nil), r.discrepancies...)
}

func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
