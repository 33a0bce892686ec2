package session

import "fmt"

type Status int

const (
	StatusPending Status = iota
	StatusRecovering
	StatusActive
	StatusDegraded
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRecovering:
		return "recovering"
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the status ends a recovery attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusActive, StatusDegraded, StatusFailed, StatusClosed:
		return true
	default:
		return false
	}
}
