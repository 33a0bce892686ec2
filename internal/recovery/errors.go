package recovery

import (
	"context"
	"errors"
	"fmt"

	"keeper/internal/gateway/exchange"
	"keeper/internal/session"
)

// Kind discriminates recovery failures so callers can tell retryable from
// terminal ones without reading error text.
type Kind int

const (
	KindNone Kind = iota
	KindTransientExchange
	KindPermanentData
	KindPartialSync
	KindProtectionSynthesis
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindTransientExchange:
		return "transient-exchange"
	case KindPermanentData:
		return "permanent-data"
	case KindPartialSync:
		return "partial-sync"
	case KindProtectionSynthesis:
		return "protection-synthesis"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Retryable reports whether a later attempt may succeed without operator help.
func (k Kind) Retryable() bool {
	return k == KindTransientExchange || k == KindPartialSync
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) && re.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Untyped errors fall back on the exchange sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, session.ErrCorruptState), errors.Is(err, ErrUnknownStrategy), exchange.IsPermanent(err):
		return KindPermanentData
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransientExchange
	default:
		return KindTransientExchange
	}
}

// classifyExchange maps a gate failure onto the taxonomy.
func classifyExchange(op string, err error) error {
	if exchange.IsPermanent(err) {
		return newError(KindPermanentData, op, err)
	}
	return newError(KindTransientExchange, op, err)
}
