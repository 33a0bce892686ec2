package notifier

import (
	"context"
	"errors"
)

// Sink delivers a text message to one user. Callers treat failures as
// non-fatal.
type Sink interface {
	Notify(ctx context.Context, userID int64, text string) error
}

type SinkFunc func(ctx context.Context, userID int64, text string) error

func (f SinkFunc) Notify(ctx context.Context, userID int64, text string) error {
	return f(ctx, userID, text)
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, userID int64, text string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, userID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
