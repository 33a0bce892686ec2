package exchange

import (
	"context"
	"errors"
)

var (
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrNoCredentials  = errors.New("no exchange credentials for user")
	ErrRejected       = errors.New("order rejected")
	ErrDuplicateOrder = errors.New("duplicate client order id")
)

// Client is the per-tenant exchange handle. PlaceProtectiveOrder is the only
// write recovery is allowed to issue.
type Client interface {
	Name() string

	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)

	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	PlaceProtectiveOrder(ctx context.Context, req ProtectiveOrderRequest) (string, error)
}

// Provider resolves a Client bound to one user's credentials.
type Provider interface {
	ForUser(ctx context.Context, userID int64) (Client, error)
}

type ProviderFunc func(ctx context.Context, userID int64) (Client, error)

func (f ProviderFunc) ForUser(ctx context.Context, userID int64) (Client, error) {
	return f(ctx, userID)
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownSymbol) ||
		errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrDuplicateOrder)
}
