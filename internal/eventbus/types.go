package eventbus

import (
	"context"
	"time"
)

type EventType string

const (
	EventPriceUpdate    EventType = "price_update"
	EventOrderFilled    EventType = "order_filled"
	EventOrderCancelled EventType = "order_cancelled"
	EventPositionUpdate EventType = "position_update"
	EventUserCommand    EventType = "user_command"
)

var knownTypes = map[EventType]struct{}{
	EventPriceUpdate:    {},
	EventOrderFilled:    {},
	EventOrderCancelled: {},
	EventPositionUpdate: {},
	EventUserCommand:    {},
}

func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is one market, order or user event. A zero UserID or empty Symbol
// matches every subscriber of the type.
type Event struct {
	ID        string
	Type      EventType
	UserID    int64
	Symbol    string
	Timestamp time.Time
	Payload   map[string]any
}

// Handler processes one delivered event on the dispatcher goroutine.
type Handler func(ctx context.Context, evt Event)
