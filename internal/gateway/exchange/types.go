// Package exchange defines the read/protect surface recovery needs from a
// trading venue, independent of the concrete backend.
package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position is a live position as reported by the exchange.
type Position struct {
	Symbol     string
	Side       string // "long" or "short"
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
	UpdatedAt  time.Time
}

func (p Position) Open() bool { return p.Size.IsPositive() }

// Order is an open order. Side is the order side ("buy"/"sell").
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	CreatedAt     time.Time
}

// IsProtective reports whether the order can only reduce exposure at a trigger.
func (o Order) IsProtective() bool {
	if !o.StopPrice.IsPositive() {
		return false
	}
	if !o.ReduceOnly && !o.ClosePosition {
		return false
	}
	switch strings.ToUpper(o.Type) {
	case "STOP", "STOP_MARKET", "STOP_LOSS", "STOP_LOSS_LIMIT":
		return true
	default:
		return false
	}
}

// ProtectiveOrderRequest describes a reduce-only stop for an existing position.
// ClientOrderID must be deterministic so resubmission is recognised.
type ProtectiveOrderRequest struct {
	Symbol        string
	PositionSide  string // side of the position being protected
	Quantity      decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
}

// OrderSide is the side that closes a position of positionSide.
func OrderSide(positionSide string) string {
	if strings.EqualFold(positionSide, "short") {
		return "buy"
	}
	return "sell"
}

// Snapshot is a fresh read of one symbol. It is never cached across recoveries.
type Snapshot struct {
	Symbol    string
	Positions []Position
	Orders    []Order
	FetchedAt time.Time
}

// Position returns the net open position, if any.
func (s Snapshot) Position() (Position, bool) {
	for _, p := range s.Positions {
		if p.Open() && strings.EqualFold(p.Symbol, s.Symbol) {
			return p, true
		}
	}
	return Position{}, false
}

func (s Snapshot) ProtectiveOrders() []Order {
	var out []Order
	for _, o := range s.Orders {
		if o.IsProtective() {
			out = append(out, o)
		}
	}
	return out
}
