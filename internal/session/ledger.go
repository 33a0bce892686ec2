package session

import (
	"time"

	"github.com/shopspring/decimal"
)

type Fill struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Fee      decimal.Decimal
	FilledAt time.Time
}

// StopLink records one protective order that guarded the position.
type StopLink struct {
	OrderID      string    `json:"order_id"`
	TriggerPrice string    `json:"trigger_price"`
	Reason       string    `json:"reason"`
	LinkedAt     time.Time `json:"linked_at"`
}

// LedgerRecord is the durable history kept for a session.
type LedgerRecord struct {
	Fills             []Fill
	AverageEntryPrice *decimal.Decimal
	RealizedPnL       *decimal.Decimal
	FeesPaid          *decimal.Decimal
	StopHistory       []StopLink
	UpdatedAt         time.Time
}

// AverageEntry returns the stored average, else the size-weighted fill price.
func (l LedgerRecord) AverageEntry() (decimal.Decimal, bool) {
	if l.AverageEntryPrice != nil && l.AverageEntryPrice.IsPositive() {
		return *l.AverageEntryPrice, true
	}
	return WeightedAverage(l.Fills)
}

// TotalFees sums fill fees when no stored total exists.
func (l LedgerRecord) TotalFees() (decimal.Decimal, bool) {
	if l.FeesPaid != nil {
		return *l.FeesPaid, true
	}
	if len(l.Fills) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, f := range l.Fills {
		sum = sum.Add(f.Fee)
	}
	return sum, true
}

func WeightedAverage(fills []Fill) (decimal.Decimal, bool) {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range fills {
		if !f.Size.IsPositive() || !f.Price.IsPositive() {
			continue
		}
		notional = notional.Add(f.Price.Mul(f.Size))
		qty = qty.Add(f.Size)
	}
	if !qty.IsPositive() {
		return decimal.Zero, false
	}
	return notional.Div(qty), true
}

// StatsUpdate is the set of fields recovery writes back to the ledger.
type StatsUpdate struct {
	AverageEntryPrice *decimal.Decimal
	RealizedPnL       *decimal.Decimal
	FeesPaid          *decimal.Decimal
	PositionSize      decimal.Decimal
	Side              Side
	StopLink          *StopLink
	Reconstructed     bool
	Fields            map[string]any
}
