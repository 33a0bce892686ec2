package session

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts the runtime's long/short as well as exchange buy/sell.
func ParseSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong
	case "short", "sell":
		return SideShort
	default:
		return ""
	}
}

// Opposite is the order side that reduces a position of this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Protection is the protective stop currently guarding the position.
type Protection struct {
	OrderID       string
	ClientOrderID string
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
	Synthesized   bool
}

type Averaging struct {
	Executed    bool
	Count       int
	BaseSize    decimal.Decimal
	Fills       []Fill
	Estimated   bool
	NextTrigger *decimal.Decimal
}

// State is the reconciled operational view of one session.
type State struct {
	PositionActive            bool
	Side                      Side
	Size                      decimal.Decimal
	EntryPrice                decimal.Decimal
	AverageEntryPrice         *decimal.Decimal
	RealizedPnL               *decimal.Decimal
	FeesPaid                  *decimal.Decimal
	ReconstructedFromExchange bool
	StatsStale                bool
	Stop                      *Protection
	StopHistory               []StopLink
	Averaging                 Averaging
	RecoveredAt               time.Time
	LastPrice                 *decimal.Decimal
	LastEventAt               time.Time
}

func (s State) Clone() State {
	out := s
	out.AverageEntryPrice = cloneDec(s.AverageEntryPrice)
	out.RealizedPnL = cloneDec(s.RealizedPnL)
	out.FeesPaid = cloneDec(s.FeesPaid)
	if s.Stop != nil {
		stop := *s.Stop
		out.Stop = &stop
	}
	out.StopHistory = append([]StopLink(nil), s.StopHistory...)
	out.Averaging.Fills = append([]Fill(nil), s.Averaging.Fills...)
	out.Averaging.NextTrigger = cloneDec(s.Averaging.NextTrigger)
	out.LastPrice = cloneDec(s.LastPrice)
	return out
}

// EffectiveEntry prefers the ledger-derived average over the raw entry.
func (s State) EffectiveEntry() decimal.Decimal {
	if s.AverageEntryPrice != nil && s.AverageEntryPrice.IsPositive() {
		return *s.AverageEntryPrice
	}
	return s.EntryPrice
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Session is one user's running instance of one strategy on one symbol.
type Session struct {
	Key Key

	mu        sync.RWMutex
	status    Status
	state     State
	updatedAt time.Time
}

func New(key Key) *Session {
	return &Session{Key: key, status: StatusPending, updatedAt: time.Now()}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// State returns a deep copy.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update mutates the state under the session lock.
func (s *Session) Update(fn func(*State)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	fn(&s.state)
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Snapshot is the serializable view used by reports and the ops surface.
type Snapshot struct {
	ID                        string `json:"id" yaml:"id"`
	UserID                    int64  `json:"user_id" yaml:"user_id"`
	Symbol                    string `json:"symbol" yaml:"symbol"`
	Strategy                  string `json:"strategy" yaml:"strategy"`
	Status                    string `json:"status" yaml:"status"`
	Side                      string `json:"side,omitempty" yaml:"side,omitempty"`
	Size                      string `json:"size,omitempty" yaml:"size,omitempty"`
	Entry                     string `json:"entry,omitempty" yaml:"entry,omitempty"`
	StopOrderID               string `json:"stop_order_id,omitempty" yaml:"stop_order_id,omitempty"`
	StopPrice                 string `json:"stop_price,omitempty" yaml:"stop_price,omitempty"`
	ReconstructedFromExchange bool   `json:"reconstructed_from_exchange,omitempty" yaml:"reconstructed_from_exchange,omitempty"`
	StatsStale                bool   `json:"stats_stale,omitempty" yaml:"stats_stale,omitempty"`
	UpdatedAt                 string `json:"updated_at" yaml:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:                        s.Key.String(),
		UserID:                    s.Key.UserID,
		Symbol:                    s.Key.Symbol,
		Strategy:                  s.Key.Strategy,
		Status:                    s.status.String(),
		ReconstructedFromExchange: s.state.ReconstructedFromExchange,
		StatsStale:                s.state.StatsStale,
		UpdatedAt:                 s.updatedAt.UTC().Format(time.RFC3339),
	}
	if s.state.PositionActive {
		snap.Side = string(s.state.Side)
		snap.Size = s.state.Size.String()
		snap.Entry = s.state.EffectiveEntry().String()
	}
	if s.state.Stop != nil {
		snap.StopOrderID = s.state.Stop.OrderID
		snap.StopPrice = s.state.Stop.TriggerPrice.String()
	}
	return snap
}
