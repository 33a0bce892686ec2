package recovery

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the reconciliation thresholds. All percentages are fractions
// (0.01 = 1%).
type Policy struct {
	SizeTolerance     decimal.Decimal
	AlertThreshold    decimal.Decimal
	StopProximityPct  decimal.Decimal
	DefaultStopPct    decimal.Decimal
	AveragingStepPct  decimal.Decimal
	MaxAveragingCount int
	BaseSizeSlack     decimal.Decimal
	DBTimeout         time.Duration
	DBAttempts        int
	NotifyTimeout     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		SizeTolerance:     decimal.RequireFromString("0.5"),
		AlertThreshold:    decimal.NewFromInt(5),
		StopProximityPct:  decimal.RequireFromString("0.005"),
		DefaultStopPct:    decimal.RequireFromString("0.02"),
		AveragingStepPct:  decimal.RequireFromString("0.01"),
		MaxAveragingCount: 1,
		BaseSizeSlack:     decimal.RequireFromString("0.1"),
		DBTimeout:         5 * time.Second,
		DBAttempts:        3,
		NotifyTimeout:     10 * time.Second,
	}
}

// PolicyHolder publishes the current Policy; config reloads swap it whole.
type PolicyHolder struct {
	p atomic.Pointer[Policy]
}

func NewPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Set(p)
	return h
}

func (h *PolicyHolder) Set(p Policy) {
	cp := p
	h.p.Store(&cp)
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	if p := h.p.Load(); p != nil {
		return *p
	}
	return DefaultPolicy()
}
