package session

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscrepancyKind string

const (
	DiscrepancyPositionClosed        DiscrepancyKind = "position-closed"
	DiscrepancySizeAdjusted          DiscrepancyKind = "size-adjusted"
	DiscrepancyPositionReconstructed DiscrepancyKind = "position-reconstructed"
	DiscrepancyStopSynthesized       DiscrepancyKind = "stop-synthesized"
	DiscrepancyStateMissing          DiscrepancyKind = "state-missing"
)

// Discrepancy is a mismatch between two state sources and how it was resolved.
type Discrepancy struct {
	Kind       DiscrepancyKind `json:"kind" yaml:"kind"`
	Source     string          `json:"source" yaml:"source"`
	Cached     decimal.Decimal `json:"cached" yaml:"-"`
	Observed   decimal.Decimal `json:"observed" yaml:"-"`
	Detail     string          `json:"detail" yaml:"detail"`
	DetectedAt time.Time       `json:"detected_at" yaml:"detected_at"`
}

func (d Discrepancy) Delta() decimal.Decimal {
	return d.Observed.Sub(d.Cached).Abs()
}
