package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FillModel is one executed entry or averaging fill of a session.
type FillModel struct {
	ID            int64           `gorm:"column:id;primaryKey"`
	UserID        int64           `gorm:"column:user_id;index:idx_fill_session,priority:1"`
	Symbol        string          `gorm:"column:symbol;index:idx_fill_session,priority:2"`
	Strategy      string          `gorm:"column:strategy;index:idx_fill_session,priority:3"`
	Price         decimal.Decimal `gorm:"column:price;type:TEXT"`
	Size          decimal.Decimal `gorm:"column:size;type:TEXT"`
	Fee           decimal.Decimal `gorm:"column:fee;type:TEXT"`
	FilledAtUnix  int64           `gorm:"column:filled_at"`
	CreatedAtUnix int64           `gorm:"column:created_at"`
}

func (FillModel) TableName() string { return "fills" }

// StrategyStatsModel holds the computed fields of one session.
type StrategyStatsModel struct {
	ID                int64               `gorm:"column:id;primaryKey"`
	UserID            int64               `gorm:"column:user_id;uniqueIndex:idx_strategy_stats_session,priority:1"`
	Symbol            string              `gorm:"column:symbol;uniqueIndex:idx_strategy_stats_session,priority:2"`
	Strategy          string              `gorm:"column:strategy;uniqueIndex:idx_strategy_stats_session,priority:3"`
	Side              string              `gorm:"column:side"`
	PositionSize      decimal.Decimal     `gorm:"column:position_size;type:TEXT"`
	AverageEntryPrice decimal.NullDecimal `gorm:"column:average_entry_price;type:TEXT"`
	RealizedPnL       decimal.NullDecimal `gorm:"column:realized_pnl;type:TEXT"`
	FeesPaid          decimal.NullDecimal `gorm:"column:fees_paid;type:TEXT"`
	StopHistory       datatypes.JSON      `gorm:"column:stop_history;type:TEXT"`
	Fields            datatypes.JSON      `gorm:"column:fields;type:TEXT"`
	Reconstructed     bool                `gorm:"column:reconstructed"`
	UpdatedAtUnix     int64               `gorm:"column:updated_at"`
}

func (StrategyStatsModel) TableName() string { return "strategy_stats" }

// DiscrepancyModel is the append-only recovery discrepancy log.
type DiscrepancyModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	UserID         int64  `gorm:"column:user_id;index:idx_discrepancy_session,priority:1"`
	Symbol         string `gorm:"column:symbol;index:idx_discrepancy_session,priority:2"`
	Strategy       string `gorm:"column:strategy;index:idx_discrepancy_session,priority:3"`
	Kind           string `gorm:"column:kind;index"`
	Source         string `gorm:"column:source"`
	CachedValue    string `gorm:"column:cached_value"`
	ObservedValue  string `gorm:"column:observed_value"`
	Detail         string `gorm:"column:detail"`
	DetectedAtUnix int64  `gorm:"column:detected_at"`
}

func (DiscrepancyModel) TableName() string { return "recovery_discrepancies" }
