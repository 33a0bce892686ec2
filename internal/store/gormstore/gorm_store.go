package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"keeper/internal/session"
	storemodel "keeper/internal/store/model"
)

type (
	fillModel        = storemodel.FillModel
	statsModel       = storemodel.StrategyStatsModel
	discrepancyModel = storemodel.DiscrepancyModel
)

var errNotInitialized = errors.New("gorm store not initialized")

// Store is the durable trade ledger backed by Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	// Immediate transactions take the write lock up front so concurrent
	// per-session upserts queue on busy_timeout instead of failing to upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&fillModel{}, &statsModel{}, &discrepancyModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism for concurrent recoveries
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the ledger answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func sessionScope(key session.Key) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND symbol = ? AND strategy = ?", key.UserID, key.Symbol, key.Strategy)
	}
}

// GetLedger returns the fills and computed stats of one session. found is
// false when the ledger has never seen the session.
func (s *Store) GetLedger(ctx context.Context, key session.Key) (session.LedgerRecord, bool, error) {
	if s == nil || s.db == nil {
		return session.LedgerRecord{}, false, errNotInitialized
	}
	var fills []fillModel
	if err := s.db.WithContext(ctx).Scopes(sessionScope(key)).
		Order("filled_at ASC, id ASC").Find(&fills).Error; err != nil {
		return session.LedgerRecord{}, false, fmt.Errorf("load fills: %w", err)
	}
	var stats statsModel
	statsErr := s.db.WithContext(ctx).Scopes(sessionScope(key)).Take(&stats).Error
	hasStats := statsErr == nil
	if statsErr != nil && !errors.Is(statsErr, gorm.ErrRecordNotFound) {
		return session.LedgerRecord{}, false, fmt.Errorf("load strategy stats: %w", statsErr)
	}
	if len(fills) == 0 && !hasStats {
		return session.LedgerRecord{}, false, nil
	}

	rec := session.LedgerRecord{Fills: make([]session.Fill, 0, len(fills))}
	for _, f := range fills {
		rec.Fills = append(rec.Fills, session.Fill{
			Price:    f.Price,
			Size:     f.Size,
			Fee:      f.Fee,
			FilledAt: time.UnixMilli(f.FilledAtUnix).UTC(),
		})
	}
	if hasStats {
		rec.AverageEntryPrice = nullDecimal(stats.AverageEntryPrice)
		rec.RealizedPnL = nullDecimal(stats.RealizedPnL)
		rec.FeesPaid = nullDecimal(stats.FeesPaid)
		rec.StopHistory = decodeStopHistory(stats.StopHistory)
		rec.UpdatedAt = time.UnixMilli(stats.UpdatedAtUnix).UTC()
	}
	return rec, true, nil
}

// UpsertStrategyStats merges update into the session's stats row. Nil fields
// keep the stored value; a stop link is appended to the history.
func (s *Store) UpsertStrategyStats(ctx context.Context, key session.Key, update session.StatsUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing statsModel
		err := tx.Scopes(sessionScope(key)).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		history := decodeStopHistory(existing.StopHistory)
		if update.StopLink != nil {
			history = append(history, *update.StopLink)
		}
		historyJSON, err := json.Marshal(history)
		if err != nil {
			return err
		}
		fields := map[string]any{}
		if len(existing.Fields) > 0 {
			_ = json.Unmarshal(existing.Fields, &fields)
		}
		for k, v := range update.Fields {
			fields[k] = v
		}
		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		row := statsModel{
			UserID:            key.UserID,
			Symbol:            key.Symbol,
			Strategy:          key.Strategy,
			Side:              string(update.Side),
			PositionSize:      update.PositionSize,
			AverageEntryPrice: toNull(update.AverageEntryPrice),
			RealizedPnL:       toNull(update.RealizedPnL),
			FeesPaid:          toNull(update.FeesPaid),
			StopHistory:       datatypes.JSON(historyJSON),
			Fields:            datatypes.JSON(fieldsJSON),
			Reconstructed:     update.Reconstructed,
			UpdatedAtUnix:     time.Now().UnixMilli(),
		}
		updates := clause.Assignments(map[string]interface{}{
			"side":                gorm.Expr("excluded.side"),
			"position_size":       gorm.Expr("excluded.position_size"),
			"average_entry_price": gorm.Expr("COALESCE(excluded.average_entry_price, strategy_stats.average_entry_price)"),
			"realized_pnl":        gorm.Expr("COALESCE(excluded.realized_pnl, strategy_stats.realized_pnl)"),
			"fees_paid":           gorm.Expr("COALESCE(excluded.fees_paid, strategy_stats.fees_paid)"),
			"stop_history":        gorm.Expr("excluded.stop_history"),
			"fields":              gorm.Expr("excluded.fields"),
			"reconstructed":       gorm.Expr("excluded.reconstructed"),
			"updated_at":          gorm.Expr("excluded.updated_at"),
		})
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}, {Name: "strategy"}},
			DoUpdates: updates,
		}).Create(&row).Error
	})
}

func (s *Store) AppendDiscrepancy(ctx context.Context, key session.Key, d session.Discrepancy) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	at := d.DetectedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := discrepancyModel{
		UserID:         key.UserID,
		Symbol:         key.Symbol,
		Strategy:       key.Strategy,
		Kind:           string(d.Kind),
		Source:         d.Source,
		CachedValue:    d.Cached.String(),
		ObservedValue:  d.Observed.String(),
		Detail:         d.Detail,
		DetectedAtUnix: at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) ListDiscrepancies(ctx context.Context, key session.Key) ([]session.Discrepancy, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var rows []discrepancyModel
	if err := s.db.WithContext(ctx).Scopes(sessionScope(key)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]session.Discrepancy, 0, len(rows))
	for _, r := range rows {
		cached, _ := decimal.NewFromString(r.CachedValue)
		observed, _ := decimal.NewFromString(r.ObservedValue)
		out = append(out, session.Discrepancy{
			Kind:       session.DiscrepancyKind(r.Kind),
			Source:     r.Source,
			Cached:     cached,
			Observed:   observed,
			Detail:     r.Detail,
			DetectedAt: time.UnixMilli(r.DetectedAtUnix).UTC(),
		})
	}
	return out, nil
}

// AppendFill records an executed fill. The strategy runtime writes these.
func (s *Store) AppendFill(ctx context.Context, key session.Key, f session.Fill) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	at := f.FilledAt
	if at.IsZero() {
		at = time.Now()
	}
	row := fillModel{
		UserID:        key.UserID,
		Symbol:        key.Symbol,
		Strategy:      key.Strategy,
		Price:         f.Price,
		Size:          f.Size,
		Fee:           f.Fee,
		FilledAtUnix:  at.UnixMilli(),
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func decodeStopHistory(raw datatypes.JSON) []session.StopLink {
	if len(raw) == 0 {
		return nil
	}
	var out []session.StopLink
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func nullDecimal(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}

func toNull(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*v)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
