package adapters

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/usecase"
)

// insertBatchSize keeps a bulk insert under SQLite's bound-parameter limit.
const insertBatchSize = 500

type candleGorm struct {
	db *gorm.DB
}

var _ usecase.TxCandleRepository = (*candleGorm)(nil)

func NewCandleRepository(db *gorm.DB) *candleGorm {
	return &candleGorm{db: db}
}

// CandleModel is one persisted candle. OpenTime is the candle start in Unix
// milliseconds; (symbol, frame, open_time) identifies a row.
type CandleModel struct {
	Symbol   string `gorm:"primaryKey;size:64"`
	Frame    string `gorm:"primaryKey;size:8"`
	OpenTime int64  `gorm:"primaryKey;autoIncrement:false"`

	Open   float64 `gorm:"not null"`
	High   float64 `gorm:"not null"`
	Low    float64 `gorm:"not null"`
	Close  float64 `gorm:"not null"`
	Volume float64 `gorm:"not null;default:0"`
}

func (CandleModel) TableName() string {
	return "candles"
}

func toModel(symbol, frame string, e entity.Candle) CandleModel {
	return CandleModel{
		Symbol:   symbol,
		Frame:    frame,
		OpenTime: e.Time.UnixMilli(),
		Open:     e.Open,
		High:     e.High,
		Low:      e.Low,
		Close:    e.Close,
		Volume:   e.Volume,
	}
}

func toEntity(m CandleModel) entity.Candle {
	return entity.Candle{
		Symbol: m.Symbol,
		Frame:  m.Frame,
		Time:   time.UnixMilli(m.OpenTime).UTC(),
		Open:   m.Open,
		High:   m.High,
		Low:    m.Low,
		Close:  m.Close,
		Volume: m.Volume,
	}
}

// Add inserts candles, skipping any whose (symbol, frame, open_time) already exists.
func (r *candleGorm) Add(ctx context.Context, symbol, frame string, candles []entity.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	ms := make([]CandleModel, 0, len(candles))
	for _, e := range candles {
		ms = append(ms, toModel(symbol, frame, e))
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&ms, insertBatchSize).Error
	if err != nil {
		return fmt.Errorf("insert candles %s %s: %w", symbol, frame, err)
	}
	return nil
}

// RangeQuery returns the stored candles with open time in [start, end), oldest first.
func (r *candleGorm) RangeQuery(ctx context.Context, symbol, frame string, start, end time.Time) ([]entity.Candle, error) {
	var rows []CandleModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND frame = ? AND open_time >= ? AND open_time < ?",
			symbol, frame, start.UnixMilli(), end.UnixMilli()).
		Order("open_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query candles %s %s: %w", symbol, frame, err)
	}
	out := make([]entity.Candle, 0, len(rows))
	for _, m := range rows {
		out = append(out, toEntity(m))
	}
	return out, nil
}

// Transaction runs fn against a repository bound to a single database transaction.
func (r *candleGorm) Transaction(ctx context.Context, fn func(repo usecase.CandleRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&candleGorm{db: tx})
	})
}
