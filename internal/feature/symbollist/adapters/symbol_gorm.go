// Package adapters はsymbollistフィーチャーのリポジトリ実装を提供します。
package adapters

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradebot_backend/internal/feature/symbollist/domain/entity"
	"tradebot_backend/internal/feature/symbollist/usecase"
)

// SymbolModel はsymbolsテーブルの行です。frames はカンマ区切りで保存します。
type SymbolModel struct {
	ID        uint      `gorm:"primaryKey"`
	Code      string    `gorm:"size:32;not null;uniqueIndex"`
	Name      string    `gorm:"size:255;not null"`
	Market    string    `gorm:"size:100;not null"`
	Frames    string    `gorm:"size:255;not null;default:''"`
	IsActive  bool      `gorm:"not null"`
	SortKey   int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName は SymbolModel のテーブル名を返します。
func (SymbolModel) TableName() string { return "symbols" }

// symbolGorm はSymbolRepositoryインターフェースのgorm実装です。
type symbolGorm struct {
	db *gorm.DB
}

var _ usecase.SymbolRepository = (*symbolGorm)(nil)

// NewSymbolRepository は指定されたDB接続でsymbolGormリポジトリの新しいインスタンスを生成します。
func NewSymbolRepository(db *gorm.DB) *symbolGorm {
	return &symbolGorm{db: db}
}

// ListActive はsort_key順にすべてのアクティブな銘柄を返します。
func (r *symbolGorm) ListActive(ctx context.Context) ([]entity.Symbol, error) {
	var rows []SymbolModel
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_key ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entity.Symbol, 0, len(rows))
	for _, m := range rows {
		out = append(out, toEntity(m))
	}
	return out, nil
}

// ListActiveCodes はsort_key順にアクティブな銘柄のコードのみを返します。
func (r *symbolGorm) ListActiveCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := r.db.WithContext(ctx).
		Model(&SymbolModel{}).
		Where("is_active = ?", true).
		Order("sort_key ASC").
		Pluck("code", &codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

// Upsert はcodeをキーに銘柄を登録し、既存の行は内容を上書きします。
func (r *symbolGorm) Upsert(ctx context.Context, symbols []entity.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	rows := make([]SymbolModel, 0, len(symbols))
	for _, s := range symbols {
		rows = append(rows, toModel(s))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "market", "frames", "is_active", "sort_key", "updated_at"}),
		}).
		Create(&rows).Error
}

func toEntity(m SymbolModel) entity.Symbol {
	return entity.Symbol{
		ID:       m.ID,
		Code:     m.Code,
		Name:     m.Name,
		Market:   m.Market,
		Frames:   splitFrames(m.Frames),
		IsActive: m.IsActive,
		SortKey:  m.SortKey,
	}
}

func toModel(s entity.Symbol) SymbolModel {
	return SymbolModel{
		Code:     s.Code,
		Name:     s.Name,
		Market:   s.Market,
		Frames:   strings.Join(s.Frames, ","),
		IsActive: s.IsActive,
		SortKey:  s.SortKey,
	}
}

func splitFrames(csv string) []string {
	out := []string{}
	for _, f := range strings.Split(csv, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
