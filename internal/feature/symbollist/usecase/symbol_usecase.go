// Package usecase implements the business logic for symbol-related operations.
package usecase

import (
	"context"
	"fmt"

	"tradebot_backend/internal/feature/symbollist/domain/entity"
)

// SymbolRepository abstracts the persistence layer for the watchlist.
// Following Go convention: interfaces are defined by the consumer (usecase), not the provider (adapters).
type SymbolRepository interface {
	ListActive(ctx context.Context) ([]entity.Symbol, error)
	ListActiveCodes(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, symbols []entity.Symbol) error
}

// SymbolUsecase provides business logic for symbol operations.
type SymbolUsecase struct {
	repo SymbolRepository
}

// NewSymbolUsecase creates a new SymbolUsecase with the given repository.
func NewSymbolUsecase(r SymbolRepository) *SymbolUsecase {
	return &SymbolUsecase{repo: r}
}

// ListActiveSymbols returns all active symbols from the repository.
func (u *SymbolUsecase) ListActiveSymbols(ctx context.Context) ([]entity.Symbol, error) {
	return u.repo.ListActive(ctx)
}

// SyncWatchlist registers the configured symbols, updating rows that already exist.
func (u *SymbolUsecase) SyncWatchlist(ctx context.Context, symbols []entity.Symbol) error {
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s.Code == "" {
			return fmt.Errorf("watchlist: empty symbol code")
		}
		if _, dup := seen[s.Code]; dup {
			return fmt.Errorf("watchlist: duplicate symbol %q", s.Code)
		}
		seen[s.Code] = struct{}{}
	}
	return u.repo.Upsert(ctx, symbols)
}
