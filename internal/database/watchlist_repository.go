package database

import (
	"context"
	"fmt"
)

// WatchlistRepository manages the set of tracked trading pairs. The
// subscription reconciler reads it once a minute.
type WatchlistRepository struct {
	db *DB
}

// NewWatchlistRepository creates a watchlist repository.
func NewWatchlistRepository(db *DB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// Symbols returns all watched symbols.
func (r *WatchlistRepository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol FROM watchlist ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan watchlist symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// Add inserts a symbol; adding an existing symbol is a no-op.
func (r *WatchlistRepository) Add(ctx context.Context, symbol string, notes *string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO watchlist (symbol, notes) VALUES ($1, $2) ON CONFLICT (symbol) DO NOTHING`,
		symbol, notes,
	)
	if err != nil {
		return fmt.Errorf("add watchlist symbol %s: %w", symbol, err)
	}
	return nil
}

// Remove deletes a symbol from the watchlist.
func (r *WatchlistRepository) Remove(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM watchlist WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("remove watchlist symbol %s: %w", symbol, err)
	}
	return nil
}
