package database

import (
	"context"
	"fmt"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/market"
)

// CandleRepository persists closed and in-progress candles keyed by
// (symbol, open_time). All window queries take the caller's notion of
// "now" so that exchange-corrected time drives every cutoff.
type CandleRepository struct {
	db *DB
}

// NewCandleRepository creates a candle repository.
func NewCandleRepository(db *DB) *CandleRepository {
	return &CandleRepository{db: db}
}

// Upsert inserts or updates a candle. Replays of the same update are
// idempotent; a conflict refreshes the mutable fields only.
func (r *CandleRepository) Upsert(ctx context.Context, candle market.Candle) error {
	query := `
		INSERT INTO candles (symbol, open_time, open, high, low, close, volume, is_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, open_time) DO UPDATE
		SET high = EXCLUDED.high,
		    low = EXCLUDED.low,
		    close = EXCLUDED.close,
		    volume = EXCLUDED.volume,
		    is_closed = EXCLUDED.is_closed,
		    updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.Pool.Exec(ctx, query,
		candle.Symbol, candle.OpenTime, candle.Open, candle.High,
		candle.Low, candle.Close, candle.Volume, candle.IsClosed,
	)
	if err != nil {
		return fmt.Errorf("upsert candle %s@%d: %w", candle.Symbol, candle.OpenTime, err)
	}
	return nil
}

// RecentClosed returns the last n closed candles for a symbol, oldest
// first.
func (r *CandleRepository) RecentClosed(ctx context.Context, symbol string, n int) ([]market.Candle, error) {
	query := `
		SELECT symbol, open_time, open, high, low, close, volume, is_closed
		FROM (
			SELECT symbol, open_time, open, high, low, close, volume, is_closed
			FROM candles
			WHERE symbol = $1 AND is_closed = TRUE
			ORDER BY open_time DESC
			LIMIT $2
		) sub
		ORDER BY open_time ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("query recent closed candles: %w", err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.IsClosed); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// HistoricalQuoteVolumes returns the quote volumes of closed candles in
// the window [now − (hours·60+offset) min, now − offset min), filtered by
// candle direction.
func (r *CandleRepository) HistoricalQuoteVolumes(ctx context.Context, symbol string, hours, offsetMinutes int, filter config.VolumeType, nowMs int64) ([]float64, error) {
	windowEnd := nowMs - int64(offsetMinutes)*market.MinuteMs
	windowStart := windowEnd - int64(hours)*60*market.MinuteMs

	directionClause := ""
	switch filter {
	case config.VolumeTypeLong:
		directionClause = "AND close > open"
	case config.VolumeTypeShort:
		directionClause = "AND close < open"
	case config.VolumeTypeAll:
	default:
		return nil, fmt.Errorf("unknown volume filter %q", filter)
	}

	query := fmt.Sprintf(`
		SELECT volume * close
		FROM candles
		WHERE symbol = $1
		  AND is_closed = TRUE
		  AND open_time >= $2
		  AND open_time < $3
		  %s
		ORDER BY open_time ASC
	`, directionClause)

	rows, err := r.db.Pool.Query(ctx, query, symbol, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("query historical quote volumes: %w", err)
	}
	defer rows.Close()

	var volumes []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan quote volume: %w", err)
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// Cleanup deletes candles older than the retention cutoff.
func (r *CandleRepository) Cleanup(ctx context.Context, symbol string, retentionHours int, nowMs int64) (int64, error) {
	cutoff := nowMs - int64(retentionHours)*60*market.MinuteMs
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM candles WHERE symbol = $1 AND open_time < $2`,
		symbol, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup candles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Integrity reports closed-candle coverage for the trailing window.
func (r *CandleRepository) Integrity(ctx context.Context, symbol string, hours int, nowMs int64) (*IntegrityReport, error) {
	expected := hours * 60
	windowStart := market.AlignToMinute(nowMs) - int64(expected)*market.MinuteMs

	var existing int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = $1 AND is_closed = TRUE AND open_time >= $2 AND open_time < $3`,
		symbol, windowStart, market.AlignToMinute(nowMs),
	).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("query candle integrity: %w", err)
	}

	report := &IntegrityReport{
		Symbol:   symbol,
		Expected: expected,
		Existing: existing,
		Missing:  expected - existing,
	}
	if expected > 0 {
		report.Percent = float64(existing) / float64(expected) * 100
	}
	return report, nil
}
