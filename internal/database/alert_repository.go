package database

import (
	"context"
	"encoding/json"
	"fmt"

	"bybit-alert-bot/internal/analysis"
	"bybit-alert-bot/internal/market"
)

// AlertRepository persists, updates and queries alerts. IDs are assigned
// by the store and never change across updates.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates an alert repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Save inserts a new alert and fills in its assigned id.
func (r *AlertRepository) Save(ctx context.Context, alert *Alert) error {
	imbalanceBlob, candleBlob, bookBlob, err := marshalBlobs(alert)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (
			symbol, kind, price, alert_time, close_time, is_closed, is_true_signal,
			volume_ratio, current_volume_quote, average_volume_quote, consecutive_count,
			has_imbalance, imbalance, candle, order_book, message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at
	`
	err = r.db.Pool.QueryRow(ctx, query,
		alert.Symbol, alert.Kind, alert.Price, alert.AlertTime, alert.CloseTime,
		alert.IsClosed, alert.IsTrueSignal, alert.VolumeRatio, alert.CurrentVolumeQuote,
		alert.AverageVolumeQuote, alert.ConsecutiveCount, alert.HasImbalance,
		imbalanceBlob, candleBlob, bookBlob, alert.Message,
	).Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing alert in place.
func (r *AlertRepository) Update(ctx context.Context, alert *Alert) error {
	if alert.ID == 0 {
		return fmt.Errorf("update alert: missing id")
	}
	imbalanceBlob, candleBlob, bookBlob, err := marshalBlobs(alert)
	if err != nil {
		return err
	}

	query := `
		UPDATE alerts
		SET price = $2, close_time = $3, is_closed = $4, is_true_signal = $5,
		    volume_ratio = $6, current_volume_quote = $7, average_volume_quote = $8,
		    consecutive_count = $9, has_imbalance = $10, imbalance = $11,
		    candle = $12, order_book = $13, message = $14
		WHERE id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query,
		alert.ID, alert.Price, alert.CloseTime, alert.IsClosed, alert.IsTrueSignal,
		alert.VolumeRatio, alert.CurrentVolumeQuote, alert.AverageVolumeQuote,
		alert.ConsecutiveCount, alert.HasImbalance, imbalanceBlob, candleBlob,
		bookBlob, alert.Message,
	)
	if err != nil {
		return fmt.Errorf("update alert %d: %w", alert.ID, err)
	}
	return nil
}

// RecentVolumeSpikes returns the symbol's VOLUME_SPIKE alerts from the
// last minutesBack minutes, newest first.
func (r *AlertRepository) RecentVolumeSpikes(ctx context.Context, symbol string, minutesBack int, nowMs int64) ([]*Alert, error) {
	since := nowMs - int64(minutesBack)*market.MinuteMs
	query := `
		SELECT id, symbol, kind, price, alert_time, close_time, is_closed, is_true_signal,
		       volume_ratio, current_volume_quote, average_volume_quote, consecutive_count,
		       has_imbalance, imbalance, candle, order_book, message, created_at
		FROM alerts
		WHERE symbol = $1 AND kind = $2 AND alert_time >= $3
		ORDER BY alert_time DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, AlertVolumeSpike, since)
	if err != nil {
		return nil, fmt.Errorf("query recent volume spikes: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// RecentAlerts returns the latest alerts of any kind, newest first.
func (r *AlertRepository) RecentAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	query := `
		SELECT id, symbol, kind, price, alert_time, close_time, is_closed, is_true_signal,
		       volume_ratio, current_volume_quote, average_volume_quote, consecutive_count,
		       has_imbalance, imbalance, candle, order_book, message, created_at
		FROM alerts
		ORDER BY alert_time DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// Cleanup drops alerts older than the retention window.
func (r *AlertRepository) Cleanup(ctx context.Context, olderThanDays int, nowMs int64) (int64, error) {
	cutoff := nowMs - int64(olderThanDays)*24*60*market.MinuteMs
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM alerts WHERE alert_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	alert := &Alert{}
	var imbalanceBlob, candleBlob, bookBlob []byte

	err := row.Scan(
		&alert.ID, &alert.Symbol, &alert.Kind, &alert.Price, &alert.AlertTime,
		&alert.CloseTime, &alert.IsClosed, &alert.IsTrueSignal, &alert.VolumeRatio,
		&alert.CurrentVolumeQuote, &alert.AverageVolumeQuote, &alert.ConsecutiveCount,
		&alert.HasImbalance, &imbalanceBlob, &candleBlob, &bookBlob,
		&alert.Message, &alert.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	if len(imbalanceBlob) > 0 {
		alert.Imbalance = &analysis.Imbalance{}
		if err := json.Unmarshal(imbalanceBlob, alert.Imbalance); err != nil {
			return nil, fmt.Errorf("decode imbalance blob: %w", err)
		}
	}
	if len(candleBlob) > 0 {
		alert.Candle = &CandleSnapshot{}
		if err := json.Unmarshal(candleBlob, alert.Candle); err != nil {
			return nil, fmt.Errorf("decode candle blob: %w", err)
		}
	}
	if len(bookBlob) > 0 {
		alert.OrderBook = &OrderBookSnapshot{}
		if err := json.Unmarshal(bookBlob, alert.OrderBook); err != nil {
			return nil, fmt.Errorf("decode order book blob: %w", err)
		}
	}
	return alert, nil
}

func marshalBlobs(alert *Alert) (imbalance, candle, book []byte, err error) {
	if alert.Imbalance != nil {
		if imbalance, err = json.Marshal(alert.Imbalance); err != nil {
			return nil, nil, nil, fmt.Errorf("encode imbalance blob: %w", err)
		}
	}
	if alert.Candle != nil {
		if candle, err = json.Marshal(alert.Candle); err != nil {
			return nil, nil, nil, fmt.Errorf("encode candle blob: %w", err)
		}
	}
	if alert.OrderBook != nil {
		if book, err = json.Marshal(alert.OrderBook); err != nil {
			return nil, nil, nil, fmt.Errorf("encode order book blob: %w", err)
		}
	}
	return imbalance, candle, book, nil
}
