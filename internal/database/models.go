package database

import (
	"time"

	"bybit-alert-bot/internal/analysis"
)

// AlertKind discriminates the alert variants.
type AlertKind string

const (
	AlertVolumeSpike     AlertKind = "VOLUME_SPIKE"
	AlertConsecutiveLong AlertKind = "CONSECUTIVE_LONG"
	AlertPriority        AlertKind = "PRIORITY"
)

// CandleSnapshot captures the triggering candle at alert time, including
// the price level the alert was first raised at.
type CandleSnapshot struct {
	OpenTime   int64   `json:"open_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	AlertLevel float64 `json:"alert_level"`
}

// PriceLevel is one side entry of an order book snapshot.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is a 25-level depth snapshot fetched when an alert
// fires.
type OrderBookSnapshot struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// Alert is the tagged record persisted for every signal. A common header
// plus optional per-kind fields; optional substructures are stored as
// JSONB blobs.
type Alert struct {
	ID                 int64               `json:"id"`
	Symbol             string              `json:"symbol"`
	Kind               AlertKind           `json:"kind"`
	Price              float64             `json:"price"`
	AlertTime          int64               `json:"alert_time"` // epoch ms
	CloseTime          *int64              `json:"close_time,omitempty"`
	IsClosed           bool                `json:"is_closed"`
	IsTrueSignal       *bool               `json:"is_true_signal,omitempty"` // VOLUME_SPIKE only, defined after close
	VolumeRatio        *float64            `json:"volume_ratio,omitempty"`
	CurrentVolumeQuote *float64            `json:"current_volume_quote,omitempty"`
	AverageVolumeQuote *float64            `json:"average_volume_quote,omitempty"`
	ConsecutiveCount   *int                `json:"consecutive_count,omitempty"`
	HasImbalance       bool                `json:"has_imbalance"`
	Imbalance          *analysis.Imbalance `json:"imbalance,omitempty"`
	Candle             *CandleSnapshot     `json:"candle,omitempty"`
	OrderBook          *OrderBookSnapshot  `json:"order_book,omitempty"`
	Message            string              `json:"message"`
	CreatedAt          time.Time           `json:"created_at"`
}

// IntegrityReport summarizes closed-candle coverage over a window.
type IntegrityReport struct {
	Symbol   string  `json:"symbol"`
	Expected int     `json:"expected"`
	Existing int     `json:"existing"`
	Missing  int     `json:"missing"`
	Percent  float64 `json:"percent"`
}

// WatchlistItem is one tracked trading pair.
type WatchlistItem struct {
	ID      int64     `json:"id"`
	Symbol  string    `json:"symbol"`
	Notes   *string   `json:"notes,omitempty"`
	AddedAt time.Time `json:"added_at"`
}
