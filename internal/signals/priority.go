package signals

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
)

// RecentSpikeSource looks up recent VOLUME_SPIKE alerts for a symbol.
type RecentSpikeSource interface {
	RecentVolumeSpikes(ctx context.Context, symbol string, minutesBack int, nowMs int64) ([]*database.Alert, error)
}

// PriorityCorrelator joins the consecutive and volume detections of one
// candle close. When a run alert coincides with a volume spike, either
// in the same batch or within the run's span in the alert store, a
// PRIORITY alert is emitted on top of the two sources.
type PriorityCorrelator struct {
	alerts AlertWriter
	spikes RecentSpikeSource
	logger zerolog.Logger
}

// NewPriorityCorrelator creates a correlator.
func NewPriorityCorrelator(alerts AlertWriter, spikes RecentSpikeSource, logger zerolog.Logger) *PriorityCorrelator {
	return &PriorityCorrelator{
		alerts: alerts,
		spikes: spikes,
		logger: logger.With().Str("component", "priority-correlator").Logger(),
	}
}

// Correlate inspects the alerts produced for one closed candle.
// consecutive and volume may be nil when the respective detector was
// quiet this minute.
func (p *PriorityCorrelator) Correlate(ctx context.Context, symbol string, consecutive, volume *database.Alert, cfg config.SignalConfig, nowMs int64) (*database.Alert, error) {
	if !cfg.PriorityAlertsEnabled || consecutive == nil || consecutive.ConsecutiveCount == nil {
		return nil, nil
	}
	runLength := *consecutive.ConsecutiveCount

	// No spike in this batch: look back over the run's span.
	if volume == nil {
		recent, err := p.spikes.RecentVolumeSpikes(ctx, symbol, runLength, nowMs)
		if err != nil {
			return nil, fmt.Errorf("lookup recent volume spikes for %s: %w", symbol, err)
		}
		if len(recent) == 0 {
			return nil, nil
		}
		volume = recent[0]
	}

	count := runLength
	alert := &database.Alert{
		Symbol:           symbol,
		Kind:             database.AlertPriority,
		Price:            consecutive.Price,
		AlertTime:        nowMs,
		CloseTime:        consecutive.CloseTime,
		IsClosed:         true,
		ConsecutiveCount: &count,
		Candle:           consecutive.Candle,
		HasImbalance:     consecutive.HasImbalance || volume.HasImbalance,
		Message:          fmt.Sprintf("%s priority: %d-candle run with volume spike", symbol, count),
	}
	alert.VolumeRatio = volume.VolumeRatio
	alert.CurrentVolumeQuote = volume.CurrentVolumeQuote
	alert.AverageVolumeQuote = volume.AverageVolumeQuote
	if consecutive.Imbalance != nil {
		alert.Imbalance = consecutive.Imbalance
	} else {
		alert.Imbalance = volume.Imbalance
	}
	if volume.OrderBook != nil {
		alert.OrderBook = volume.OrderBook
	}

	if err := p.alerts.Save(ctx, alert); err != nil {
		p.logger.Error().Err(err).Str("symbol", symbol).Msg("persist priority alert failed, emitting ephemeral")
	}
	return alert, nil
}
