package signals

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/market"
)

// consecutiveState tracks the current bullish run for one symbol.
type consecutiveState struct {
	count     int
	openAlert *database.Alert
}

// ConsecutiveDetector counts runs of closed bullish candles and emits a
// CONSECUTIVE_LONG alert when the run reaches the configured length.
// The alert grows in place while the run continues and is closed out
// when the run breaks.
type ConsecutiveDetector struct {
	alerts AlertWriter
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*consecutiveState
}

// NewConsecutiveDetector creates a detector.
func NewConsecutiveDetector(alerts AlertWriter, logger zerolog.Logger) *ConsecutiveDetector {
	return &ConsecutiveDetector{
		alerts: alerts,
		logger: logger.With().Str("component", "consecutive-detector").Logger(),
		states: make(map[string]*consecutiveState),
	}
}

// Count returns the symbol's current run length.
func (d *ConsecutiveDetector) Count(symbol string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.states[symbol]; st != nil {
		return st.count
	}
	return 0
}

// OnClosedCandle advances the symbol's run state with one closed
// candle. It returns the created or updated alert when the run is at or
// past the threshold, nil otherwise; created distinguishes the first
// emission of a run from a later extension. A run break finalizes the
// open alert and returns nil.
func (d *ConsecutiveDetector) OnClosedCandle(ctx context.Context, candle market.Candle, window []market.Candle, cfg config.SignalConfig, nowMs int64) (*database.Alert, bool, error) {
	if !cfg.ConsecutiveAlertsEnabled {
		return nil, false, nil
	}
	st := d.state(candle.Symbol)

	if !candle.IsBullish() {
		d.reset(ctx, st, candle)
		return nil, false, nil
	}

	st.count++
	threshold := cfg.ConsecutiveLongCount
	if threshold <= 0 || st.count < threshold {
		return nil, false, nil
	}

	if st.openAlert != nil {
		alert := st.openAlert
		count := st.count
		alert.ConsecutiveCount = &count
		alert.Price = candle.Close
		alert.Candle = snapshotCandle(candle, alert.Candle.AlertLevel)
		alert.Message = consecutiveMessage(candle.Symbol, count)
		annotateImbalance(alert, window, cfg)
		if err := d.alerts.Update(ctx, alert); err != nil {
			d.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("extend consecutive alert failed")
		}
		return alert, false, nil
	}

	count := st.count
	closeTime := candle.CloseTime()
	alert := &database.Alert{
		Symbol:           candle.Symbol,
		Kind:             database.AlertConsecutiveLong,
		Price:            candle.Close,
		AlertTime:        nowMs,
		CloseTime:        &closeTime,
		IsClosed:         true,
		ConsecutiveCount: &count,
		Candle:           snapshotCandle(candle, candle.Close),
		Message:          consecutiveMessage(candle.Symbol, count),
	}
	annotateImbalance(alert, window, cfg)
	if err := d.alerts.Save(ctx, alert); err != nil {
		d.logger.Error().Err(err).Str("symbol", candle.Symbol).Msg("persist consecutive alert failed, emitting ephemeral")
		return alert, true, nil
	}
	st.openAlert = alert
	return alert, true, nil
}

// reset handles a bearish close: the open alert, if any, is finalized
// with a run-broken message and the counter returns to zero.
func (d *ConsecutiveDetector) reset(ctx context.Context, st *consecutiveState, candle market.Candle) {
	if st.openAlert != nil {
		alert := st.openAlert
		alert.Message = fmt.Sprintf("%s run broken after %d candles", candle.Symbol, st.count)
		if err := d.alerts.Update(ctx, alert); err != nil {
			d.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("finalize broken run failed")
		}
	}
	st.count = 0
	st.openAlert = nil
}

func (d *ConsecutiveDetector) state(symbol string) *consecutiveState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[symbol]
	if st == nil {
		st = &consecutiveState{}
		d.states[symbol] = st
	}
	return st
}

func consecutiveMessage(symbol string, count int) string {
	return fmt.Sprintf("%s: %d consecutive bullish candles", symbol, count)
}
