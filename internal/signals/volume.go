// Package signals holds the alert detectors and the per-symbol
// processing pipeline that drives them. Detector state is keyed by
// symbol; the pipeline guarantees a single writer per symbol.
package signals

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/analysis"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/market"
)

// minHistorySize is the smallest trailing sample the volume comparison
// will accept.
const minHistorySize = 10

// VolumeHistorySource supplies trailing quote volumes of closed candles.
type VolumeHistorySource interface {
	HistoricalQuoteVolumes(ctx context.Context, symbol string, hours, offsetMinutes int, filter config.VolumeType, nowMs int64) ([]float64, error)
}

// AlertWriter persists alerts. Save assigns the id; Update rewrites an
// existing row in place.
type AlertWriter interface {
	Save(ctx context.Context, alert *database.Alert) error
	Update(ctx context.Context, alert *database.Alert) error
}

// OrderBookSource fetches a depth snapshot for alert annotation.
type OrderBookSource interface {
	Snapshot(ctx context.Context, symbol string) (*database.OrderBookSnapshot, error)
}

// volumeEntry coalesces the preliminary emissions of one minute. It
// holds the persisted alert so later rewrites keep every field.
type volumeEntry struct {
	openTimeMs  int64
	alertLevel  float64
	volumeQuote float64
	alert       *database.Alert
}

// VolumeDetector compares a bullish candle's quote volume against the
// trailing mean and drives the preliminary/finalized alert lifecycle.
type VolumeDetector struct {
	history VolumeHistorySource
	alerts  AlertWriter
	books   OrderBookSource // optional
	logger  zerolog.Logger

	mu            sync.Mutex
	entries       map[string]*volumeEntry
	cooldownUntil map[string]int64
}

// NewVolumeDetector creates a detector. books may be nil to disable
// order-book annotation regardless of configuration.
func NewVolumeDetector(history VolumeHistorySource, alerts AlertWriter, books OrderBookSource, logger zerolog.Logger) *VolumeDetector {
	return &VolumeDetector{
		history:       history,
		alerts:        alerts,
		books:         books,
		logger:        logger.With().Str("component", "volume-detector").Logger(),
		entries:       make(map[string]*volumeEntry),
		cooldownUntil: make(map[string]int64),
	}
}

// Evaluate runs one detection pass for an in-progress update
// (isClose=false) or the closing update of the minute (isClose=true).
// window is the symbol's recent candle history, oldest first, ending
// with the candle under evaluation. The returned alert, if any, has
// already been persisted; an alert with a zero id means persistence
// failed and the record is ephemeral. created reports whether the
// alert is a new record rather than a rewrite of an earlier emission.
func (d *VolumeDetector) Evaluate(ctx context.Context, candle market.Candle, window []market.Candle, cfg config.SignalConfig, nowMs int64, isClose bool) (*database.Alert, bool, error) {
	if !cfg.VolumeAlertsEnabled {
		return nil, false, nil
	}

	entry := d.entryFor(candle.Symbol, candle.OpenTime)
	if entry == nil {
		d.expireStale(ctx, candle.Symbol, candle.OpenTime)
	}

	// A pending preliminary alert is always finalized at close, even
	// when the final candle no longer clears the thresholds.
	if isClose && entry != nil {
		alert, err := d.finalize(ctx, entry, candle, cfg, nowMs)
		return alert, false, err
	}

	if !candle.IsBullish() {
		return nil, false, nil
	}
	vQ := candle.QuoteVolume()
	if vQ < cfg.MinVolumeQuote {
		return nil, false, nil
	}
	if entry == nil && d.inCooldown(candle.Symbol, nowMs) {
		return nil, false, nil
	}

	hist, err := d.history.HistoricalQuoteVolumes(ctx, candle.Symbol, cfg.AnalysisHours, cfg.OffsetMinutes, cfg.VolumeType, nowMs)
	if err != nil {
		return nil, false, fmt.Errorf("fetch volume history for %s: %w", candle.Symbol, err)
	}
	if len(hist) < minHistorySize {
		d.logger.Debug().Str("symbol", candle.Symbol).Int("samples", len(hist)).Msg("insufficient volume history")
		return nil, false, nil
	}

	avg := mean(hist)
	if avg <= 0 {
		return nil, false, nil
	}
	ratio := vQ / avg
	if ratio < cfg.VolumeMultiplier {
		return nil, false, nil
	}

	if isClose {
		// Triggered only at close: emit directly in finalized form.
		alert := d.buildAlert(ctx, candle, window, cfg, nowMs, vQ, avg, ratio, candle.Close)
		closeTime := candle.CloseTime()
		isTrue := true // the bullish gate above already held
		alert.IsClosed = true
		alert.CloseTime = &closeTime
		alert.IsTrueSignal = &isTrue
		d.setCooldown(candle.Symbol, nowMs, cfg)
		if err := d.alerts.Save(ctx, alert); err != nil {
			d.logger.Error().Err(err).Str("symbol", candle.Symbol).Msg("persist finalized volume alert failed, emitting ephemeral")
		}
		return alert, true, nil
	}

	if entry == nil {
		alert := d.buildAlert(ctx, candle, window, cfg, nowMs, vQ, avg, ratio, candle.Close)
		if err := d.alerts.Save(ctx, alert); err != nil {
			d.logger.Error().Err(err).Str("symbol", candle.Symbol).Msg("persist preliminary volume alert failed, emitting ephemeral")
			return alert, true, nil
		}
		d.storeEntry(candle.Symbol, &volumeEntry{
			openTimeMs:  candle.OpenTime,
			alertLevel:  candle.Close,
			volumeQuote: vQ,
			alert:       alert,
		})
		return alert, true, nil
	}

	// Rewrite the existing preliminary alert only on a larger volume.
	if vQ <= entry.volumeQuote {
		return nil, false, nil
	}
	alert := entry.alert
	alert.Price = candle.Close
	alert.VolumeRatio = &ratio
	alert.CurrentVolumeQuote = &vQ
	alert.AverageVolumeQuote = &avg
	alert.Candle = snapshotCandle(candle, entry.alertLevel)
	alert.Message = volumeMessage(candle.Symbol, ratio, vQ, avg)
	if err := d.alerts.Update(ctx, alert); err != nil {
		d.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("update preliminary volume alert failed")
		return nil, false, nil
	}
	entry.volumeQuote = vQ
	return alert, false, nil
}

// finalize closes out the cached preliminary alert for this minute.
func (d *VolumeDetector) finalize(ctx context.Context, entry *volumeEntry, candle market.Candle, cfg config.SignalConfig, nowMs int64) (*database.Alert, error) {
	d.clearEntry(candle.Symbol, candle.OpenTime)

	alert := entry.alert
	isTrue := candle.Close > candle.Open
	closeTime := candle.CloseTime()
	vQ := candle.QuoteVolume()

	alert.IsClosed = true
	alert.IsTrueSignal = &isTrue
	alert.CloseTime = &closeTime
	alert.Price = candle.Close
	alert.CurrentVolumeQuote = &vQ
	if alert.AverageVolumeQuote != nil && *alert.AverageVolumeQuote > 0 {
		// The final candle's volume replaces the preliminary reading,
		// so the stored ratio has to follow.
		ratio := vQ / *alert.AverageVolumeQuote
		alert.VolumeRatio = &ratio
	}
	alert.Candle = snapshotCandle(candle, entry.alertLevel)
	if isTrue {
		d.setCooldown(candle.Symbol, nowMs, cfg)
	} else {
		alert.Message = alert.Message + " (not confirmed at close)"
	}

	if err := d.alerts.Update(ctx, alert); err != nil {
		d.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("finalize volume alert failed")
		return alert, err
	}
	return alert, nil
}

func (d *VolumeDetector) buildAlert(ctx context.Context, candle market.Candle, window []market.Candle, cfg config.SignalConfig, nowMs int64, vQ, avg, ratio, alertLevel float64) *database.Alert {
	alert := &database.Alert{
		Symbol:             candle.Symbol,
		Kind:               database.AlertVolumeSpike,
		Price:              candle.Close,
		AlertTime:          nowMs,
		CurrentVolumeQuote: &vQ,
		AverageVolumeQuote: &avg,
		VolumeRatio:        &ratio,
		Candle:             snapshotCandle(candle, alertLevel),
		Message:            volumeMessage(candle.Symbol, ratio, vQ, avg),
	}
	annotateImbalance(alert, window, cfg)
	if cfg.OrderbookSnapshotOnAlert && d.books != nil {
		if book, err := d.books.Snapshot(ctx, candle.Symbol); err != nil {
			d.logger.Debug().Err(err).Str("symbol", candle.Symbol).Msg("order book snapshot failed")
		} else {
			alert.OrderBook = book
		}
	}
	return alert
}

// expireStale closes out a cached entry from an earlier minute whose
// closing update never arrived, so its row does not stay open forever.
func (d *VolumeDetector) expireStale(ctx context.Context, symbol string, currentOpenMs int64) {
	entry := d.takeStale(symbol, currentOpenMs)
	if entry == nil {
		return
	}
	alert := entry.alert
	alert.IsClosed = true
	alert.Message = alert.Message + " (expired without close)"
	if err := d.alerts.Update(ctx, alert); err != nil {
		d.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("expire stale volume alert failed")
		return
	}
	d.logger.Warn().Str("symbol", symbol).Int64("open_time", entry.openTimeMs).Msg("volume alert expired without a closing update")
}

func (d *VolumeDetector) takeStale(symbol string, currentOpenMs int64) *volumeEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.entries[symbol]
	if entry == nil || entry.openTimeMs >= currentOpenMs {
		return nil
	}
	delete(d.entries, symbol)
	return entry
}

func (d *VolumeDetector) entryFor(symbol string, openTimeMs int64) *volumeEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.entries[symbol]
	if entry == nil || entry.openTimeMs != openTimeMs {
		return nil
	}
	return entry
}

func (d *VolumeDetector) storeEntry(symbol string, entry *volumeEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[symbol] = entry
}

func (d *VolumeDetector) clearEntry(symbol string, openTimeMs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry := d.entries[symbol]; entry != nil && entry.openTimeMs == openTimeMs {
		delete(d.entries, symbol)
	}
}

func (d *VolumeDetector) inCooldown(symbol string, nowMs int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nowMs < d.cooldownUntil[symbol]
}

func (d *VolumeDetector) setCooldown(symbol string, nowMs int64, cfg config.SignalConfig) {
	minutes := cfg.AlertGroupingMinutes
	if minutes <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldownUntil[symbol] = nowMs + int64(minutes)*market.MinuteMs
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func snapshotCandle(candle market.Candle, alertLevel float64) *database.CandleSnapshot {
	return &database.CandleSnapshot{
		OpenTime:   candle.OpenTime,
		Open:       candle.Open,
		High:       candle.High,
		Low:        candle.Low,
		Close:      candle.Close,
		Volume:     candle.Volume,
		AlertLevel: alertLevel,
	}
}

func volumeMessage(symbol string, ratio, vQ, avg float64) string {
	return fmt.Sprintf("%s volume spike: %.2fx average (%.0f vs %.0f quote)", symbol, ratio, vQ, avg)
}

// annotateImbalance runs the imbalance scan over the candle window and
// attaches the result when one is found.
func annotateImbalance(alert *database.Alert, window []market.Candle, cfg config.SignalConfig) {
	if !cfg.ImbalanceEnabled || len(window) == 0 {
		return
	}
	detector := analysis.NewImbalanceDetector(analysis.ImbalanceConfig{
		FVGEnabled:        cfg.FVGEnabled,
		OrderBlockEnabled: cfg.OrderBlockEnabled,
		BreakerEnabled:    cfg.BreakerBlockEnabled,
		MinGapPercent:     cfg.MinGapPercent,
		OrderBlockMovePct: cfg.OrderBlockMovePercent,
		BreakerMovePct:    cfg.BreakerMovePercent,
	})
	imb := detector.Detect(window)
	if imb != nil {
		alert.HasImbalance = true
		alert.Imbalance = imb
	}
}
