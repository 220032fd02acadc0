package ingest

import (
	"context"
	"fmt"
	"time"

	"bybit-alert-bot/internal/events"
	"bybit-alert-bot/internal/market"
)

// Coverage thresholds that trigger a history reload.
const (
	startupIntegrityPct  = 80.0
	maintainIntegrityPct = 90.0
	minExistingCandles   = 60
	maintainMissingFloor = 5
)

// StartupBackfill checks closed-candle coverage for every watchlist
// symbol and reloads the trailing window where it is too thin.
func (s *Service) StartupBackfill(ctx context.Context) error {
	symbols, err := s.watchlist.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}

	hours := s.totalHours()
	var backfilled int
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report, err := s.candles.Integrity(ctx, symbol, hours, s.clock.NowExchangeMs())
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("integrity check failed")
			continue
		}
		if report.Percent >= startupIntegrityPct && report.Existing >= minExistingCandles {
			continue
		}
		if err := s.backfillSymbol(ctx, symbol, hours); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill failed")
			continue
		}
		backfilled++
		s.pause(ctx, time.Duration(s.cfg.BackfillSymbolMs)*time.Millisecond)
	}

	s.logger.Info().Int("symbols", len(symbols)).Int("backfilled", backfilled).Msg("startup backfill finished")
	s.bus.Publish(events.Event{Type: events.EventBackfillCompleted, Data: map[string]any{
		"symbols":    len(symbols),
		"backfilled": backfilled,
	}})
	return nil
}

// backfillSymbol loads the trailing window of closed minutes from the
// REST endpoint and upserts them. In-progress minutes are skipped; the
// stream owns them.
func (s *Service) backfillSymbol(ctx context.Context, symbol string, hours int) error {
	nowMs := s.clock.NowExchangeMs()
	endMs := market.AlignToMinute(nowMs)
	startMs := endMs - int64(hours)*60*market.MinuteMs

	for windowStart := startMs; windowStart < endMs; {
		windowEnd := windowStart + 1000*market.MinuteMs
		if windowEnd > endMs {
			windowEnd = endMs
		}
		klines, err := s.klines.GetKlines(ctx, symbol, windowStart, windowEnd-1, 1000)
		if err != nil {
			return fmt.Errorf("fetch klines for %s: %w", symbol, err)
		}
		for _, k := range klines {
			openTime := market.AlignToMinute(k.StartTime)
			if openTime+market.MinuteMs > endMs {
				continue
			}
			candle := market.Candle{
				Symbol:   symbol,
				OpenTime: openTime,
				Open:     k.Open,
				High:     k.High,
				Low:      k.Low,
				Close:    k.Close,
				Volume:   k.Volume,
				IsClosed: true,
			}
			if err := s.candles.Upsert(ctx, candle); err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Int64("open_time", openTime).Msg("backfill upsert failed")
			}
		}
		windowStart = windowEnd
	}
	return nil
}

// MaintainRange evicts expired candles and refills the analysis window
// when coverage drops. Called after each closed-candle processing pass.
func (s *Service) MaintainRange(ctx context.Context, symbol string) {
	cfg := s.signalCfg.Snapshot()
	nowMs := s.clock.NowExchangeMs()

	if _, err := s.candles.Cleanup(ctx, symbol, cfg.DataRetentionHours, nowMs); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("candle cleanup failed")
	}

	hours := cfg.AnalysisHours + 1
	report, err := s.candles.Integrity(ctx, symbol, hours, nowMs)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("integrity check failed")
		return
	}
	if report.Percent < maintainIntegrityPct && report.Missing > maintainMissingFloor {
		s.logger.Info().
			Str("symbol", symbol).
			Float64("percent", report.Percent).
			Int("missing", report.Missing).
			Msg("refilling sparse candle window")
		if err := s.backfillSymbol(ctx, symbol, hours); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("range refill failed")
		}
	}
}
