package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/bybit"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/events"
	"bybit-alert-bot/internal/market"
)

type fakeKlineSource struct {
	mu       sync.Mutex
	klines   map[string][]bybit.Kline
	requests []string
}

func (f *fakeKlineSource) GetKlines(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]bybit.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, symbol)
	var out []bybit.Kline
	for _, k := range f.klines[symbol] {
		if k.StartTime >= startMs && k.StartTime <= endMs {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeCandleWriter struct {
	mu       sync.Mutex
	upserts  []market.Candle
	reports  map[string]*database.IntegrityReport
	cleanups []string
}

func (f *fakeCandleWriter) Upsert(ctx context.Context, candle market.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, candle)
	return nil
}

func (f *fakeCandleWriter) Integrity(ctx context.Context, symbol string, hours int, nowMs int64) (*database.IntegrityReport, error) {
	if r, ok := f.reports[symbol]; ok {
		return r, nil
	}
	return &database.IntegrityReport{Symbol: symbol, Percent: 100, Existing: hours * 60}, nil
}

func (f *fakeCandleWriter) Cleanup(ctx context.Context, symbol string, retentionHours int, nowMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, symbol)
	return 0, nil
}

type fakeWatchlist struct{ symbols []string }

func (f *fakeWatchlist) Symbols(ctx context.Context) ([]string, error) {
	return f.symbols, nil
}

type fixedClock struct{ nowMs int64 }

func (c fixedClock) NowExchangeMs() int64 { return c.nowMs }

func newTestService(klines *fakeKlineSource, store *fakeCandleWriter, watchlist []string, nowMs int64) *Service {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.BybitConfig.BackfillSymbolMs = 0
	sigCfg := cfg.SignalConfig
	sigCfg.DataRetentionHours = 2
	sigCfg.AnalysisHours = 1
	return NewService(
		cfg.BybitConfig,
		config.NewStore(sigCfg),
		klines,
		store,
		&fakeWatchlist{symbols: watchlist},
		bybit.NewSubscriptionManager(50, 1, logger),
		nil,
		fixedClock{nowMs: nowMs},
		events.NewBus(),
		logger,
	)
}

func TestStartupBackfillSkipsHealthySymbols(t *testing.T) {
	klines := &fakeKlineSource{}
	store := &fakeCandleWriter{reports: map[string]*database.IntegrityReport{
		"BTCUSDT": {Symbol: "BTCUSDT", Percent: 95, Existing: 200, Missing: 10},
	}}
	s := newTestService(klines, store, []string{"BTCUSDT"}, 1_800_000_000_000)

	if err := s.StartupBackfill(context.Background()); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if len(klines.requests) != 0 {
		t.Errorf("healthy coverage must not trigger REST fetches, got %v", klines.requests)
	}
}

func TestStartupBackfillReloadsSparseSymbols(t *testing.T) {
	nowMs := int64(1_800_000_000_000)
	openTime := market.AlignToMinute(nowMs) - 10*market.MinuteMs
	klines := &fakeKlineSource{klines: map[string][]bybit.Kline{
		"ETHUSDT": {{StartTime: openTime, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 7}},
	}}
	store := &fakeCandleWriter{reports: map[string]*database.IntegrityReport{
		"ETHUSDT": {Symbol: "ETHUSDT", Percent: 40, Existing: 30, Missing: 210},
	}}
	s := newTestService(klines, store, []string{"ETHUSDT"}, nowMs)

	if err := s.StartupBackfill(context.Background()); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("expected one backfilled candle, got %d", len(store.upserts))
	}
	got := store.upserts[0]
	if !got.IsClosed || got.OpenTime != openTime || got.Close != 100.5 {
		t.Errorf("unexpected backfilled candle: %+v", got)
	}
}

func TestStartupBackfillLowCountTriggersEvenWithHighPercent(t *testing.T) {
	klines := &fakeKlineSource{}
	store := &fakeCandleWriter{reports: map[string]*database.IntegrityReport{
		// A freshly listed pair: few candles exist, so coverage over a
		// short life looks fine but the sample is too small.
		"NEWUSDT": {Symbol: "NEWUSDT", Percent: 85, Existing: 40, Missing: 200},
	}}
	s := newTestService(klines, store, []string{"NEWUSDT"}, 1_800_000_000_000)

	if err := s.StartupBackfill(context.Background()); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if len(klines.requests) == 0 {
		t.Error("fewer than 60 existing candles must trigger a reload")
	}
}

func TestBackfillSymbolSkipsInProgressMinute(t *testing.T) {
	nowMs := int64(1_800_000_030_000) // 30s into the current minute
	currentOpen := market.AlignToMinute(nowMs)
	klines := &fakeKlineSource{klines: map[string][]bybit.Kline{
		"BTCUSDT": {
			{StartTime: currentOpen - market.MinuteMs, Close: 100},
			{StartTime: currentOpen, Close: 101}, // still forming
		},
	}}
	store := &fakeCandleWriter{}
	s := newTestService(klines, store, nil, nowMs)

	if err := s.backfillSymbol(context.Background(), "BTCUSDT", 1); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	for _, c := range store.upserts {
		if c.OpenTime >= currentOpen {
			t.Errorf("in-progress minute must not be backfilled: %+v", c)
		}
	}
	if len(store.upserts) != 1 {
		t.Errorf("expected only the closed minute, got %d", len(store.upserts))
	}
}

func TestReconcileWithoutStreamDoesNotBackfill(t *testing.T) {
	klines := &fakeKlineSource{}
	store := &fakeCandleWriter{}
	s := newTestService(klines, store, []string{"BTCUSDT"}, 1_800_000_000_000)

	// No stream is attached yet, so nothing was actually subscribed.
	if err := s.reconcileOnce(context.Background()); err == nil {
		t.Fatal("reconcile must fail while no stream is attached")
	}
	if len(klines.requests) != 0 {
		t.Errorf("never-subscribed symbols must not be backfilled, got %v", klines.requests)
	}
}

func TestMaintainRangeRefillsOnLowCoverage(t *testing.T) {
	klines := &fakeKlineSource{}
	store := &fakeCandleWriter{reports: map[string]*database.IntegrityReport{
		"BTCUSDT": {Symbol: "BTCUSDT", Percent: 70, Existing: 84, Missing: 36},
	}}
	s := newTestService(klines, store, nil, 1_800_000_000_000)

	s.MaintainRange(context.Background(), "BTCUSDT")
	if len(store.cleanups) != 1 {
		t.Error("maintenance must evict expired candles")
	}
	if len(klines.requests) == 0 {
		t.Error("low coverage with a large gap must refill")
	}
}

func TestMaintainRangeSmallGapLeftAlone(t *testing.T) {
	klines := &fakeKlineSource{}
	store := &fakeCandleWriter{reports: map[string]*database.IntegrityReport{
		"BTCUSDT": {Symbol: "BTCUSDT", Percent: 89, Existing: 116, Missing: 4},
	}}
	s := newTestService(klines, store, nil, 1_800_000_000_000)

	s.MaintainRange(context.Background(), "BTCUSDT")
	if len(klines.requests) != 0 {
		t.Error("a gap of five candles or fewer must not trigger a refill")
	}
}
