package signals

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/market"
)

type fakeCandleStore struct {
	mu      sync.Mutex
	upserts []market.Candle
}

func (f *fakeCandleStore) Upsert(ctx context.Context, candle market.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, candle)
	return nil
}

type fixedClock struct{ nowMs int64 }

func (c fixedClock) NowExchangeMs() int64 { return c.nowMs }

type captureSink struct {
	mu      sync.Mutex
	alerts  []*database.Alert
	created []bool
}

func (s *captureSink) Publish(ctx context.Context, alert *database.Alert, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	s.created = append(s.created, created)
}

func (s *captureSink) kinds() []database.AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.AlertKind, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func newTestProcessor(history VolumeHistorySource, alertStore AlertWriter, spikes RecentSpikeSource, nowMs int64) (*Processor, *fakeCandleStore, *captureSink) {
	logger := zerolog.Nop()
	store := &fakeCandleStore{}
	cfgStore := config.NewStore(testSignalConfig())
	p := NewProcessor(
		store,
		market.NewCandleCache(market.DefaultCacheCapacity),
		NewVolumeDetector(history, alertStore, nil, logger),
		NewConsecutiveDetector(alertStore, logger),
		NewPriorityCorrelator(alertStore, spikes, logger),
		fixedClock{nowMs: nowMs},
		cfgStore,
		logger,
		4,
	)
	sink := &captureSink{}
	p.AddSink(sink)
	return p, store, sink
}

func TestProcessorClosedCandleProcessedOnce(t *testing.T) {
	alertStore := &fakeAlertStore{}
	p, store, sink := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, &fakeSpikes{}, 1_800_000_120_000)
	ctx := context.Background()

	candle := bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, true)
	p.process(ctx, candle)
	p.process(ctx, candle) // replay after reconnect

	if len(store.upserts) != 2 {
		t.Errorf("every delivery must be upserted, got %d", len(store.upserts))
	}
	if len(alertStore.saves) != 1 {
		t.Errorf("detectors must run once per closed minute, got %d alerts", len(alertStore.saves))
	}
	if got := sink.kinds(); len(got) != 1 || got[0] != database.AlertVolumeSpike {
		t.Errorf("expected a single volume spike publication, got %v", got)
	}
}

func TestProcessorInProgressDrivesPhaseA(t *testing.T) {
	alertStore := &fakeAlertStore{}
	p, _, sink := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, &fakeSpikes{}, 1_800_000_090_000)
	ctx := context.Background()

	open := bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, false)
	p.process(ctx, open)

	if len(alertStore.saves) != 1 || alertStore.saves[0].IsClosed {
		t.Fatalf("in-progress spike must create a preliminary alert, got %+v", alertStore.saves)
	}
	if len(sink.alerts) != 1 {
		t.Errorf("preliminary alert must reach the sinks, got %d", len(sink.alerts))
	}

	// The close for the same minute finalizes the same row.
	closed := bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, true)
	p.process(ctx, closed)
	if len(alertStore.saves) != 1 {
		t.Errorf("close must finalize in place, got %d rows", len(alertStore.saves))
	}
	if !alertStore.saves[0].IsClosed {
		t.Error("the preliminary row must be closed after the minute ends")
	}
}

func TestProcessorPriorityEmittedWithSources(t *testing.T) {
	alertStore := &fakeAlertStore{}
	p, _, sink := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, &fakeSpikes{}, 1_800_000_000_000)
	ctx := context.Background()

	base := int64(1_800_000_000_000)
	// Four quiet bullish closes build the run without volume alerts.
	for i := 0; i < 4; i++ {
		c := bullCandle("BTCUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true)
		p.process(ctx, c)
	}
	// The fifth close spikes volume and completes the run.
	fifth := bullCandle("BTCUSDT", base+4*market.MinuteMs, 100, 110, 30, true)
	p.process(ctx, fifth)

	kinds := sink.kinds()
	var haveVolume, haveRun, havePriority bool
	for _, k := range kinds {
		switch k {
		case database.AlertVolumeSpike:
			haveVolume = true
		case database.AlertConsecutiveLong:
			haveRun = true
		case database.AlertPriority:
			havePriority = true
		}
	}
	if !haveVolume || !haveRun || !havePriority {
		t.Errorf("expected all three alerts in addition to each other, got %v", kinds)
	}
}

func TestProcessorMaintainHookRunsAfterClose(t *testing.T) {
	p, _, _ := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, &fakeAlertStore{}, &fakeSpikes{}, 1_800_000_120_000)
	var maintained []string
	p.SetMaintainFunc(func(ctx context.Context, symbol string) {
		maintained = append(maintained, symbol)
	})
	ctx := context.Background()

	p.process(ctx, bullCandle("BTCUSDT", 1_800_000_060_000, 100, 101, 1, false))
	if len(maintained) != 0 {
		t.Error("maintenance must not run on in-progress updates")
	}
	p.process(ctx, bullCandle("BTCUSDT", 1_800_000_060_000, 100, 101, 1, true))
	if len(maintained) != 1 || maintained[0] != "BTCUSDT" {
		t.Errorf("maintenance must run once after a close, got %v", maintained)
	}
}

func TestProcessorReportsCreatedThenRewrite(t *testing.T) {
	alertStore := &fakeAlertStore{}
	p, _, sink := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, &fakeSpikes{}, 1_800_000_090_000)
	ctx := context.Background()

	// Preliminary spike, then the close of the same minute.
	p.process(ctx, bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, false))
	p.process(ctx, bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, true))

	if len(sink.created) != 2 || !sink.created[0] || sink.created[1] {
		t.Fatalf("expected a creation then a rewrite, got %v", sink.created)
	}
}

func TestProcessorRunAlertPublishedAsCreated(t *testing.T) {
	alertStore := &fakeAlertStore{}
	p, _, sink := newTestProcessor(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, &fakeSpikes{}, 1_800_000_000_000)
	ctx := context.Background()

	// Quiet closes build the run without volume alerts.
	base := int64(1_800_000_000_000)
	for i := 0; i < 5; i++ {
		p.process(ctx, bullCandle("ETHUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true))
	}

	if len(sink.alerts) != 1 || sink.alerts[0].Kind != database.AlertConsecutiveLong {
		t.Fatalf("expected only the run alert, got %v", sink.kinds())
	}
	if !sink.alerts[0].IsClosed {
		t.Error("run alerts are born closed")
	}
	// Born closed, but still the first delivery of this record.
	if !sink.created[0] {
		t.Error("the first emission of a run must be published as created")
	}

	p.process(ctx, bullCandle("ETHUSDT", base+5*market.MinuteMs, 100, 101, 1, true))
	if len(sink.created) != 2 || sink.created[1] {
		t.Errorf("an extension must be published as a rewrite, got %v", sink.created)
	}
}

type steppingClock struct{ nowMs int64 }

func (c *steppingClock) NowExchangeMs() int64 { return c.nowMs }

func TestProcessorSpacesPreliminaryEvaluations(t *testing.T) {
	logger := zerolog.Nop()
	alertStore := &fakeAlertStore{}
	store := &fakeCandleStore{}
	cfg := testSignalConfig()
	cfg.UpdateIntervalSeconds = 5
	clk := &steppingClock{nowMs: 1_800_000_090_000}
	p := NewProcessor(
		store,
		market.NewCandleCache(market.DefaultCacheCapacity),
		NewVolumeDetector(&fakeHistory{volumes: flatHistory(60, 1000)}, alertStore, nil, logger),
		NewConsecutiveDetector(alertStore, logger),
		NewPriorityCorrelator(alertStore, &fakeSpikes{}, logger),
		clk,
		config.NewStore(cfg),
		logger,
		1,
	)
	sink := &captureSink{}
	p.AddSink(sink)
	ctx := context.Background()

	p.process(ctx, bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 30, false))
	clk.nowMs += 1_000
	bigger := bullCandle("BTCUSDT", 1_800_000_060_000, 100, 110, 60, false)
	p.process(ctx, bigger)

	if len(store.upserts) != 2 {
		t.Errorf("persistence must see every tick, got %d", len(store.upserts))
	}
	if len(alertStore.saves) != 1 || len(alertStore.updates) != 0 {
		t.Errorf("a tick inside the spacing window must not re-evaluate, saves=%d updates=%d",
			len(alertStore.saves), len(alertStore.updates))
	}

	clk.nowMs += 5_000
	p.process(ctx, bigger)
	if len(alertStore.updates) != 1 {
		t.Errorf("a tick past the spacing window must re-evaluate, updates=%d", len(alertStore.updates))
	}
}

func TestShardIndexStable(t *testing.T) {
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "1000PEPEUSDT"} {
		first := shardIndex(symbol, 8)
		for i := 0; i < 10; i++ {
			if shardIndex(symbol, 8) != first {
				t.Fatalf("shard for %s must be stable", symbol)
			}
		}
		if first < 0 || first >= 8 {
			t.Fatalf("shard out of range: %d", first)
		}
	}
}
