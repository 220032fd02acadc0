package signals

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"bybit-alert-bot/internal/analysis"
	"bybit-alert-bot/internal/database"
)

type fakeSpikes struct {
	alerts []*database.Alert
	err    error

	gotMinutes int
}

func (f *fakeSpikes) RecentVolumeSpikes(ctx context.Context, symbol string, minutesBack int, nowMs int64) ([]*database.Alert, error) {
	f.gotMinutes = minutesBack
	return f.alerts, f.err
}

func runAlert(count int, hasImbalance bool) *database.Alert {
	closeTime := int64(1_800_000_360_000)
	return &database.Alert{
		ID:               10,
		Symbol:           "BTCUSDT",
		Kind:             database.AlertConsecutiveLong,
		Price:            105,
		CloseTime:        &closeTime,
		IsClosed:         true,
		ConsecutiveCount: &count,
		HasImbalance:     hasImbalance,
		Candle:           &database.CandleSnapshot{Close: 105},
	}
}

func spikeAlert(ratio float64, hasImbalance bool) *database.Alert {
	cur, avg := 3300.0, 1000.0
	return &database.Alert{
		ID:                 11,
		Symbol:             "BTCUSDT",
		Kind:               database.AlertVolumeSpike,
		VolumeRatio:        &ratio,
		CurrentVolumeQuote: &cur,
		AverageVolumeQuote: &avg,
		HasImbalance:       hasImbalance,
	}
}

func TestPriorityFromSameBatch(t *testing.T) {
	store := &fakeAlertStore{}
	p := NewPriorityCorrelator(store, &fakeSpikes{}, zerolog.Nop())

	run := runAlert(5, false)
	spike := spikeAlert(3.3, true)
	spike.Imbalance = &analysis.Imbalance{Kind: analysis.KindFVG, Direction: analysis.DirectionBull}

	alert, err := p.Correlate(context.Background(), "BTCUSDT", run, spike, testSignalConfig(), 1_800_000_360_000)
	if err != nil {
		t.Fatalf("correlate failed: %v", err)
	}
	if alert == nil || alert.Kind != database.AlertPriority {
		t.Fatalf("expected a priority alert, got %+v", alert)
	}
	if *alert.ConsecutiveCount != 5 || alert.Price != 105 {
		t.Errorf("run fields must come from the consecutive alert: %+v", alert)
	}
	if alert.VolumeRatio == nil || *alert.VolumeRatio != 3.3 {
		t.Errorf("volume fields must come from the spike alert: %+v", alert)
	}
	if !alert.HasImbalance || alert.Imbalance == nil {
		t.Error("imbalance must be the OR of both sources")
	}
	if len(store.saves) != 1 {
		t.Errorf("priority alert must be persisted once, got %d", len(store.saves))
	}
}

func TestPriorityFallsBackToStoredSpikes(t *testing.T) {
	spikes := &fakeSpikes{alerts: []*database.Alert{spikeAlert(2.5, false)}}
	p := NewPriorityCorrelator(&fakeAlertStore{}, spikes, zerolog.Nop())

	alert, err := p.Correlate(context.Background(), "BTCUSDT", runAlert(7, true), nil, testSignalConfig(), 1_800_000_360_000)
	if err != nil {
		t.Fatalf("correlate failed: %v", err)
	}
	if alert == nil {
		t.Fatal("a stored spike inside the run span must satisfy the volume condition")
	}
	if spikes.gotMinutes != 7 {
		t.Errorf("lookback must equal the run length in minutes, got %d", spikes.gotMinutes)
	}
	if *alert.VolumeRatio != 2.5 {
		t.Errorf("volume fields must come from the stored spike: %v", *alert.VolumeRatio)
	}
}

func TestPriorityRequiresBothConditions(t *testing.T) {
	p := NewPriorityCorrelator(&fakeAlertStore{}, &fakeSpikes{}, zerolog.Nop())
	ctx := context.Background()
	cfg := testSignalConfig()

	if a, _ := p.Correlate(ctx, "BTCUSDT", nil, spikeAlert(3.3, false), cfg, 0); a != nil {
		t.Error("a spike without a run must not emit priority")
	}
	if a, _ := p.Correlate(ctx, "BTCUSDT", runAlert(5, false), nil, cfg, 0); a != nil {
		t.Error("a run with no spike anywhere must not emit priority")
	}
}

func TestPriorityDisabled(t *testing.T) {
	p := NewPriorityCorrelator(&fakeAlertStore{}, &fakeSpikes{}, zerolog.Nop())
	cfg := testSignalConfig()
	cfg.PriorityAlertsEnabled = false

	if a, _ := p.Correlate(context.Background(), "BTCUSDT", runAlert(5, false), spikeAlert(3.3, false), cfg, 0); a != nil {
		t.Error("disabled correlator must stay quiet")
	}
}
