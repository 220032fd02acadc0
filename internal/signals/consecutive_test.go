package signals

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"bybit-alert-bot/internal/market"
)

func TestConsecutiveRunThresholdAndExtension(t *testing.T) {
	store := &fakeAlertStore{}
	d := NewConsecutiveDetector(store, zerolog.Nop())
	cfg := testSignalConfig() // threshold 5
	ctx := context.Background()

	base := int64(1_800_000_000_000)
	for i := 0; i < 4; i++ {
		c := bullCandle("ETHUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true)
		alert, _, err := d.OnClosedCandle(ctx, c, nil, cfg, c.CloseTime())
		if err != nil {
			t.Fatal(err)
		}
		if alert != nil {
			t.Fatalf("no alert expected before the threshold, got one at candle %d", i+1)
		}
	}

	fifth := bullCandle("ETHUSDT", base+4*market.MinuteMs, 100, 101, 1, true)
	alert, created, err := d.OnClosedCandle(ctx, fifth, nil, cfg, fifth.CloseTime())
	if err != nil {
		t.Fatal(err)
	}
	if alert == nil || alert.ConsecutiveCount == nil || *alert.ConsecutiveCount != 5 {
		t.Fatalf("expected run alert with count 5, got %+v", alert)
	}
	if !created {
		t.Error("reaching the threshold creates a new record")
	}
	id := alert.ID

	sixth := bullCandle("ETHUSDT", base+5*market.MinuteMs, 100, 102, 1, true)
	extended, created, err := d.OnClosedCandle(ctx, sixth, nil, cfg, sixth.CloseTime())
	if err != nil {
		t.Fatal(err)
	}
	if extended.ID != id || *extended.ConsecutiveCount != 6 {
		t.Errorf("expected same id %d with count 6, got id=%d count=%d", id, extended.ID, *extended.ConsecutiveCount)
	}
	if created {
		t.Error("an extension rewrites the existing record")
	}
	if extended.Price != 102 {
		t.Errorf("extension must refresh the price, got %v", extended.Price)
	}
	if len(store.saves) != 1 {
		t.Errorf("the run must own a single row, got %d saves", len(store.saves))
	}
}

func TestConsecutiveRunBroken(t *testing.T) {
	store := &fakeAlertStore{}
	d := NewConsecutiveDetector(store, zerolog.Nop())
	cfg := testSignalConfig()
	ctx := context.Background()

	base := int64(1_800_000_000_000)
	for i := 0; i < 5; i++ {
		c := bullCandle("ETHUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true)
		if _, _, err := d.OnClosedCandle(ctx, c, nil, cfg, c.CloseTime()); err != nil {
			t.Fatal(err)
		}
	}

	bear := bullCandle("ETHUSDT", base+5*market.MinuteMs, 101, 99, 1, true)
	alert, _, err := d.OnClosedCandle(ctx, bear, nil, cfg, bear.CloseTime())
	if err != nil {
		t.Fatal(err)
	}
	if alert != nil {
		t.Error("a run break must not emit a new alert")
	}
	if d.Count("ETHUSDT") != 0 {
		t.Errorf("state must reset after a bearish close, count=%d", d.Count("ETHUSDT"))
	}
	if len(store.updates) == 0 || !strings.Contains(store.updates[len(store.updates)-1].Message, "run broken") {
		t.Error("the open alert must be finalized with a run-broken message")
	}

	// A fresh run starts from one.
	next := bullCandle("ETHUSDT", base+6*market.MinuteMs, 99, 100, 1, true)
	if _, _, err := d.OnClosedCandle(ctx, next, nil, cfg, next.CloseTime()); err != nil {
		t.Fatal(err)
	}
	if d.Count("ETHUSDT") != 1 {
		t.Errorf("new run must count from 1, got %d", d.Count("ETHUSDT"))
	}
}

func TestConsecutiveShortRunResetIsSilent(t *testing.T) {
	store := &fakeAlertStore{}
	d := NewConsecutiveDetector(store, zerolog.Nop())
	cfg := testSignalConfig()
	ctx := context.Background()

	base := int64(1_800_000_000_000)
	for i := 0; i < 3; i++ {
		c := bullCandle("SOLUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true)
		if _, _, err := d.OnClosedCandle(ctx, c, nil, cfg, c.CloseTime()); err != nil {
			t.Fatal(err)
		}
	}
	bear := bullCandle("SOLUSDT", base+3*market.MinuteMs, 101, 99, 1, true)
	if _, _, err := d.OnClosedCandle(ctx, bear, nil, cfg, bear.CloseTime()); err != nil {
		t.Fatal(err)
	}
	if len(store.saves) != 0 || len(store.updates) != 0 {
		t.Error("a run below the threshold must never touch the store")
	}
	if d.Count("SOLUSDT") != 0 {
		t.Error("short run must still reset")
	}
}

func TestConsecutiveStatePerSymbol(t *testing.T) {
	d := NewConsecutiveDetector(&fakeAlertStore{}, zerolog.Nop())
	cfg := testSignalConfig()
	ctx := context.Background()

	base := int64(1_800_000_000_000)
	for i := 0; i < 3; i++ {
		a := bullCandle("AUSDT", base+int64(i)*market.MinuteMs, 100, 101, 1, true)
		if _, _, err := d.OnClosedCandle(ctx, a, nil, cfg, a.CloseTime()); err != nil {
			t.Fatal(err)
		}
	}
	b := bullCandle("BUSDT", base, 100, 101, 1, true)
	if _, _, err := d.OnClosedCandle(ctx, b, nil, cfg, b.CloseTime()); err != nil {
		t.Fatal(err)
	}

	if d.Count("AUSDT") != 3 || d.Count("BUSDT") != 1 {
		t.Errorf("states must be independent: A=%d B=%d", d.Count("AUSDT"), d.Count("BUSDT"))
	}
}
