package market

import "testing"

func minuteCandle(symbol string, minute int64, close float64) Candle {
	return Candle{
		Symbol:   symbol,
		OpenTime: minute * MinuteMs,
		Open:     close - 1,
		High:     close + 1,
		Low:      close - 2,
		Close:    close,
		Volume:   10,
		IsClosed: true,
	}
}

func TestCacheInsertKeepsOrder(t *testing.T) {
	cache := NewCandleCache(10)

	cache.Update(minuteCandle("BTCUSDT", 2, 101))
	cache.Update(minuteCandle("BTCUSDT", 1, 100))
	cache.Update(minuteCandle("BTCUSDT", 3, 102))

	window := cache.Snapshot("BTCUSDT")
	if len(window) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(window))
	}
	for i := 1; i < len(window); i++ {
		if window[i].OpenTime <= window[i-1].OpenTime {
			t.Errorf("window not ordered at index %d", i)
		}
	}
}

func TestCacheOverwriteSameOpenTime(t *testing.T) {
	cache := NewCandleCache(10)

	cache.Update(minuteCandle("BTCUSDT", 1, 100))
	cache.Update(minuteCandle("BTCUSDT", 1, 105))

	window := cache.Snapshot("BTCUSDT")
	if len(window) != 1 {
		t.Fatalf("duplicate open time must overwrite, got %d entries", len(window))
	}
	if window[0].Close != 105 {
		t.Errorf("expected latest close 105, got %v", window[0].Close)
	}
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	cache := NewCandleCache(5)

	for m := int64(1); m <= 8; m++ {
		cache.Update(minuteCandle("ETHUSDT", m, float64(100+m)))
	}

	window := cache.Snapshot("ETHUSDT")
	if len(window) != 5 {
		t.Fatalf("expected capacity 5, got %d", len(window))
	}
	if window[0].OpenTime != 4*MinuteMs {
		t.Errorf("oldest surviving candle should be minute 4, got %d", window[0].OpenTime/MinuteMs)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	cache := NewCandleCache(10)
	cache.Update(minuteCandle("BTCUSDT", 1, 100))

	snap := cache.Snapshot("BTCUSDT")
	cache.Update(minuteCandle("BTCUSDT", 1, 200))

	if snap[0].Close != 100 {
		t.Error("snapshot must not observe later mutations")
	}
}

func TestCandleDerivedFields(t *testing.T) {
	c := Candle{OpenTime: 120_000, Open: 100, Close: 110, Volume: 30}
	if !c.IsBullish() {
		t.Error("close above open should be bullish")
	}
	if c.QuoteVolume() != 3300 {
		t.Errorf("expected quote volume 3300, got %v", c.QuoteVolume())
	}
	if c.CloseTime() != 180_000 {
		t.Errorf("expected close time 180000, got %d", c.CloseTime())
	}
	if AlignToMinute(125_500) != 120_000 {
		t.Errorf("alignment failed: %d", AlignToMinute(125_500))
	}
}
