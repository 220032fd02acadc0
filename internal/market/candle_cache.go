package market

import "sync"

// DefaultCacheCapacity bounds the per-symbol rolling window (2 hours of
// one-minute candles).
const DefaultCacheCapacity = 120

// CandleCache keeps a bounded, in-memory rolling window of candles per
// symbol, ordered by open time ascending. Updates for the same open time
// overwrite in place; overflow evicts the oldest entry.
type CandleCache struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string][]Candle
}

// NewCandleCache creates a cache with the given per-symbol capacity.
func NewCandleCache(capacity int) *CandleCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &CandleCache{
		capacity: capacity,
		windows:  make(map[string][]Candle),
	}
}

// Update inserts or overwrites the candle in the symbol's window.
func (cc *CandleCache) Update(candle Candle) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	window := cc.windows[candle.Symbol]

	// Common case: the update belongs to the newest minute.
	if n := len(window); n > 0 && window[n-1].OpenTime == candle.OpenTime {
		window[n-1] = candle
		cc.windows[candle.Symbol] = window
		return
	}

	// Find the insertion point from the tail; streams rarely deliver
	// anything older than the previous minute.
	idx := len(window)
	for idx > 0 && window[idx-1].OpenTime > candle.OpenTime {
		idx--
	}
	if idx > 0 && window[idx-1].OpenTime == candle.OpenTime {
		window[idx-1] = candle
		cc.windows[candle.Symbol] = window
		return
	}

	window = append(window, Candle{})
	copy(window[idx+1:], window[idx:])
	window[idx] = candle

	if len(window) > cc.capacity {
		window = window[len(window)-cc.capacity:]
	}
	cc.windows[candle.Symbol] = window
}

// Snapshot returns a copy of the symbol's window, oldest first. The copy
// is safe to read while the cache keeps mutating.
func (cc *CandleCache) Snapshot(symbol string) []Candle {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	window := cc.windows[symbol]
	if len(window) == 0 {
		return nil
	}
	out := make([]Candle, len(window))
	copy(out, window)
	return out
}

// Len returns the number of cached candles for a symbol.
func (cc *CandleCache) Len(symbol string) int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.windows[symbol])
}

// Evict drops a symbol's window entirely.
func (cc *CandleCache) Evict(symbol string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.windows, symbol)
}

// Symbols returns the symbols currently held in the cache.
func (cc *CandleCache) Symbols() []string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	symbols := make([]string, 0, len(cc.windows))
	for s := range cc.windows {
		symbols = append(symbols, s)
	}
	return symbols
}
