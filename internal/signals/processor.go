package signals

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/market"
)

// CandleStore is the persistence boundary the processor writes through.
type CandleStore interface {
	Upsert(ctx context.Context, candle market.Candle) error
}

// ExchangeClock reports the current exchange time.
type ExchangeClock interface {
	NowExchangeMs() int64
}

// AlertSink receives every emitted alert. created reports whether the
// alert is a new record; false means a rewrite of one delivered
// earlier. Implementations must not block for long; slow delivery
// belongs behind the sink's own queue.
type AlertSink interface {
	Publish(ctx context.Context, alert *database.Alert, created bool)
}

// Processor is the per-symbol pipeline: it persists each kline update,
// refreshes the rolling cache, and drives the detectors. Symbols are
// sharded across workers by hash, so each symbol always lands on the
// same worker and per-symbol processing is strictly serialized.
type Processor struct {
	store       CandleStore
	cache       *market.CandleCache
	volume      *VolumeDetector
	consecutive *ConsecutiveDetector
	priority    *PriorityCorrelator
	clock       ExchangeClock
	cfg         *config.Store
	sinks       []AlertSink
	logger      zerolog.Logger

	// maintain, when set, runs range maintenance after a candle close.
	maintain func(ctx context.Context, symbol string)

	mu            sync.Mutex
	lastProcessed map[string]int64
	lastPrelim    map[string]int64

	shards []chan market.Candle
	wg     sync.WaitGroup
}

// NewProcessor wires the pipeline. workers must be at least 1.
func NewProcessor(
	store CandleStore,
	cache *market.CandleCache,
	volume *VolumeDetector,
	consecutive *ConsecutiveDetector,
	priority *PriorityCorrelator,
	clock ExchangeClock,
	cfg *config.Store,
	logger zerolog.Logger,
	workers int,
) *Processor {
	if workers < 1 {
		workers = 1
	}
	shards := make([]chan market.Candle, workers)
	for i := range shards {
		shards[i] = make(chan market.Candle, 256)
	}
	return &Processor{
		store:         store,
		cache:         cache,
		volume:        volume,
		consecutive:   consecutive,
		priority:      priority,
		clock:         clock,
		cfg:           cfg,
		logger:        logger.With().Str("component", "processor").Logger(),
		lastProcessed: make(map[string]int64),
		lastPrelim:    make(map[string]int64),
		shards:        shards,
	}
}

// AddSink registers an alert sink. Not safe after Start.
func (p *Processor) AddSink(sink AlertSink) {
	p.sinks = append(p.sinks, sink)
}

// SetMaintainFunc installs the post-close range maintenance hook. Not
// safe after Start.
func (p *Processor) SetMaintainFunc(fn func(ctx context.Context, symbol string)) {
	p.maintain = fn
}

// Start launches the shard workers. They drain until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for _, shard := range p.shards {
		p.wg.Add(1)
		go func(ch chan market.Candle) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case candle := <-ch:
					p.process(ctx, candle)
				}
			}
		}(shard)
	}
}

// Wait blocks until all workers have exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Submit routes one kline update to its symbol's shard. Drops the
// update when the shard is saturated; the stream will deliver a fresher
// one shortly.
func (p *Processor) Submit(candle market.Candle) {
	shard := p.shards[shardIndex(candle.Symbol, len(p.shards))]
	select {
	case shard <- candle:
	default:
		p.logger.Warn().Str("symbol", candle.Symbol).Msg("shard saturated, dropping update")
	}
}

func (p *Processor) process(ctx context.Context, candle market.Candle) {
	if err := p.store.Upsert(ctx, candle); err != nil {
		// The next tick re-upserts; detectors still run on the cache.
		p.logger.Error().Err(err).Str("symbol", candle.Symbol).Msg("candle upsert failed")
	}
	p.cache.Update(candle)

	window := p.cache.Snapshot(candle.Symbol)
	cfg := p.cfg.Snapshot()
	nowMs := p.clock.NowExchangeMs()

	if !candle.IsClosed {
		if !p.allowPreliminary(candle.Symbol, nowMs, cfg.UpdateIntervalSeconds) {
			return
		}
		alert, created, err := p.volume.Evaluate(ctx, candle, window, *cfg, nowMs, false)
		if err != nil {
			p.logger.Debug().Err(err).Str("symbol", candle.Symbol).Msg("volume evaluation failed")
		}
		p.publish(ctx, alert, created)
		return
	}

	// Closed candles replay on reconnect; process each minute once.
	if !p.advance(candle.Symbol, candle.OpenTime) {
		return
	}

	volumeAlert, volumeCreated, err := p.volume.Evaluate(ctx, candle, window, *cfg, nowMs, true)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", candle.Symbol).Msg("volume evaluation failed")
	}
	consecutiveAlert, consecutiveCreated, err := p.consecutive.OnClosedCandle(ctx, candle, window, *cfg, nowMs)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", candle.Symbol).Msg("consecutive evaluation failed")
	}
	priorityAlert, err := p.priority.Correlate(ctx, candle.Symbol, consecutiveAlert, volumeAlert, *cfg, nowMs)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", candle.Symbol).Msg("priority correlation failed")
	}

	p.publish(ctx, volumeAlert, volumeCreated)
	p.publish(ctx, consecutiveAlert, consecutiveCreated)
	p.publish(ctx, priorityAlert, true)

	if p.maintain != nil {
		p.maintain(ctx, candle.Symbol)
	}
}

// allowPreliminary spaces in-progress evaluations per symbol to the
// configured interval. Candle persistence and the cache still see every
// tick; only the detector pass is skipped. An interval of zero disables
// the throttle.
func (p *Processor) allowPreliminary(symbol string, nowMs int64, intervalSec int) bool {
	if intervalSec <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if nowMs-p.lastPrelim[symbol] < int64(intervalSec)*1000 {
		return false
	}
	p.lastPrelim[symbol] = nowMs
	return true
}

// advance records the close as processed; false means this minute was
// already handled.
func (p *Processor) advance(symbol string, openTimeMs int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if openTimeMs <= p.lastProcessed[symbol] {
		return false
	}
	p.lastProcessed[symbol] = openTimeMs
	return true
}

func (p *Processor) publish(ctx context.Context, alert *database.Alert, created bool) {
	if alert == nil {
		return
	}
	for _, sink := range p.sinks {
		sink.Publish(ctx, alert, created)
	}
}

func shardIndex(symbol string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(shards))
}
