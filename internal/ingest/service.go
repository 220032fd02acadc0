// Package ingest connects the exchange stream to the signal pipeline:
// it supervises the WebSocket connection, reconciles subscriptions
// against the watchlist, and backfills candle history over REST.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/bybit"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/events"
	"bybit-alert-bot/internal/market"
	"bybit-alert-bot/internal/signals"
)

// KlineSource fetches historical candles over REST.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]bybit.Kline, error)
}

// CandleWriter is the candle persistence surface the ingester needs.
type CandleWriter interface {
	Upsert(ctx context.Context, candle market.Candle) error
	Integrity(ctx context.Context, symbol string, hours int, nowMs int64) (*database.IntegrityReport, error)
	Cleanup(ctx context.Context, symbol string, retentionHours int, nowMs int64) (int64, error)
}

// WatchlistSource lists the tracked symbols.
type WatchlistSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// ExchangeClock reports corrected exchange time.
type ExchangeClock interface {
	NowExchangeMs() int64
}

// Service owns the three ingestion tasks: the reader loop, the
// subscription reconciler, and the connection supervisor.
type Service struct {
	cfg       config.BybitConfig
	signalCfg *config.Store
	klines    KlineSource
	candles   CandleWriter
	watchlist WatchlistSource
	subs      *bybit.SubscriptionManager
	processor *signals.Processor
	clock     ExchangeClock
	bus       *events.Bus
	logger    zerolog.Logger

	// newStream builds a connection; swapped out in tests.
	newStream func() *bybit.Stream
}

// NewService wires an ingestion service.
func NewService(
	cfg config.BybitConfig,
	signalCfg *config.Store,
	klines KlineSource,
	candles CandleWriter,
	watchlist WatchlistSource,
	subs *bybit.SubscriptionManager,
	processor *signals.Processor,
	clk ExchangeClock,
	bus *events.Bus,
	logger zerolog.Logger,
) *Service {
	s := &Service{
		cfg:       cfg,
		signalCfg: signalCfg,
		klines:    klines,
		candles:   candles,
		watchlist: watchlist,
		subs:      subs,
		processor: processor,
		clock:     clk,
		bus:       bus,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
	s.newStream = func() *bybit.Stream { return bybit.NewStream(cfg, logger) }
	return s
}

// Run backfills history, then keeps a stream connected and the
// subscriptions reconciled until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.StartupBackfill(ctx); err != nil {
		s.logger.Error().Err(err).Msg("startup backfill incomplete, continuing with live data")
	}

	go s.reconcileLoop(ctx)
	s.superviseStream(ctx)
	return ctx.Err()
}

// superviseStream reconnects with a fixed backoff whenever the reader
// loop returns.
func (s *Service) superviseStream(ctx context.Context) {
	delay := time.Duration(s.cfg.ReconnectDelaySec) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for ctx.Err() == nil {
		if err := s.runStreamOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream terminated")
			s.bus.Publish(events.Event{Type: events.EventStreamDisconnected, Data: map[string]any{"error": err.Error()}})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Service) runStreamOnce(ctx context.Context) error {
	stream := s.newStream()
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	s.subs.SetSubscriber(stream)
	s.bus.Publish(events.Event{Type: events.EventStreamConnected})

	if s.subs.Count() > 0 {
		if err := s.subs.Resubscribe(); err != nil {
			stream.Close()
			return err
		}
	} else if err := s.reconcileOnce(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial subscription reconcile failed")
	}

	return stream.Run(ctx, s.onKline)
}

// onKline is the reader-loop body: normalize the event and hand it to
// the symbol's shard.
func (s *Service) onKline(ev bybit.KlineEvent) {
	s.subs.RecordUpdate()

	openTime := ev.StartMs
	if ev.Confirm {
		openTime = market.AlignToMinute(openTime)
	}
	s.processor.Submit(market.Candle{
		Symbol:   ev.Symbol,
		OpenTime: openTime,
		Open:     ev.Open,
		High:     ev.High,
		Low:      ev.Low,
		Close:    ev.Close,
		Volume:   ev.Volume,
		IsClosed: ev.Confirm,
	})
}

// reconcileLoop re-syncs subscriptions with the watchlist once a
// minute.
func (s *Service) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconcileOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("subscription reconcile failed")
			}
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context) error {
	desired, err := s.watchlist.Symbols(ctx)
	if err != nil {
		return err
	}
	added, removed, rerr := s.subs.Reconcile(desired)
	if len(added) > 0 || len(removed) > 0 {
		subscribed := s.subs.Count()
		pending := len(desired) - subscribed
		if pending < 0 {
			pending = 0
		}
		s.bus.PublishSubscriptionUpdated(len(desired), subscribed, pending, added, removed)
	}
	if rerr != nil {
		return rerr
	}

	// New pairs need history before the volume comparison means
	// anything.
	for _, symbol := range added {
		if err := s.backfillSymbol(ctx, symbol, s.totalHours()); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill for new pair failed")
		}
		s.pause(ctx, time.Duration(s.cfg.BackfillSymbolMs)*time.Millisecond)
	}
	return nil
}

func (s *Service) totalHours() int {
	cfg := s.signalCfg.Snapshot()
	return cfg.DataRetentionHours + cfg.AnalysisHours + 1
}

func (s *Service) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
