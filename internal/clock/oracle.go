// Package clock provides the single source of truth for "now" in
// exchange time. Two drift corrections are layered: a wall-UTC offset
// from external HTTP time endpoints, and an exchange offset measured on
// top of the corrected UTC so exchange drift stays isolated.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/market"
)

// Sanity bounds for exchange-reported timestamps, epoch ms.
const (
	minSaneTimeMs = 1_700_000_000_000
	maxSaneTimeMs = 2_000_000_000_000
)

// ExchangeTimeSource reports the exchange's current time in epoch ms.
type ExchangeTimeSource interface {
	ServerTime(ctx context.Context) (int64, error)
}

// Status describes the oracle's synchronization state.
type Status struct {
	State            string    `json:"state"` // "synced" or "not_synced"
	ExternalOffsetMs int64     `json:"external_offset_ms"`
	ExchangeOffsetMs int64     `json:"exchange_offset_ms"`
	LastExternalSync time.Time `json:"last_external_sync,omitempty"`
	LastExchangeSync time.Time `json:"last_exchange_sync,omitempty"`
}

// Oracle maintains the two offsets as atomic scalars; readers never
// block.
type Oracle struct {
	cfg        config.TimeSyncConfig
	exchange   ExchangeTimeSource
	httpClient *http.Client
	logger     zerolog.Logger

	externalOffsetMs atomic.Int64
	exchangeOffsetMs atomic.Int64
	lastExternalSync atomic.Int64 // epoch ms, 0 = never
	lastExchangeSync atomic.Int64

	// localNowMs is the uncorrected wall clock; injectable for tests.
	localNowMs func() int64
}

// New creates an oracle. Offsets start at zero, which degrades every
// decision to the naive local-clock comparison until the first sync.
func New(cfg config.TimeSyncConfig, exchange ExchangeTimeSource, logger zerolog.Logger) *Oracle {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Oracle{
		cfg:        cfg,
		exchange:   exchange,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "clock").Logger(),
		localNowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// NowUTCMs returns drift-corrected wall UTC in epoch ms.
func (o *Oracle) NowUTCMs() int64 {
	return o.localNowMs() + o.externalOffsetMs.Load()
}

// NowExchangeMs returns the current time as the exchange sees it.
func (o *Oracle) NowExchangeMs() int64 {
	return o.NowUTCMs() + o.exchangeOffsetMs.Load()
}

// IsCandleClosed reports whether the candle's interval has elapsed in
// exchange time.
func (o *Oracle) IsCandleClosed(candle market.Candle) bool {
	return o.NowExchangeMs() >= candle.CloseTime()
}

// CandleCloseTime returns the close boundary for a minute candle.
func CandleCloseTime(openTimeMs int64) int64 {
	return openTimeMs + market.MinuteMs
}

// Status returns the current sync state. "synced" requires both layers
// to have succeeded at least once.
func (o *Oracle) Status() Status {
	st := Status{
		ExternalOffsetMs: o.externalOffsetMs.Load(),
		ExchangeOffsetMs: o.exchangeOffsetMs.Load(),
		State:            "not_synced",
	}
	ext, exc := o.lastExternalSync.Load(), o.lastExchangeSync.Load()
	if ext > 0 {
		st.LastExternalSync = time.UnixMilli(ext)
	}
	if exc > 0 {
		st.LastExchangeSync = time.UnixMilli(exc)
	}
	if ext > 0 && exc > 0 {
		st.State = "synced"
	}
	return st
}

// SyncExternal measures the wall-UTC offset against the configured time
// endpoints, trying each in order until one succeeds. Failure keeps the
// last known offset.
func (o *Oracle) SyncExternal(ctx context.Context) error {
	var lastErr error
	for _, url := range o.cfg.ExternalURLs {
		before := o.localNowMs()
		serverMs, err := o.fetchExternalTime(ctx, url)
		after := o.localNowMs()
		if err != nil {
			lastErr = err
			o.logger.Debug().Err(err).Str("url", url).Msg("external time source failed")
			continue
		}

		offset := serverMs - (before + (after-before)/2)
		o.externalOffsetMs.Store(offset)
		o.lastExternalSync.Store(o.localNowMs())
		o.logger.Info().Int64("offset_ms", offset).Str("url", url).Msg("external time synced")
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no external time sources configured")
	}
	o.logger.Warn().Err(lastErr).Msg("external time sync failed on all sources, keeping last offset")
	return lastErr
}

// SyncExchange measures the exchange offset on top of the corrected UTC
// clock.
func (o *Oracle) SyncExchange(ctx context.Context) error {
	before := o.NowUTCMs()
	serverMs, err := o.exchange.ServerTime(ctx)
	after := o.NowUTCMs()
	if err != nil {
		o.logger.Warn().Err(err).Msg("exchange time sync failed, keeping last offset")
		return err
	}
	if serverMs < minSaneTimeMs || serverMs > maxSaneTimeMs {
		err := fmt.Errorf("exchange time %d outside sane bounds", serverMs)
		o.logger.Warn().Err(err).Msg("rejecting exchange time")
		return err
	}

	offset := serverMs - (before + (after-before)/2)
	o.exchangeOffsetMs.Store(offset)
	o.lastExchangeSync.Store(o.localNowMs())
	o.logger.Info().Int64("offset_ms", offset).Msg("exchange time synced")
	return nil
}

// Run performs an initial sync of both layers and then re-syncs on the
// configured cadences until the context is cancelled.
func (o *Oracle) Run(ctx context.Context) {
	_ = o.SyncExternal(ctx)
	_ = o.SyncExchange(ctx)

	externalEvery := time.Duration(o.cfg.ExternalIntervalMin) * time.Minute
	if externalEvery <= 0 {
		externalEvery = time.Hour
	}
	exchangeEvery := time.Duration(o.cfg.ExchangeIntervalMin) * time.Minute
	if exchangeEvery <= 0 {
		exchangeEvery = 5 * time.Minute
	}
	externalTicker := time.NewTicker(externalEvery)
	exchangeTicker := time.NewTicker(exchangeEvery)
	defer externalTicker.Stop()
	defer exchangeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-externalTicker.C:
			_ = o.SyncExternal(ctx)
		case <-exchangeTicker.C:
			_ = o.SyncExchange(ctx)
		}
	}
}

// externalTimeResponse covers the common JSON shapes of public time
// endpoints: unixtime in seconds (worldtimeapi) or milliseconds.
type externalTimeResponse struct {
	Unixtime   int64 `json:"unixtime"`
	UnixtimeMs int64 `json:"unixtime_ms"`
}

func (o *Oracle) fetchExternalTime(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("time endpoint %s returned %d", url, resp.StatusCode)
	}

	var body externalTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode time response from %s: %w", url, err)
	}

	switch {
	case body.UnixtimeMs > 0:
		return body.UnixtimeMs, nil
	case body.Unixtime > 0:
		return body.Unixtime * 1000, nil
	default:
		return 0, fmt.Errorf("time endpoint %s returned no usable timestamp", url)
	}
}
