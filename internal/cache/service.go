// Package cache provides the Redis layer: alert broadcast over pub/sub
// and short-lived dedup keys. Redis is optional; when it is down the
// service degrades to a no-op and the pipeline keeps running.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
)

// Key layout.
const (
	prefixAlertDedup = "alert:dedup:%s:%s:%d" // symbol, kind, openTimeMs
	prefixLastAlert  = "alert:last:%s"        // symbol

	dedupTTL     = 10 * time.Minute
	lastAlertTTL = 24 * time.Hour
)

// Service wraps the Redis client with a small circuit breaker. Failed
// operations mark the connection unhealthy; a background ping closes
// the breaker once Redis answers again.
type Service struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewService connects to Redis. A failed initial connection returns the
// service in degraded mode rather than an error.
func NewService(cfg config.RedisConfig, logger zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		channel:       cfg.Channel,
		logger:        logger.With().Str("component", "redis").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	return s, nil
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// broadcastEnvelope is the wire shape on the pub/sub channel. Consumers
// use Type to tell a fresh alert from a rewrite of one they saw.
type broadcastEnvelope struct {
	Type  string          `json:"type"`
	Alert *database.Alert `json:"alert"`
}

// Publish implements the alert sink: the alert is wrapped in a NEW or
// UPDATE envelope and pushed onto the broadcast channel. Failures only
// degrade the breaker.
func (s *Service) Publish(ctx context.Context, alert *database.Alert, created bool) {
	if !s.available(ctx) || s.channel == "" {
		return
	}
	kind := "UPDATE"
	if created {
		kind = "NEW"
	}
	envelope, err := json.Marshal(broadcastEnvelope{Type: kind, Alert: alert})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode alert for broadcast")
		return
	}
	if err := s.client.Publish(ctx, s.channel, envelope).Err(); err != nil {
		s.recordFailure()
		s.logger.Warn().Err(err).Msg("alert broadcast failed")
		return
	}
	s.recordSuccess()

	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, fmt.Sprintf(prefixLastAlert, alert.Symbol), payload, lastAlertTTL).Err(); err != nil {
		s.recordFailure()
	}
}

// MarkAlerted sets the dedup key for a (symbol, kind, minute) triple.
// Returns true when this call was the first to set it. When Redis is
// down every call reports first, which at worst re-sends a notification.
func (s *Service) MarkAlerted(ctx context.Context, symbol, kind string, openTimeMs int64) bool {
	if !s.available(ctx) {
		return true
	}
	key := fmt.Sprintf(prefixAlertDedup, symbol, kind, openTimeMs)
	ok, err := s.client.SetNX(ctx, key, 1, dedupTTL).Result()
	if err != nil {
		s.recordFailure()
		return true
	}
	s.recordSuccess()
	return ok
}

// LastAlert returns the most recent broadcast alert for a symbol, or
// nil when none is cached.
func (s *Service) LastAlert(ctx context.Context, symbol string) (*database.Alert, error) {
	if !s.available(ctx) {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, fmt.Sprintf(prefixLastAlert, symbol)).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return nil, nil
	}
	if err != nil {
		s.recordFailure()
		return nil, err
	}
	s.recordSuccess()

	alert := &database.Alert{}
	if err := json.Unmarshal(payload, alert); err != nil {
		return nil, fmt.Errorf("decode cached alert: %w", err)
	}
	return alert, nil
}

// Close shuts down the client.
func (s *Service) Close() error {
	return s.client.Close()
}

// available checks the breaker and schedules a recovery probe when the
// connection has been down long enough.
func (s *Service) available(ctx context.Context) bool {
	s.mu.RLock()
	healthy := s.healthy
	shouldProbe := !healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if shouldProbe {
		s.mu.Lock()
		s.lastCheck = time.Now()
		s.mu.Unlock()
		go func() {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.Ping(pingCtx).Err(); err == nil {
				s.recordSuccess()
			}
		}()
	}
	return healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}
