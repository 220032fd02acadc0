package bybit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicSubscriber sends subscribe/unsubscribe ops for kline topics.
// *Stream satisfies it.
type TopicSubscriber interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// SubscriptionStats is a point-in-time view for status reporting.
type SubscriptionStats struct {
	TotalSymbols    int       `json:"total_symbols"`
	UpdatesReceived int64     `json:"updates_received"`
	LastUpdateTime  time.Time `json:"last_update_time"`
	FailedBatches   int64     `json:"failed_batches"`
}

// SubscriptionManager tracks which symbols the stream is subscribed to
// and applies watchlist changes in paced batches so a large watchlist
// never floods the socket.
type SubscriptionManager struct {
	mu         sync.RWMutex
	subscribed map[string]bool
	subscriber TopicSubscriber

	batchSize  int
	batchDelay time.Duration
	logger     zerolog.Logger

	updatesReceived int64
	lastUpdateTime  time.Time
	failedBatches   int64
}

// NewSubscriptionManager creates a manager with the given pacing.
func NewSubscriptionManager(batchSize int, batchDelayMs int, logger zerolog.Logger) *SubscriptionManager {
	if batchSize <= 0 || batchSize > 50 {
		batchSize = 50
	}
	if batchDelayMs <= 0 {
		batchDelayMs = 500
	}
	return &SubscriptionManager{
		subscribed: make(map[string]bool),
		batchSize:  batchSize,
		batchDelay: time.Duration(batchDelayMs) * time.Millisecond,
		logger:     logger.With().Str("component", "subscriptions").Logger(),
	}
}

// SetSubscriber attaches the active stream. Called after each reconnect.
func (m *SubscriptionManager) SetSubscriber(sub TopicSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = sub
}

// Reconcile diffs the desired symbol set against the current
// subscriptions, sends one unsubscribe op for removals and paced
// subscribe batches for additions, and returns what changed.
func (m *SubscriptionManager) Reconcile(desired []string) (added, removed []string, err error) {
	desiredSet := make(map[string]bool, len(desired))
	for _, sym := range desired {
		desiredSet[sym] = true
	}

	m.mu.Lock()
	for sym := range m.subscribed {
		if !desiredSet[sym] {
			removed = append(removed, sym)
		}
	}
	for sym := range desiredSet {
		if !m.subscribed[sym] {
			added = append(added, sym)
		}
	}
	sub := m.subscriber
	m.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	if sub == nil {
		if len(added) == 0 && len(removed) == 0 {
			return nil, nil, nil
		}
		// Nothing was tracked or sent; the caller must not treat the
		// diff as applied.
		return nil, nil, fmt.Errorf("no active stream to apply %d additions and %d removals", len(added), len(removed))
	}

	if len(removed) > 0 {
		if uerr := sub.Unsubscribe(removed); uerr != nil {
			m.mu.Lock()
			m.failedBatches++
			m.mu.Unlock()
			return added, removed, uerr
		}
		m.markUnsubscribed(removed)
	}

	for start := 0; start < len(added); start += m.batchSize {
		end := start + m.batchSize
		if end > len(added) {
			end = len(added)
		}
		batch := added[start:end]
		if serr := sub.Subscribe(batch); serr != nil {
			m.mu.Lock()
			m.failedBatches++
			m.mu.Unlock()
			return added, removed, serr
		}
		m.markSubscribed(batch)
		if end < len(added) {
			time.Sleep(m.batchDelay)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		m.logger.Info().
			Int("added", len(added)).
			Int("removed", len(removed)).
			Int("total", m.Count()).
			Msg("subscriptions reconciled")
	}
	return added, removed, nil
}

// Resubscribe replays every tracked symbol onto the current stream,
// in paced batches. Used after a reconnect.
func (m *SubscriptionManager) Resubscribe() error {
	symbols := m.Symbols()
	m.mu.RLock()
	sub := m.subscriber
	m.mu.RUnlock()
	if sub == nil || len(symbols) == 0 {
		return nil
	}

	for start := 0; start < len(symbols); start += m.batchSize {
		end := start + m.batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		if err := sub.Subscribe(symbols[start:end]); err != nil {
			m.mu.Lock()
			m.failedBatches++
			m.mu.Unlock()
			return err
		}
		if end < len(symbols) {
			time.Sleep(m.batchDelay)
		}
	}
	m.logger.Info().Int("symbols", len(symbols)).Msg("resubscribed after reconnect")
	return nil
}

// Symbols returns the tracked symbols, sorted.
func (m *SubscriptionManager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subscribed))
	for sym := range m.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether a symbol is currently tracked.
func (m *SubscriptionManager) IsSubscribed(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribed[symbol]
}

// Count returns the number of tracked symbols.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribed)
}

// RecordUpdate notes one received kline push for the stats view.
func (m *SubscriptionManager) RecordUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatesReceived++
	m.lastUpdateTime = time.Now()
}

// Stats returns a snapshot of the counters.
func (m *SubscriptionManager) Stats() SubscriptionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SubscriptionStats{
		TotalSymbols:    len(m.subscribed),
		UpdatesReceived: m.updatesReceived,
		LastUpdateTime:  m.lastUpdateTime,
		FailedBatches:   m.failedBatches,
	}
}

func (m *SubscriptionManager) markSubscribed(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		m.subscribed[sym] = true
	}
}

func (m *SubscriptionManager) markUnsubscribed(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		delete(m.subscribed, sym)
	}
}
