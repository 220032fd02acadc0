package ingest

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"bybit-alert-bot/internal/bybit"
	"bybit-alert-bot/internal/database"
)

// orderBookDepth is the snapshot depth attached to alerts.
const orderBookDepth = 25

// DepthSource fetches order-book snapshots over REST.
type DepthSource interface {
	GetOrderBook(ctx context.Context, symbol string, limit int) (*bybit.OrderBook, error)
}

// OrderBookAdapter turns exchange depth snapshots into alert
// annotations. A semaphore caps in-flight fetches and a limiter spaces
// them out, so an alert storm cannot flood the REST endpoint.
type OrderBookAdapter struct {
	source  DepthSource
	limiter *rate.Limiter
	sem     chan struct{}
}

// NewOrderBookAdapter creates an adapter with at most maxInFlight
// concurrent fetches.
func NewOrderBookAdapter(source DepthSource, maxInFlight int) *OrderBookAdapter {
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	return &OrderBookAdapter{
		source:  source,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Snapshot fetches a depth snapshot for the symbol.
func (a *OrderBookAdapter) Snapshot(ctx context.Context, symbol string) (*database.OrderBookSnapshot, error) {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	book, err := a.source.GetOrderBook(ctx, symbol, orderBookDepth)
	if err != nil {
		return nil, err
	}
	return &database.OrderBookSnapshot{
		Bids:      toLevels(book.Bids),
		Asks:      toLevels(book.Asks),
		Timestamp: book.Timestamp,
	}, nil
}

func toLevels(rows [][2]float64) []database.PriceLevel {
	levels := make([]database.PriceLevel, 0, len(rows))
	for _, row := range rows {
		levels = append(levels, database.PriceLevel{Price: row[0], Quantity: row[1]})
	}
	return levels
}
