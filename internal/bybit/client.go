// Package bybit implements the Bybit v5 public market-data API: REST
// endpoints for klines, order-book snapshots and server time, and the
// public linear WebSocket stream.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bybit-alert-bot/config"
)

// Client is a Bybit v5 REST client for public endpoints. Requests are
// paced through a shared limiter.
type Client struct {
	baseURL    string
	category   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a REST client.
func NewClient(cfg config.BybitConfig, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.RESTBaseURL,
		category:   cfg.Category,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		logger:     logger.With().Str("component", "bybit-rest").Logger(),
	}
}

// Kline is one historical candle row from the REST endpoint.
type Kline struct {
	StartTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64
}

// OrderBook is a depth snapshot; levels are ordered best-first.
type OrderBook struct {
	Symbol    string
	Bids      [][2]float64 // [price, qty]
	Asks      [][2]float64
	Timestamp int64
}

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// GetKlines fetches one-minute candles in [start, end] and returns them
// oldest-first. The API caps limit at 1000 and responds newest-first.
func (c *Client) GetKlines(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", "1")
	params.Set("start", strconv.FormatInt(startMs, 10))
	params.Set("end", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(limit))

	var result struct {
		List [][]string `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(result.List))
	// Rows arrive newest-first; walk backwards to return oldest-first.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row has %d fields, want 7", len(row))
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline start %q: %w", row[0], err)
		}
		klines = append(klines, Kline{
			StartTime: start,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Turnover:  parseFloat(row[6]),
		})
	}
	return klines, nil
}

// GetOrderBook fetches a depth snapshot, 25 levels per side by default.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return nil, err
	}

	book := &OrderBook{
		Symbol:    result.Symbol,
		Bids:      parseLevels(result.Bids),
		Asks:      parseLevels(result.Asks),
		Timestamp: result.Ts,
	}
	return book, nil
}

// ServerTime returns the exchange clock in epoch ms. It satisfies the
// time oracle's exchange source interface.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := c.get(ctx, "/v5/market/time", url.Values{}, &result); err != nil {
		return 0, err
	}

	if result.TimeNano != "" {
		nano, err := strconv.ParseInt(result.TimeNano, 10, 64)
		if err == nil {
			return nano / int64(time.Millisecond), nil
		}
	}
	sec, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time %q: %w", result.TimeSecond, err)
	}
	return sec * 1000, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("%s API error %d: %s", path, env.RetCode, env.RetMsg)
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("parse %s result: %w", path, err)
	}
	return nil
}

func parseLevels(rows [][]string) [][2]float64 {
	levels := make([][2]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, [2]float64{parseFloat(row[0]), parseFloat(row[1])})
	}
	return levels
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
