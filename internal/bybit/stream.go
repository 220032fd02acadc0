package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
)

// KlineEvent is one parsed kline push from the public stream.
type KlineEvent struct {
	Symbol     string
	StartMs    int64
	EndMs      int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Turnover   float64
	Confirm    bool
	ReceivedAt time.Time
}

// wsRequest is the subscribe/unsubscribe/ping frame.
type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsKlinePush matches the kline.1.{symbol} topic payload.
type wsKlinePush struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  []struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
		Confirm  bool   `json:"confirm"`
	} `json:"data"`
}

// Stream is one WebSocket connection to the public linear stream. It is
// single-use: Run connects, reads until failure or cancellation, and
// returns. Reconnection policy lives in the supervisor that owns it.
type Stream struct {
	url          string
	pingInterval time.Duration
	idleTimeout  time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex // guards writes to conn
	conn *websocket.Conn

	lastMessageMs atomic.Int64
}

// NewStream creates an unconnected stream.
func NewStream(cfg config.BybitConfig, logger zerolog.Logger) *Stream {
	ping := time.Duration(cfg.PingIntervalSec) * time.Second
	if ping <= 0 {
		ping = 20 * time.Second
	}
	idle := time.Duration(cfg.IdleTimeoutSec) * time.Second
	if idle <= 0 {
		idle = 120 * time.Second
	}
	return &Stream{
		url:          cfg.WSBaseURL,
		pingInterval: ping,
		idleTimeout:  idle,
		logger:       logger.With().Str("component", "bybit-stream").Logger(),
	}
}

// Connect dials the stream endpoint.
func (s *Stream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastMessageMs.Store(time.Now().UnixMilli())
	s.logger.Info().Str("url", s.url).Msg("stream connected")
	return nil
}

// Subscribe sends one subscribe op for the given kline topics.
func (s *Stream) Subscribe(symbols []string) error {
	return s.send(wsRequest{Op: "subscribe", Args: klineTopics(symbols)})
}

// Unsubscribe sends one unsubscribe op for the given kline topics.
func (s *Stream) Unsubscribe(symbols []string) error {
	return s.send(wsRequest{Op: "unsubscribe", Args: klineTopics(symbols)})
}

// Run reads messages and invokes onEvent for each kline push until the
// connection dies, goes idle past the threshold, or ctx is cancelled.
// An application-level ping is sent on the configured cadence.
func (s *Stream) Run(ctx context.Context, onEvent func(KlineEvent)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream not connected")
	}
	defer s.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.lastMessageMs.Store(time.Now().UnixMilli())
			s.handleMessage(payload, onEvent)
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	idleTicker := time.NewTicker(s.idleTimeout / 4)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("stream read: %w", err)
		case <-pingTicker.C:
			if err := s.send(wsRequest{Op: "ping"}); err != nil {
				return fmt.Errorf("stream ping: %w", err)
			}
		case <-idleTicker.C:
			idle := time.Now().UnixMilli() - s.lastMessageMs.Load()
			if idle > s.idleTimeout.Milliseconds() {
				return fmt.Errorf("stream idle for %dms, tearing down", idle)
			}
		}
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) handleMessage(payload []byte, onEvent func(KlineEvent)) {
	var push wsKlinePush
	if err := json.Unmarshal(payload, &push); err != nil {
		s.logger.Debug().Err(err).Msg("unparseable stream message")
		return
	}
	if !strings.HasPrefix(push.Topic, "kline.") {
		// op acks, pongs and other topics
		return
	}
	symbol := klineTopicSymbol(push.Topic)
	if symbol == "" {
		s.logger.Warn().Str("topic", push.Topic).Msg("kline topic without symbol")
		return
	}

	now := time.Now()
	for _, d := range push.Data {
		onEvent(KlineEvent{
			Symbol:     symbol,
			StartMs:    d.Start,
			EndMs:      d.End,
			Open:       parseFloat(d.Open),
			High:       parseFloat(d.High),
			Low:        parseFloat(d.Low),
			Close:      parseFloat(d.Close),
			Volume:     parseFloat(d.Volume),
			Turnover:   parseFloat(d.Turnover),
			Confirm:    d.Confirm,
			ReceivedAt: now,
		})
	}
}

func (s *Stream) send(req wsRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return s.conn.WriteJSON(req)
}

func klineTopics(symbols []string) []string {
	topics := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		topics = append(topics, "kline.1."+sym)
	}
	return topics
}

// klineTopicSymbol extracts BTCUSDT from "kline.1.BTCUSDT".
func klineTopicSymbol(topic string) string {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
