// Package notification delivers alerts to external messengers. The
// manager fans an alert out to every enabled provider; delivery is
// best-effort and never blocks the signal pipeline.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/database"
)

// Notifier is one delivery provider.
type Notifier interface {
	Send(ctx context.Context, alert *database.Alert) error
	Name() string
	IsEnabled() bool
}

// Manager fans alerts out to the registered providers. It satisfies
// the pipeline's alert sink interface.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a manager.
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Publish delivers the alert to every enabled provider. Preliminary
// alerts are skipped; messengers only see finalized signals.
func (m *Manager) Publish(ctx context.Context, alert *database.Alert, created bool) {
	if !m.enabled || !alert.IsClosed {
		return
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, alert); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Str("symbol", alert.Symbol).Msg("alert delivery failed")
		}
	}
}

// FormatAlert renders the messenger text for an alert.
func FormatAlert(alert *database.Alert) string {
	var b strings.Builder

	switch alert.Kind {
	case database.AlertVolumeSpike:
		fmt.Fprintf(&b, "📊 Volume spike: %s\n", alert.Symbol)
		if alert.VolumeRatio != nil {
			fmt.Fprintf(&b, "Ratio: %.2fx", *alert.VolumeRatio)
			if alert.CurrentVolumeQuote != nil && alert.AverageVolumeQuote != nil {
				fmt.Fprintf(&b, " (%.0f vs %.0f)", *alert.CurrentVolumeQuote, *alert.AverageVolumeQuote)
			}
			b.WriteString("\n")
		}
		if alert.IsTrueSignal != nil {
			if *alert.IsTrueSignal {
				b.WriteString("Confirmed at close ✅\n")
			} else {
				b.WriteString("Not confirmed at close ❌\n")
			}
		}
	case database.AlertConsecutiveLong:
		fmt.Fprintf(&b, "📈 Consecutive run: %s\n", alert.Symbol)
		if alert.ConsecutiveCount != nil {
			fmt.Fprintf(&b, "%d bullish candles in a row\n", *alert.ConsecutiveCount)
		}
	case database.AlertPriority:
		fmt.Fprintf(&b, "🚨 PRIORITY: %s\n", alert.Symbol)
		if alert.ConsecutiveCount != nil {
			fmt.Fprintf(&b, "Run: %d candles", *alert.ConsecutiveCount)
			if alert.VolumeRatio != nil {
				fmt.Fprintf(&b, ", volume %.2fx", *alert.VolumeRatio)
			}
			b.WriteString("\n")
		}
	default:
		fmt.Fprintf(&b, "%s: %s\n", alert.Kind, alert.Symbol)
	}

	fmt.Fprintf(&b, "Price: %g\n", alert.Price)
	if alert.HasImbalance && alert.Imbalance != nil {
		fmt.Fprintf(&b, "Imbalance: %s %s (%.2f%%)\n", alert.Imbalance.Direction, alert.Imbalance.Kind, alert.Imbalance.Strength)
	}
	return strings.TrimRight(b.String(), "\n")
}

// TelegramNotifier sends alerts through the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	baseURL  string
}

// NewTelegramNotifier creates a Telegram notifier. It is disabled when
// the token or chat id is missing.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  "https://api.telegram.org",
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// Send posts the rendered alert to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, alert *database.Alert) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": t.chatID,
		"text":    FormatAlert(alert),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
