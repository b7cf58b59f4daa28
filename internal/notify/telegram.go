// Package notify delivers concentration risk alerts via the Telegram Bot API.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
)

// ConcentrationAlert describes a snapshot whose risk warrants attention.
type ConcentrationAlert struct {
	Metrics      models.ConcentrationMetrics
	Previous     models.RiskLevel
	BlockNumber  uint64
	SnapshotTime time.Time
	TopHolders   []models.HolderEntry
}

// StatusFunc renders a plain-text status summary for the /status command.
type StatusFunc func() string

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	api            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.api = bot
	return c, nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// ListenForCommands polls for bot commands until ctx is cancelled.
// It returns immediately.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message.Chat.ID, update.Message.Command(), status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(chatID int64, command string, status StatusFunc) {
	var text string
	switch command {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status()
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Warn("Failed to answer /%s: %v", command, err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a failing refresh cycle.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Refresh error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery reports that refreshes succeed again after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Refresh recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendConcentration sends a formatted concentration alert.
func (c *Client) SendConcentration(alert ConcentrationAlert) error {
	return c.sendMarkdownV2(formatConcentration(alert))
}

var riskEmoji = map[models.RiskLevel]string{
	models.RiskLow:      "🟢",
	models.RiskMedium:   "🟡",
	models.RiskHigh:     "🟠",
	models.RiskCritical: "🔴",
}

func formatConcentration(a ConcentrationAlert) string {
	m := a.Metrics
	var b strings.Builder

	fmt.Fprintf(&b, "%s *Voting power concentration: %s*\n", riskEmoji[m.Risk], escapeMarkdownV2(strings.ToUpper(string(m.Risk))))
	if a.Previous != "" && a.Previous != m.Risk {
		fmt.Fprintf(&b, "Risk changed from %s\n", escapeMarkdownV2(string(a.Previous)))
	}
	fmt.Fprintf(&b, "📅 Block %d, %s\n\n", a.BlockNumber, escapeMarkdownV2(a.SnapshotTime.UTC().Format("2006-01-02 15:04:05")))

	stats := []struct {
		label string
		value string
	}{
		{"Holders", strconv.Itoa(m.HolderCount)},
		{"Nakamoto", strconv.Itoa(m.Nakamoto)},
		{"Gini", fmt.Sprintf("%.3f", m.Gini)},
		{"HHI", fmt.Sprintf("%.4f", m.HHI)},
		{"Top 1", fmt.Sprintf("%.2f%%", m.CR1)},
		{"Top 10", fmt.Sprintf("%.2f%%", m.CR10)},
		{"Effective holders", fmt.Sprintf("%.1f", m.EffectiveHolders)},
	}
	for _, s := range stats {
		fmt.Fprintf(&b, "%s: *%s*\n", escapeMarkdownV2(s.label), escapeMarkdownV2(s.value))
	}

	if len(a.TopHolders) > 0 {
		b.WriteString("\n*Largest holders*\n")
		for _, h := range a.TopHolders {
			fmt.Fprintf(&b, "%d\\. `%s` %s\n", h.Rank, h.Address.Hex(), escapeMarkdownV2(fmt.Sprintf("%.2f%%", h.Percentage)))
		}
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
