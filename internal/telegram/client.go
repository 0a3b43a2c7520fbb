// Package telegram sends run summaries of the panel builder via the Telegram Bot API.
// It formats the outcome of a run into a MarkdownV2 message and delivers it
// under a bounded retry policy. Delivery failures are reported to the caller
// and never change the outcome of the run itself.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/relaypanel/internal/retry"
)

// Sender is the part of the bot API the client needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Summary describes the outcome of one panel run
type Summary struct {
	RunID        string
	Start        string
	End          string
	Hours        []int
	Days         int
	CommonRelays int
	Rows         int
	Output       string
	Fallbacks    []string
	Duration     time.Duration
	Err          error
}

// Client handles Telegram notifications
type Client struct {
	bot    Sender
	chatID int64
	policy retry.Policy
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return NewClientWithSender(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

// NewClientWithSender creates a client over an existing bot connection.
func NewClientWithSender(bot Sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:    bot,
		chatID: chatID,
		policy: retry.NewPolicy(maxRetries, retryDelayBase, 2),
	}
}

// Send delivers a summary of the run
func (c *Client) Send(ctx context.Context, s Summary) error {
	msg := tgbotapi.NewMessage(c.chatID, formatMessage(s))
	msg.ParseMode = "MarkdownV2"

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.bot.Send(msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// formatMessage formats a run summary into a Telegram message
func formatMessage(s Summary) string {
	var b strings.Builder

	switch {
	case s.Err != nil:
		b.WriteString("❌ *Relay panel run failed*\n\n")
	case s.CommonRelays == 0:
		b.WriteString("⚠️ *Relay panel written with no common relays*\n\n")
	default:
		b.WriteString("✅ *Relay panel written*\n\n")
	}

	hours := make([]string, len(s.Hours))
	for i, h := range s.Hours {
		hours[i] = fmt.Sprintf("%02d", h)
	}

	fmt.Fprintf(&b, "📅 Range: %s → %s\n", escapeMarkdownV2(s.Start), escapeMarkdownV2(s.End))
	fmt.Fprintf(&b, "🕒 Hours: %s\n", escapeMarkdownV2(strings.Join(hours, ", ")))

	if s.Err != nil {
		fmt.Fprintf(&b, "💥 Error: %s\n", escapeMarkdownV2(s.Err.Error()))
	} else {
		fmt.Fprintf(&b, "📊 Days: %d, common relays: %d, rows: %d\n", s.Days, s.CommonRelays, s.Rows)
		fmt.Fprintf(&b, "📄 Output: `%s`\n", escapeCode(s.Output))
		if len(s.Fallbacks) > 0 {
			fmt.Fprintf(&b, "↩️ Fallback hours: %s\n", escapeMarkdownV2(strings.Join(s.Fallbacks, ", ")))
		}
	}
	fmt.Fprintf(&b, "⏱ Took: %s\n", escapeMarkdownV2(formatDuration(s.Duration)))
	if s.RunID != "" {
		fmt.Fprintf(&b, "🔖 Run: `%s`\n", escapeCode(s.RunID))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside an inline code span
func escapeCode(text string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return r.Replace(text)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
