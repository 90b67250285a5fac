package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// TelegramConfig holds Telegram notifier configuration.
type TelegramConfig struct {
	Token  string // bot token from @BotFather
	ChatID int64  // operator chat or group
	// APIEndpoint overrides tgbotapi.APIEndpoint ("…/bot%s/%s").
	APIEndpoint string
}

// Telegram sends transition notices to one chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram authorizes the bot and creates a Telegram notifier.
func NewTelegram(cfg TelegramConfig, client *http.Client, logger *slog.Logger) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: chat_id is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (tg *Telegram) Notify(_ context.Context, t protocol.Transition) error {
	md := Summary(t)
	msg := tgbotapi.NewMessage(tg.chatID, MarkdownToTelegramHTML(md))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := tg.bot.Send(msg); err != nil {
		tg.logger.Warn("HTML send failed, falling back to plain text", "chat_id", tg.chatID, "error", err)
		msg.Text = StripMarkdown(md)
		msg.ParseMode = ""
		if _, err := tg.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

var (
	reCodeBlock  = regexp.MustCompile("```[a-z]*\\n?([\\s\\S]*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// MarkdownToTelegramHTML converts the markdown used in notices to
// Telegram's HTML subset. Code is escaped and never formatted.
func MarkdownToTelegramHTML(md string) string {
	var spans []string
	protect := func(html string) string {
		spans = append(spans, html)
		return fmt.Sprintf("\x00%d\x00", len(spans)-1)
	}
	s := reCodeBlock.ReplaceAllStringFunc(md, func(m string) string {
		inner := strings.TrimSuffix(reCodeBlock.FindStringSubmatch(m)[1], "\n")
		return protect("<pre>" + escapeHTML(inner) + "</pre>")
	})
	s = reInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return protect("<code>" + escapeHTML(reInlineCode.FindStringSubmatch(m)[1]) + "</code>")
	})

	s = escapeHTML(s)
	s = reBold.ReplaceAllString(s, "<b>$1</b>")
	s = reItalic.ReplaceAllString(s, "<i>$1</i>")
	s = reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)

	for i, html := range spans {
		s = strings.Replace(s, fmt.Sprintf("\x00%d\x00", i), html, 1)
	}
	return s
}

// StripMarkdown removes markdown formatting, returning plain text.
func StripMarkdown(md string) string {
	s := reCodeBlock.ReplaceAllString(md, "$1")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reBold.ReplaceAllString(s, "$1")
	s = reItalic.ReplaceAllString(s, "$1")
	return reLink.ReplaceAllString(s, "$1 ($2)")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
