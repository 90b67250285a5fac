package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// SlackConfig holds Slack notifier configuration.
type SlackConfig struct {
	BotToken string // xoxb-... Bot User OAuth Token
	Channel  string // channel id to post into
	APIURL   string // optional API base URL, for tests and proxies
}

// Slack posts transition notices to one channel.
type Slack struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig, logger *slog.Logger) (*Slack, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		url := cfg.APIURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		opts = append(opts, slack.OptionAPIURL(url))
	}
	return &Slack{
		api:     slack.New(cfg.BotToken, opts...),
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

func (s *Slack) Notify(ctx context.Context, t protocol.Transition) error {
	text := MarkdownToMrkdwn(Summary(t))
	_, ts, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	s.logger.Debug("slack notice posted", "thread", t.ThreadID, "channel", s.channel, "ts", ts)
	return nil
}

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	result := convertEmphasis(md)
	result = strings.ReplaceAll(result, "~~", "~")
	return convertLinks(result)
}

// convertEmphasis maps **bold** to *bold* and *italic* to _italic_ in one
// pass, leaving code spans alone.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
		case ch == '*' && !inCode:
			if i+1 < len(s) && s[i+1] == '*' {
				b.WriteByte('*')
				i++
			} else {
				b.WriteByte('_')
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	return reLink.ReplaceAllString(s, "<$2|$1>")
}
