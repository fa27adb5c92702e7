// Package telegram implements the "telegram" outbound channel sender.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tinyclawhq/tinyclaw/internal/gateway"
)

// Telegram rejects messages above 4096 characters.
const maxMessageLen = 4096

// Sender delivers gateway messages through the Telegram Bot API.
type Sender struct {
	bot *telego.Bot
}

// New creates a Sender from a bot token.
func New(token string) (*Sender, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Sender{bot: bot}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Send delivers msg to the chat identified by userID ("telegram:<chatID>").
// Low-priority messages are sent silently.
func (s *Sender) Send(ctx context.Context, userID string, msg gateway.Message) error {
	_, ident, ok := strings.Cut(userID, ":")
	if !ok {
		ident = userID
	}
	chatID, err := strconv.ParseInt(ident, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram user id %q is not a chat id: %w", userID, err)
	}

	for _, chunk := range splitMessage(msg.Content, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if msg.Priority == gateway.PriorityLow {
			params = params.WithDisableNotification()
		}
		if _, err := s.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit characters,
// preferring line boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
