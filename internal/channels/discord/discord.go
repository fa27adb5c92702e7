// Package discord implements the "discord" outbound channel sender.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tinyclawhq/tinyclaw/internal/gateway"
)

// Discord rejects messages above 2000 characters.
const maxMessageLen = 2000

// Sender delivers gateway messages through a Discord bot session.
// When announceChannelID is set the sender also supports broadcasting.
type Sender struct {
	session           *discordgo.Session
	announceChannelID string
}

// New creates a Sender from a bot token. announceChannelID may be empty,
// which disables Broadcast.
func New(token, announceChannelID string) (*Sender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages
	return &Sender{session: session, announceChannelID: announceChannelID}, nil
}

// Open connects the underlying session. Must be called before Send.
func (s *Sender) Open() error {
	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Sender) Close() error { return s.session.Close() }

func (s *Sender) Name() string { return "discord" }

// Send DMs the user identified by userID ("discord:<userID>").
func (s *Sender) Send(ctx context.Context, userID string, msg gateway.Message) error {
	_, ident, ok := strings.Cut(userID, ":")
	if !ok {
		ident = userID
	}

	dm, err := s.session.UserChannelCreate(ident)
	if err != nil {
		return fmt.Errorf("discord dm channel for %s: %w", ident, err)
	}
	return s.sendChunks(dm.ID, msg.Content)
}

// Broadcast posts msg to the configured announcement channel.
func (s *Sender) Broadcast(ctx context.Context, msg gateway.Message) error {
	if s.announceChannelID == "" {
		return fmt.Errorf("discord broadcast: no announcement channel configured")
	}
	return s.sendChunks(s.announceChannelID, msg.Content)
}

func (s *Sender) sendChunks(channelID, content string) error {
	for _, chunk := range splitMessage(content, maxMessageLen) {
		if _, err := s.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord send to %s: %w", channelID, err)
		}
	}
	return nil
}

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
