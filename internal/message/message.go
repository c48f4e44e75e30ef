package message

import (
	"context"
	"time"
)

// Message is an inbound chat message as seen by the core.
// Platform adapters convert native message objects into this interface at the boundary.
type Message interface {
	ID() string
	Text() string
	ChannelID() string
	AuthorID() string
	AuthorName() string
	IsFromBot() bool
	MentionsUser(userID string) bool
	IsReplyToBot() bool
	Timestamp() time.Time
}

// Handler receives inbound messages
type Handler func(Message)

// Messenger is the chat platform capability consumed by the pipeline and the webhook server
type Messenger interface {
	// SendMessageToChannel posts text to a channel, splitting it if the platform requires
	SendMessageToChannel(ctx context.Context, channelID, text string) error

	// GetMessagesFromChannel returns up to limit recent messages, oldest first
	GetMessagesFromChannel(ctx context.Context, channelID string, limit int) ([]Message, error)

	// SetMessageHandler registers the callback for inbound messages
	SetMessageHandler(h Handler)
}

// Simple is a plain Message value, used for synthetic messages and in tests
type Simple struct {
	MessageID  string
	Content    string
	Channel    string
	Author     string
	Name       string
	Bot        bool
	Mentions   []string
	ReplyToBot bool
	CreatedAt  time.Time
}

func (m *Simple) ID() string           { return m.MessageID }
func (m *Simple) Text() string         { return m.Content }
func (m *Simple) ChannelID() string    { return m.Channel }
func (m *Simple) AuthorID() string     { return m.Author }
func (m *Simple) AuthorName() string   { return m.Name }
func (m *Simple) IsFromBot() bool      { return m.Bot }
func (m *Simple) IsReplyToBot() bool   { return m.ReplyToBot }
func (m *Simple) Timestamp() time.Time { return m.CreatedAt }

func (m *Simple) MentionsUser(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
