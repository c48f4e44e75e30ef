package llm

import (
	"context"
	"errors"

	"llm-relay-bot/internal/conversation"
)

var (
	// ErrEmptyResponse is returned when a provider answers with no usable text
	ErrEmptyResponse = errors.New("provider returned an empty response")

	// ErrUnknownProvider is returned when a provider name is not registered
	ErrUnknownProvider = errors.New("unknown provider")
)

// Provider generates a reply for an assembled conversation
type Provider interface {
	// Name returns the registry name of the provider
	Name() string

	// GenerateChatResponse returns the assistant reply for turns. channelID lets
	// session-based providers keep one remote conversation per channel.
	GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error)
}

// Summarizer condenses free text, used by the webhook summarise route
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}
