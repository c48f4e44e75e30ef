package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"

	"llm-relay-bot/internal/conversation"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // empty means the public OpenAI API
	Model         string
	MaxTokens     int
	Temperature   float32
	SummaryPrompt string
}

// OpenAIProvider talks to any OpenAI-compatible chat completion API
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIProvider creates the provider
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// GenerateChatResponse sends every turn as a chat message
func (p *OpenAIProvider) GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    roleFor(turn.Role),
			Content: turn.Content,
			Name:    sanitizeName(turn.AuthorLabel),
		})
	}

	return p.complete(ctx, messages)
}

// Summarize condenses text with the configured summary prompt
func (p *OpenAIProvider) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text cannot be empty")
	}

	return p.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: p.cfg.SummaryPrompt},
		{Role: openai.ChatMessageRoleUser, Content: text},
	})
}

func (p *OpenAIProvider) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}

	p.logger.Debug("OpenAI response received",
		"model", p.cfg.Model,
		"response_length", len(content),
		"total_tokens", resp.Usage.TotalTokens)

	return content, nil
}

func roleFor(role conversation.Role) string {
	switch role {
	case conversation.RoleSystem:
		return openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeName makes a display name acceptable for the message name field
func sanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return strings.Trim(name, "_")
}
