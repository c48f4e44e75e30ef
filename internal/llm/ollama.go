package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llm-relay-bot/internal/conversation"
)

// OllamaConfig configures an Ollama server
type OllamaConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// OllamaProvider uses the Ollama chat API
type OllamaProvider struct {
	client *http.Client
	cfg    OllamaConfig
	logger *slog.Logger
}

// NewOllamaProvider creates the provider
func NewOllamaProvider(cfg OllamaConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	logger.Info("Ollama provider configured",
		"base_url", cfg.Host,
		"model", cfg.Model,
		"timeout", cfg.Timeout)

	return &OllamaProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

// GenerateChatResponse posts the whole conversation to /api/chat
func (p *OllamaProvider) GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error) {
	request := ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: make([]ollamaMessage, 0, len(turns)),
	}
	for _, turn := range turns {
		request.Messages = append(request.Messages, ollamaMessage{Role: string(turn.Role), Content: turn.Content})
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("Ollama API request failed",
			"model", p.cfg.Model,
			"channel_id", channelID,
			"error", err)
		return "", fmt.Errorf("ollama API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("model '%s' not found on Ollama server", p.cfg.Model)
		}
		return "", fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if ollamaResp.Error != "" {
		return "", fmt.Errorf("ollama API error: %s", ollamaResp.Error)
	}

	content := strings.TrimSpace(ollamaResp.Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
