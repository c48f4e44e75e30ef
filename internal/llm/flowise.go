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

	"github.com/patrickmn/go-cache"

	"llm-relay-bot/internal/conversation"
)

// sessionTTL bounds how long a channel keeps its Flowise chat session
const sessionTTL = 24 * time.Hour

// FlowiseConfig configures a Flowise chatflow endpoint
type FlowiseConfig struct {
	BaseURL     string
	APIKey      string
	ChatflowID  string
	Placeholder string
	Timeout     time.Duration
}

type flowiseRequest struct {
	Question       string                `json:"question"`
	OverrideConfig flowiseOverrideConfig `json:"overrideConfig"`
}

type flowiseOverrideConfig struct {
	SessionID string `json:"sessionId,omitempty"`
}

type flowiseResponse struct {
	Text   string `json:"text"`
	ChatID string `json:"chatId"`
}

// FlowiseProvider sends the latest user message to a Flowise chatflow. Flowise
// keeps the conversation memory itself, keyed by the session id it returns.
type FlowiseProvider struct {
	client   *http.Client
	cfg      FlowiseConfig
	sessions *cache.Cache
	logger   *slog.Logger
}

// NewFlowiseProvider creates the provider
func NewFlowiseProvider(cfg FlowiseConfig, logger *slog.Logger) *FlowiseProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &FlowiseProvider{
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		sessions: cache.New(sessionTTL, time.Hour),
		logger:   logger,
	}
}

func (p *FlowiseProvider) Name() string {
	return "flowise"
}

// GenerateChatResponse posts the newest user turn as the question
func (p *FlowiseProvider) GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error) {
	question := conversation.LatestUserText(turns, p.cfg.Placeholder)
	if question == "" {
		return "", fmt.Errorf("no user message to send")
	}

	payload := flowiseRequest{Question: question}
	if sessionID, ok := p.sessions.Get(channelID); ok {
		payload.OverrideConfig.SessionID = sessionID.(string)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/prediction/%s", p.cfg.BaseURL, p.cfg.ChatflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("flowise request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Error("Flowise returned error status",
			"status", resp.StatusCode,
			"response", string(data))
		return "", fmt.Errorf("flowise returned status %d: %s", resp.StatusCode, string(data))
	}

	var result flowiseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if result.ChatID != "" {
		p.sessions.Set(channelID, result.ChatID, cache.DefaultExpiration)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// ResetSession forgets the Flowise session of a channel
func (p *FlowiseProvider) ResetSession(channelID string) {
	p.sessions.Delete(channelID)
}
