package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when the API token or model version is missing
var ErrNotConfigured = errors.New("replicate is not configured")

// Prediction statuses reported by Replicate
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Config configures the Replicate API client
type Config struct {
	APIToken     string
	BaseURL      string
	ModelVersion string
	WebhookURL   string // where Replicate posts the completed prediction
	Timeout      time.Duration
}

// PredictionInput is the model input for an image description request
type PredictionInput struct {
	Image  string `json:"image,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

type createPredictionRequest struct {
	Version             string          `json:"version"`
	Input               PredictionInput `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

// Prediction is the subset of the Replicate prediction object used by the bot.
// Output is model dependent: usually a list of string tokens or a single string.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Input  PredictionInput `json:"input"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  any             `json:"error,omitempty"`
}

// OutputText joins the prediction output into one string
func (p *Prediction) OutputText() string {
	if len(p.Output) == 0 {
		return ""
	}

	var parts []string
	if err := json.Unmarshal(p.Output, &parts); err == nil {
		return strings.Join(parts, " ")
	}

	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single
	}

	return string(p.Output)
}

// Client starts predictions on Replicate
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewClient creates a Replicate client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.replicate.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// Configured reports whether predictions can be created
func (c *Client) Configured() bool {
	return c.cfg.APIToken != "" && c.cfg.ModelVersion != ""
}

// CreatePrediction starts an asynchronous prediction for an image. The result
// is delivered later to the configured webhook.
func (c *Client) CreatePrediction(ctx context.Context, imageURL, prompt string) (*Prediction, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	payload := createPredictionRequest{
		Version: c.cfg.ModelVersion,
		Input:   PredictionInput{Image: imageURL, Prompt: prompt},
		Webhook: c.cfg.WebhookURL,
	}
	if c.cfg.WebhookURL != "" {
		payload.WebhookEventsFilter = []string{"completed"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.cfg.APIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("replicate returned status %d: %s", resp.StatusCode, string(data))
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	if prediction.ID == "" {
		return nil, fmt.Errorf("replicate returned a prediction without id")
	}

	c.logger.Info("Replicate prediction created",
		"prediction_id", prediction.ID,
		"status", prediction.Status)

	return &prediction, nil
}
