package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llm-relay-bot/internal/decision"
	"llm-relay-bot/internal/scheduler"
)

// Supported LLM provider names
const (
	ProviderOpenAI  = "openai"
	ProviderFlowise = "flowise"
	ProviderOllama  = "ollama"
)

// KnownProviders lists the provider names accepted in configuration and by the !provider command
var KnownProviders = []string{ProviderOpenAI, ProviderFlowise, ProviderOllama}

// Config is the complete bot configuration
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Message   MessageConfig   `yaml:"message"`
	LLM       LLMConfig       `yaml:"llm"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Flowise   FlowiseConfig   `yaml:"flowise"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Replicate ReplicateConfig `yaml:"replicate"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`
}

type DiscordConfig struct {
	Token                string  `yaml:"token"`
	ClientID             string  `yaml:"client_id"`
	ChatChannelID        string  `yaml:"chat_channel_id"`
	PriorityChannel      string  `yaml:"priority_channel"`
	PriorityChannelBonus float64 `yaml:"priority_channel_bonus"`
}

type MessageConfig struct {
	Wakewords            []string      `yaml:"wakewords"`
	InterrobangBonus     float64       `yaml:"interrobang_bonus"`
	MentionBonus         float64       `yaml:"mention_bonus"`
	BotResponseModifier  float64       `yaml:"bot_response_modifier"`
	TimeVsResponseChance [][]float64   `yaml:"time_vs_response_chance"` // [[milliseconds, chance], ...]
	IgnoreBots           bool          `yaml:"ignore_bots"`
	PerCharDelay         time.Duration `yaml:"per_char_delay"`
	MaxTypingDelay       time.Duration `yaml:"max_typing_delay"`
	LLMChat              bool          `yaml:"llm_chat"`
	LLMFollowUp          bool          `yaml:"llm_follow_up"`
	FollowUpDelay        time.Duration `yaml:"follow_up_delay"`
	CommandInline        bool          `yaml:"command_inline"`
	CommandSlash         bool          `yaml:"command_slash"`
	AuthorisedUsers      []string      `yaml:"command_authorised_users"`
	HistoryLimit         int           `yaml:"history_limit"`
	SendApology          bool          `yaml:"send_apology"`
}

type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	SystemPrompt   string        `yaml:"system_prompt"`
	FollowUpPrompt string        `yaml:"follow_up_prompt"`
	SummaryPrompt  string        `yaml:"summary_prompt"`
	Placeholder    string        `yaml:"placeholder"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      int           `yaml:"rate_limit_per_minute"`
	WarnThreshold  float64       `yaml:"warning_threshold"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type FlowiseConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	ChatflowID string `yaml:"chatflow_id"`
}

type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

type ReplicateConfig struct {
	APIToken     string `yaml:"api_token"`
	BaseURL      string `yaml:"base_url"`
	ModelVersion string `yaml:"model_version"`
}

type WebhookConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Port               int      `yaml:"port"`
	SecretToken        string   `yaml:"secret_token"`
	WhitelistedIPs     []string `yaml:"whitelisted_ips"`
	PublicURL          string   `yaml:"public_url"`
	RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Type          string `yaml:"type"` // sqlite or mysql
	Path          string `yaml:"path"`
	MySQLHost     string `yaml:"mysql_host"`
	MySQLPort     string `yaml:"mysql_port"`
	MySQLDatabase string `yaml:"mysql_database"`
	MySQLUsername string `yaml:"mysql_username"`
	MySQLPassword string `yaml:"mysql_password"`
	MySQLTimeout  string `yaml:"mysql_timeout"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// StatusConfig controls mirroring provider usage into the bot's Discord presence
type StatusConfig struct {
	UpdateEnabled  bool          `yaml:"update_enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when neither the file nor the environment set a value
func Default() *Config {
	thresholds := make([][]float64, 0, len(decision.DefaultThresholds))
	for _, th := range decision.DefaultThresholds {
		thresholds = append(thresholds, []float64{float64(th.Within.Milliseconds()), th.Chance})
	}

	return &Config{
		Discord: DiscordConfig{
			PriorityChannelBonus: 1.1,
		},
		Message: MessageConfig{
			Wakewords:            []string{"!ping"},
			InterrobangBonus:     0.2,
			MentionBonus:         0.8,
			BotResponseModifier:  -1.0,
			TimeVsResponseChance: thresholds,
			IgnoreBots:           true,
			PerCharDelay:         30 * time.Millisecond,
			MaxTypingDelay:       10 * time.Second,
			LLMChat:              true,
			LLMFollowUp:          false,
			FollowUpDelay:        2 * time.Minute,
			CommandInline:        true,
			HistoryLimit:         20,
			SendApology:          true,
		},
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			SystemPrompt:   "You are a helpful assistant taking part in a Discord conversation. Keep replies short.",
			FollowUpPrompt: "Suggest one short, relevant follow-up question or bot command for this conversation.",
			SummaryPrompt:  "Summarise the following text in a few sentences suitable for a Discord post.",
			Placeholder:    "...",
			Timeout:        60 * time.Second,
			RateLimit:      60,
			WarnThreshold:  0.75,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   500,
			Temperature: 0.7,
		},
		Ollama: OllamaConfig{
			Host:  "http://localhost:11434",
			Model: "llama3",
		},
		Replicate: ReplicateConfig{
			BaseURL: "https://api.replicate.com/v1",
		},
		Webhook: WebhookConfig{
			Enabled:            false,
			Port:               8080,
			RateLimitPerSecond: 5,
			RateLimitBurst:     10,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			Path:         "./data/bot.db",
			MySQLPort:    "3306",
			MySQLTimeout: "30s",
		},
		Status: StatusConfig{
			UpdateEnabled:  true,
			UpdateInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if it exists),
// then a .env file, then the process environment. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, NewConfigError(".env", "failed to load .env file", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return NewConfigError(path, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return NewConfigError(path, "failed to parse config file", err)
	}
	return nil
}

// Validate checks required keys and value ranges
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return NewConfigError("DISCORD_BOT_TOKEN", "required", nil)
	}

	if !IsKnownProvider(c.LLM.Provider) {
		return NewConfigError("LLM_PROVIDER", fmt.Sprintf("unknown provider %q, expected one of %s",
			c.LLM.Provider, strings.Join(KnownProviders, ", ")), nil)
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return NewConfigError("OPENAI_API_KEY", "required when LLM_PROVIDER is openai", nil)
		}
	case ProviderFlowise:
		if c.Flowise.BaseURL == "" || c.Flowise.ChatflowID == "" {
			return NewConfigError("FLOWISE_BASE_URL", "FLOWISE_BASE_URL and FLOWISE_CHATFLOW_ID are required when LLM_PROVIDER is flowise", nil)
		}
	}

	if _, err := c.Thresholds(); err != nil {
		return err
	}

	if c.Message.HistoryLimit < 1 || c.Message.HistoryLimit > 100 {
		return NewConfigError("MESSAGE_HISTORY_LIMIT", fmt.Sprintf("must be between 1 and 100: %d", c.Message.HistoryLimit), nil)
	}
	if c.Message.PerCharDelay < 0 || c.Message.MaxTypingDelay < 0 || c.Message.FollowUpDelay < 0 {
		return NewConfigError("MESSAGE_MAX_TYPING_DELAY_MS", "delays must not be negative", nil)
	}
	if c.LLM.Timeout <= 0 {
		return NewConfigError("LLM_TIMEOUT", "must be positive", nil)
	}
	if c.LLM.WarnThreshold <= 0 || c.LLM.WarnThreshold >= 1 {
		return NewConfigError("PROVIDER_WARNING_THRESHOLD", fmt.Sprintf("must be between 0 and 1: %f", c.LLM.WarnThreshold), nil)
	}
	if c.LLM.RateLimit <= 0 {
		return NewConfigError("PROVIDER_RATE_LIMIT_PER_MINUTE", fmt.Sprintf("must be positive: %d", c.LLM.RateLimit), nil)
	}

	if c.Status.UpdateInterval < 0 {
		return NewConfigError("BOT_STATUS_UPDATE_INTERVAL", "must not be negative", nil)
	}

	if c.Webhook.Enabled {
		if c.Webhook.SecretToken == "" {
			return NewConfigError("WEBHOOK_SECRET_TOKEN", "required when the webhook server is enabled", nil)
		}
		if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
			return NewConfigError("WEBHOOK_PORT", fmt.Sprintf("invalid port: %d", c.Webhook.Port), nil)
		}
		if c.Webhook.RateLimitPerSecond <= 0 || c.Webhook.RateLimitBurst <= 0 {
			return NewConfigError("WEBHOOK_RATE_LIMIT_PER_SECOND", "rate limit and burst must be positive", nil)
		}
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return NewConfigError("DATABASE_PATH", "required for sqlite", nil)
		}
	case "mysql":
		if c.Database.MySQLHost == "" || c.Database.MySQLDatabase == "" || c.Database.MySQLUsername == "" {
			return NewConfigError("MYSQL_HOST", "MYSQL_HOST, MYSQL_DATABASE and MYSQL_USERNAME are required for mysql", nil)
		}
	default:
		return NewConfigError("DATABASE_TYPE", fmt.Sprintf("unsupported database type %q", c.Database.Type), nil)
	}

	return nil
}

// IsKnownProvider reports whether name is a supported LLM provider
func IsKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// Thresholds converts the configured time-vs-chance table
func (c *Config) Thresholds() ([]decision.Threshold, error) {
	thresholds := make([]decision.Threshold, 0, len(c.Message.TimeVsResponseChance))
	for i, entry := range c.Message.TimeVsResponseChance {
		if len(entry) != 2 {
			return nil, NewConfigError("MESSAGE_TIME_VS_RESPONSE_CHANCE",
				fmt.Sprintf("entry %d must be [milliseconds, chance]", i), nil)
		}
		if entry[0] <= 0 {
			return nil, NewConfigError("MESSAGE_TIME_VS_RESPONSE_CHANCE",
				fmt.Sprintf("entry %d threshold must be positive: %v", i, entry[0]), nil)
		}
		if entry[1] < 0 || entry[1] > 1 {
			return nil, NewConfigError("MESSAGE_TIME_VS_RESPONSE_CHANCE",
				fmt.Sprintf("entry %d chance must be between 0 and 1: %v", i, entry[1]), nil)
		}
		thresholds = append(thresholds, decision.Threshold{
			Within: time.Duration(entry[0] * float64(time.Millisecond)),
			Chance: entry[1],
		})
	}
	return thresholds, nil
}

// DecisionConfig returns the reply heuristic settings
func (c *Config) DecisionConfig() decision.Config {
	thresholds, err := c.Thresholds()
	if err != nil {
		thresholds = append([]decision.Threshold(nil), decision.DefaultThresholds...)
	}

	return decision.Config{
		Thresholds:          thresholds,
		Wakewords:           c.Message.Wakewords,
		InterrobangBonus:    c.Message.InterrobangBonus,
		MentionBonus:        c.Message.MentionBonus,
		BotResponseModifier: c.Message.BotResponseModifier,
		PriorityChannelID:   c.Discord.PriorityChannel,
		PriorityBonus:       c.Discord.PriorityChannelBonus,
	}
}

// SchedulerConfig returns the typing simulation settings
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PerCharDelay:   c.Message.PerCharDelay,
		MaxTypingDelay: c.Message.MaxTypingDelay,
		DeliverTimeout: c.LLM.Timeout,
	}
}
