package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// GetEnvWithDefault returns the environment variable value or defaultValue when unset or empty
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ParseBool accepts true/false, 1/0, yes/no and on/off in any case
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true, nil
	case "false", "0", "no", "off", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value: %q", value)
}

// SplitList splits a comma separated value, dropping blanks
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envReader applies environment overrides and keeps the first parse failure
type envReader struct {
	lookup LookupFunc
	err    error
}

func (r *envReader) get(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r *envReader) fail(key, message string, cause error) {
	if r.err == nil {
		r.err = NewConfigError(key, message, cause)
	}
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) list(key string, dst *[]string) {
	if v, ok := r.get(key); ok {
		*dst = SplitList(v)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := ParseBool(v)
		if err != nil {
			r.fail(key, "invalid boolean", err)
			return
		}
		*dst = b
	}
}

func (r *envReader) integer(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, "invalid integer", err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, "invalid number", err)
			return
		}
		*dst = f
	}
}

// millis reads a plain number of milliseconds
func (r *envReader) millis(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, "invalid millisecond value", err)
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}
}

// duration reads a Go duration string, or a bare number of seconds
func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, "invalid duration", err)
			return
		}
		*dst = time.Duration(n) * time.Second
	}
}

func (r *envReader) table(key string, dst *[][]float64) {
	if v, ok := r.get(key); ok {
		var table [][]float64
		if err := json.Unmarshal([]byte(v), &table); err != nil {
			r.fail(key, "expected JSON array of [milliseconds, chance] pairs", err)
			return
		}
		*dst = table
	}
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("DISCORD_BOT_TOKEN", &c.Discord.Token)
	r.str("DISCORD_CLIENT_ID", &c.Discord.ClientID)
	r.str("DISCORD_CHAT_CHANNEL_ID", &c.Discord.ChatChannelID)
	r.str("DISCORD_PRIORITY_CHANNEL", &c.Discord.PriorityChannel)
	r.float("DISCORD_PRIORITY_CHANNEL_BONUS", &c.Discord.PriorityChannelBonus)

	r.list("MESSAGE_WAKEWORDS", &c.Message.Wakewords)
	r.float("MESSAGE_INTERROBANG_BONUS", &c.Message.InterrobangBonus)
	r.float("MESSAGE_MENTION_BONUS", &c.Message.MentionBonus)
	r.float("MESSAGE_BOT_RESPONSE_MODIFIER", &c.Message.BotResponseModifier)
	r.table("MESSAGE_TIME_VS_RESPONSE_CHANCE", &c.Message.TimeVsResponseChance)
	r.boolean("MESSAGE_IGNORE_BOTS", &c.Message.IgnoreBots)
	r.millis("MESSAGE_PER_CHAR_DELAY_MS", &c.Message.PerCharDelay)
	r.millis("MESSAGE_MAX_TYPING_DELAY_MS", &c.Message.MaxTypingDelay)
	r.boolean("MESSAGE_LLM_CHAT", &c.Message.LLMChat)
	r.boolean("MESSAGE_LLM_FOLLOW_UP", &c.Message.LLMFollowUp)
	r.millis("MESSAGE_FOLLOW_UP_DELAY_MS", &c.Message.FollowUpDelay)
	r.boolean("MESSAGE_COMMAND_INLINE", &c.Message.CommandInline)
	r.boolean("MESSAGE_COMMAND_SLASH", &c.Message.CommandSlash)
	r.list("MESSAGE_COMMAND_AUTHORISED_USERS", &c.Message.AuthorisedUsers)
	r.integer("MESSAGE_HISTORY_LIMIT", &c.Message.HistoryLimit)
	r.boolean("MESSAGE_SEND_APOLOGY", &c.Message.SendApology)

	r.str("LLM_PROVIDER", &c.LLM.Provider)
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	r.str("LLM_SYSTEM_PROMPT", &c.LLM.SystemPrompt)
	r.str("LLM_FOLLOW_UP_PROMPT", &c.LLM.FollowUpPrompt)
	r.str("LLM_SUMMARY_PROMPT", &c.LLM.SummaryPrompt)
	r.str("LLM_PLACEHOLDER", &c.LLM.Placeholder)
	r.duration("LLM_TIMEOUT", &c.LLM.Timeout)
	r.integer("PROVIDER_RATE_LIMIT_PER_MINUTE", &c.LLM.RateLimit)
	r.float("PROVIDER_WARNING_THRESHOLD", &c.LLM.WarnThreshold)

	r.str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	r.str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	r.str("OPENAI_MODEL", &c.OpenAI.Model)
	r.integer("OPENAI_MAX_TOKENS", &c.OpenAI.MaxTokens)
	r.float("OPENAI_TEMPERATURE", &c.OpenAI.Temperature)

	r.str("FLOWISE_BASE_URL", &c.Flowise.BaseURL)
	r.str("FLOWISE_API_KEY", &c.Flowise.APIKey)
	r.str("FLOWISE_CHATFLOW_ID", &c.Flowise.ChatflowID)

	r.str("OLLAMA_HOST", &c.Ollama.Host)
	r.str("OLLAMA_MODEL", &c.Ollama.Model)

	r.str("REPLICATE_API_TOKEN", &c.Replicate.APIToken)
	r.str("REPLICATE_BASE_URL", &c.Replicate.BaseURL)
	r.str("REPLICATE_MODEL_VERSION", &c.Replicate.ModelVersion)

	r.boolean("WEBHOOK_ENABLED", &c.Webhook.Enabled)
	r.integer("WEBHOOK_PORT", &c.Webhook.Port)
	r.str("WEBHOOK_SECRET_TOKEN", &c.Webhook.SecretToken)
	r.list("WEBHOOK_WHITELISTED_IPS", &c.Webhook.WhitelistedIPs)
	r.str("WEBHOOK_PUBLIC_URL", &c.Webhook.PublicURL)
	r.float("WEBHOOK_RATE_LIMIT_PER_SECOND", &c.Webhook.RateLimitPerSecond)
	r.integer("WEBHOOK_RATE_LIMIT_BURST", &c.Webhook.RateLimitBurst)

	r.str("REDIS_URL", &c.Redis.URL)

	r.boolean("BOT_STATUS_UPDATE_ENABLED", &c.Status.UpdateEnabled)
	r.duration("BOT_STATUS_UPDATE_INTERVAL", &c.Status.UpdateInterval)

	r.str("DATABASE_TYPE", &c.Database.Type)
	c.Database.Type = strings.ToLower(c.Database.Type)
	r.str("DATABASE_PATH", &c.Database.Path)
	r.str("MYSQL_HOST", &c.Database.MySQLHost)
	r.str("MYSQL_PORT", &c.Database.MySQLPort)
	r.str("MYSQL_DATABASE", &c.Database.MySQLDatabase)
	r.str("MYSQL_USERNAME", &c.Database.MySQLUsername)
	r.str("MYSQL_PASSWORD", &c.Database.MySQLPassword)
	r.str("MYSQL_TIMEOUT", &c.Database.MySQLTimeout)

	r.str("LOG_LEVEL", &c.Log.Level)
	r.str("LOG_FORMAT", &c.Log.Format)

	return r.err
}
