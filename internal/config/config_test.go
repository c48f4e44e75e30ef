package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay-bot/internal/decision"
	"llm-relay-bot/internal/storage"
)

func mapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Discord.Token = "token"
	cfg.OpenAI.APIKey = "sk-test"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"!ping"}, cfg.Message.Wakewords)
	assert.Equal(t, 0.2, cfg.Message.InterrobangBonus)
	assert.Equal(t, 0.8, cfg.Message.MentionBonus)
	assert.Equal(t, -1.0, cfg.Message.BotResponseModifier)
	assert.Equal(t, 1.1, cfg.Discord.PriorityChannelBonus)
	assert.Equal(t, "...", cfg.LLM.Placeholder)
	assert.Equal(t, 10*time.Second, cfg.Message.MaxTypingDelay)
	assert.Equal(t, 30*time.Millisecond, cfg.Message.PerCharDelay)
	assert.Equal(t, 2*time.Minute, cfg.Message.FollowUpDelay)
	assert.Equal(t, 20, cfg.Message.HistoryLimit)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, [][]float64{{12345, 0.05}, {420000, 0.75}, {4140000, 0.1}}, cfg.Message.TimeVsResponseChance)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{
		"DISCORD_BOT_TOKEN":                "abc",
		"DISCORD_PRIORITY_CHANNEL":         "prio",
		"MESSAGE_WAKEWORDS":                "!ping, hey bot ,",
		"MESSAGE_TIME_VS_RESPONSE_CHANCE":  "[[1000, 0.5], [60000, 0.25]]",
		"MESSAGE_IGNORE_BOTS":              "no",
		"MESSAGE_MAX_TYPING_DELAY_MS":      "2500",
		"MESSAGE_COMMAND_AUTHORISED_USERS": "u1,u2",
		"MESSAGE_HISTORY_LIMIT":            "5",
		"LLM_PROVIDER":                     "Flowise",
		"LLM_TIMEOUT":                      "45",
		"WEBHOOK_ENABLED":                  "on",
		"WEBHOOK_WHITELISTED_IPS":          "10.0.0.1,10.0.0.2",
		"DATABASE_TYPE":                    "MySQL",
		"LOG_FORMAT":                       "json",
		"OPENAI_MODEL":                     "   ",
		"BOT_STATUS_UPDATE_ENABLED":        "false",
		"BOT_STATUS_UPDATE_INTERVAL":       "1m",
	}))
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Discord.Token)
	assert.Equal(t, "prio", cfg.Discord.PriorityChannel)
	assert.Equal(t, []string{"!ping", "hey bot"}, cfg.Message.Wakewords)
	assert.Equal(t, [][]float64{{1000, 0.5}, {60000, 0.25}}, cfg.Message.TimeVsResponseChance)
	assert.False(t, cfg.Message.IgnoreBots)
	assert.Equal(t, 2500*time.Millisecond, cfg.Message.MaxTypingDelay)
	assert.Equal(t, []string{"u1", "u2"}, cfg.Message.AuthorisedUsers)
	assert.Equal(t, 5, cfg.Message.HistoryLimit)
	assert.Equal(t, ProviderFlowise, cfg.LLM.Provider)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Webhook.WhitelistedIPs)
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model, "blank values keep the default")
	assert.False(t, cfg.Status.UpdateEnabled)
	assert.Equal(t, time.Minute, cfg.Status.UpdateInterval)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bool", "MESSAGE_LLM_CHAT", "maybe"},
		{"int", "MESSAGE_HISTORY_LIMIT", "many"},
		{"float", "MESSAGE_MENTION_BONUS", "lots"},
		{"millis", "MESSAGE_FOLLOW_UP_DELAY_MS", "2m"},
		{"duration", "LLM_TIMEOUT", "soon"},
		{"table", "MESSAGE_TIME_VS_RESPONSE_CHANCE", "[1,2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Default().applyEnv(mapLookup(map[string]string{tt.key: tt.val}))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Discord.Token = " " }, "DISCORD_BOT_TOKEN"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }, "LLM_PROVIDER"},
		{"openai without key", func(c *Config) { c.OpenAI.APIKey = "" }, "OPENAI_API_KEY"},
		{"flowise without chatflow", func(c *Config) {
			c.LLM.Provider = ProviderFlowise
			c.Flowise.BaseURL = "http://flowise"
		}, "FLOWISE_BASE_URL"},
		{"ollama needs nothing extra", func(c *Config) { c.LLM.Provider = ProviderOllama; c.OpenAI.APIKey = "" }, ""},
		{"chance above one", func(c *Config) { c.Message.TimeVsResponseChance = [][]float64{{1000, 1.5}} }, "MESSAGE_TIME_VS_RESPONSE_CHANCE"},
		{"malformed entry", func(c *Config) { c.Message.TimeVsResponseChance = [][]float64{{1000}} }, "MESSAGE_TIME_VS_RESPONSE_CHANCE"},
		{"zero threshold", func(c *Config) { c.Message.TimeVsResponseChance = [][]float64{{0, 0.5}} }, "MESSAGE_TIME_VS_RESPONSE_CHANCE"},
		{"history limit", func(c *Config) { c.Message.HistoryLimit = 0 }, "MESSAGE_HISTORY_LIMIT"},
		{"webhook without secret", func(c *Config) { c.Webhook.Enabled = true }, "WEBHOOK_SECRET_TOKEN"},
		{"webhook bad port", func(c *Config) {
			c.Webhook.Enabled = true
			c.Webhook.SecretToken = "s"
			c.Webhook.Port = 70000
		}, "WEBHOOK_PORT"},
		{"unknown database", func(c *Config) { c.Database.Type = "postgres" }, "DATABASE_TYPE"},
		{"mysql without host", func(c *Config) { c.Database.Type = "mysql" }, "MYSQL_HOST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
discord:
  token: from-file
  priority_channel: file-prio
message:
  wakewords: ["hello bot"]
  mention_bonus: 0.5
  time_vs_response_chance: [[5000, 0.9]]
llm:
  provider: ollama
database:
  path: ` + filepath.Join(t.TempDir(), "bot.db") + `
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("DISCORD_PRIORITY_CHANNEL", "env-prio")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Discord.Token)
	assert.Equal(t, "env-prio", cfg.Discord.PriorityChannel)
	assert.Equal(t, []string{"hello bot"}, cfg.Message.Wakewords)
	assert.Equal(t, 0.5, cfg.Message.MentionBonus)
	assert.Equal(t, 0.2, cfg.Message.InterrobangBonus, "unset keys keep defaults")
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)

	dc := cfg.DecisionConfig()
	assert.Equal(t, []decision.Threshold{{Within: 5 * time.Second, Chance: 0.9}}, dc.Thresholds)
	assert.Equal(t, "env-prio", dc.PriorityChannelID)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("DATABASE_TYPE", "sqlite")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Discord.Token)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discord: [unclosed"), 0o600))

	_, err := Load(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, path, cfgErr.Key)
}

func TestSchedulerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Message.PerCharDelay = 10 * time.Millisecond
	cfg.Message.MaxTypingDelay = 3 * time.Second

	sc := cfg.SchedulerConfig()
	assert.Equal(t, 10*time.Millisecond, sc.PerCharDelay)
	assert.Equal(t, 3*time.Second, sc.MaxTypingDelay)
	assert.Equal(t, cfg.LLM.Timeout, sc.DeliverTimeout)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", "on", "Enabled"} {
		b, err := ParseBool(v)
		require.NoError(t, err, v)
		assert.True(t, b, v)
	}
	for _, v := range []string{"false", "0", "no", "OFF", "disabled"} {
		b, err := ParseBool(v)
		require.NoError(t, err, v)
		assert.False(t, b, v)
	}
	_, err := ParseBool("perhaps")
	assert.Error(t, err)
}

func TestRuntimeSettings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewSQLiteStorageService(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, store.Initialize(ctx))
	t.Cleanup(func() { store.Close() })

	settings := NewRuntimeSettings(store)
	require.NoError(t, settings.Reload(ctx))

	assert.False(t, settings.GetBool(KeyChannelRestrictionsEnabled, false))
	assert.Nil(t, settings.GetStringList(KeyAllowedChannelIDs))

	require.NoError(t, settings.SetBool(ctx, KeyChannelRestrictionsEnabled, true, "channels", ""))
	require.NoError(t, settings.SetStringList(ctx, KeyAllowedChannelIDs, []string{"a", "b"}, "channels", ""))
	require.NoError(t, settings.Set(ctx, "FOLLOW_UP", "90s", ValueTypeDuration, "message", ""))

	assert.True(t, settings.GetBool(KeyChannelRestrictionsEnabled, false))
	assert.Equal(t, []string{"a", "b"}, settings.GetStringList(KeyAllowedChannelIDs))
	assert.Equal(t, 90*time.Second, settings.GetDuration("FOLLOW_UP", time.Second))

	// A fresh view over the same database sees persisted values
	other := NewRuntimeSettings(store)
	require.NoError(t, other.Reload(ctx))
	assert.True(t, other.GetBool(KeyChannelRestrictionsEnabled, false))

	err := settings.Set(ctx, "LIMIT", "ten", ValueTypeInt, "general", "")
	assert.Error(t, err)
	assert.Equal(t, 7, settings.GetInt("LIMIT", 7))

	require.NoError(t, settings.Delete(ctx, KeyAllowedChannelIDs))
	_, ok := settings.Get(KeyAllowedChannelIDs)
	assert.False(t, ok)
}
