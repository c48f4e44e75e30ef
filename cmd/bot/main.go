package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llm-relay-bot/internal/activity"
	"llm-relay-bot/internal/bot"
	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/config"
	"llm-relay-bot/internal/conversation"
	"llm-relay-bot/internal/decision"
	"llm-relay-bot/internal/llm"
	"llm-relay-bot/internal/monitor"
	"llm-relay-bot/internal/pipeline"
	"llm-relay-bot/internal/replicate"
	"llm-relay-bot/internal/scheduler"
	"llm-relay-bot/internal/storage"
	"llm-relay-bot/internal/webhook"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llm-relay-bot",
		Short:         "Discord bot that relays conversations to an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: config.yaml or $BOT_CONFIG)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(versionCmd())
	root.AddCommand(healthCheckCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "llm-relay-bot %s\n", Version)
		},
	}
}

// healthCheckCmd is used by container health probes
func healthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Exit non-zero if the running bot's webhook server is unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if loaded, err := config.Load(resolveConfigPath()); err == nil {
				cfg = loaded
			}
			if !cfg.Webhook.Enabled {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Webhook.Port)
			return healthCheck(ctx, http.DefaultClient, url)
		},
	}
}

func healthCheck(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.GetEnvWithDefault("BOT_CONFIG", "config.yaml")
}

// newLogger builds the process logger from the configured level and format
func newLogger(w io.Writer, level, format string, debug bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	logger := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format, verbose)
	slog.SetDefault(logger)

	logger.Info("LLM relay bot starting up...", "version", Version, "provider", cfg.LLM.Provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	realClock := clock.Real()

	// Storage and runtime settings
	storageService := cfg.NewStorage()
	if err := storageService.Initialize(ctx); err != nil {
		logger.Error("Failed to initialize storage service", "error", err, "type", cfg.Database.Type)
		return err
	}
	defer func() {
		if err := storageService.Close(); err != nil {
			logger.Error("Error closing storage service", "error", err)
		}
	}()
	logger.Info("Storage service initialized successfully", "type", cfg.Database.Type)

	settings := config.NewRuntimeSettings(storageService)
	if err := settings.Reload(ctx); err != nil {
		logger.Warn("Failed to load runtime settings, using defaults", "error", err)
	}

	// Providers and usage monitoring
	rateLimitManager := monitor.NewRateLimitManagerWithClock(logger, nil, realClock)
	registry, summarizer := buildRegistry(cfg, storageService, rateLimitManager, logger)
	for _, pc := range providerLimits(cfg, registry.Names()) {
		rateLimitManager.AddProvider(pc)
	}
	logger.Info("LLM providers registered",
		"providers", registry.Names(),
		"default", registry.DefaultName(),
		"minute_limit", cfg.LLM.RateLimit)

	// Core
	tracker := activity.NewTracker(realClock)
	engine := decision.NewEngine(cfg.DecisionConfig(), cfg.Discord.ClientID, tracker, rand.Float64, logger)
	delays := scheduler.New(cfg.SchedulerConfig(), realClock, logger)
	assembler := conversation.NewAssembler(cfg.LLM.Placeholder)

	// Image descriptions
	routes, closeRoutes := buildRouteStore(ctx, cfg, logger)
	defer closeRoutes()

	predictions := replicate.NewClient(replicate.Config{
		APIToken:     cfg.Replicate.APIToken,
		BaseURL:      cfg.Replicate.BaseURL,
		ModelVersion: cfg.Replicate.ModelVersion,
		WebhookURL:   predictionWebhookURL(cfg),
		Timeout:      cfg.LLM.Timeout,
	}, logger)

	// Discord
	session := bot.NewSession(cfg.Discord.Token, logger)
	if err := session.IsTokenValid(); err != nil {
		logger.Error("Token validation failed", "error", err)
		return err
	}

	restrictor := bot.NewChannelRestrictor(settings, logger)
	commands := bot.NewCommands(bot.CommandsConfig{
		Providers:       registry,
		Restrictor:      restrictor,
		Usage:           rateLimitManager,
		Predictions:     predictions,
		Routes:          routes,
		AuthorisedUsers: cfg.Message.AuthorisedUsers,
		Clock:           realClock,
	}, logger)

	relay := pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		Messenger: session,
		Provider:  registry,
		Decider:   engine,
		Activity:  tracker,
		Scheduler: delays,
		Assembler: assembler,
		Commands:  commands,
		Gate:      restrictor,
		Clock:     realClock,
	}, logger)

	session.SetMessageHandler(relay.Handler(ctx))
	session.OnReady(relay.SetBotID)

	var presence *bot.PresenceManager
	if cfg.Status.UpdateEnabled {
		presence = bot.NewPresenceManager(session, realClock, logger)
		presence.SetDebounceInterval(cfg.Status.UpdateInterval)
		rateLimitManager.RegisterStatusCallback(presence.OnProviderStatus)
		session.OnReady(func(string) {
			if err := presence.Refresh(); err != nil {
				logger.Warn("Failed to set initial Discord status", "error", err)
			}
		})
		logger.Info("Status management initialized", "debounce_interval", cfg.Status.UpdateInterval)
	} else {
		logger.Info("Status management disabled by configuration")
	}

	if err := session.Open(); err != nil {
		logger.Error("Error opening Discord connection", "error", err)
		return err
	}

	// Webhooks
	var server *webhook.Server
	if cfg.Webhook.Enabled {
		server = webhook.NewServer(webhook.Config{
			Port:               cfg.Webhook.Port,
			SecretToken:        cfg.Webhook.SecretToken,
			WhitelistedIPs:     cfg.Webhook.WhitelistedIPs,
			DefaultChannelID:   cfg.Discord.ChatChannelID,
			RateLimitPerSecond: cfg.Webhook.RateLimitPerSecond,
			RateLimitBurst:     cfg.Webhook.RateLimitBurst,
		}, session, summarizer, routes, realClock, logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("Webhook server stopped", "error", err)
			}
		}()
	} else {
		logger.Info("Webhook server disabled by configuration")
	}

	logger.Info("Bot is now running. Press CTRL+C to exit.",
		"follow_ups", relay.FollowUpsEnabled(),
		"inline_commands", cfg.Message.CommandInline)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc
	logger.Info("Shutdown signal received, initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		delays.Close()
		if presence != nil {
			presence.Stop()
		}
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Error stopping webhook server", "error", err)
			}
		}
		if err := session.Close(); err != nil {
			logger.Error("Error during Discord session cleanup", "error", err)
		} else {
			logger.Info("Discord session closed successfully")
		}
	}()

	select {
	case <-done:
		logger.Info("Bot shutdown completed successfully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// buildRegistry registers every provider that has enough configuration to run.
// The returned summarizer is nil unless an OpenAI-compatible provider is available.
func buildRegistry(cfg *config.Config, channels llm.ChannelSettings, usage llm.UsageMonitor, logger *slog.Logger) (*llm.Registry, llm.Summarizer) {
	registry := llm.NewRegistry(cfg.LLM.Provider, channels, usage, logger)

	var summarizer llm.Summarizer
	if cfg.OpenAI.APIKey != "" {
		openAI := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			Model:         cfg.OpenAI.Model,
			MaxTokens:     cfg.OpenAI.MaxTokens,
			Temperature:   float32(cfg.OpenAI.Temperature),
			SummaryPrompt: cfg.LLM.SummaryPrompt,
		}, logger)
		registry.Register(openAI)
		summarizer = openAI
	}

	if cfg.Flowise.BaseURL != "" && cfg.Flowise.ChatflowID != "" {
		registry.Register(llm.NewFlowiseProvider(llm.FlowiseConfig{
			BaseURL:     cfg.Flowise.BaseURL,
			APIKey:      cfg.Flowise.APIKey,
			ChatflowID:  cfg.Flowise.ChatflowID,
			Placeholder: cfg.LLM.Placeholder,
			Timeout:     cfg.LLM.Timeout,
		}, logger))
	}

	if cfg.Ollama.Host != "" && cfg.Ollama.Model != "" {
		registry.Register(llm.NewOllamaProvider(llm.OllamaConfig{
			Host:    cfg.Ollama.Host,
			Model:   cfg.Ollama.Model,
			Timeout: cfg.LLM.Timeout,
		}, logger))
	}

	return registry, summarizer
}

// providerLimits gives every registered provider the same per-minute allowance
func providerLimits(cfg *config.Config, names []string) []monitor.ProviderConfig {
	configs := make([]monitor.ProviderConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, monitor.ProviderConfig{
			ProviderID: name,
			Limits:     map[string]int{"minute": cfg.LLM.RateLimit},
			Thresholds: map[string]float64{
				"warning":   cfg.LLM.WarnThreshold,
				"throttled": 1.0,
			},
		})
	}
	return configs
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		BotID:           cfg.Discord.ClientID,
		IgnoreBots:      cfg.Message.IgnoreBots,
		LLMChat:         cfg.Message.LLMChat,
		LLMFollowUp:     cfg.Message.LLMFollowUp,
		CommandInline:   cfg.Message.CommandInline,
		CommandSlash:    cfg.Message.CommandSlash,
		SendApology:     cfg.Message.SendApology,
		HistoryLimit:    cfg.Message.HistoryLimit,
		SystemPrompt:    cfg.LLM.SystemPrompt,
		FollowUpPrompt:  cfg.LLM.FollowUpPrompt,
		FollowUpDelay:   cfg.Message.FollowUpDelay,
		ProviderTimeout: cfg.LLM.Timeout,
	}
}

// predictionWebhookURL is where Replicate posts completed predictions. Replicate cannot
// send custom headers, so the secret travels as a query parameter.
func predictionWebhookURL(cfg *config.Config) string {
	if !cfg.Webhook.Enabled || cfg.Webhook.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.Webhook.PublicURL, "/") + "/webhook?token=" + cfg.Webhook.SecretToken
}

// buildRouteStore prefers Redis so pending predictions survive restarts
func buildRouteStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (replicate.RouteStore, func()) {
	if cfg.Redis.URL == "" {
		return replicate.NewMemoryRouteStore(replicate.RouteTTL), func() {}
	}

	store, err := replicate.NewRedisRouteStore(ctx, cfg.Redis.URL, replicate.RouteTTL)
	if err != nil {
		logger.Warn("Redis unavailable, prediction routes kept in memory", "error", err)
		return replicate.NewMemoryRouteStore(replicate.RouteTTL), func() {}
	}

	logger.Info("Prediction routes stored in Redis")
	return store, func() {
		if err := store.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error closing Redis connection", "error", err)
		}
	}
}

var _ llm.ChannelSettings = (storage.StorageService)(nil)
