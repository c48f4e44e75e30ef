package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"llm-relay-bot/internal/conversation"
	"llm-relay-bot/internal/storage"
)

// UsageMonitor guards provider calls with usage limits
type UsageMonitor interface {
	CheckProvider(providerID string) error
	RegisterCall(providerID string) error
}

// ChannelSettings looks up per-channel provider overrides
type ChannelSettings interface {
	GetChannelSetting(ctx context.Context, channelID string) (*storage.ChannelSetting, error)
	UpsertChannelSetting(ctx context.Context, setting *storage.ChannelSetting) error
}

// Registry selects the provider for a channel and routes generation calls through it
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
	settings    ChannelSettings
	monitor     UsageMonitor
	logger      *slog.Logger
}

// NewRegistry creates a registry. settings and monitor may be nil.
func NewRegistry(defaultName string, settings ChannelSettings, monitor UsageMonitor, logger *slog.Logger) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
		settings:    settings,
		monitor:     monitor,
		logger:      logger,
	}
}

// Register adds or replaces a provider under its name
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the provider used when a channel has no override
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// ProviderFor returns the provider for a channel. An override naming an
// unregistered provider, or a failed lookup, falls back to the default.
func (r *Registry) ProviderFor(ctx context.Context, channelID string) (Provider, error) {
	name := r.defaultName

	if r.settings != nil {
		setting, err := r.settings.GetChannelSetting(ctx, channelID)
		if err != nil {
			r.logger.Warn("Failed to load channel provider override, using default",
				"channel_id", channelID,
				"error", err)
		} else if setting != nil && setting.LLMProvider != "" {
			if _, ok := r.Get(setting.LLMProvider); ok {
				name = setting.LLMProvider
			} else {
				r.logger.Warn("Channel override names unknown provider, using default",
					"channel_id", channelID,
					"provider", setting.LLMProvider)
			}
		}
	}

	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// SetChannelProvider persists a per-channel override. An empty name clears it.
func (r *Registry) SetChannelProvider(ctx context.Context, channelID, name, updatedBy string) error {
	if name != "" {
		if _, ok := r.Get(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
	}
	if r.settings == nil {
		return fmt.Errorf("channel settings storage not configured")
	}

	return r.settings.UpsertChannelSetting(ctx, &storage.ChannelSetting{
		ChannelID:   channelID,
		LLMProvider: name,
		UpdatedBy:   updatedBy,
	})
}

// GenerateChatResponse picks the channel's provider and calls it, subject to the usage monitor
func (r *Registry) GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error) {
	p, err := r.ProviderFor(ctx, channelID)
	if err != nil {
		return "", err
	}

	if r.monitor != nil {
		if err := r.monitor.CheckProvider(p.Name()); err != nil {
			r.logger.Warn("Provider throttled",
				"provider", p.Name(),
				"channel_id", channelID,
				"error", err)
			return "", err
		}
		if err := r.monitor.RegisterCall(p.Name()); err != nil {
			r.logger.Warn("Failed to register provider call", "provider", p.Name(), "error", err)
		}
	}

	return p.GenerateChatResponse(ctx, channelID, turns)
}
