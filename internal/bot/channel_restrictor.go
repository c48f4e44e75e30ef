package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"llm-relay-bot/internal/config"
)

const restrictionsCategory = "channel_restrictions"

// RestrictionSettings is the persisted settings view used by the restrictor
type RestrictionSettings interface {
	GetBool(key string, defaultValue bool) bool
	GetStringList(key string) []string
	SetBool(ctx context.Context, key string, value bool, category, description string) error
	SetStringList(ctx context.Context, key string, values []string, category, description string) error
}

// ChannelRestrictor limits the channels the bot acts in
type ChannelRestrictor struct {
	settings RestrictionSettings
	logger   *slog.Logger
}

// ChannelRestrictions represents the channel restriction configuration
type ChannelRestrictions struct {
	AllowedChannelIDs []string
	Enabled           bool
}

// NewChannelRestrictor creates a new channel restrictor
func NewChannelRestrictor(settings RestrictionSettings, logger *slog.Logger) *ChannelRestrictor {
	return &ChannelRestrictor{
		settings: settings,
		logger:   logger,
	}
}

// IsChannelAllowed reports whether the bot may act in channelID.
// Disabled restrictions or an empty allow-list permit every channel.
func (cr *ChannelRestrictor) IsChannelAllowed(ctx context.Context, channelID string) bool {
	restrictions := cr.GetChannelRestrictions()

	if !restrictions.Enabled || len(restrictions.AllowedChannelIDs) == 0 {
		return true
	}

	for _, allowedID := range restrictions.AllowedChannelIDs {
		if channelID == allowedID {
			return true
		}
	}

	cr.logger.Debug("Channel not in allowed list",
		"channel_id", channelID,
		"allowed_channels", len(restrictions.AllowedChannelIDs))
	return false
}

// GetChannelRestrictions returns the current channel restriction configuration
func (cr *ChannelRestrictor) GetChannelRestrictions() *ChannelRestrictions {
	allowed := cr.settings.GetStringList(config.KeyAllowedChannelIDs)
	if allowed == nil {
		allowed = []string{}
	}
	return &ChannelRestrictions{
		Enabled:           cr.settings.GetBool(config.KeyChannelRestrictionsEnabled, false),
		AllowedChannelIDs: allowed,
	}
}

// SetEnabled turns restrictions on or off
func (cr *ChannelRestrictor) SetEnabled(ctx context.Context, enabled bool) error {
	if err := cr.settings.SetBool(ctx, config.KeyChannelRestrictionsEnabled, enabled,
		restrictionsCategory, "Enable channel-based restrictions"); err != nil {
		return fmt.Errorf("failed to update restrictions enabled: %w", err)
	}

	cr.logger.Info("Updated channel restrictions", "enabled", enabled)
	return nil
}

// AddChannel appends channelID to the allow-list. It returns false if it was already present.
func (cr *ChannelRestrictor) AddChannel(ctx context.Context, channelID string) (bool, error) {
	channels := cr.GetChannelRestrictions().AllowedChannelIDs
	for _, id := range channels {
		if id == channelID {
			return false, nil
		}
	}

	if err := cr.saveChannels(ctx, append(channels, channelID)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveChannel drops channelID from the allow-list. It returns false if it was not present.
func (cr *ChannelRestrictor) RemoveChannel(ctx context.Context, channelID string) (bool, error) {
	channels := cr.GetChannelRestrictions().AllowedChannelIDs
	kept := make([]string, 0, len(channels))
	for _, id := range channels {
		if id != channelID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(channels) {
		return false, nil
	}

	if err := cr.saveChannels(ctx, kept); err != nil {
		return false, err
	}
	return true, nil
}

func (cr *ChannelRestrictor) saveChannels(ctx context.Context, channels []string) error {
	if err := cr.settings.SetStringList(ctx, config.KeyAllowedChannelIDs, channels,
		restrictionsCategory, "Comma-separated list of allowed channel IDs"); err != nil {
		return fmt.Errorf("failed to update allowed channels: %w", err)
	}

	cr.logger.Info("Updated allowed channels", "allowed_channels", len(channels))
	return nil
}

// FormatChannelRestrictionsStatus creates a user-friendly status message
func (cr *ChannelRestrictor) FormatChannelRestrictionsStatus(restrictions *ChannelRestrictions) string {
	if !restrictions.Enabled {
		return "🟢 **Channel Restrictions:** Disabled - Bot responds in all channels"
	}

	var msg strings.Builder
	msg.WriteString("🔒 **Channel Restrictions:** Enabled\n")

	if len(restrictions.AllowedChannelIDs) == 0 {
		msg.WriteString("• **Allowed Channels:** All channels (no restrictions)\n")
		return msg.String()
	}

	fmt.Fprintf(&msg, "• **Allowed Channels:** %d channel(s) configured\n", len(restrictions.AllowedChannelIDs))
	for i, channelID := range restrictions.AllowedChannelIDs {
		if i == 5 {
			fmt.Fprintf(&msg, "  - ... and %d more\n", len(restrictions.AllowedChannelIDs)-5)
			break
		}
		fmt.Fprintf(&msg, "  - <#%s>\n", channelID)
	}

	return msg.String()
}
