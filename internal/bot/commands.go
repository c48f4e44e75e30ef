package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/llm"
	"llm-relay-bot/internal/message"
	"llm-relay-bot/internal/replicate"
)

const commandPrefix = "!"

// ProviderSelector chooses and persists the LLM provider per channel
type ProviderSelector interface {
	Names() []string
	DefaultName() string
	ProviderFor(ctx context.Context, channelID string) (llm.Provider, error)
	SetChannelProvider(ctx context.Context, channelID, name, updatedBy string) error
}

// UsageReporter exposes provider usage for !status
type UsageReporter interface {
	ProviderIDs() []string
	GetProviderUsage(providerID string) (int, int)
	GetProviderStatus(providerID string) string
}

// PredictionStarter starts image description predictions
type PredictionStarter interface {
	Configured() bool
	CreatePrediction(ctx context.Context, imageURL, prompt string) (*replicate.Prediction, error)
}

// Commands handles the inline "!" commands
type Commands struct {
	providers   ProviderSelector
	restrictor  *ChannelRestrictor
	usage       UsageReporter
	predictions PredictionStarter
	routes      replicate.RouteStore
	authorised  map[string]struct{}
	clock       clock.Clock
	started     time.Time
	logger      *slog.Logger
}

// CommandsConfig wires the collaborators of Commands. Nil collaborators disable their commands.
type CommandsConfig struct {
	Providers       ProviderSelector
	Restrictor      *ChannelRestrictor
	Usage           UsageReporter
	Predictions     PredictionStarter
	Routes          replicate.RouteStore
	AuthorisedUsers []string // empty allows everyone
	Clock           clock.Clock
}

// NewCommands creates a new command handler
func NewCommands(cfg CommandsConfig, logger *slog.Logger) *Commands {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	authorised := make(map[string]struct{}, len(cfg.AuthorisedUsers))
	for _, id := range cfg.AuthorisedUsers {
		authorised[id] = struct{}{}
	}

	return &Commands{
		providers:   cfg.Providers,
		restrictor:  cfg.Restrictor,
		usage:       cfg.Usage,
		predictions: cfg.Predictions,
		routes:      cfg.Routes,
		authorised:  authorised,
		clock:       cfg.Clock,
		started:     cfg.Clock.Now(),
		logger:      logger,
	}
}

// Dispatch runs msg as a command. Text that is not a known command is left for chat.
func (c *Commands) Dispatch(ctx context.Context, msg message.Message) (string, bool, error) {
	command, args, ok := parseCommand(msg.Text())
	if !ok {
		return "", false, nil
	}

	logger := c.logger.With("command", command, "user_id", msg.AuthorID(), "channel_id", msg.ChannelID())

	switch command {
	case "help":
		return c.handleHelp(), true, nil
	case "status":
		return c.handleStatus(ctx, msg.ChannelID()), true, nil
	case "provider":
		if len(args) > 0 && !c.isAuthorised(msg.AuthorID()) {
			return "🔒 This command requires admin permissions.", true, nil
		}
		return c.handleProvider(ctx, logger, msg, args), true, nil
	case "restrictions":
		if len(args) > 0 && !c.isAuthorised(msg.AuthorID()) {
			return "🔒 This command requires admin permissions.", true, nil
		}
		return c.handleRestrictions(ctx, logger, msg.ChannelID(), args), true, nil
	case "describe":
		if !c.isAuthorised(msg.AuthorID()) {
			return "🔒 This command requires admin permissions.", true, nil
		}
		return c.handleDescribe(ctx, logger, msg.ChannelID(), args), true, nil
	default:
		return "", false, nil
	}
}

// parseCommand splits "!name arg1 arg2" into a lower-case name and its arguments
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, commandPrefix) {
		return "", nil, false
	}

	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (c *Commands) isAuthorised(userID string) bool {
	if len(c.authorised) == 0 {
		return true
	}
	_, ok := c.authorised[userID]
	return ok
}

func (c *Commands) handleHelp() string {
	return `🤖 **Commands:**
• ` + "`!help`" + ` - Show this help message
• ` + "`!status`" + ` - Show provider usage and uptime
• ` + "`!provider`" + ` - Show the LLM provider used in this channel
• ` + "`!provider <name>`" + ` - Switch this channel to another provider (` + "`default`" + ` resets)
• ` + "`!restrictions`" + ` - Show channel restrictions
• ` + "`!restrictions on/off`" + ` - Enable/disable channel restrictions
• ` + "`!restrictions add/remove <channel_id>`" + ` - Edit the allowed channel list
• ` + "`!describe <image_url> [prompt]`" + ` - Describe an image (result is posted when ready)`
}

func (c *Commands) handleStatus(ctx context.Context, channelID string) string {
	var msg strings.Builder
	msg.WriteString("📊 **Bot Status:**\n")
	fmt.Fprintf(&msg, "• **Uptime:** %s\n", c.clock.Now().Sub(c.started).Truncate(time.Second))

	if c.providers != nil {
		fmt.Fprintf(&msg, "• **Default provider:** %s\n", c.providers.DefaultName())
		if p, err := c.providers.ProviderFor(ctx, channelID); err == nil {
			fmt.Fprintf(&msg, "• **This channel:** %s\n", p.Name())
		}
	}

	if c.usage != nil {
		for _, id := range c.usage.ProviderIDs() {
			used, limit := c.usage.GetProviderUsage(id)
			fmt.Fprintf(&msg, "• **%s:** %s (%d/%d requests this minute)\n",
				id, statusEmoji(c.usage.GetProviderStatus(id)), used, limit)
		}
	}

	return strings.TrimRight(msg.String(), "\n")
}

func statusEmoji(status string) string {
	switch status {
	case "Throttled":
		return "🔴 Throttled"
	case "Warning":
		return "🟡 Warning"
	default:
		return "🟢 " + status
	}
}

func (c *Commands) handleProvider(ctx context.Context, logger *slog.Logger, msg message.Message, args []string) string {
	if c.providers == nil {
		return "❌ Provider selection is not available."
	}

	if len(args) == 0 {
		p, err := c.providers.ProviderFor(ctx, msg.ChannelID())
		if err != nil {
			logger.Error("Failed to resolve channel provider", "error", err)
			return "❌ Failed to resolve the provider for this channel."
		}
		return fmt.Sprintf("🧠 This channel uses **%s**. Available: %s", p.Name(), strings.Join(c.providers.Names(), ", "))
	}

	name := strings.ToLower(args[0])
	if name == "default" {
		name = ""
	}

	err := c.providers.SetChannelProvider(ctx, msg.ChannelID(), name, msg.AuthorID())
	if errors.Is(err, llm.ErrUnknownProvider) {
		return fmt.Sprintf("❓ Unknown provider `%s`. Available: %s", args[0], strings.Join(c.providers.Names(), ", "))
	}
	if err != nil {
		logger.Error("Failed to update channel provider", "error", err)
		return "❌ Failed to update the provider for this channel."
	}

	if name == "" {
		return fmt.Sprintf("✅ This channel now uses the default provider (%s).", c.providers.DefaultName())
	}
	return fmt.Sprintf("✅ This channel now uses **%s**.", name)
}

func (c *Commands) handleRestrictions(ctx context.Context, logger *slog.Logger, channelID string, args []string) string {
	if c.restrictor == nil {
		return "❌ Channel restrictions are not available."
	}

	if len(args) == 0 {
		return c.restrictor.FormatChannelRestrictionsStatus(c.restrictor.GetChannelRestrictions())
	}

	usage := "❓ Usage: `!restrictions` (show), `!restrictions on/off`, `!restrictions add <channel_id>` or `!restrictions remove <channel_id>`"

	switch strings.ToLower(args[0]) {
	case "on", "off":
		enabled := strings.ToLower(args[0]) == "on"
		if err := c.restrictor.SetEnabled(ctx, enabled); err != nil {
			logger.Error("Failed to update channel restrictions", "error", err)
			return "❌ Failed to update channel restrictions."
		}
		if enabled {
			return "✅ Channel restrictions enabled."
		}
		return "✅ Channel restrictions disabled."

	case "add":
		target := channelID
		if len(args) > 1 {
			target = strings.Trim(args[1], "<#>")
		}
		added, err := c.restrictor.AddChannel(ctx, target)
		if err != nil {
			logger.Error("Failed to add allowed channel", "error", err)
			return "❌ Failed to update channel restrictions."
		}
		if !added {
			return fmt.Sprintf("ℹ️ <#%s> is already allowed.", target)
		}
		return fmt.Sprintf("✅ Added <#%s> to allowed channels.", target)

	case "remove":
		if len(args) < 2 {
			return usage
		}
		target := strings.Trim(args[1], "<#>")
		removed, err := c.restrictor.RemoveChannel(ctx, target)
		if err != nil {
			logger.Error("Failed to remove allowed channel", "error", err)
			return "❌ Failed to update channel restrictions."
		}
		if !removed {
			return fmt.Sprintf("ℹ️ <#%s> was not in the allowed list.", target)
		}
		return fmt.Sprintf("✅ Removed <#%s> from allowed channels.", target)

	default:
		return usage
	}
}

func (c *Commands) handleDescribe(ctx context.Context, logger *slog.Logger, channelID string, args []string) string {
	if c.predictions == nil || !c.predictions.Configured() {
		return "❌ Image description is not configured."
	}
	if len(args) == 0 {
		return "❓ Usage: `!describe <image_url> [prompt]`"
	}

	imageURL := strings.Trim(args[0], "<>")
	if u, err := url.Parse(imageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "❌ Please provide a valid http(s) image URL."
	}
	prompt := strings.Join(args[1:], " ")

	prediction, err := c.predictions.CreatePrediction(ctx, imageURL, prompt)
	if err != nil {
		logger.Error("Failed to create prediction", "error", err)
		return "❌ Failed to start image description."
	}

	if c.routes != nil {
		if err := c.routes.Save(ctx, prediction.ID, channelID); err != nil {
			logger.Warn("Failed to save prediction route, result goes to the default channel",
				"prediction_id", prediction.ID,
				"error", err)
		}
	}

	return fmt.Sprintf("🖼️ Working on it! I'll post the description here when it's ready. (Prediction ID: %s)", prediction.ID)
}
