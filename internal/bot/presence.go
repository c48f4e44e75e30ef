package bot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/monitor"
)

// DefaultPresenceDebounce is the minimum time between presence updates
const DefaultPresenceDebounce = 30 * time.Second

// PresenceManager mirrors the worst provider usage status into the bot's Discord presence
type PresenceManager struct {
	session  BotSession
	clock    clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	mu              sync.Mutex
	providers       map[string]string
	currentStatus   discordgo.Status
	currentActivity *discordgo.Activity
	lastUpdate      time.Time
	pending         clock.Timer
}

// NewPresenceManager creates a presence manager. A nil clock uses the wall clock.
func NewPresenceManager(session BotSession, c clock.Clock, logger *slog.Logger) *PresenceManager {
	if c == nil {
		c = clock.Real()
	}
	return &PresenceManager{
		session:       session,
		clock:         c,
		logger:        logger,
		debounce:      DefaultPresenceDebounce,
		providers:     make(map[string]string),
		currentStatus: discordgo.StatusOnline,
	}
}

// SetDebounceInterval configures the minimum time between presence updates
func (pm *PresenceManager) SetDebounceInterval(interval time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.debounce = interval
}

// OnProviderStatus records a provider status change. It matches monitor.StatusCallback.
// Changes inside the debounce interval are applied once the interval has passed.
func (pm *PresenceManager) OnProviderStatus(providerID, status string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.providers[providerID] = status

	wait := pm.debounce - pm.clock.Now().Sub(pm.lastUpdate)
	if !pm.lastUpdate.IsZero() && wait > 0 {
		if pm.pending == nil {
			pm.logger.Debug("Presence update debounced",
				"provider", providerID,
				"status", status,
				"wait", wait)
			pm.pending = pm.clock.AfterFunc(wait, pm.flush)
		}
		return
	}

	if err := pm.applyLocked(); err != nil {
		pm.logger.Error("Failed to update Discord presence",
			"provider", providerID,
			"status", status,
			"error", err)
	}
}

// Refresh pushes the current presence again, e.g. after a gateway reconnect
func (pm *PresenceManager) Refresh() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.applyLocked()
}

// GetCurrentStatus returns the current Discord status and activity
func (pm *PresenceManager) GetCurrentStatus() (discordgo.Status, *discordgo.Activity) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var activity *discordgo.Activity
	if pm.currentActivity != nil {
		activity = &discordgo.Activity{
			Name: pm.currentActivity.Name,
			Type: pm.currentActivity.Type,
		}
	}
	return pm.currentStatus, activity
}

// Stop cancels a pending debounced update
func (pm *PresenceManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.pending != nil {
		pm.pending.Stop()
		pm.pending = nil
	}
}

func (pm *PresenceManager) flush() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pending = nil
	if err := pm.applyLocked(); err != nil {
		pm.logger.Error("Failed to apply debounced presence update", "error", err)
	}
}

func (pm *PresenceManager) applyLocked() error {
	worst := monitor.StatusNormal
	for _, status := range pm.providers {
		if statusRank(status) > statusRank(worst) {
			worst = status
		}
	}

	status, name := presenceFor(worst)
	activity := &discordgo.Activity{Name: name, Type: discordgo.ActivityTypeGame}

	if err := pm.session.UpdatePresence(status, activity); err != nil {
		return fmt.Errorf("failed to set %s presence: %w", status, err)
	}

	pm.currentStatus = status
	pm.currentActivity = activity
	pm.lastUpdate = pm.clock.Now()

	pm.logger.Info("Discord presence updated",
		"rate_limit_status", worst,
		"discord_status", status,
		"activity", name)
	return nil
}

func statusRank(status string) int {
	switch status {
	case monitor.StatusThrottled:
		return 2
	case monitor.StatusWarning:
		return 1
	default:
		return 0
	}
}

func presenceFor(status string) (discordgo.Status, string) {
	switch status {
	case monitor.StatusThrottled:
		return discordgo.StatusDoNotDisturb, "API: Throttled"
	case monitor.StatusWarning:
		return discordgo.StatusIdle, "API: Busy"
	default:
		return discordgo.StatusOnline, "API: Ready"
	}
}
