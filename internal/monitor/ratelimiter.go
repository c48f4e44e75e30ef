package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"llm-relay-bot/internal/clock"
)

// Provider status values
const (
	StatusNormal    = "Normal"
	StatusWarning   = "Warning"
	StatusThrottled = "Throttled"
)

// ErrThrottled is returned when a provider has used up its call allowance
var ErrThrottled = errors.New("provider rate limit exceeded")

var windowDurations = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ProviderConfig holds call limits per time window and the usage ratios that change status
type ProviderConfig struct {
	ProviderID string
	Limits     map[string]int     // "minute", "hour", "day" -> max calls
	Thresholds map[string]float64 // "warning", "throttled" -> usage ratio
}

// ProviderRateLimitState tracks recent calls for one provider
type ProviderRateLimitState struct {
	ProviderID  string
	TimeWindows map[string][]time.Time
	Config      ProviderConfig
	LastStatus  string
	Mutex       sync.RWMutex
}

// StatusCallback is notified when a provider's status changes
type StatusCallback func(providerID, status string)

// RateLimitManager accounts LLM provider calls so the bot backs off before the provider does
type RateLimitManager struct {
	logger    *slog.Logger
	clock     clock.Clock
	providers map[string]*ProviderRateLimitState
	callbacks []StatusCallback
	mu        sync.RWMutex
}

// NewRateLimitManager creates a manager for the given providers
func NewRateLimitManager(logger *slog.Logger, configs []ProviderConfig) *RateLimitManager {
	return NewRateLimitManagerWithClock(logger, configs, clock.Real())
}

// NewRateLimitManagerWithClock creates a manager using the given clock
func NewRateLimitManagerWithClock(logger *slog.Logger, configs []ProviderConfig, c clock.Clock) *RateLimitManager {
	m := &RateLimitManager{
		logger:    logger,
		clock:     c,
		providers: make(map[string]*ProviderRateLimitState),
	}
	for _, cfg := range configs {
		m.AddProvider(cfg)
	}
	return m
}

// AddProvider registers or replaces a provider's configuration
func (m *RateLimitManager) AddProvider(cfg ProviderConfig) {
	state := &ProviderRateLimitState{
		ProviderID:  cfg.ProviderID,
		TimeWindows: make(map[string][]time.Time),
		Config:      cfg,
		LastStatus:  StatusNormal,
	}
	for window := range cfg.Limits {
		state.TimeWindows[window] = []time.Time{}
	}

	m.mu.Lock()
	m.providers[cfg.ProviderID] = state
	m.mu.Unlock()
}

// RegisterStatusCallback adds a listener for status changes
func (m *RateLimitManager) RegisterStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// GetProviderState returns the internal state of a provider
func (m *RateLimitManager) GetProviderState(providerID string) (*ProviderRateLimitState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.providers[providerID]
	return state, ok
}

// CheckProvider returns ErrThrottled if the provider must not be called right now
func (m *RateLimitManager) CheckProvider(providerID string) error {
	if m.GetProviderStatus(providerID) == StatusThrottled {
		usage, limit := m.GetProviderUsage(providerID)
		return fmt.Errorf("%w: %s at %d/%d requests", ErrThrottled, providerID, usage, limit)
	}
	return nil
}

// RegisterCall records one call to the provider. Unknown providers are ignored.
func (m *RateLimitManager) RegisterCall(providerID string) error {
	state, ok := m.GetProviderState(providerID)
	if !ok {
		m.logger.Debug("Call registered for unconfigured provider", "provider", providerID)
		return nil
	}

	now := m.clock.Now()

	state.Mutex.Lock()
	for window := range state.Config.Limits {
		state.TimeWindows[window] = append(prune(state.TimeWindows[window], window, now), now)
	}
	status := m.statusLocked(state, now)
	changed := status != state.LastStatus
	state.LastStatus = status
	state.Mutex.Unlock()

	if changed {
		m.logger.Info("Provider rate limit status changed", "provider", providerID, "status", status)
		m.notify(providerID, status)
	}
	return nil
}

// GetProviderUsage returns calls within the minute window and its limit
func (m *RateLimitManager) GetProviderUsage(providerID string) (int, int) {
	state, ok := m.GetProviderState(providerID)
	if !ok {
		return 0, 0
	}

	now := m.clock.Now()
	state.Mutex.Lock()
	defer state.Mutex.Unlock()

	limit, ok := state.Config.Limits["minute"]
	if !ok {
		return 0, 0
	}
	state.TimeWindows["minute"] = prune(state.TimeWindows["minute"], "minute", now)
	return len(state.TimeWindows["minute"]), limit
}

// GetProviderStatus returns Normal, Warning or Throttled based on the busiest window
func (m *RateLimitManager) GetProviderStatus(providerID string) string {
	state, ok := m.GetProviderState(providerID)
	if !ok {
		return StatusNormal
	}

	now := m.clock.Now()
	state.Mutex.Lock()
	defer state.Mutex.Unlock()
	return m.statusLocked(state, now)
}

// ProviderIDs lists the configured providers
func (m *RateLimitManager) ProviderIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	return ids
}

func (m *RateLimitManager) statusLocked(state *ProviderRateLimitState, now time.Time) string {
	warning := state.Config.Thresholds["warning"]
	throttled := state.Config.Thresholds["throttled"]
	if throttled == 0 {
		throttled = 1.0
	}

	highest := 0.0
	for window, limit := range state.Config.Limits {
		if limit <= 0 {
			continue
		}
		state.TimeWindows[window] = prune(state.TimeWindows[window], window, now)
		ratio := float64(len(state.TimeWindows[window])) / float64(limit)
		if ratio > highest {
			highest = ratio
		}
	}

	switch {
	case highest >= throttled:
		return StatusThrottled
	case warning > 0 && highest >= warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}

func (m *RateLimitManager) notify(providerID, status string) {
	m.mu.RLock()
	callbacks := append([]StatusCallback(nil), m.callbacks...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(providerID, status)
	}
}

func prune(calls []time.Time, window string, now time.Time) []time.Time {
	d, ok := windowDurations[window]
	if !ok {
		return calls
	}
	cutoff := now.Add(-d)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}
