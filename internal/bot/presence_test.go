package bot

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/monitor"
)

// MockBotSession records presence updates
type MockBotSession struct {
	updates     []discordgo.Status
	activities  []string
	updateError error
}

func (m *MockBotSession) UpdatePresence(status discordgo.Status, activity *discordgo.Activity) error {
	if m.updateError != nil {
		return m.updateError
	}
	m.updates = append(m.updates, status)
	if activity != nil {
		m.activities = append(m.activities, activity.Name)
	}
	return nil
}

func newTestPresence() (*PresenceManager, *MockBotSession, *clock.Fake) {
	session := &MockBotSession{}
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := NewPresenceManager(session, fake, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	return manager, session, fake
}

func TestNewPresenceManager(t *testing.T) {
	manager, session, _ := newTestPresence()

	status, activity := manager.GetCurrentStatus()

	assert.Equal(t, discordgo.StatusOnline, status)
	assert.Nil(t, activity)
	assert.Equal(t, DefaultPresenceDebounce, manager.debounce)
	assert.Empty(t, session.updates)
}

func TestPresenceManager_StatusMapping(t *testing.T) {
	tests := []struct {
		status   string
		want     discordgo.Status
		activity string
	}{
		{monitor.StatusNormal, discordgo.StatusOnline, "API: Ready"},
		{monitor.StatusWarning, discordgo.StatusIdle, "API: Busy"},
		{monitor.StatusThrottled, discordgo.StatusDoNotDisturb, "API: Throttled"},
		{"Unknown", discordgo.StatusOnline, "API: Ready"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			manager, session, _ := newTestPresence()

			manager.OnProviderStatus("openai", tt.status)

			status, activity := manager.GetCurrentStatus()
			assert.Equal(t, tt.want, status)
			require.NotNil(t, activity)
			assert.Equal(t, tt.activity, activity.Name)
			assert.Equal(t, []discordgo.Status{tt.want}, session.updates)
		})
	}
}

func TestPresenceManager_WorstProviderWins(t *testing.T) {
	manager, _, _ := newTestPresence()
	manager.SetDebounceInterval(0)

	manager.OnProviderStatus("openai", monitor.StatusThrottled)
	manager.OnProviderStatus("ollama", monitor.StatusNormal)

	status, _ := manager.GetCurrentStatus()
	assert.Equal(t, discordgo.StatusDoNotDisturb, status)

	manager.OnProviderStatus("openai", monitor.StatusWarning)

	status, _ = manager.GetCurrentStatus()
	assert.Equal(t, discordgo.StatusIdle, status)
}

func TestPresenceManager_Debounce(t *testing.T) {
	manager, session, fake := newTestPresence()

	manager.OnProviderStatus("openai", monitor.StatusWarning)
	require.Len(t, session.updates, 1)

	fake.Advance(5 * time.Second)
	manager.OnProviderStatus("openai", monitor.StatusThrottled)
	fake.Advance(5 * time.Second)
	manager.OnProviderStatus("openai", monitor.StatusNormal)

	assert.Len(t, session.updates, 1)
	assert.Equal(t, 1, fake.PendingTimers())

	fake.Advance(20 * time.Second)

	assert.Equal(t, []discordgo.Status{discordgo.StatusIdle, discordgo.StatusOnline}, session.updates)
	assert.Equal(t, 0, fake.PendingTimers())
}

func TestPresenceManager_Stop(t *testing.T) {
	manager, session, fake := newTestPresence()

	manager.OnProviderStatus("openai", monitor.StatusWarning)
	manager.OnProviderStatus("openai", monitor.StatusThrottled)
	manager.Stop()

	fake.Advance(time.Minute)

	assert.Len(t, session.updates, 1)
	assert.Equal(t, 0, fake.PendingTimers())
}

func TestPresenceManager_UpdateError(t *testing.T) {
	manager, session, _ := newTestPresence()
	session.updateError = errors.New("gateway closed")

	manager.OnProviderStatus("openai", monitor.StatusThrottled)

	status, activity := manager.GetCurrentStatus()
	assert.Equal(t, discordgo.StatusOnline, status)
	assert.Nil(t, activity)

	session.updateError = nil
	require.NoError(t, manager.Refresh())

	status, _ = manager.GetCurrentStatus()
	assert.Equal(t, discordgo.StatusDoNotDisturb, status)
}

func TestPresenceManager_MonitorCallback(t *testing.T) {
	var _ monitor.StatusCallback = (&PresenceManager{}).OnProviderStatus
}
