package bot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/conversation"
	"llm-relay-bot/internal/llm"
	"llm-relay-bot/internal/message"
	"llm-relay-bot/internal/replicate"
)

type namedProvider string

func (p namedProvider) Name() string { return string(p) }

func (p namedProvider) GenerateChatResponse(context.Context, string, []conversation.Turn) (string, error) {
	return "", nil
}

type fakeSelector struct {
	names    []string
	channels map[string]string
	setErr   error
}

func (f *fakeSelector) Names() []string     { return f.names }
func (f *fakeSelector) DefaultName() string { return f.names[0] }

func (f *fakeSelector) ProviderFor(_ context.Context, channelID string) (llm.Provider, error) {
	if name, ok := f.channels[channelID]; ok {
		return namedProvider(name), nil
	}
	return namedProvider(f.DefaultName()), nil
}

func (f *fakeSelector) SetChannelProvider(_ context.Context, channelID, name, _ string) error {
	if f.setErr != nil {
		return f.setErr
	}
	if name == "" {
		delete(f.channels, channelID)
		return nil
	}
	for _, n := range f.names {
		if n == name {
			f.channels[channelID] = name
			return nil
		}
	}
	return llm.ErrUnknownProvider
}

type fakeUsage struct{}

func (fakeUsage) ProviderIDs() []string { return []string{"openai"} }

func (fakeUsage) GetProviderUsage(string) (int, int) { return 45, 60 }

func (fakeUsage) GetProviderStatus(string) string { return "Warning" }

type fakePredictions struct {
	configured bool
	err        error
	imageURL   string
	prompt     string
}

func (f *fakePredictions) Configured() bool { return f.configured }

func (f *fakePredictions) CreatePrediction(_ context.Context, imageURL, prompt string) (*replicate.Prediction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.imageURL = imageURL
	f.prompt = prompt
	return &replicate.Prediction{ID: "pred-1", Status: replicate.StatusStarting}, nil
}

type commandsHarness struct {
	commands    *Commands
	selector    *fakeSelector
	settings    *memorySettings
	predictions *fakePredictions
	routes      *replicate.MemoryRouteStore
	clock       *clock.Fake
}

func newCommandsHarness(authorised ...string) *commandsHarness {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	h := &commandsHarness{
		selector:    &fakeSelector{names: []string{"openai", "ollama"}, channels: map[string]string{}},
		settings:    newMemorySettings(),
		predictions: &fakePredictions{configured: true},
		routes:      replicate.NewMemoryRouteStore(time.Hour),
		clock:       clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.commands = NewCommands(CommandsConfig{
		Providers:       h.selector,
		Restrictor:      NewChannelRestrictor(h.settings, logger),
		Usage:           fakeUsage{},
		Predictions:     h.predictions,
		Routes:          h.routes,
		AuthorisedUsers: authorised,
		Clock:           h.clock,
	}, logger)
	return h
}

func (h *commandsHarness) run(t *testing.T, author, text string) (string, bool) {
	t.Helper()
	reply, handled, err := h.commands.Dispatch(context.Background(), &message.Simple{
		MessageID: "m1",
		Content:   text,
		Channel:   "c1",
		Author:    author,
	})
	require.NoError(t, err)
	return reply, handled
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{"!help", "help", []string{}, true},
		{"  !Provider  Ollama ", "provider", []string{"Ollama"}, true},
		{"!describe https://x/y.png a cat", "describe", []string{"https://x/y.png", "a", "cat"}, true},
		{"!", "", nil, false},
		{"hello !help", "", nil, false},
		{"", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := parseCommand(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCommands_NotACommand(t *testing.T) {
	h := newCommandsHarness()

	for _, text := range []string{"hello there", "!ping", "!unknown thing"} {
		reply, handled := h.run(t, "u1", text)
		assert.False(t, handled, text)
		assert.Empty(t, reply, text)
	}
}

func TestCommands_Help(t *testing.T) {
	h := newCommandsHarness()

	reply, handled := h.run(t, "u1", "!help")

	assert.True(t, handled)
	assert.Contains(t, reply, "!provider <name>")
	assert.Contains(t, reply, "!restrictions on/off")
	assert.Contains(t, reply, "!describe <image_url> [prompt]")
}

func TestCommands_Status(t *testing.T) {
	h := newCommandsHarness()
	h.clock.Advance(90 * time.Minute)

	reply, handled := h.run(t, "u1", "!status")

	assert.True(t, handled)
	assert.Contains(t, reply, "1h30m0s")
	assert.Contains(t, reply, "**Default provider:** openai")
	assert.Contains(t, reply, "🟡 Warning (45/60 requests this minute)")
}

func TestCommands_Provider(t *testing.T) {
	h := newCommandsHarness()

	reply, _ := h.run(t, "u1", "!provider")
	assert.Contains(t, reply, "uses **openai**")
	assert.Contains(t, reply, "openai, ollama")

	reply, _ = h.run(t, "u1", "!provider Ollama")
	assert.Equal(t, "✅ This channel now uses **ollama**.", reply)
	assert.Equal(t, "ollama", h.selector.channels["c1"])

	reply, _ = h.run(t, "u1", "!provider nope")
	assert.Contains(t, reply, "Unknown provider `nope`")

	reply, _ = h.run(t, "u1", "!provider default")
	assert.Contains(t, reply, "default provider (openai)")
	assert.NotContains(t, h.selector.channels, "c1")

	h.selector.setErr = errors.New("disk full")
	reply, _ = h.run(t, "u1", "!provider ollama")
	assert.Contains(t, reply, "❌")
}

func TestCommands_Authorisation(t *testing.T) {
	h := newCommandsHarness("admin")

	tests := []struct {
		name   string
		author string
		text   string
		locked bool
	}{
		{"read provider", "u1", "!provider", false},
		{"switch provider", "u1", "!provider ollama", true},
		{"read restrictions", "u1", "!restrictions", false},
		{"toggle restrictions", "u1", "!restrictions on", true},
		{"describe", "u1", "!describe https://example.com/cat.png", true},
		{"admin switch provider", "admin", "!provider ollama", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, handled := h.run(t, tt.author, tt.text)
			assert.True(t, handled)
			if tt.locked {
				assert.Equal(t, "🔒 This command requires admin permissions.", reply)
			} else {
				assert.NotEqual(t, "🔒 This command requires admin permissions.", reply)
			}
		})
	}
}

func TestCommands_Restrictions(t *testing.T) {
	h := newCommandsHarness()

	reply, _ := h.run(t, "u1", "!restrictions")
	assert.Contains(t, reply, "Disabled")

	reply, _ = h.run(t, "u1", "!restrictions on")
	assert.Equal(t, "✅ Channel restrictions enabled.", reply)

	reply, _ = h.run(t, "u1", "!restrictions add")
	assert.Equal(t, "✅ Added <#c1> to allowed channels.", reply)

	reply, _ = h.run(t, "u1", "!restrictions add <#c2>")
	assert.Equal(t, "✅ Added <#c2> to allowed channels.", reply)

	reply, _ = h.run(t, "u1", "!restrictions add c2")
	assert.Contains(t, reply, "already allowed")

	reply, _ = h.run(t, "u1", "!restrictions remove c2")
	assert.Equal(t, "✅ Removed <#c2> from allowed channels.", reply)

	reply, _ = h.run(t, "u1", "!restrictions remove c2")
	assert.Contains(t, reply, "was not in the allowed list")

	reply, _ = h.run(t, "u1", "!restrictions remove")
	assert.Contains(t, reply, "❓ Usage")

	reply, _ = h.run(t, "u1", "!restrictions sideways")
	assert.Contains(t, reply, "❓ Usage")

	reply, _ = h.run(t, "u1", "!restrictions off")
	assert.Equal(t, "✅ Channel restrictions disabled.", reply)

	assert.Equal(t, []string{"c1"}, h.settings.lists["ALLOWED_CHANNEL_IDS"])
}

func TestCommands_Describe(t *testing.T) {
	h := newCommandsHarness()
	ctx := context.Background()

	reply, handled := h.run(t, "u1", "!describe <https://example.com/cat.png> what breed")

	assert.True(t, handled)
	assert.Contains(t, reply, "Prediction ID: pred-1")
	assert.Equal(t, "https://example.com/cat.png", h.predictions.imageURL)
	assert.Equal(t, "what breed", h.predictions.prompt)

	channelID, err := h.routes.Lookup(ctx, "pred-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", channelID)
}

func TestCommands_DescribeErrors(t *testing.T) {
	tests := []struct {
		name       string
		configured bool
		err        error
		text       string
		want       string
	}{
		{"not configured", false, nil, "!describe https://example.com/a.png", "❌ Image description is not configured."},
		{"missing url", true, nil, "!describe", "❓ Usage: `!describe <image_url> [prompt]`"},
		{"bad url", true, nil, "!describe ftp://example.com/a.png", "❌ Please provide a valid http(s) image URL."},
		{"api failure", true, errors.New("boom"), "!describe https://example.com/a.png", "❌ Failed to start image description."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCommandsHarness()
			h.predictions.configured = tt.configured
			h.predictions.err = tt.err

			reply, handled := h.run(t, "u1", tt.text)

			assert.True(t, handled)
			assert.Equal(t, tt.want, reply)
		})
	}
}

func TestCommands_NilCollaborators(t *testing.T) {
	commands := NewCommands(CommandsConfig{}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	msg := &message.Simple{Content: "!provider", Channel: "c1", Author: "u1"}

	reply, handled, err := commands.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "❌ Provider selection is not available.", reply)

	msg.Content = "!restrictions"
	reply, _, _ = commands.Dispatch(context.Background(), msg)
	assert.Equal(t, "❌ Channel restrictions are not available.", reply)

	msg.Content = "!status"
	reply, _, _ = commands.Dispatch(context.Background(), msg)
	assert.Contains(t, reply, "Uptime")
}
