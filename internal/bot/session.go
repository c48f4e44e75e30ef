package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"llm-relay-bot/internal/message"
)

// MaxMessageLength is the Discord limit for one message
const MaxMessageLength = 2000

// BotSession defines the Discord presence operations
type BotSession interface {
	UpdatePresence(status discordgo.Status, activity *discordgo.Activity) error
}

// Session manages the Discord connection and implements message.Messenger
type Session struct {
	logger         *slog.Logger
	token          string
	discordSession *discordgo.Session

	mu      sync.RWMutex
	handler message.Handler
	botID   string
	onReady []func(botID string)
}

// NewSession creates a new Discord bot session
func NewSession(token string, logger *slog.Logger) *Session {
	return &Session{
		logger: logger,
		token:  strings.TrimSpace(token),
	}
}

// IsTokenValid validates the Discord bot token format
func (s *Session) IsTokenValid() error {
	if s.token == "" {
		return fmt.Errorf("bot token is empty")
	}

	if len(s.token) < 50 {
		return fmt.Errorf("token appears to be too short (expected at least 50 characters)")
	}

	parts := strings.Split(s.token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("token format appears invalid (expected 3 dot-separated parts)")
	}

	if len(parts[0]) < 15 || len(parts[1]) < 5 || len(parts[2]) < 20 {
		return fmt.Errorf("token format appears invalid (parts too short)")
	}

	s.logger.Debug("Token validation passed", "token_length", len(s.token))
	return nil
}

// OnReady registers fn to run with the bot's user id once connected
func (s *Session) OnReady(fn func(botID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = append(s.onReady, fn)
}

// Open connects to the Discord gateway
func (s *Session) Open() error {
	dg, err := discordgo.New("Bot " + s.token)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}

	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	dg.AddHandler(s.handleReady)
	dg.AddHandler(s.handleMessageCreate)

	// set before Open so ready handlers can already update presence
	s.discordSession = dg
	if err := dg.Open(); err != nil {
		s.discordSession = nil
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

// Close disconnects from Discord
func (s *Session) Close() error {
	if s.discordSession == nil {
		return nil
	}
	return s.discordSession.Close()
}

// BotID returns the bot's user id, empty before the ready event
func (s *Session) BotID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botID
}

func (s *Session) handleReady(_ *discordgo.Session, event *discordgo.Ready) {
	s.mu.Lock()
	s.botID = event.User.ID
	callbacks := append([]func(string){}, s.onReady...)
	s.mu.Unlock()

	s.logger.Info("Bot is ready",
		"username", event.User.Username,
		"user_id", event.User.ID,
		"guilds", len(event.Guilds))

	for _, fn := range callbacks {
		fn(event.User.ID)
	}
}

func (s *Session) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	s.mu.RLock()
	handler := s.handler
	botID := s.botID
	s.mu.RUnlock()

	if handler == nil || m.Message == nil || m.Author == nil {
		return
	}
	handler(NewMessage(m.Message, botID))
}

// SetMessageHandler sets the callback for inbound messages
func (s *Session) SetMessageHandler(h message.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SendMessageToChannel sends text, split into chunks Discord accepts
func (s *Session) SendMessageToChannel(ctx context.Context, channelID, text string) error {
	if s.discordSession == nil {
		return fmt.Errorf("discord session not initialized")
	}

	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("send to channel %s cancelled: %w", channelID, err)
		}
		if _, err := s.discordSession.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("failed to send message to channel %s: %w", channelID, err)
		}
	}
	return nil
}

// GetMessagesFromChannel returns up to limit recent messages, oldest first
func (s *Session) GetMessagesFromChannel(ctx context.Context, channelID string, limit int) ([]message.Message, error) {
	if s.discordSession == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}
	if limit > 100 {
		limit = 100
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages, err := s.discordSession.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages from channel %s: %w", channelID, err)
	}

	return ConvertHistory(messages, s.BotID()), nil
}

// UpdatePresence updates the bot's Discord presence status and activity
func (s *Session) UpdatePresence(status discordgo.Status, activity *discordgo.Activity) error {
	if s.discordSession == nil {
		return fmt.Errorf("discord session not initialized")
	}

	var activities []*discordgo.Activity
	if activity != nil {
		activities = []*discordgo.Activity{activity}
	}

	err := s.discordSession.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     string(status),
		Activities: activities,
	})
	if err != nil {
		return fmt.Errorf("failed to update Discord presence: %w", err)
	}

	s.logger.Debug("Discord presence updated", "status", status)
	return nil
}

// ConvertHistory turns the newest-first list Discord returns into oldest-first messages
func ConvertHistory(messages []*discordgo.Message, botID string) []message.Message {
	out := make([]message.Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] == nil || messages[i].Author == nil {
			continue
		}
		out = append(out, NewMessage(messages[i], botID))
	}
	return out
}

// SplitMessage cuts text into chunks of at most limit runes, preferring line breaks
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		// Discord rejects blank messages
		if chunk := strings.TrimRight(string(runes[:cut]), "\n"); strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if rest := string(runes); strings.TrimSpace(rest) != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
