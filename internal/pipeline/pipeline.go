package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/conversation"
	"llm-relay-bot/internal/decision"
	"llm-relay-bot/internal/llm"
	"llm-relay-bot/internal/message"
	"llm-relay-bot/internal/scheduler"
)

// ApologyMessage is the only text users see when generating a reply fails
const ApologyMessage = "I'm sorry, I encountered an error while processing your request. Please try again later."

// FollowUpKeySuffix keeps follow-ups in their own scheduler slot so they never replace a reply
const FollowUpKeySuffix = ":followup"

// CommandDispatcher handles inline commands. handled is false when the text is not a command.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, msg message.Message) (reply string, handled bool, err error)
}

// ChannelGate decides whether the bot may act in a channel at all
type ChannelGate interface {
	IsChannelAllowed(ctx context.Context, channelID string) bool
}

// ChatProvider generates replies; satisfied by llm.Registry and any llm.Provider
type ChatProvider interface {
	GenerateChatResponse(ctx context.Context, channelID string, turns []conversation.Turn) (string, error)
}

// Decider is the reply heuristic
type Decider interface {
	Decide(in decision.Input) decision.Result
	SetBotID(botID string)
}

// ActivityRecorder stores channel activity for the decider
type ActivityRecorder interface {
	RecordInteraction(channelID string, at time.Time)
	RecordMessageSeen(channelID string)
}

// Delayer holds replies back to simulate typing
type Delayer interface {
	ScheduleMessage(channelID, content string, elapsedProcessing time.Duration, deliver scheduler.DeliverFunc) time.Duration
	ScheduleMessageAfter(key, content string, delay time.Duration, deliver scheduler.DeliverFunc)
}

// Config holds the pipeline feature switches
type Config struct {
	BotID           string // initial own user id; the Ready event replaces it
	IgnoreBots      bool
	LLMChat         bool
	LLMFollowUp     bool
	CommandInline   bool
	CommandSlash    bool
	SendApology     bool
	HistoryLimit    int
	SystemPrompt    string
	FollowUpPrompt  string
	FollowUpDelay   time.Duration
	ProviderTimeout time.Duration
	SendTimeout     time.Duration
}

// Deps are the collaborators of the pipeline. Commands and Gate may be nil.
type Deps struct {
	Messenger message.Messenger
	Provider  ChatProvider
	Decider   Decider
	Activity  ActivityRecorder
	Scheduler Delayer
	Assembler *conversation.Assembler
	Commands  CommandDispatcher
	Gate      ChannelGate
	Clock     clock.Clock
}

// Pipeline routes each inbound message to rejection, a command, a chat reply and an optional follow-up
type Pipeline struct {
	cfg    Config
	deps   Deps
	botID  atomic.Value
	logger *slog.Logger
}

// New creates a pipeline
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Assembler == nil {
		deps.Assembler = conversation.NewAssembler("")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	p := &Pipeline{cfg: cfg, deps: deps, logger: logger}
	p.botID.Store(cfg.BotID)
	if cfg.BotID != "" && deps.Decider != nil {
		deps.Decider.SetBotID(cfg.BotID)
	}
	return p
}

// SetBotID records the bot's own user id once the platform session is ready
func (p *Pipeline) SetBotID(botID string) {
	p.botID.Store(botID)
	p.deps.Decider.SetBotID(botID)
}

func (p *Pipeline) selfID() string {
	return p.botID.Load().(string)
}

// Handler adapts the pipeline to the messenger callback
func (p *Pipeline) Handler(ctx context.Context) message.Handler {
	return func(msg message.Message) {
		p.HandleMessage(ctx, msg)
	}
}

// FollowUpsEnabled reports whether follow-up requests are issued
func (p *Pipeline) FollowUpsEnabled() bool {
	return p.cfg.LLMChat && p.cfg.LLMFollowUp && (p.cfg.CommandInline || p.cfg.CommandSlash)
}

// HandleMessage processes one inbound message. It never panics and never returns an error;
// failures are logged and at most turned into the apology message.
func (p *Pipeline) HandleMessage(ctx context.Context, msg message.Message) {
	logger := p.logger.With("trace_id", uuid.NewString())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while handling message", "panic", r)
		}
	}()

	if p.reject(msg) {
		logger.Debug("Message rejected")
		return
	}

	started := p.deps.Clock.Now()
	channelID := msg.ChannelID()
	logger = logger.With("channel_id", channelID, "message_id", msg.ID(), "author_id", msg.AuthorID())

	if p.deps.Gate != nil && !p.deps.Gate.IsChannelAllowed(ctx, channelID) {
		logger.Debug("Channel not allowed, ignoring message")
		return
	}

	p.deps.Activity.RecordMessageSeen(channelID)

	if p.cfg.CommandInline && p.deps.Commands != nil {
		if p.handleCommand(ctx, logger, msg) {
			return
		}
	}

	if p.cfg.LLMChat {
		p.handleChat(ctx, logger, msg, started)
	}

	if p.FollowUpsEnabled() {
		p.handleFollowUp(ctx, logger, msg)
	}
}

func (p *Pipeline) reject(msg message.Message) bool {
	if msg == nil {
		return true
	}
	if strings.TrimSpace(msg.Text()) == "" {
		return true
	}
	if msg.IsFromBot() {
		if self := p.selfID(); (self != "" && msg.AuthorID() == self) || p.cfg.IgnoreBots {
			return true
		}
	}
	return false
}

// handleCommand returns true when the message was a command
func (p *Pipeline) handleCommand(ctx context.Context, logger *slog.Logger, msg message.Message) bool {
	reply, handled, err := p.deps.Commands.Dispatch(ctx, msg)
	if !handled {
		return false
	}

	if err != nil {
		logger.Error("Command failed", "error", err)
		if p.cfg.SendApology {
			p.send(ctx, logger, msg.ChannelID(), ApologyMessage)
		}
		return true
	}

	if reply != "" {
		p.send(ctx, logger, msg.ChannelID(), reply)
	}
	logger.Info("Command handled")
	return true
}

func (p *Pipeline) handleChat(ctx context.Context, logger *slog.Logger, msg message.Message, started time.Time) {
	self := p.selfID()
	result := p.deps.Decider.Decide(decision.Input{
		Text:         msg.Text(),
		AuthorID:     msg.AuthorID(),
		ChannelID:    msg.ChannelID(),
		IsFromBot:    msg.IsFromBot(),
		MentionsBot:  self != "" && msg.MentionsUser(self),
		IsReplyToBot: msg.IsReplyToBot(),
		Now:          p.deps.Clock.Now(),
	})

	logger.Debug("Reply decision", "should_reply", result.ShouldReply, "chance", result.Chance)
	if !result.ShouldReply {
		return
	}

	history, err := p.history(ctx, msg)
	if err != nil {
		logger.Warn("Failed to fetch channel history, using current message only", "error", err)
	}

	turns := p.deps.Assembler.Assemble(p.cfg.SystemPrompt, history)
	reply, err := p.generate(ctx, msg.ChannelID(), turns)
	if isEmptyReply(err) {
		logger.Info("Provider returned no reply, staying silent")
		return
	}
	if err != nil {
		logger.Error("Failed to generate chat response", "error", err)
		if p.cfg.SendApology {
			p.send(ctx, logger, msg.ChannelID(), ApologyMessage)
		}
		return
	}

	channelID := msg.ChannelID()
	delay := p.deps.Scheduler.ScheduleMessage(channelID, reply, p.deps.Clock.Now().Sub(started),
		func(ctx context.Context, content string) error {
			if err := p.deps.Messenger.SendMessageToChannel(ctx, channelID, content); err != nil {
				return err
			}
			p.deps.Activity.RecordInteraction(channelID, p.deps.Clock.Now())
			return nil
		})

	logger.Info("Reply scheduled", "delay", delay, "reply_length", len(reply))
}

func (p *Pipeline) handleFollowUp(ctx context.Context, logger *slog.Logger, msg message.Message) {
	turns := []conversation.Turn{
		{Role: conversation.RoleSystem, Content: p.cfg.FollowUpPrompt},
		{Role: conversation.RoleUser, Content: strings.TrimSpace(msg.Text()), AuthorLabel: msg.AuthorName()},
	}

	followUp, err := p.generate(ctx, msg.ChannelID(), turns)
	if err != nil {
		logger.Warn("Failed to generate follow-up", "error", err)
		return
	}

	channelID := msg.ChannelID()
	p.deps.Scheduler.ScheduleMessageAfter(channelID+FollowUpKeySuffix, followUp, p.cfg.FollowUpDelay,
		func(ctx context.Context, content string) error {
			return p.deps.Messenger.SendMessageToChannel(ctx, channelID, content)
		})

	logger.Info("Follow-up scheduled", "delay", p.cfg.FollowUpDelay)
}

// history returns recent channel messages, oldest first, ending with msg
func (p *Pipeline) history(ctx context.Context, msg message.Message) ([]conversation.HistoryMessage, error) {
	current := toHistory(msg)

	messages, err := p.deps.Messenger.GetMessagesFromChannel(ctx, msg.ChannelID(), p.cfg.HistoryLimit)
	if err != nil {
		return []conversation.HistoryMessage{current}, err
	}

	history := make([]conversation.HistoryMessage, 0, len(messages)+1)
	seenCurrent := false
	for _, m := range messages {
		if m == nil {
			continue
		}
		if m.ID() == msg.ID() {
			seenCurrent = true
		}
		history = append(history, toHistory(m))
	}
	if !seenCurrent {
		history = append(history, current)
	}
	return history, nil
}

func toHistory(m message.Message) conversation.HistoryMessage {
	return conversation.HistoryMessage{
		Text:       m.Text(),
		IsFromBot:  m.IsFromBot(),
		AuthorID:   m.AuthorID(),
		AuthorName: m.AuthorName(),
	}
}

func (p *Pipeline) generate(ctx context.Context, channelID string, turns []conversation.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	reply, err := p.deps.Provider.GenerateChatResponse(ctx, channelID, turns)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

var errEmptyReply = errors.New("provider returned an empty reply")

func isEmptyReply(err error) bool {
	return errors.Is(err, errEmptyReply) || errors.Is(err, llm.ErrEmptyResponse)
}

func (p *Pipeline) send(ctx context.Context, logger *slog.Logger, channelID, text string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	if err := p.deps.Messenger.SendMessageToChannel(ctx, channelID, text); err != nil {
		logger.Error("Failed to send message", "error", err)
	}
}
