package decision

import (
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Threshold maps "last interaction no longer ago than Within" to a base reply chance
type Threshold struct {
	Within time.Duration
	Chance float64
}

// DefaultThresholds is the default time-vs-response-chance table
var DefaultThresholds = []Threshold{
	{Within: 12345 * time.Millisecond, Chance: 0.05},
	{Within: 7 * time.Minute, Chance: 0.75},
	{Within: 69 * time.Minute, Chance: 0.1},
}

// Config holds the tunable parts of the reply heuristic
type Config struct {
	Thresholds          []Threshold
	Wakewords           []string
	InterrobangBonus    float64
	MentionBonus        float64
	BotResponseModifier float64
	PriorityChannelID   string
	PriorityBonus       float64
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Thresholds:          append([]Threshold(nil), DefaultThresholds...),
		Wakewords:           []string{"!ping"},
		InterrobangBonus:    0.2,
		MentionBonus:        0.8,
		BotResponseModifier: -1.0,
		PriorityBonus:       1.1,
	}
}

// Input describes one inbound message for the purpose of the reply decision
type Input struct {
	Text         string
	AuthorID     string
	ChannelID    string
	IsFromBot    bool
	MentionsBot  bool
	IsReplyToBot bool
	Now          time.Time
}

// Result is the outcome of a reply decision
type Result struct {
	ShouldReply bool
	Chance      float64
}

// ActivitySource reports how long ago the bot last interacted in a channel
// and how busy the channel has been recently
type ActivitySource interface {
	TimeSinceLastInteraction(channelID string, now time.Time) (time.Duration, bool)
	RecentMessageCount(channelID string) int
}

// Engine decides whether the bot replies to a message
type Engine struct {
	cfg      Config
	botID    atomic.Value // string
	activity ActivitySource
	random   func() float64
	logger   *slog.Logger
}

// NewEngine creates a decision engine. A nil random source uses math/rand.
func NewEngine(cfg Config, botID string, activity ActivitySource, random func() float64, logger *slog.Logger) *Engine {
	if random == nil {
		random = rand.Float64
	}

	thresholds := append([]Threshold(nil), cfg.Thresholds...)
	sort.SliceStable(thresholds, func(i, j int) bool {
		return thresholds[i].Within < thresholds[j].Within
	})
	cfg.Thresholds = thresholds

	e := &Engine{
		cfg:      cfg,
		activity: activity,
		random:   random,
		logger:   logger,
	}
	e.botID.Store(botID)
	return e
}

// SetBotID updates the bot's own user id, known only once the platform session is ready
func (e *Engine) SetBotID(botID string) {
	e.botID.Store(botID)
}

// Config returns the engine's configuration with thresholds sorted ascending
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide computes the reply chance for a message and rolls against it
func (e *Engine) Decide(in Input) Result {
	if botID, _ := e.botID.Load().(string); botID != "" && in.AuthorID == botID {
		return Result{ShouldReply: false, Chance: 0}
	}

	elapsed, interacted := e.activity.TimeSinceLastInteraction(in.ChannelID, in.Now)
	chance := e.BaseChance(elapsed, interacted)

	if e.matchesWakeword(in.Text) {
		e.logger.Debug("Wakeword matched", "channel_id", in.ChannelID)
		return e.roll(1.0)
	}

	base := chance
	if len(in.Text) > 1 && strings.ContainsAny(in.Text[1:], "!?") {
		chance += e.cfg.InterrobangBonus
	}
	if in.MentionsBot || in.IsReplyToBot {
		chance += e.cfg.MentionBonus
	}
	if in.IsFromBot {
		chance += e.cfg.BotResponseModifier
	}
	if e.cfg.PriorityChannelID != "" && in.ChannelID == e.cfg.PriorityChannelID {
		chance += e.cfg.PriorityBonus
	}

	result := e.roll(clamp(chance))

	e.logger.Debug("Reply decision",
		"channel_id", in.ChannelID,
		"author_id", in.AuthorID,
		"base_chance", base,
		"recent_messages", e.activity.RecentMessageCount(in.ChannelID),
		"chance", result.Chance,
		"should_reply", result.ShouldReply)

	return result
}

// BaseChance returns the step-table chance for the given time since the last interaction
func (e *Engine) BaseChance(elapsed time.Duration, interacted bool) float64 {
	if !interacted {
		return 1.0
	}
	for _, th := range e.cfg.Thresholds {
		if th.Within >= elapsed {
			return th.Chance
		}
	}
	return 0
}

func (e *Engine) matchesWakeword(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range e.cfg.Wakewords {
		if w == "" {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func (e *Engine) roll(chance float64) Result {
	return Result{
		ShouldReply: e.random() < chance,
		Chance:      chance,
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
