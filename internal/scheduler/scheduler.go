package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"llm-relay-bot/internal/clock"
)

// DeliverFunc sends scheduled content. It runs at most once per scheduled send.
type DeliverFunc func(ctx context.Context, content string) error

// Config controls the simulated typing delay
type Config struct {
	PerCharDelay   time.Duration
	MaxTypingDelay time.Duration
	DeliverTimeout time.Duration
}

// DefaultConfig returns the default typing simulation settings
func DefaultConfig() Config {
	return Config{
		PerCharDelay:   30 * time.Millisecond,
		MaxTypingDelay: 10 * time.Second,
		DeliverTimeout: 30 * time.Second,
	}
}

type pendingSend struct {
	generation uint64
	content    string
	enqueuedAt time.Time
	delay      time.Duration
	timer      clock.Timer
}

// Scheduler delays outgoing replies and keeps at most one pending send per key.
// Scheduling a new send for a key replaces the one still waiting.
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingSend
	inflight   map[string]*sync.Mutex
	generation uint64
	closed     bool
}

// New creates a scheduler. A nil clock means the real clock.
func New(cfg Config, c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultConfig().DeliverTimeout
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    c,
		logger:   logger,
		pending:  make(map[string]*pendingSend),
		inflight: make(map[string]*sync.Mutex),
	}
}

// TypingDelay returns the simulated time needed to type content, capped at MaxTypingDelay
func (s *Scheduler) TypingDelay(content string) time.Duration {
	d := time.Duration(len([]rune(content))) * s.cfg.PerCharDelay
	if s.cfg.MaxTypingDelay > 0 && d > s.cfg.MaxTypingDelay {
		d = s.cfg.MaxTypingDelay
	}
	return d
}

// ScheduleMessage delivers content for the channel once the typing delay, minus the time already
// spent processing, has passed. A send still pending for the channel is cancelled.
func (s *Scheduler) ScheduleMessage(channelID, content string, elapsedProcessing time.Duration, deliver DeliverFunc) time.Duration {
	delay := s.TypingDelay(content) - elapsedProcessing
	if delay < 0 {
		delay = 0
	}
	s.schedule(channelID, content, delay, deliver)
	return delay
}

// ScheduleMessageAfter delivers content under key after a fixed delay, replacing any send pending for key
func (s *Scheduler) ScheduleMessageAfter(key, content string, delay time.Duration, deliver DeliverFunc) {
	if delay < 0 {
		delay = 0
	}
	s.schedule(key, content, delay, deliver)
}

func (s *Scheduler) schedule(key, content string, delay time.Duration, deliver DeliverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("Scheduler closed, dropping message", "channel_id", key)
		return
	}

	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		s.logger.Debug("Replacing pending message",
			"channel_id", key,
			"replaced_generation", prev.generation)
	}

	s.generation++
	gen := s.generation
	send := &pendingSend{
		generation: gen,
		content:    content,
		enqueuedAt: s.clock.Now(),
		delay:      delay,
	}
	send.timer = s.clock.AfterFunc(delay, func() {
		s.fire(key, gen, deliver)
	})
	s.pending[key] = send

	s.logger.Debug("Message scheduled",
		"channel_id", key,
		"delay", delay,
		"content_length", len(content))
}

func (s *Scheduler) fire(key string, gen uint64, deliver DeliverFunc) {
	s.mu.Lock()
	send, ok := s.pending[key]
	if s.closed || !ok || send.generation != gen {
		s.mu.Unlock()
		return
	}
	lock := s.keyLock(key)
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// a newer send may have replaced this one while we waited for the previous delivery
	s.mu.Lock()
	send, ok = s.pending[key]
	if s.closed || !ok || send.generation != gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.pending[key]; ok && cur.generation == gen {
			delete(s.pending, key)
		}
		s.mu.Unlock()
	}()

	if err := s.safeDeliver(key, send.content, deliver); err != nil {
		s.logger.Error("Failed to deliver scheduled message", "channel_id", key, "error", err)
		return
	}

	s.logger.Info("Scheduled message delivered",
		"channel_id", key,
		"waited", s.clock.Now().Sub(send.enqueuedAt))
}

func (s *Scheduler) safeDeliver(key, content string, deliver DeliverFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery to %s: %v", key, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliverTimeout)
	defer cancel()

	return deliver(ctx, content)
}

func (s *Scheduler) keyLock(key string) *sync.Mutex {
	lock, ok := s.inflight[key]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[key] = lock
	}
	return lock
}

// Pending reports whether a send is waiting for the key
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Close cancels every pending send. Callbacks never fire after Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, send := range s.pending {
		send.timer.Stop()
		delete(s.pending, key)
	}
	s.logger.Info("Scheduler closed")
}
