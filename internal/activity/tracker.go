package activity

import (
	"math"
	"sync"
	"time"

	"llm-relay-bot/internal/clock"
)

// RecentWindow is how long a seen message counts towards a channel's recent volume
const RecentWindow = 60 * time.Second

// Infinite is returned by TimeSinceLastInteraction for channels the bot never interacted in
const Infinite = time.Duration(math.MaxInt64)

type channelRecord struct {
	lastInteractionAt time.Time
	interacted        bool
	arrivals          []time.Time // oldest first
}

// Tracker keeps per-channel bot interaction and message volume state
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	channels map[string]*channelRecord
}

// NewTracker creates a tracker. A nil clock means the real clock.
func NewTracker(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	return &Tracker{
		clock:    c,
		channels: make(map[string]*channelRecord),
	}
}

func (t *Tracker) record(channelID string) *channelRecord {
	rec, ok := t.channels[channelID]
	if !ok {
		rec = &channelRecord{}
		t.channels[channelID] = rec
	}
	return rec
}

// RecordInteraction marks the bot as having interacted in the channel at the given time
func (t *Tracker) RecordInteraction(channelID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(channelID)
	rec.lastInteractionAt = at
	rec.interacted = true
}

// TimeSinceLastInteraction returns the time elapsed since the bot last interacted in the channel.
// The second result is false, and the duration Infinite, when there is no prior interaction.
func (t *Tracker) TimeSinceLastInteraction(channelID string, now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.channels[channelID]
	if !ok || !rec.interacted {
		return Infinite, false
	}

	elapsed := now.Sub(rec.lastInteractionAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// RecordMessageSeen counts one message arrival; each arrival expires on its own after RecentWindow
func (t *Tracker) RecordMessageSeen(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	rec := t.record(channelID)
	rec.pruneArrivals(now)
	rec.arrivals = append(rec.arrivals, now)
}

// RecentMessageCount returns the number of arrivals seen within the last RecentWindow
func (t *Tracker) RecentMessageCount(channelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.channels[channelID]
	if !ok {
		return 0
	}

	rec.pruneArrivals(t.clock.Now())
	return len(rec.arrivals)
}

// pruneArrivals drops arrivals older than RecentWindow
func (r *channelRecord) pruneArrivals(now time.Time) {
	cutoff := now.Add(-RecentWindow)
	expired := 0
	for expired < len(r.arrivals) && !r.arrivals[expired].After(cutoff) {
		expired++
	}
	if expired == 0 {
		return
	}
	// copy down so the backing array does not keep growing
	r.arrivals = append(r.arrivals[:0], r.arrivals[expired:]...)
}
