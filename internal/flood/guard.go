// Package flood dampens message bursts per subject inside one process. It is
// best effort: counts are not shared between instances.
package flood

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"parley.chat/internal/obs"
)

const (
	DefaultHorizon   = 5 * time.Second
	DefaultThreshold = 5

	shardCount     = 32
	historySize    = 10
	defaultIdleTTL = 10 * time.Minute
)

// Decision is the result of Allow.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Guard keeps per-subject timestamp windows in a sharded map. A background
// sweep started by Run bounds memory.
type Guard struct {
	shards    [shardCount]*shard
	horizon   time.Duration
	threshold int
	idleTTL   time.Duration
	now       func() time.Time
}

type shard struct {
	mu       sync.Mutex
	subjects map[string]*activity
}

type activity struct {
	stamps   []time.Time
	recent   []string
	lastSeen time.Time
}

type Option func(*Guard)

// WithHorizon sets how far back timestamps are counted.
func WithHorizon(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.horizon = d
		}
	}
}

// WithThreshold sets how many messages inside the horizon trigger a rejection.
func WithThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithIdleTTL sets how long a silent subject keeps its recent history.
func WithIdleTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.idleTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(opts ...Option) *Guard {
	g := &Guard{
		horizon:   DefaultHorizon,
		threshold: DefaultThreshold,
		idleTTL:   defaultIdleTTL,
		now:       time.Now,
	}
	for i := range g.shards {
		g.shards[i] = &shard{subjects: make(map[string]*activity)}
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.idleTTL < g.horizon {
		g.idleTTL = g.horizon
	}
	return g
}

func (g *Guard) shardFor(subjectID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return g.shards[h.Sum32()%shardCount]
}

// Allow drops timestamps older than the horizon, rejects when the retained
// count has reached the threshold and otherwise records now.
func (g *Guard) Allow(subjectID string) Decision {
	now := g.now()
	s := g.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.subjects[subjectID]
	if !ok {
		a = &activity{}
		s.subjects[subjectID] = a
	}
	a.lastSeen = now
	a.stamps = prune(a.stamps, now.Add(-g.horizon))

	if len(a.stamps) >= g.threshold {
		obs.FloodRejected("rate")
		return Decision{
			Reason:     "sending messages too quickly",
			RetryAfter: a.stamps[0].Add(g.horizon).Sub(now),
		}
	}
	a.stamps = append(a.stamps, now)
	return Decision{Allowed: true}
}

// prune keeps the timestamps strictly after cutoff. stamps is ordered.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// Remember appends text to the subject's recent history, keeping the last ten.
func (g *Guard) Remember(subjectID, text string) {
	s := g.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.subjects[subjectID]
	if !ok {
		a = &activity{}
		s.subjects[subjectID] = a
	}
	a.lastSeen = g.now()
	a.recent = append(a.recent, text)
	if len(a.recent) > historySize {
		a.recent = append(a.recent[:0], a.recent[len(a.recent)-historySize:]...)
	}
}

// Recent returns a copy of the subject's recent texts, oldest first.
func (g *Guard) Recent(subjectID string) []string {
	s := g.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.subjects[subjectID]
	if !ok || len(a.recent) == 0 {
		return nil
	}
	out := make([]string, len(a.recent))
	copy(out, a.recent)
	return out
}

// Sweep removes subjects idle for longer than the idle TTL and returns how many were removed.
func (g *Guard) Sweep() int {
	cutoff := g.now().Add(-g.idleTTL)
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for id, a := range s.subjects {
			if a.lastSeen.Before(cutoff) {
				delete(s.subjects, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked subjects.
func (g *Guard) Len() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.subjects)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := obs.Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				log.WithField("removed", n).Debug("flood: swept idle subjects")
			}
		}
	}
}
