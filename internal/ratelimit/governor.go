package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"futures-keeper/internal/metrics"
)

// Entry is the persisted counter for one bucket, keyed by "<ruleId>|<bucketKey>".
// Count always reflects calls since WindowStartAt.
type Entry struct {
	RuleID        string    `json:"ruleId"`
	BucketKey     string    `json:"bucketKey"`
	Count         int       `json:"count"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	WindowStartAt time.Time `json:"windowStartAt"`
	Limit         int       `json:"limit,omitempty"`
	WindowMs      int64     `json:"windowMs,omitempty"`
	Basis         Basis     `json:"basis,omitempty"`
}

// EntryKey builds the table key for a bucket.
func EntryKey(ruleID, bucketKey string) string {
	return ruleID + "|" + bucketKey
}

// Status is the usage report returned for an observed call.
// ResetInMs is nil for lifetime (windowless) rules.
type Status struct {
	RuleID          string    `json:"ruleId"`
	BucketKey       string    `json:"bucketKey"`
	Count           int       `json:"count"`
	Limit           int       `json:"limit"`
	WindowMs        int64     `json:"windowMs"`
	WindowStartedAt time.Time `json:"windowStartedAt"`
	ResetInMs       *int64    `json:"resetInMs"`
	Exceeded        bool      `json:"exceeded"`
	Near            bool      `json:"near"`
}

// ResetIn returns the time until the window rolls over, or 0 when unknown.
func (s Status) ResetIn() time.Duration {
	if s.ResetInMs == nil {
		return 0
	}
	return time.Duration(*s.ResetInMs) * time.Millisecond
}

// Store persists the whole counter table. Save replaces it wholesale;
// saving an empty table clears it.
type Store interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, entries map[string]Entry) error
}

// Governor counts observed calls per rule bucket. It never blocks or
// rejects a call. Observe is safe for concurrent use; persistence happens on
// a single writer goroutine (Run) so the stored table always converges to
// the latest in-memory state.
type Governor struct {
	rules  RuleSet
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	version uint64 // bumped on every mutation

	saveMu       sync.Mutex // serializes writes to the store
	savedVersion uint64
	dirty        chan struct{}
}

// NewGovernor creates a governor over an ordered rule set. store may be nil
// for an in-memory governor.
func NewGovernor(rules RuleSet, store Store, logger *slog.Logger) *Governor {
	return &Governor{
		rules:   rules,
		store:   store,
		logger:  logger.With("component", "ratelimit"),
		now:     time.Now,
		entries: make(map[string]*Entry),
		dirty:   make(chan struct{}, 1),
	}
}

// Load restores the counter table from the store. Missing data is not an error.
func (g *Governor) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	stored, err := g.store.Load(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range stored {
		e := e
		g.entries[k] = &e
	}
	g.logger.Info("rate counters restored", "buckets", len(stored))
	return nil
}

// Observe counts one outbound call. Returns nil when no rule matches (the
// call is unrestricted).
func (g *Governor) Observe(method, path string, caller Caller) *Status {
	rule, ok := g.rules.Match(method, path)
	if !ok {
		return nil
	}
	bucket := rule.BucketKey(method, path, caller)
	key := EntryKey(rule.ID, bucket)

	g.mu.Lock()
	now := g.now()
	e, ok := g.entries[key]
	if !ok {
		e = &Entry{
			RuleID:        rule.ID,
			BucketKey:     bucket,
			CreatedAt:     now,
			WindowStartAt: now,
		}
		g.entries[key] = e
	}
	// Rule parameters may change between runs; the entry follows the rule.
	e.Limit = rule.Limit
	e.WindowMs = rule.Window.Milliseconds()
	e.Basis = rule.Basis

	if rule.Window > 0 && now.Sub(e.WindowStartAt) >= rule.Window {
		e.Count = 0
		e.WindowStartAt = now
	}
	e.Count++
	e.UpdatedAt = now
	g.version++
	status := statusOf(*e, rule.Window, now)
	g.mu.Unlock()

	g.markDirty()

	metrics.RateBucketCount.WithLabelValues(status.RuleID, status.BucketKey).Set(float64(status.Count))
	if status.Exceeded {
		metrics.RateExceeded.WithLabelValues(status.RuleID).Inc()
		g.logger.Warn("rate limit exceeded",
			"rule", status.RuleID,
			"bucket", status.BucketKey,
			"count", status.Count,
			"limit", status.Limit,
			"reset_in", status.ResetIn(),
		)
	}
	return &status
}

// statusOf derives a report from an entry at time now.
func statusOf(e Entry, window time.Duration, now time.Time) Status {
	s := Status{
		RuleID:          e.RuleID,
		BucketKey:       e.BucketKey,
		Count:           e.Count,
		Limit:           e.Limit,
		WindowMs:        window.Milliseconds(),
		WindowStartedAt: e.WindowStartAt,
	}
	if window > 0 {
		left := window - now.Sub(e.WindowStartAt)
		if left < 0 {
			left = 0
		}
		ms := left.Milliseconds()
		s.ResetInMs = &ms
	}
	if e.Limit > 0 {
		s.Exceeded = e.Count > e.Limit
		// near from the ceil(0.9*limit)-th call on, in integer math
		s.Near = e.Count*10 >= e.Limit*9
	}
	return s
}

// Statuses returns the current table, sorted by key, without mutating it.
func (g *Governor) Statuses() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	keys := make([]string, 0, len(g.entries))
	for k := range g.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		e := *g.entries[k]
		window := time.Duration(e.WindowMs) * time.Millisecond
		if window > 0 && now.Sub(e.WindowStartAt) >= window {
			e.Count = 0
		}
		out = append(out, statusOf(e, window, now))
	}
	return out
}

// Entries returns a copy of the raw counter table.
func (g *Governor) Entries() map[string]Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copyLocked()
}

func (g *Governor) copyLocked() map[string]Entry {
	out := make(map[string]Entry, len(g.entries))
	for k, e := range g.entries {
		out[k] = *e
	}
	return out
}

// Clear drops every counter and truncates the store (operator action).
func (g *Governor) Clear(ctx context.Context) error {
	g.mu.Lock()
	g.entries = make(map[string]*Entry)
	g.version++
	g.mu.Unlock()

	metrics.RateBucketCount.Reset()
	g.logger.Info("rate counters cleared")
	return g.persist(ctx)
}

// Run is the persistence writer. Blocks until ctx is cancelled, then
// performs a final flush.
func (g *Governor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.persist(flushCtx); err != nil {
				g.logger.Error("final rate counter flush failed", "error", err)
			}
			cancel()
			return
		case <-g.dirty:
			if err := g.persist(ctx); err != nil {
				// Counting must never fail the call it observes.
				g.logger.Error("persist rate counters", "error", err)
			}
		}
	}
}

// Flush writes the current table synchronously.
func (g *Governor) Flush(ctx context.Context) error {
	return g.persist(ctx)
}

func (g *Governor) markDirty() {
	select {
	case g.dirty <- struct{}{}:
	default:
		// a write is already pending and will pick up this mutation
	}
}

func (g *Governor) persist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	g.mu.Lock()
	version := g.version
	if version == g.savedVersion {
		g.mu.Unlock()
		return nil
	}
	table := g.copyLocked()
	g.mu.Unlock()

	if err := g.store.Save(ctx, table); err != nil {
		return err
	}
	g.savedVersion = version
	return nil
}
