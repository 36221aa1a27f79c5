// Package usage tracks daily API activity and assembles the usage report.
package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/ratelimit"
)

// CounterStore persists daily activity counters.
type CounterStore interface {
	IncrBy(ctx context.Context, key string, val int64) error
	Get(ctx context.Context, key string) (int64, error)
}

// BudgetSnapshotter exposes a limiter's current counters.
type BudgetSnapshotter interface {
	Snapshot() ratelimit.Snapshot
}

// ClientBudget is one API client's budget position in the report.
type ClientBudget struct {
	WindowRequests       int   `json:"window_requests"`
	WindowTokens         int   `json:"window_tokens"`
	DailyTokensUsed      int64 `json:"daily_tokens_used"`
	DailyTokensRemaining int64 `json:"daily_tokens_remaining"` // -1 when no daily ceiling
	RPM                  int   `json:"rpm"`
	TPM                  int   `json:"tpm"`
	TPD                  int64 `json:"tpd"`
}

// Report is the daily usage summary served by the API.
type Report struct {
	Date              string                  `json:"date"`
	EmbeddingRequests int64                   `json:"embedding_requests"`
	EmbeddedFragments int64                   `json:"embedded_fragments"`
	Searches          int64                   `json:"searches"`
	Budgets           map[string]ClientBudget `json:"budgets"`
}

// Tracker counts daily activity in the key-value store and merges limiter
// snapshots into the report. Recording is write-behind: a failed counter
// write is logged and dropped, never surfaced to the request path.
type Tracker struct {
	store    CounterStore
	limiters map[string]BudgetSnapshotter
	logger   *zap.Logger

	now func() time.Time
}

// NewTracker creates a usage tracker. limiters maps client names (as shown
// in the report) to their limiters.
func NewTracker(store CounterStore, limiters map[string]BudgetSnapshotter, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:    store,
		limiters: limiters,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordEmbedding counts embedding API requests and the fragments they carried.
func (t *Tracker) RecordEmbedding(requests, fragments int) {
	t.incr("embedding_requests", int64(requests))
	t.incr("embedded_fragments", int64(fragments))
}

// RecordSearch counts one served search.
func (t *Tracker) RecordSearch() {
	t.incr("searches", 1)
}

// Report reads today's counters and every limiter's position.
func (t *Tracker) Report(ctx context.Context) (Report, error) {
	date := t.now().Format("2006-01-02")

	rep := Report{
		Date:    date,
		Budgets: make(map[string]ClientBudget, len(t.limiters)),
	}

	var err error
	if rep.EmbeddingRequests, err = t.store.Get(ctx, t.key(date, "embedding_requests")); err != nil {
		return Report{}, fmt.Errorf("read embedding request counter: %w", err)
	}
	if rep.EmbeddedFragments, err = t.store.Get(ctx, t.key(date, "embedded_fragments")); err != nil {
		return Report{}, fmt.Errorf("read fragment counter: %w", err)
	}
	if rep.Searches, err = t.store.Get(ctx, t.key(date, "searches")); err != nil {
		return Report{}, fmt.Errorf("read search counter: %w", err)
	}

	for name, limiter := range t.limiters {
		snap := limiter.Snapshot()
		remaining := int64(-1)
		if snap.Limits.TPD > 0 {
			remaining = max(snap.Limits.TPD-snap.DailyTokens, 0)
		}
		rep.Budgets[name] = ClientBudget{
			WindowRequests:       snap.WindowRequests,
			WindowTokens:         snap.WindowTokens,
			DailyTokensUsed:      snap.DailyTokens,
			DailyTokensRemaining: remaining,
			RPM:                  snap.Limits.RPM,
			TPM:                  snap.Limits.TPM,
			TPD:                  snap.Limits.TPD,
		}
	}
	return rep, nil
}

func (t *Tracker) key(date, counter string) string {
	return domain.KeyPrefix + "usage:" + date + ":" + counter
}

func (t *Tracker) incr(counter string, val int64) {
	if val == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := t.key(t.now().Format("2006-01-02"), counter)
	if err := t.store.IncrBy(ctx, key, val); err != nil {
		t.logger.Warn("Failed to record usage counter",
			zap.String("key", key), zap.Error(err))
	}
}
