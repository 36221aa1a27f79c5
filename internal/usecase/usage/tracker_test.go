package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/ratelimit"
)

type fakeCounterStore struct {
	counters map[string]int64
	err      error
}

func (s *fakeCounterStore) IncrBy(_ context.Context, key string, val int64) error {
	if s.err != nil {
		return s.err
	}
	s.counters[key] += val
	return nil
}

func (s *fakeCounterStore) Get(_ context.Context, key string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.counters[key], nil
}

type fakeSnapshotter struct {
	snap ratelimit.Snapshot
}

func (f *fakeSnapshotter) Snapshot() ratelimit.Snapshot { return f.snap }

func newTestTracker(store CounterStore, limiters map[string]BudgetSnapshotter) *Tracker {
	tr := NewTracker(store, limiters, zap.NewNop())
	fixed := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	return tr
}

func TestTracker_RecordsAndReports(t *testing.T) {
	store := &fakeCounterStore{counters: map[string]int64{}}
	tr := newTestTracker(store, nil)

	tr.RecordEmbedding(2, 75)
	tr.RecordEmbedding(1, 25)
	tr.RecordSearch()
	tr.RecordSearch()
	tr.RecordSearch()

	rep, err := tr.Report(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Date != "2026-08-28" {
		t.Errorf("unexpected date %q", rep.Date)
	}
	if rep.EmbeddingRequests != 3 || rep.EmbeddedFragments != 100 || rep.Searches != 3 {
		t.Errorf("unexpected counters: %+v", rep)
	}
}

func TestTracker_KeysAreDateScoped(t *testing.T) {
	store := &fakeCounterStore{counters: map[string]int64{}}
	tr := newTestTracker(store, nil)

	tr.RecordSearch()

	if store.counters["rag:usage:2026-08-28:searches"] != 1 {
		t.Errorf("unexpected keys: %v", store.counters)
	}
}

func TestTracker_ReportIncludesBudgets(t *testing.T) {
	store := &fakeCounterStore{counters: map[string]int64{}}
	limiters := map[string]BudgetSnapshotter{
		"embedding": &fakeSnapshotter{snap: ratelimit.Snapshot{
			WindowRequests: 4,
			WindowTokens:   2000,
			DailyTokens:    40000,
			Limits:         ratelimit.Limits{RPM: 100, TPM: 100000, TPD: 500000},
		}},
		"cleaner": &fakeSnapshotter{snap: ratelimit.Snapshot{
			Limits: ratelimit.Limits{RPM: 30, TPM: 30000},
		}},
	}
	tr := newTestTracker(store, limiters)

	rep, err := tr.Report(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	emb := rep.Budgets["embedding"]
	if emb.DailyTokensUsed != 40000 || emb.DailyTokensRemaining != 460000 {
		t.Errorf("unexpected embedding budget: %+v", emb)
	}

	cl := rep.Budgets["cleaner"]
	if cl.DailyTokensRemaining != -1 {
		t.Errorf("no daily ceiling must report -1 remaining, got %+v", cl)
	}
}

func TestTracker_RecordFailureIsSwallowed(t *testing.T) {
	store := &fakeCounterStore{counters: map[string]int64{}, err: errors.New("redis down")}
	tr := newTestTracker(store, nil)

	// Must not panic or block the caller.
	tr.RecordSearch()
	tr.RecordEmbedding(1, 1)
}

func TestTracker_ReportFailurePropagates(t *testing.T) {
	store := &fakeCounterStore{counters: map[string]int64{}, err: errors.New("redis down")}
	tr := newTestTracker(store, nil)

	if _, err := tr.Report(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
}
