// Package ratelimit enforces per-client request and token ceilings against
// remote API quotas: requests-per-minute and tokens-per-minute over a rolling
// 60-second window, plus a hard tokens-per-day counter.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

const window = 60 * time.Second

// maxJitter is added to every wait so concurrent callers don't wake in lockstep.
const maxJitter = 250 * time.Millisecond

// Limits holds the quota ceilings for one API client. Zero disables a ceiling.
type Limits struct {
	RPM int   // requests per minute
	TPM int   // tokens per minute
	TPD int64 // tokens per day
}

// CounterStore is the persistence interface for the daily token counter.
// Implementations must be idempotent (IncrBy can be called repeatedly).
type CounterStore interface {
	IncrBy(ctx context.Context, key string, val int64) error
	Get(ctx context.Context, key string) (int64, error)
}

// Limiter tracks a rolling request/token budget for one remote API client.
// Hot state is in-memory under a single mutex; the daily token counter is
// optionally write-behind persisted so replicas and restarts share it.
// One Limiter instance is shared by reference across all callers of a client.
type Limiter struct {
	mu             sync.Mutex
	name           string
	limits         Limits
	windowStart    time.Time
	windowRequests int
	windowTokens   int
	dailyTokens    int64
	lastDayReset   time.Time
	store          CounterStore
	logger         *zap.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with the given ceilings.
func New(name string, limits Limits, logger *zap.Logger) *Limiter {
	now := time.Now().UTC()
	return &Limiter{
		name:         name,
		limits:       limits,
		windowStart:  now,
		lastDayReset: truncateToDay(now),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepCtx,
	}
}

// WithStore attaches a persistence store and loads today's token counter.
func (l *Limiter) WithStore(ctx context.Context, store CounterStore) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store = store
	key := l.dailyKey(l.now())
	val, err := store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("Failed to load daily token counter",
			zap.String("client", l.name), zap.Error(err))
		return l
	}
	l.dailyTokens = val
	l.logger.Info("Daily token counter loaded",
		zap.String("client", l.name), zap.Int64("daily_tokens", val))
	return l
}

// Reserve admits one remote call costing estimatedTokens, blocking until the
// rolling window has room. The check-and-increment is atomic with respect to
// other callers. Returns domain.ErrDailyQuotaExhausted without mutating any
// counter when the daily ceiling would be exceeded; callers must abort
// rather than retry within the same day.
func (l *Limiter) Reserve(ctx context.Context, estimatedTokens int) error {
	l.mu.Lock()
	for {
		now := l.now()
		l.rollover(now)

		if l.limits.TPD > 0 && l.dailyTokens+int64(estimatedTokens) > l.limits.TPD {
			used := l.dailyTokens
			l.mu.Unlock()
			return fmt.Errorf("%s: limit %d, used %d, need %d: %w",
				l.name, l.limits.TPD, used, estimatedTokens, domain.ErrDailyQuotaExhausted)
		}

		exceedsRPM := l.limits.RPM > 0 && l.windowRequests+1 > l.limits.RPM
		exceedsTPM := l.limits.TPM > 0 && l.windowTokens+estimatedTokens > l.limits.TPM

		// An estimate above TPM can never pass the window check. An empty
		// window admits it anyway; otherwise the call would wait forever.
		if exceedsTPM && l.windowTokens == 0 && estimatedTokens > l.limits.TPM {
			exceedsTPM = false
		}

		if !exceedsRPM && !exceedsTPM {
			l.windowRequests++
			l.windowTokens += estimatedTokens
			l.dailyTokens += int64(estimatedTokens)
			key := l.dailyKey(now)
			l.mu.Unlock()

			l.persist(key, int64(estimatedTokens))
			return nil
		}

		reason := "rpm"
		if exceedsTPM {
			reason = "tpm"
		}
		wait := l.windowStart.Add(window).Sub(now)
		l.mu.Unlock()

		metrics.RateLimitWaitsTotal.WithLabelValues(l.name, reason).Inc()
		l.logger.Debug("Rate budget reached, waiting for window to close",
			zap.String("client", l.name),
			zap.String("reason", reason),
			zap.Duration("wait", wait),
		)
		if err := l.sleep(ctx, withJitter(wait)); err != nil {
			return fmt.Errorf("wait for rate window: %w", err)
		}
		l.mu.Lock()
	}
}

// Reconcile adjusts the window and daily counters by the difference between
// the provider-reported token usage and the estimate that was reserved.
// Keeps many small estimation errors from silently draining or inflating
// the budget. actualTokens < 0 means the provider reported no usage.
func (l *Limiter) Reconcile(actualTokens, estimatedTokens int) {
	if actualTokens < 0 || actualTokens == estimatedTokens {
		return
	}
	delta := actualTokens - estimatedTokens

	l.mu.Lock()
	l.windowTokens += delta
	if l.windowTokens < 0 {
		l.windowTokens = 0
	}
	l.dailyTokens += int64(delta)
	if l.dailyTokens < 0 {
		l.dailyTokens = 0
	}
	key := l.dailyKey(l.now())
	l.mu.Unlock()

	l.persist(key, int64(delta))
}

// Snapshot returns the current counters for usage reporting.
type Snapshot struct {
	WindowRequests int
	WindowTokens   int
	DailyTokens    int64
	Limits         Limits
}

// Snapshot returns a point-in-time copy of the limiter state.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(l.now())
	return Snapshot{
		WindowRequests: l.windowRequests,
		WindowTokens:   l.windowTokens,
		DailyTokens:    l.dailyTokens,
		Limits:         l.limits,
	}
}

// rollover performs the lazy window and calendar-day resets. Caller holds mu.
func (l *Limiter) rollover(now time.Time) {
	if now.Sub(l.windowStart) >= window {
		l.windowStart = now
		l.windowRequests = 0
		l.windowTokens = 0
	}
	today := truncateToDay(now)
	if today.After(l.lastDayReset) {
		l.lastDayReset = today
		l.dailyTokens = 0
	}
}

func (l *Limiter) dailyKey(t time.Time) string {
	return domain.KeyPrefix + "budget:" + l.name + ":daily:" + t.Format("2006-01-02")
}

// persist fires a write-behind INCRBY so store writes never block callers.
func (l *Limiter) persist(key string, val int64) {
	if l.store == nil || val == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.store.IncrBy(ctx, key, val); err != nil {
		l.logger.Warn("Failed to persist daily token counter",
			zap.String("key", key), zap.Error(err))
	}
}

func withJitter(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	return d + rand.N(maxJitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
