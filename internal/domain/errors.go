package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDailyQuotaExhausted signals that the tokens-per-day ceiling would be
	// exceeded. Not retryable within the same day.
	ErrDailyQuotaExhausted = errors.New("daily token quota exhausted")
	// ErrRateLimited signals a provider 429. Recoverable by waiting.
	ErrRateLimited = errors.New("rate limited")
	// ErrProviderUnavailable signals a transient provider failure (5xx, timeout).
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMalformedResponse signals a provider response missing expected fields.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrRerankerUnavailable signals that remote reranking cannot be used.
	// Never surfaced to callers: the local fallback always takes over.
	ErrRerankerUnavailable = errors.New("reranker unavailable")
	// ErrEmptyText signals a fragment or query with no text after trimming.
	ErrEmptyText = errors.New("empty text")
	// ErrNoContent signals that the AI cleaner found nothing worth keeping.
	ErrNoContent = errors.New("no valid content")
	// ErrVectorDimMismatch signals an embedding of the wrong dimension.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrNonFiniteVector signals an embedding containing NaN or Inf.
	ErrNonFiniteVector = errors.New("non-finite vector value")
)

// RateLimitedError wraps ErrRateLimited with the provider-supplied
// Retry-After delay, when present.
type RateLimitedError struct {
	RetryAfter time.Duration // 0 when the provider sent no Retry-After header
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
