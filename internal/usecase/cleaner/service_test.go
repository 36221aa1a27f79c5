package cleaner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

type fakeCompleter struct {
	content  string
	failures []error
	calls    int
	lastReq  openai.ChatCompletionRequest
}

func (c *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.calls++
	c.lastReq = req
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: c.content}},
		},
		Usage: openai.Usage{TotalTokens: 42},
	}, nil
}

type fakeLimiter struct {
	reserved   []int
	reconciled [][2]int
	err        error
}

func (l *fakeLimiter) Reserve(_ context.Context, estimated int) error {
	if l.err != nil {
		return l.err
	}
	l.reserved = append(l.reserved, estimated)
	return nil
}

func (l *fakeLimiter) Reconcile(actual, estimated int) {
	l.reconciled = append(l.reconciled, [2]int{actual, estimated})
}

func newTestCleaner(client ChatCompleter, limiter Limiter) *Service {
	s := New(&Config{
		Client:      client,
		Limiter:     limiter,
		Model:       "test-model",
		MaxTokens:   256,
		Temperature: 0.2,
		Logger:      zap.NewNop(),
	})
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestClean_ReturnsCleanedText(t *testing.T) {
	client := &fakeCompleter{content: "  cleaned text  "}
	limiter := &fakeLimiter{}
	s := newTestCleaner(client, limiter)

	got, err := s.Clean(context.Background(), "raw <nav>menu</nav> text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "cleaned text" {
		t.Errorf("expected trimmed model output, got %q", got)
	}
	if len(limiter.reserved) != 1 {
		t.Fatalf("expected a budget reservation, got %v", limiter.reserved)
	}
	if len(limiter.reconciled) != 1 || limiter.reconciled[0][0] != 42 {
		t.Errorf("expected reconcile with reported usage, got %v", limiter.reconciled)
	}
}

func TestClean_TruncatesLongInput(t *testing.T) {
	client := &fakeCompleter{content: "ok"}
	s := newTestCleaner(client, &fakeLimiter{})

	if _, err := s.Clean(context.Background(), strings.Repeat("z", 20000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := client.lastReq.Messages[len(client.lastReq.Messages)-1]
	if len(user.Content) != maxInputChars {
		t.Errorf("expected input truncated to %d chars, got %d", maxInputChars, len(user.Content))
	}
}

func TestClean_NoContentMarker(t *testing.T) {
	client := &fakeCompleter{content: "NO_VALID_CONTENT"}
	s := newTestCleaner(client, &fakeLimiter{})

	if _, err := s.Clean(context.Background(), "junk junk junk"); !errors.Is(err, domain.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestClean_EmptyInputRejectedWithoutAPICall(t *testing.T) {
	client := &fakeCompleter{content: "ok"}
	s := newTestCleaner(client, &fakeLimiter{})

	if _, err := s.Clean(context.Background(), "  \n "); !errors.Is(err, domain.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if client.calls != 0 {
		t.Error("empty input must not reach the API")
	}
}

func TestClean_RetriesRateLimits(t *testing.T) {
	client := &fakeCompleter{
		content: "ok",
		failures: []error{
			&openai.APIError{HTTPStatusCode: 429},
			&openai.APIError{HTTPStatusCode: 503},
		},
	}
	s := newTestCleaner(client, &fakeLimiter{})

	got, err := s.Clean(context.Background(), "some raw text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || client.calls != 3 {
		t.Errorf("expected success on third call, got %q after %d calls", got, client.calls)
	}
}

func TestClean_GivesUpAfterMaxAttempts(t *testing.T) {
	failures := make([]error, maxAttempts)
	for i := range failures {
		failures[i] = &openai.APIError{HTTPStatusCode: 429}
	}
	client := &fakeCompleter{content: "ok", failures: failures}
	s := newTestCleaner(client, &fakeLimiter{})

	if _, err := s.Clean(context.Background(), "raw"); err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if client.calls != maxAttempts {
		t.Errorf("expected exactly %d attempts, got %d", maxAttempts, client.calls)
	}
}

func TestClean_ClientErrorIsFatal(t *testing.T) {
	client := &fakeCompleter{
		content:  "ok",
		failures: []error{&openai.APIError{HTTPStatusCode: 400}},
	}
	s := newTestCleaner(client, &fakeLimiter{})

	if _, err := s.Clean(context.Background(), "raw"); err == nil {
		t.Fatal("expected an error")
	}
	if client.calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", client.calls)
	}
}

func TestClean_QuotaExhaustedPropagates(t *testing.T) {
	limiter := &fakeLimiter{err: domain.ErrDailyQuotaExhausted}
	client := &fakeCompleter{content: "ok"}
	s := newTestCleaner(client, limiter)

	if _, err := s.Clean(context.Background(), "raw"); !errors.Is(err, domain.ErrDailyQuotaExhausted) {
		t.Fatalf("expected ErrDailyQuotaExhausted, got %v", err)
	}
	if client.calls != 0 {
		t.Error("exhausted budget must not reach the API")
	}
}
