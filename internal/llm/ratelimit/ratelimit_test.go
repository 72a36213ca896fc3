package ratelimit

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/llm"
)

func counting() (llm.Client, *int) {
	calls := 0
	return llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		calls++
		return &llm.CompletionResult{Text: "ok"}, nil
	}), &calls
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestUnlimitedReturnsInner(t *testing.T) {
	inner, _ := counting()
	if got := NewClient(inner, Config{}); got == nil {
		t.Fatalf("expected client")
	} else if _, wrapped := got.(*Client); wrapped {
		t.Fatalf("unlimited config should not wrap the client")
	}
}

func TestBurstPassesImmediately(t *testing.T) {
	inner, calls := counting()
	client := NewClient(inner, Config{RequestsPerMinute: 3, TokensPerMinute: 90000, Logger: quiet()})

	req := llm.CompletionRequest{UserMessage: "hello world", MaxTokens: 100}
	for i := 0; i < 3; i++ {
		if _, err := client.Complete(context.Background(), req); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if *calls != 3 {
		t.Fatalf("unexpected calls: %d", *calls)
	}
}

func TestWaitBeyondDeadlineFailsWithoutCalling(t *testing.T) {
	inner, calls := counting()
	client := NewClient(inner, Config{RequestsPerMinute: 1, Logger: quiet()})

	if _, err := client.Complete(context.Background(), llm.CompletionRequest{UserMessage: "a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx, llm.CompletionRequest{UserMessage: "b"})
	if err == nil {
		t.Fatalf("expected rate limit error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeRateLimited && !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("remote called while throttled: %d", *calls)
	}
}

func TestCancelledContextKeepsContextError(t *testing.T) {
	inner, _ := counting()
	client := NewClient(inner, Config{RequestsPerMinute: 1, Logger: quiet()})
	_, _ = client.Complete(context.Background(), llm.CompletionRequest{UserMessage: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, llm.CompletionRequest{UserMessage: "b"})
	if !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLargeRequestCappedAtBurst(t *testing.T) {
	inner, calls := counting()
	client := NewClient(inner, Config{TokensPerMinute: 100, Logger: quiet()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Complete(ctx, llm.CompletionRequest{UserMessage: "x", MaxTokens: 4000}); err != nil {
		t.Fatalf("oversized request should be capped at burst: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("unexpected calls: %d", *calls)
	}
}
