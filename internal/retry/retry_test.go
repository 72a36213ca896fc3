package retry

import (
	"bytes"
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/llm"
)

// fakeClock 记录每次等待时长并立即触发。
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0).Add(d)
	return ch
}

// stuckClock 从不触发，用于验证取消时不会继续等待。
type stuckClock struct {
	waiting chan struct{}
}

func (c *stuckClock) Now() time.Time { return time.Unix(0, 0) }

func (c *stuckClock) After(time.Duration) <-chan time.Time {
	close(c.waiting)
	return make(chan time.Time)
}

func quietPolicy(clock Clock) Policy {
	p := DefaultPolicy()
	p.Clock = clock
	p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return p
}

func scripted(errs ...error) (llm.Client, *int) {
	calls := 0
	return llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		calls++
		if calls <= len(errs) && errs[calls-1] != nil {
			return nil, errs[calls-1]
		}
		return &llm.CompletionResult{Text: "ok"}, nil
	}), &calls
}

func TestRetriesTransientWithExponentialBackoff(t *testing.T) {
	clock := &fakeClock{}
	inner, calls := scripted(
		llm.NewRemoteError(http.StatusTooManyRequests, "slow down"),
		llm.NewRemoteError(http.StatusServiceUnavailable, "busy"),
	)
	var hooked []int
	policy := quietPolicy(clock)
	policy.OnRetry = func(_ context.Context, a Attempt) { hooked = append(hooked, a.Number) }

	res, err := NewClient(inner, policy).Complete(context.Background(), llm.CompletionRequest{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "ok" || *calls != 3 {
		t.Fatalf("unexpected outcome: text=%q calls=%d", res.Text, *calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(clock.delays) != len(want) {
		t.Fatalf("unexpected delays: %v", clock.delays)
	}
	for i := range want {
		if clock.delays[i] != want[i] {
			t.Fatalf("delay %d = %v want %v", i, clock.delays[i], want[i])
		}
	}
	if len(hooked) != 2 || hooked[0] != 1 || hooked[1] != 2 {
		t.Fatalf("OnRetry not invoked per retry: %v", hooked)
	}
}

func TestFatalStatusIsNotRetried(t *testing.T) {
	clock := &fakeClock{}
	inner, calls := scripted(llm.NewRemoteError(http.StatusBadRequest, "bad request"))

	_, err := NewClient(inner, quietPolicy(clock)).Complete(context.Background(), llm.CompletionRequest{UserMessage: "hi"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if *calls != 1 || len(clock.delays) != 0 {
		t.Fatalf("fatal status retried: calls=%d delays=%v", *calls, clock.delays)
	}
	if xerrors.CodeOf(err) != xerrors.CodeRemoteFatal {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestExhaustionWrapsLastFailure(t *testing.T) {
	clock := &fakeClock{}
	transient := llm.NewRemoteError(http.StatusServiceUnavailable, "busy")
	inner, calls := scripted(transient, transient, transient, transient)

	_, err := NewClient(inner, quietPolicy(clock)).Complete(context.Background(), llm.CompletionRequest{UserMessage: "hi"})
	if *calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", *calls)
	}
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	var remote *llm.RemoteError
	if !stdErrors.As(err, &remote) || remote.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("remote error not reachable: %v", err)
	}
	if llm.IsTransient(err) {
		t.Fatalf("exhausted error must not be classified transient")
	}
}

func TestCancelDuringBackoffReturnsPromptly(t *testing.T) {
	clock := &stuckClock{waiting: make(chan struct{})}
	inner, calls := scripted(llm.NewRemoteError(http.StatusTooManyRequests, "slow down"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-clock.waiting
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := NewClient(inner, quietPolicy(clock)).Complete(ctx, llm.CompletionRequest{UserMessage: "hi"})
		done <- err
	}()

	select {
	case err := <-done:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry did not abort on cancellation")
	}
	if *calls != 1 {
		t.Fatalf("second attempt issued after cancellation: %d", *calls)
	}
}

func TestCancelledContextIsNotRetried(t *testing.T) {
	clock := &fakeClock{}
	inner, calls := scripted(context.Canceled)

	_, err := Do(context.Background(), quietPolicy(clock), func(ctx context.Context) (string, error) {
		_, err := inner.Complete(ctx, llm.CompletionRequest{})
		return "", err
	})
	if !stdErrors.Is(err, context.Canceled) || *calls != 1 {
		t.Fatalf("cancellation retried: err=%v calls=%d", err, *calls)
	}
}

func TestDelay(t *testing.T) {
	p := DefaultPolicy()
	cases := map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second}
	for attempt, want := range cases {
		if got := p.Delay(attempt); got != want {
			t.Fatalf("Delay(%d) = %v want %v", attempt, got, want)
		}
	}
}

func TestRetryLogRedactsUpstreamBody(t *testing.T) {
	var buf bytes.Buffer
	policy := quietPolicy(&fakeClock{})
	policy.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	body := "busy while processing mario.rossi@example.com " + strings.Repeat("x", 600)
	inner, _ := scripted(llm.NewRemoteError(http.StatusServiceUnavailable, body))
	if _, err := NewClient(inner, policy).Complete(context.Background(), llm.CompletionRequest{UserMessage: "hi"}); err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "mario.rossi@example.com") || !strings.Contains(out, "[EMAIL]") {
		t.Fatalf("retry log should mask personal data: %s", out)
	}
	if strings.Contains(out, strings.Repeat("x", logErrorLimit)) {
		t.Fatalf("retry log should truncate the upstream body: %s", out)
	}
}
