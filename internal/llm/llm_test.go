package llm

import (
	"fmt"
	"net/http"
	"testing"

	xerrors "OpenLLM-Relay/internal/errors"
)

func TestNewRemoteErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		code      xerrors.Code
	}{
		{http.StatusTooManyRequests, true, xerrors.CodeRemoteTransient},
		{http.StatusServiceUnavailable, true, xerrors.CodeRemoteTransient},
		{http.StatusInternalServerError, false, xerrors.CodeRemoteFatal},
		{http.StatusBadRequest, false, xerrors.CodeRemoteFatal},
		{http.StatusUnauthorized, false, xerrors.CodeRemoteFatal},
	}
	for _, tc := range cases {
		err := NewRemoteError(tc.status, "boom")
		if IsTransient(err) != tc.transient {
			t.Fatalf("status %d: transient=%v want %v", tc.status, IsTransient(err), tc.transient)
		}
		if xerrors.CodeOf(err) != tc.code {
			t.Fatalf("status %d: code=%s want %s", tc.status, xerrors.CodeOf(err), tc.code)
		}
		if StatusCode(err) != tc.status {
			t.Fatalf("status %d not preserved: %d", tc.status, StatusCode(err))
		}
	}
}

func TestIsTransientRespectsOuterCode(t *testing.T) {
	exhausted := xerrors.Wrap(xerrors.CodeRetriesExhausted, NewRemoteError(http.StatusTooManyRequests, ""), "")
	if IsTransient(exhausted) {
		t.Fatalf("exhausted error must not be transient")
	}
	bare := fmt.Errorf("wrapped: %w", &RemoteError{StatusCode: http.StatusServiceUnavailable})
	if !IsTransient(bare) {
		t.Fatalf("bare remote error with 503 should be transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}

func TestWithDefaultsAndValidate(t *testing.T) {
	req := Defaults().WithDefaults(CompletionRequest{UserMessage: "hi"})
	if req.MaxTokens != 4000 || req.Temperature != 0.3 || req.TopP != 0.95 {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	invalid := []CompletionRequest{
		{UserMessage: " ", MaxTokens: 1},
		{UserMessage: "x", MaxTokens: 0},
		{UserMessage: "x", MaxTokens: 1, Temperature: 2.5},
		{UserMessage: "x", MaxTokens: 1, TopP: 1.5},
		{UserMessage: "x", MaxTokens: 1, PresencePenalty: -3},
	}
	for i, r := range invalid {
		if err := r.Validate(); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	req := CompletionRequest{SystemPrompt: "one two", UserMessage: "three four five six seven eight"}
	if got := req.EstimateTokens(); got != 10 {
		t.Fatalf("unexpected estimate: %d", got)
	}
	if got := (CompletionRequest{}).EstimateTokens(); got != 1 {
		t.Fatalf("empty request should reserve one token, got %d", got)
	}
}
