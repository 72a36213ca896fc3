package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenLLM-Relay/internal/auth"
	"OpenLLM-Relay/internal/cache"
	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/extract"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/internal/observability/metrics"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, client llm.Client, tokens ...string) (*Server, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	layer := cache.New(client, cache.NewMemoryStore(), cache.WithLogger(quiet()), cache.WithObserver(rec))
	server := NewServer(Options{
		Address:       ":0",
		Completer:     layer,
		Extractor:     extract.New(client, extract.WithLogger(quiet()), extract.WithObserver(rec)),
		Metrics:       rec,
		ExposeMetrics: true,
		Auth:          auth.NewService(tokens, quiet()),
		Logger:        quiet(),
	})
	return server, rec
}

func post(t *testing.T, h http.Handler, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCompletionCachedOnSecondCall(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		calls++
		return &llm.CompletionResult{Text: "answer:" + req.UserMessage}, nil
	})
	server, _ := newTestServer(t, client)
	h := server.Handler()

	for i, wantCached := range []bool{false, true} {
		rec := post(t, h, "/api/v1/completions", map[string]string{"system_prompt": "s", "user_message": "q"}, "X-Request-ID", fmt.Sprintf("req-%d", i))
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
		}
		var got completionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Text != "answer:q" || got.Cached != wantCached {
			t.Fatalf("call %d: unexpected response %+v", i, got)
		}
		if got.RequestID != fmt.Sprintf("req-%d", i) || rec.Header().Get("X-Request-ID") != got.RequestID {
			t.Fatalf("request id not propagated: %+v %q", got, rec.Header().Get("X-Request-ID"))
		}
	}
	if calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"fatal", llm.NewRemoteError(http.StatusBadRequest, "bad"), http.StatusBadGateway, "REMOTE_FATAL"},
		{"exhausted", xerrors.Wrap(xerrors.CodeRetriesExhausted, llm.NewRemoteError(429, "slow"), ""), http.StatusServiceUnavailable, "RETRIES_EXHAUSTED"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "UNKNOWN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := llm.ClientFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResult, error) {
				return nil, tc.err
			})
			server, _ := newTestServer(t, client)
			rec := post(t, server.Handler(), "/api/v1/completions", map[string]string{"user_message": "q"})
			if rec.Code != tc.status {
				t.Fatalf("status = %d want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tc.code {
				t.Fatalf("code = %s want %s", body.Error.Code, tc.code)
			}
		})
	}
}

func TestCompletionValidation(t *testing.T) {
	server, _ := newTestServer(t, llm.ClientFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResult, error) {
		t.Fatalf("remote must not be called")
		return nil, nil
	}))
	h := server.Handler()

	if rec := post(t, h, "/api/v1/completions", map[string]string{"system_prompt": "s"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user message, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/completions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestExtraction(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		if strings.Contains(req.UserMessage, "garbage") {
			return &llm.CompletionResult{Text: "I could not find anything"}, nil
		}
		return &llm.CompletionResult{Text: "```json\n{\"name\":\"ACME\"}\n```"}, nil
	})
	server, rec := newTestServer(t, client)
	h := server.Handler()

	resp := post(t, h, "/api/v1/extractions", map[string]string{"document": "ACME S.p.A.", "instructions": "company name"})
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", resp.Code, resp.Body.String())
	}
	var got struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil || got.Data["name"] != "ACME" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}

	resp = post(t, h, "/api/v1/extractions", map[string]string{"document": "garbage", "instructions": "company name"})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", resp.Code, resp.Body.String())
	}
	var failure errorBody
	_ = json.Unmarshal(resp.Body.Bytes(), &failure)
	if failure.Error.Code != "EXTRACTION_PARSE" || !strings.Contains(failure.Error.Metadata["raw"], "could not find") {
		t.Fatalf("unexpected error body: %s", resp.Body.String())
	}
	if rec.Summary().Errors["EXTRACTION_PARSE"] != 1 {
		t.Fatalf("parse failure not counted: %+v", rec.Summary())
	}
}

func TestBatchExtraction(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
		if strings.HasSuffix(req.UserMessage, "bad") {
			return &llm.CompletionResult{Text: "nope"}, nil
		}
		return &llm.CompletionResult{Text: `{"ok":true}`}, nil
	})
	server, _ := newTestServer(t, client)

	resp := post(t, server.Handler(), "/api/v1/extractions/batch", map[string]any{
		"documents":    []string{"one", "bad", "two"},
		"instructions": "flag",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", resp.Code, resp.Body.String())
	}
	var got batchResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Results) != 2 || got.Failed != 1 {
		t.Fatalf("unexpected batch response: %+v", got)
	}
}

func TestAuthAndPublicRoutes(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResult, error) {
		return &llm.CompletionResult{Text: "x"}, nil
	})
	server, _ := newTestServer(t, client, "secret")
	h := server.Handler()

	if rec := post(t, h, "/api/v1/completions", map[string]string{"user_message": "q"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := post(t, h, "/api/v1/completions", map[string]string{"user_message": "q"}, "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("metrics on the api listener must require a token, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics with token should succeed, got %d", rec.Code)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResult, error) {
		return &llm.CompletionResult{Text: "x"}, nil
	})
	server, rec := newTestServer(t, client)
	h := server.Handler()
	post(t, h, "/api/v1/completions", map[string]string{"user_message": "q"})
	post(t, h, "/api/v1/completions", map[string]string{"user_message": "q"})

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	var summary metrics.Summary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if summary.CacheHits != 1 || summary.CacheMisses != 1 {
		t.Fatalf("unexpected cache stats: %+v", summary)
	}
	if rec.Summary().CacheHits != 1 {
		t.Fatalf("recorder mismatch")
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(resp.Body.String(), "relay_http_requests_total") {
		t.Fatalf("metrics endpoint missing http counters")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeInvalidArgument:  http.StatusBadRequest,
		xerrors.CodeExtractionParse:  http.StatusUnprocessableEntity,
		xerrors.CodeRemoteTransient:  http.StatusServiceUnavailable,
		xerrors.CodeRetriesExhausted: http.StatusServiceUnavailable,
		xerrors.CodeRemoteFatal:      http.StatusBadGateway,
		xerrors.CodeCacheUnavailable: http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(xerrors.New(code, "")); got != want {
			t.Fatalf("%s: status %d want %d", code, got, want)
		}
	}
}
