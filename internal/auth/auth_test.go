package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthenticateRequest(t *testing.T) {
	svc := NewService([]string{"alpha", " ", "beta"}, nil)
	if svc.Mode() != ModeToken {
		t.Fatalf("expected token mode")
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer beta")
	if err != nil || !strings.HasPrefix(subject.ID, "token-") {
		t.Fatalf("unexpected subject: %+v %v", subject, err)
	}
	if strings.Contains(subject.ID, "beta") {
		t.Fatalf("subject id leaks the token: %s", subject.ID)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), ""); err != ErrMissingToken {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "bearer gamma"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestDisabledServiceAllowsAnonymous(t *testing.T) {
	svc := NewService(nil, nil)
	subject, err := svc.AuthenticateRequest(context.Background(), "")
	if err != nil || subject != Anonymous {
		t.Fatalf("expected anonymous subject: %+v %v", subject, err)
	}
}

func TestMiddlewareAuditsRequests(t *testing.T) {
	var audit bytes.Buffer
	svc := NewService([]string{"alpha"}, slog.New(slog.NewJSONHandler(&audit, nil)))

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{Public: []string{"/healthz"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/completions", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(audit.String(), "access_denied") {
		t.Fatalf("expected denial with audit entry: %d %s", rec.Code, audit.String())
	}

	audit.Reset()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/completions", nil)
	req.Header.Set("Authorization", "Bearer alpha")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || seen == nil {
		t.Fatalf("expected authorised request: %d %+v", rec.Code, seen)
	}
	if !strings.Contains(audit.String(), `"status":202`) || !strings.Contains(audit.String(), seen.ID) {
		t.Fatalf("audit entry missing details: %s", audit.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("public path should bypass auth: %d", rec.Code)
	}
}
