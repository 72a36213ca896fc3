package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenLLM-Relay/internal/auth"
	"OpenLLM-Relay/internal/cache"
	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/events"
	"OpenLLM-Relay/internal/extract"
	"OpenLLM-Relay/internal/observability/metrics"
	"OpenLLM-Relay/pkg/logger"
)

const (
	maxBodyBytes    = 10 << 20
	requestIDHeader = "X-Request-ID"
)

// Completer 是补全接口依赖的缓存层。
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (cache.Result, error)
}

// Options 描述 API 服务的依赖与参数。
type Options struct {
	Address          string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	BatchConcurrency int
	Completer        Completer
	Extractor        *extract.Extractor
	Metrics          *metrics.Recorder
	// ExposeMetrics 为 true 时在 API 监听地址上挂载 /metrics。
	ExposeMetrics bool
	Auth          *auth.Service
	Logger        *slog.Logger
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Named("api")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 150 * time.Second
	}
	return &Server{opts: opts, logger: log}
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/completions", s.instrument("/api/v1/completions", s.handleCompletion))
	mux.HandleFunc("/api/v1/extractions", s.instrument("/api/v1/extractions", s.handleExtraction))
	mux.HandleFunc("/api/v1/extractions/batch", s.instrument("/api/v1/extractions/batch", s.handleBatchExtraction))
	mux.HandleFunc("/api/v1/stats", s.instrument("/api/v1/stats", s.handleStats))
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.opts.ExposeMetrics && s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	// /metrics 挂在 API 监听地址上时与其他接口一样需要令牌；独立指标端口不经过此中间件。
	handler = s.opts.Auth.Middleware(auth.MiddlewareConfig{Public: []string{"/healthz"}})(handler)
	return withRequestID(handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type completionRequest struct {
	SystemPrompt string `json:"system_prompt"`
	UserMessage  string `json:"user_message"`
}

type completionResponse struct {
	Text      string `json:"text"`
	Cached    bool   `json:"cached"`
	RequestID string `json:"request_id"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Completer == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "completion service is not configured"), http.StatusServiceUnavailable)
		return
	}

	var req completionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "user_message is required"), 0)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.opts.Completer.Complete(ctx, req.SystemPrompt, req.UserMessage)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{Text: res.Text, Cached: res.Cached, RequestID: res.RequestID})
}

type extractionRequest struct {
	Document     string          `json:"document"`
	Instructions string          `json:"instructions"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

type extractionResponse struct {
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

func (s *Server) handleExtraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Extractor == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "extraction service is not configured"), http.StatusServiceUnavailable)
		return
	}

	var req extractionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Document) == "" || strings.TrimSpace(req.Instructions) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "document and instructions are required"), 0)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	data, err := extract.Extract[json.RawMessage](ctx, s.opts.Extractor, req.Document, req.Instructions, schemaOption(req.Schema)...)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, extractionResponse{Data: data, RequestID: events.RequestIDFrom(ctx)})
}

type batchRequest struct {
	Documents    []string        `json:"documents"`
	Instructions string          `json:"instructions"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Concurrency  int             `json:"concurrency,omitempty"`
}

type batchResponse struct {
	Results   []json.RawMessage `json:"results"`
	Failed    int               `json:"failed"`
	RequestID string            `json:"request_id"`
}

func (s *Server) handleBatchExtraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Extractor == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "extraction service is not configured"), http.StatusServiceUnavailable)
		return
	}

	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 || strings.TrimSpace(req.Instructions) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "documents and instructions are required"), 0)
		return
	}
	concurrency := req.Concurrency
	if concurrency <= 0 || concurrency > s.opts.BatchConcurrency && s.opts.BatchConcurrency > 0 {
		concurrency = s.opts.BatchConcurrency
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	results, err := extract.Batch[json.RawMessage](ctx, s.opts.Extractor, req.Documents, req.Instructions, concurrency, schemaOption(req.Schema)...)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err, 0)
		return
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Results:   results,
		Failed:    len(req.Documents) - len(results),
		RequestID: events.RequestIDFrom(ctx),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Metrics.Summary())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) logFailure(r *http.Request, err error) {
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("request_id", events.RequestIDFrom(r.Context())),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		s.logger.Error("请求处理失败", attrs...)
		return
	}
	s.logger.Warn("请求处理失败", attrs...)
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.opts.Metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	}
}

func schemaOption(schema json.RawMessage) []extract.CallOption {
	if len(schema) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(schema, &text); err == nil {
		return []extract.CallOption{extract.WithSchema(text)}
	}
	return []extract.CallOption{extract.WithSchema(string(schema))}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"), 0)
		return false
	}
	return true
}

// withRequestID 为每个请求分配标识并写回响应头。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(events.WithRequestID(r.Context(), id)))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
