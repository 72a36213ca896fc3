package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Completions can take a while, so it is generous.
const DefaultHTTPTimeout = 150 * time.Second

// Client wraps the HTTP interactions with the relay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// CompletionRequest is the payload for a cached completion.
type CompletionRequest struct {
	SystemPrompt string `json:"system_prompt"`
	UserMessage  string `json:"user_message"`
}

// Completion is the relay response for a completion call.
type Completion struct {
	Text      string `json:"text"`
	Cached    bool   `json:"cached"`
	RequestID string `json:"request_id"`
}

// ExtractionRequest asks the relay to extract structured data from a document.
// Schema, when set, replaces the relay's generic shape hint.
type ExtractionRequest struct {
	Document     string `json:"document"`
	Instructions string `json:"instructions"`
	Schema       string `json:"schema,omitempty"`
}

// Extraction carries the decoded JSON produced by the model.
type Extraction struct {
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

// BatchExtractionRequest extracts from several documents with one set of instructions.
type BatchExtractionRequest struct {
	Documents    []string `json:"documents"`
	Instructions string   `json:"instructions"`
	Schema       string   `json:"schema,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

// BatchExtraction lists successful results in input order.
type BatchExtraction struct {
	Results   []json.RawMessage `json:"results"`
	Failed    int               `json:"failed"`
	RequestID string            `json:"request_id"`
}

// Stats mirrors the relay metrics summary.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	Succeeded        int64            `json:"succeeded"`
	Failed           int64            `json:"failed"`
	SuccessRate      float64          `json:"success_rate"`
	AvgLatencyMS     float64          `json:"avg_latency_ms"`
	P95LatencyMS     float64          `json:"p95_latency_ms"`
	TotalTokens      int64            `json:"total_tokens"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	Errors           map[string]int64 `json:"errors,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call later may succeed.
func (e *APIError) Temporary() bool {
	return e != nil && (e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout)
}

// NewClient instantiates a client for the relay API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the currently stored token string.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Complete requests a completion, served from the relay cache when possible.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	var out Completion
	if err := c.post(ctx, "/api/v1/completions", req, &out); err != nil {
		return Completion{}, err
	}
	return out, nil
}

// Extract runs a structured extraction.
func (c *Client) Extract(ctx context.Context, req ExtractionRequest) (Extraction, error) {
	var out Extraction
	if err := c.post(ctx, "/api/v1/extractions", req, &out); err != nil {
		return Extraction{}, err
	}
	return out, nil
}

// ExtractInto runs a structured extraction and decodes the result into dst.
func (c *Client) ExtractInto(ctx context.Context, req ExtractionRequest, dst any) error {
	res, err := c.Extract(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.Data, dst); err != nil {
		return fmt.Errorf("decode extraction: %w", err)
	}
	return nil
}

// ExtractBatch runs extractions over several documents.
func (c *Client) ExtractBatch(ctx context.Context, req BatchExtractionRequest) (BatchExtraction, error) {
	var out BatchExtraction
	if err := c.post(ctx, "/api/v1/extractions/batch", req, &out); err != nil {
		return BatchExtraction{}, err
	}
	return out, nil
}

// Stats fetches the relay metrics summary.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.get(ctx, "/api/v1/stats", &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// Health checks the relay liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
