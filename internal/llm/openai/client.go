package openai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/pkg/logger"
)

const (
	ProviderAzure  = "azure"
	ProviderOpenAI = "openai"

	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModelName  = "gpt-4o-mini"
	defaultAPIVersion = "2024-02-15-preview"
	defaultTimeout    = 60 * time.Second
	maxErrorBody      = 2048
)

// Observer 接收每次远端调用的观测数据，通常由指标模块实现。
type Observer interface {
	ObserveCompletion(operation, model string, tokens int, latency time.Duration, err error)
}

// Config 描述了调用 Chat Completions 接口所需的信息。
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Deployment string
	APIVersion string
	Model      string
	Timeout    time.Duration
	Defaults   llm.Params
	Logger     *slog.Logger
	Observer   Observer
}

// Client 通过 HTTP 调用 Azure OpenAI 或兼容 OpenAI 协议的补全服务。客户端自身不做重试。
type Client struct {
	provider   string
	apiKey     string
	endpoint   string
	model      string
	defaults   llm.Params
	httpClient *http.Client
	logger     *slog.Logger
	observer   Observer
}

// NewClient 根据配置创建补全客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "未提供补全服务 API Key")
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	model := strings.TrimSpace(cfg.Model)

	var endpoint string
	switch provider {
	case ProviderAzure:
		if baseURL == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "Azure 模式需要配置 endpoint")
		}
		deployment := strings.TrimSpace(cfg.Deployment)
		if deployment == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "Azure 模式需要配置 deployment")
		}
		version := strings.TrimSpace(cfg.APIVersion)
		if version == "" {
			version = defaultAPIVersion
		}
		endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			baseURL, url.PathEscape(deployment), url.QueryEscape(version))
		if model == "" {
			model = deployment
		}
	case ProviderOpenAI:
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		endpoint = baseURL + "/chat/completions"
		if model == "" {
			model = defaultModelName
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的补全服务类型 %q", cfg.Provider))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	defaults := cfg.Defaults
	if defaults == (llm.Params{}) {
		defaults = llm.Defaults()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Named("llm")
	}

	return &Client{
		provider: provider,
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		defaults: defaults,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:   log,
		observer: cfg.Observer,
	}, nil
}

// Endpoint 返回实际请求的地址。
func (c *Client) Endpoint() string { return c.endpoint }

// Complete 发起一次补全调用。
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	req = c.defaults.WithDefaults(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.do(ctx, payload)
	latency := time.Since(start)

	operation := llm.OperationFrom(ctx)
	if err != nil {
		if c.observer != nil && ctx.Err() == nil {
			c.observer.ObserveCompletion(operation, c.model, 0, latency, err)
		}
		return nil, err
	}

	result.Latency = latency
	if result.Model == "" {
		result.Model = c.model
	}
	c.logger.Info("补全调用完成",
		slog.String("operation", operation),
		slog.String("model", result.Model),
		slog.Int("tokens", result.TotalTokens),
		slog.Duration("latency", latency),
	)
	if c.observer != nil {
		c.observer.ObserveCompletion(operation, result.Model, result.TotalTokens, latency, nil)
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (*llm.CompletionResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建补全请求失败")
	}

	switch c.provider {
	case ProviderAzure:
		httpReq.Header.Set("api-key", c.apiKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, xerrors.Wrap(xerrors.CodeRemoteFatal, err, "请求补全服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, llm.NewRemoteError(resp.StatusCode, string(body))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, xerrors.Wrap(xerrors.CodeRemoteFatal, err, "解析补全响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeRemoteFatal, stdErrors.New("no choices"), "补全响应中没有有效的 choices")
	}

	return &llm.CompletionResult{
		Text:             decoded.Choices[0].Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
		Model:            decoded.Model,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) buildPayload(req llm.CompletionRequest) ([]byte, error) {
	messages := make([]message, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, message{Role: "user", Content: req.UserMessage})

	body := chatRequest{
		Messages:         messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	// Azure 通过部署路径选择模型。
	if c.provider == ProviderOpenAI {
		body.Model = c.model
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化补全请求失败")
	}
	return encoded, nil
}
