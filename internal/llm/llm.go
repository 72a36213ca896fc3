package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
)

// CompletionRequest 描述一次聊天补全调用，调用期间不可变。
type CompletionRequest struct {
	SystemPrompt     string
	UserMessage      string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// CompletionResult 是一次成功调用的产物。
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Latency          time.Duration
}

// Client 定义了调用补全服务的统一接口。重试、限流与缓存均以装饰器形式实现该接口。
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// ClientFunc 让普通函数满足 Client 接口，便于测试与组合。
type ClientFunc func(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

// Complete 实现 Client。
func (f ClientFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return f(ctx, req)
}

// Params 保存未在请求中显式给出时使用的采样参数。
type Params struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Defaults 返回默认采样参数。
func Defaults() Params {
	return Params{
		MaxTokens:   4000,
		Temperature: 0.3,
		TopP:        0.95,
	}
}

// WithDefaults 用 p 填充请求中的零值字段。温度为 0 视为未设置，需要确定性输出时请传入极小正数。
func (p Params) WithDefaults(req CompletionRequest) CompletionRequest {
	if req.MaxTokens <= 0 {
		req.MaxTokens = p.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = p.Temperature
	}
	if req.TopP == 0 {
		req.TopP = p.TopP
	}
	if req.FrequencyPenalty == 0 {
		req.FrequencyPenalty = p.FrequencyPenalty
	}
	if req.PresencePenalty == 0 {
		req.PresencePenalty = p.PresencePenalty
	}
	return req
}

// Validate 校验请求参数范围。
func (r CompletionRequest) Validate() error {
	if strings.TrimSpace(r.UserMessage) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "user message is required")
	}
	if r.MaxTokens <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "max tokens must be positive")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("temperature %.2f out of range [0,2]", r.Temperature))
	}
	if r.TopP < 0 || r.TopP > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("top_p %.2f out of range [0,1]", r.TopP))
	}
	if r.FrequencyPenalty < -2 || r.FrequencyPenalty > 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, "frequency penalty out of range [-2,2]")
	}
	if r.PresencePenalty < -2 || r.PresencePenalty > 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, "presence penalty out of range [-2,2]")
	}
	return nil
}

// EstimateTokens 按空白分词粗略估算请求的 token 数，供限流器预占额度。
func (r CompletionRequest) EstimateTokens() int {
	words := len(strings.Fields(r.SystemPrompt)) + len(strings.Fields(r.UserMessage))
	estimate := int(float64(words) * 1.3)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
