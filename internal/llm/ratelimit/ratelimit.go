package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/pkg/logger"
)

// Config 控制每分钟请求数与 token 数上限，零值表示不限制该维度。
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	Logger            *slog.Logger
}

// Client 在每次远端调用前按请求数和估算 token 数等待额度。
type Client struct {
	inner    llm.Client
	requests *rate.Limiter
	tokens   *rate.Limiter
	logger   *slog.Logger
}

// NewClient 创建限流装饰器。两个维度都未配置时直接返回 inner。
func NewClient(inner llm.Client, cfg Config) llm.Client {
	if cfg.RequestsPerMinute <= 0 && cfg.TokensPerMinute <= 0 {
		return inner
	}
	c := &Client{inner: inner, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = logger.Named("ratelimit")
	}
	if cfg.RequestsPerMinute > 0 {
		c.requests = rate.NewLimiter(perMinute(cfg.RequestsPerMinute), cfg.RequestsPerMinute)
	}
	if cfg.TokensPerMinute > 0 {
		c.tokens = rate.NewLimiter(perMinute(cfg.TokensPerMinute), cfg.TokensPerMinute)
	}
	return c
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / time.Minute.Seconds())
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	start := time.Now()
	if c.requests != nil {
		if err := c.requests.Wait(ctx); err != nil {
			return nil, c.aborted(ctx, err, "requests")
		}
	}
	if c.tokens != nil {
		need := req.EstimateTokens() + req.MaxTokens
		if burst := c.tokens.Burst(); need > burst {
			need = burst
		}
		if err := c.tokens.WaitN(ctx, need); err != nil {
			return nil, c.aborted(ctx, err, "tokens")
		}
	}
	if waited := time.Since(start); waited > time.Second {
		c.logger.Debug("限流等待结束", slog.Duration("waited", waited))
	}
	return c.inner.Complete(ctx, req)
}

func (c *Client) aborted(ctx context.Context, err error, dimension string) error {
	// 调用方主动取消时保留原始上下文错误。
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return xerrors.Wrap(xerrors.CodeRateLimited, err,
		fmt.Sprintf("rate limit wait aborted (%s)", dimension),
		xerrors.WithMetadata("dimension", dimension),
	)
}
