package retry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/events"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/internal/redact"
	"OpenLLM-Relay/pkg/logger"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	// 远端响应体可能回显文档内容，日志中只保留脱敏后的片段。
	logErrorLimit = 256
)

// Clock 抽象等待行为，测试中可替换为手动推进的时钟。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock 返回基于系统时间的时钟。
func RealClock() Clock { return realClock{} }

// Classifier 判断一次失败是否值得再次尝试。
type Classifier func(err error) bool

// Attempt 描述一次即将进行的重试。
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Policy 定义指数退避重试策略。第 k 次失败后等待 BaseDelay*2^(k-1)。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Clock       Clock
	Classifier  Classifier
	Logger      *slog.Logger
	Events      events.Sink
	OnRetry     func(ctx context.Context, attempt Attempt)
}

// DefaultPolicy 返回 3 次尝试、基础间隔 2 秒的策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Clock:       RealClock(),
		Classifier:  llm.IsTransient,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Clock == nil {
		p.Clock = RealClock()
	}
	if p.Classifier == nil {
		p.Classifier = llm.IsTransient
	}
	if p.Logger == nil {
		p.Logger = logger.Named("retry")
	}
	return p
}

// Delay 返回第 attempt 次失败之后的等待时长。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	return base * time.Duration(1<<(attempt-1))
}

// Do 执行 op，直到成功、遇到不可重试的错误、上下文结束或次数用尽。
// 次数用尽时返回包裹最后一次失败的 RETRIES_EXHAUSTED 错误。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if !p.Classifier(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		p.Logger.Warn("远端调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", redact.Snippet(err.Error(), logErrorLimit)),
		)
		events.Emit(ctx, p.Events, events.Event{
			Type:      events.TypeRetryAttempted,
			RequestID: events.RequestIDFrom(ctx),
			Fields: map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"code":     string(xerrors.CodeOf(err)),
			},
		})
		if p.OnRetry != nil {
			p.OnRetry(ctx, Attempt{Number: attempt, Delay: delay, Err: err})
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.Clock.After(delay):
		}
	}

	return zero, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("gave up after %d attempts", p.MaxAttempts),
		xerrors.WithMetadata("attempts", fmt.Sprint(p.MaxAttempts)),
	)
}

// Client 以重试策略装饰 llm.Client。
type Client struct {
	inner  llm.Client
	policy Policy
}

// NewClient 创建带重试的补全客户端。
func NewClient(inner llm.Client, policy Policy) *Client {
	return &Client{inner: inner, policy: policy}
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	return Do(ctx, c.policy, func(ctx context.Context) (*llm.CompletionResult, error) {
		return c.inner.Complete(ctx, req)
	})
}
