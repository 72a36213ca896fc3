package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/events"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/pkg/logger"
)

// Observer 接收缓存读写结果，通常由指标模块实现。
type Observer interface {
	ObserveCache(result string)
}

// 与 metrics 包的标签保持一致。
const (
	resultHit        = "hit"
	resultMiss       = "miss"
	resultReadError  = "read_error"
	resultWriteError = "write_error"
)

// Result 是一次缓存补全的结果。
type Result struct {
	Text      string
	Cached    bool
	Key       string
	RequestID string
}

// Layer 在补全客户端之前做缓存查找，未命中时调用远端并回写。
type Layer struct {
	client   llm.Client
	store    Store
	prefix   string
	ttl      time.Duration
	logger   *slog.Logger
	sink     events.Sink
	observer Observer
	group    *singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight 是一次合并中的远端调用。所有等待者离开时才取消它。
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option 定制缓存层。
type Option func(*Layer)

// WithPrefix 设置缓存键前缀。
func WithPrefix(prefix string) Option {
	return func(l *Layer) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithTTL 设置缓存有效期。
func WithTTL(ttl time.Duration) Option {
	return func(l *Layer) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(l *Layer) {
		if log != nil {
			l.logger = log
		}
	}
}

// WithEvents 设置事件接收端。
func WithEvents(sink events.Sink) Option {
	return func(l *Layer) { l.sink = sink }
}

// WithObserver 设置指标观察者。
func WithObserver(o Observer) Option {
	return func(l *Layer) { l.observer = o }
}

// WithCoalescing 让同一进程内相同键的并发未命中只发起一次远端调用。
// 未启用时，并发未命中会各自调用远端并各自回写，行为与分布式部署一致。
func WithCoalescing() Option {
	return func(l *Layer) {
		l.group = &singleflight.Group{}
		l.flights = make(map[string]*flight)
	}
}

// New 创建缓存层。store 为 nil 时每次都直接调用远端。
func New(client llm.Client, store Store, opts ...Option) *Layer {
	l := &Layer{
		client: client,
		store:  store,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logger.Named("cache")
	}
	return l
}

// CompleteWithCache 返回 (systemPrompt, userMessage) 对应的补全文本，命中缓存时不访问远端。
func (l *Layer) CompleteWithCache(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	res, err := l.Complete(ctx, systemPrompt, userMessage)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Complete 与 CompleteWithCache 相同，但额外报告是否命中缓存。
func (l *Layer) Complete(ctx context.Context, systemPrompt, userMessage string) (Result, error) {
	requestID := events.RequestIDFrom(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = events.WithRequestID(ctx, requestID)
	}
	ctx = llm.WithOperation(ctx, llm.OperationComplete)

	key := Key(l.prefix, systemPrompt, userMessage)
	res := Result{Key: key, RequestID: requestID}
	start := time.Now()
	l.emit(ctx, events.TypeRequestStarted, map[string]any{"key": key})

	if text, ok := l.lookup(ctx, key); ok {
		res.Text, res.Cached = text, true
		l.emit(ctx, events.TypeCacheHit, map[string]any{"key": key})
		l.emit(ctx, events.TypeRequestCompleted, map[string]any{"cached": true, "duration_ms": time.Since(start).Milliseconds()})
		return res, nil
	}
	l.emit(ctx, events.TypeCacheMiss, map[string]any{"key": key})

	var (
		text string
		err  error
	)
	if l.group != nil {
		text, err = l.coalesced(ctx, key, systemPrompt, userMessage)
	} else {
		text, err = l.fetch(ctx, key, systemPrompt, userMessage)
	}
	if err != nil {
		return Result{}, err
	}

	res.Text = text
	l.emit(ctx, events.TypeRequestCompleted, map[string]any{"cached": false, "duration_ms": time.Since(start).Milliseconds()})
	return res, nil
}

func (l *Layer) lookup(ctx context.Context, key string) (string, bool) {
	if l.store == nil {
		return "", false
	}
	text, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("读取缓存失败，按未命中处理", slog.String("key", key), slog.String("error", err.Error()))
		l.observe(resultReadError)
		return "", false
	}
	if !ok || text == "" {
		l.observe(resultMiss)
		return "", false
	}
	l.observe(resultHit)
	return text, true
}

// coalesced 让相同键的并发未命中共享一次远端调用。共享调用运行在脱离调用方取消的上下文上，
// 单个调用方取消只影响它自己；最后一个等待者离开时共享调用随之取消，且不会回写缓存。
func (l *Layer) coalesced(ctx context.Context, key, systemPrompt, userMessage string) (string, error) {
	l.mu.Lock()
	f, ok := l.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		l.flights[key] = f
	}
	f.waiters++
	// flights 与 group 在 mu 下同步增删，已有记录时 DoChan 必然加入同一次调用。
	ch := l.group.DoChan(key, func() (any, error) {
		defer l.land(key, f)
		return l.fetch(f.ctx, key, systemPrompt, userMessage)
	})
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.leave(key, f, true)
		return "", ctx.Err()
	case r := <-ch:
		l.leave(key, f, false)
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// land 在共享调用结束时移除记录，之后到达的调用方会重新查缓存或发起新调用。
func (l *Layer) land(key string, f *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flights[key] == f {
		delete(l.flights, key)
		l.group.Forget(key)
	}
	f.cancel()
}

func (l *Layer) leave(key string, f *flight, abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if !abandoned || f.waiters > 0 {
		return
	}
	f.cancel()
	if l.flights[key] == f {
		delete(l.flights, key)
		l.group.Forget(key)
	}
}

func (l *Layer) fetch(ctx context.Context, key, systemPrompt, userMessage string) (string, error) {
	result, err := l.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserMessage:  userMessage,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == nil {
			l.emit(ctx, events.TypeRemoteFailure, map[string]any{
				"key":  key,
				"code": string(xerrors.CodeOf(err)),
			})
		}
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.write(ctx, key, result.Text)
	return result.Text, nil
}

// write 的失败只记录，不影响调用结果。
func (l *Layer) write(ctx context.Context, key, text string) {
	if l.store == nil || text == "" {
		return
	}
	if err := l.store.Set(ctx, key, text, l.ttl); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeCacheUnavailable, err, "写入缓存失败")
		l.logger.Warn("写入缓存失败", slog.String("key", key), slog.String("error", wrapped.Error()))
		l.observe(resultWriteError)
		l.emit(ctx, events.TypeCacheWriteFailed, map[string]any{"key": key, "error": err.Error()})
	}
}

func (l *Layer) emit(ctx context.Context, typ events.Type, fields map[string]any) {
	events.Emit(ctx, l.sink, events.Event{
		Type:      typ,
		RequestID: events.RequestIDFrom(ctx),
		Fields:    fields,
	})
}

func (l *Layer) observe(result string) {
	if l.observer != nil {
		l.observer.ObserveCache(result)
	}
}
