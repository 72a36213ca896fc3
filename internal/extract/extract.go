package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/internal/events"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/internal/redact"
	"OpenLLM-Relay/pkg/logger"
)

const (
	defaultTemperature = 0.1
	defaultConcurrency = 5
	rawSnippetLimit    = 512
)

// ErrorObserver 接收抽取失败，通常由指标模块实现。
type ErrorObserver interface {
	ObserveError(err error)
}

// Extractor 让模型按 JSON 结构输出并解码为调用方类型。它直接使用带重试的补全客户端，不经过缓存。
type Extractor struct {
	client      llm.Client
	temperature float64
	maxTokens   int
	logger      *slog.Logger
	sink        events.Sink
	observer    ErrorObserver
}

// Option 定制 Extractor。
type Option func(*Extractor)

// WithTemperature 覆盖抽取调用的温度。
func WithTemperature(t float64) Option {
	return func(e *Extractor) {
		if t > 0 {
			e.temperature = t
		}
	}
}

// WithMaxTokens 覆盖抽取调用的最大输出 token 数。
func WithMaxTokens(n int) Option {
	return func(e *Extractor) { e.maxTokens = n }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEvents 设置事件接收端。
func WithEvents(sink events.Sink) Option {
	return func(e *Extractor) { e.sink = sink }
}

// WithObserver 设置失败观察者。
func WithObserver(o ErrorObserver) Option {
	return func(e *Extractor) { e.observer = o }
}

// New 创建抽取器。
func New(client llm.Client, opts ...Option) *Extractor {
	e := &Extractor{client: client, temperature: defaultTemperature}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("extract")
	}
	return e
}

type callOptions struct {
	schema    string
	schemaSet bool
}

// CallOption 定制单次抽取。
type CallOption func(*callOptions)

// WithSchema 用给定文本替换由类型零值生成的结构提示。
func WithSchema(schema string) CallOption {
	return func(o *callOptions) {
		o.schema = schema
		o.schemaSet = true
	}
}

// Extract 根据指令从文档中抽取结构化数据。模型输出无法解码为 T 或为空时返回 EXTRACTION_PARSE，
// 解析失败不会触发重试。
func Extract[T any](ctx context.Context, e *Extractor, document, instructions string, opts ...CallOption) (T, error) {
	var zero T
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.schemaSet {
		o.schema = SchemaHint[T]()
	}

	raw, err := e.Complete(ctx, document, instructions, o.schema)
	if err != nil {
		return zero, err
	}

	var out T
	if err := Decode(raw, &out); err != nil {
		e.fail(ctx, err)
		return zero, err
	}
	return out, nil
}

// Complete 发送抽取请求并返回模型原文。
func (e *Extractor) Complete(ctx context.Context, document, instructions, schema string) (string, error) {
	if events.RequestIDFrom(ctx) == "" {
		ctx = events.WithRequestID(ctx, uuid.NewString())
	}
	ctx = llm.WithOperation(ctx, llm.OperationExtract)

	if trimmed := bytes.TrimSpace([]byte(document)); len(trimmed) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "document is required")
	}

	start := time.Now()
	result, err := e.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: BuildSystemPrompt(instructions, schema),
		UserMessage:  userPrefix + document,
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		if ctx.Err() == nil {
			events.Emit(ctx, e.sink, events.Event{
				Type:      events.TypeRemoteFailure,
				RequestID: events.RequestIDFrom(ctx),
				Fields:    map[string]any{"operation": llm.OperationExtract, "code": string(xerrors.CodeOf(err))},
			})
		}
		return "", err
	}
	e.logger.Debug("抽取调用完成", slog.Duration("elapsed", time.Since(start)), slog.Int("tokens", result.TotalTokens))
	return result.Text, nil
}

// Decode 清理模型输出并解码到 out。空结果（null、{}、[]）同样视为解析失败。
func Decode(raw string, out any) error {
	cleaned := CleanResponse(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return parseError(err, cleaned, "model output is not valid JSON")
	}
	if isEmptyJSON(cleaned) {
		return parseError(nil, cleaned, "model output is empty")
	}
	return nil
}

func isEmptyJSON(cleaned string) bool {
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(cleaned)); err != nil {
		return false
	}
	switch compact.String() {
	case "null", "{}", "[]":
		return true
	}
	return false
}

func parseError(cause error, cleaned, message string) error {
	opt := xerrors.WithMetadata("raw", redact.Snippet(cleaned, rawSnippetLimit))
	if cause == nil {
		return xerrors.New(xerrors.CodeExtractionParse, message, opt)
	}
	return xerrors.Wrap(xerrors.CodeExtractionParse, cause, message, opt)
}

func (e *Extractor) fail(ctx context.Context, err error) {
	raw := xerrors.MetadataOf(err)["raw"]
	e.logger.Warn("结构化抽取失败",
		slog.String("request_id", events.RequestIDFrom(ctx)),
		slog.String("error", err.Error()),
		slog.String("raw", raw),
	)
	if e.observer != nil {
		e.observer.ObserveError(err)
	}
	events.Emit(ctx, e.sink, events.Event{
		Type:      events.TypeExtractionFailure,
		RequestID: events.RequestIDFrom(ctx),
		Fields:    map[string]any{"raw": raw},
	})
}

// Batch 以有限并发对多份文档执行抽取。单份失败只记录日志并被丢弃，成功结果保持输入顺序。
// 只有上下文被取消时才返回错误。
func Batch[T any](ctx context.Context, e *Extractor, documents []string, instructions string, concurrency int, opts ...CallOption) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	results := make([]T, len(documents))
	ok := make([]bool, len(documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, doc := range documents {
		g.Go(func() error {
			value, err := Extract[T](gctx, e, doc, instructions, opts...)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.Warn("批量抽取中单个文档失败", slog.Int("index", i), slog.String("error", err.Error()))
				return nil
			}
			results[i] = value
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]T, 0, len(documents))
	for i := range results {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out, nil
}
