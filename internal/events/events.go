package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenLLM-Relay/pkg/logger"
)

// Type 标识一类可观测事件。
type Type string

const (
	TypeRequestStarted    Type = "request_started"
	TypeRequestCompleted  Type = "request_completed"
	TypeRetryAttempted    Type = "retry_attempted"
	TypeCacheHit          Type = "cache_hit"
	TypeCacheMiss         Type = "cache_miss"
	TypeCacheWriteFailed  Type = "cache_write_failed"
	TypeExtractionFailure Type = "extraction_failure"
	TypeRemoteFailure     Type = "remote_failure"
)

// Event 描述一次请求生命周期中的可观测节点。
type Event struct {
	Type       Type           `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink 接收事件。实现必须尽快返回，发送失败不影响业务流程。
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Emit 以“发出即忘”的方式投递事件，失败只记录日志。sink 为 nil 时直接忽略。
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := sink.Emit(ctx, event); err != nil {
		logger.Named("events").Warn("事件投递失败",
			slog.String("type", string(event.Type)),
			slog.String("request_id", event.RequestID),
			slog.Any("error", err),
		)
	}
}

// Nop 丢弃所有事件。
type Nop struct{}

// Emit 实现 Sink。
func (Nop) Emit(context.Context, Event) error { return nil }

// LogSink 把事件写入结构化日志。
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink 创建 LogSink，logger 为空时使用全局 events 组件日志。
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Named("events")
	}
	return &LogSink{Logger: l}
}

// Emit 实现 Sink。失败类事件使用 Warn 级别。
func (s *LogSink) Emit(ctx context.Context, event Event) error {
	if s == nil || s.Logger == nil {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(event.Fields)+2)
	attrs = append(attrs, slog.String("request_id", event.RequestID))
	for k, v := range event.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	switch event.Type {
	case TypeRetryAttempted, TypeCacheWriteFailed, TypeExtractionFailure, TypeRemoteFailure:
		level = slog.LevelWarn
	case TypeCacheHit, TypeCacheMiss:
		level = slog.LevelDebug
	}
	s.Logger.LogAttrs(ctx, level, string(event.Type), attrs...)
	return nil
}

// Fanout 将事件广播给多个 Sink。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建 Fanout，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	set := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Fanout{sinks: set}
}

// Emit 广播事件并合并错误，单个 Sink 失败不影响其他 Sink。
func (f *Fanout) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for idx, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}
