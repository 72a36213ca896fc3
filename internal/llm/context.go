package llm

import "context"

type operationKey struct{}

// OperationComplete 与 OperationExtract 区分缓存补全与结构化抽取两条调用路径。
const (
	OperationComplete = "complete"
	OperationExtract  = "extract"
)

// WithOperation 标记当前调用所属的业务路径，仅用于指标与日志。
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom 返回调用路径，未设置时视为普通补全。
func OperationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok && op != "" {
		return op
	}
	return OperationComplete
}
