package llm

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	xerrors "OpenLLM-Relay/internal/errors"
)

// RemoteError 保留远端返回的状态码，供重试策略分类。
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("completion endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("completion endpoint returned status %d: %s", e.StatusCode, body)
}

// Transient 报告该状态码是否属于可恢复的暂时性故障（限流或服务不可用）。
func (e *RemoteError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// NewRemoteError 将非成功状态包装为统一错误：429/503 记为 REMOTE_TRANSIENT，其余记为 REMOTE_FATAL。
func NewRemoteError(status int, body string) error {
	remote := &RemoteError{StatusCode: status, Body: truncateBody(body)}
	code := xerrors.CodeRemoteFatal
	if remote.Transient() {
		code = xerrors.CodeRemoteTransient
	}
	return xerrors.Wrap(code, remote, "", xerrors.WithMetadata("status", strconv.Itoa(status)))
}

// IsTransient 判断错误是否可以由重试策略再次尝试。存在统一错误时以其错误码为准，
// 因此 RETRIES_EXHAUSTED 不会被再次重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if coded, ok := xerrors.From(err); ok {
		return coded.Retryable()
	}
	var remote *RemoteError
	if stdErrors.As(err, &remote) {
		return remote.Transient()
	}
	return false
}

// StatusCode 返回错误链中的远端状态码，不存在时返回 0。
func StatusCode(err error) int {
	var remote *RemoteError
	if stdErrors.As(err, &remote) {
		return remote.StatusCode
	}
	return 0
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	const limit = 512
	if len([]rune(body)) > limit {
		return string([]rune(body)[:limit]) + "..."
	}
	return body
}
