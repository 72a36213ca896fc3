package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strings"

	xerrors "OpenLLM-Relay/internal/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusFor 将统一错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stdErrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stdErrors.Is(err, context.Canceled):
		// 客户端已断开，状态码仅用于日志与指标。
		return 499
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeExtractionParse:
		return http.StatusUnprocessableEntity
	case xerrors.CodeRemoteTransient, xerrors.CodeRetriesExhausted, xerrors.CodeRateLimited:
		return http.StatusServiceUnavailable
	case xerrors.CodeRemoteFatal:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = StatusFor(err)
	}
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		detail.Message = coded.Message()
	}
	// 只回传经脱敏的模型原文与远端状态码。
	meta := xerrors.MetadataOf(err)
	for _, key := range []string{"raw", "status"} {
		if v, ok := meta[key]; ok {
			if detail.Metadata == nil {
				detail.Metadata = make(map[string]string)
			}
			detail.Metadata[key] = v
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 "+strings.Join(allowed, "/")), http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
