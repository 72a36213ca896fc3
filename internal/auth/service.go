package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
)

// Service 校验静态 bearer 令牌。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

type tokenEntry struct {
	digest [sha256.Size]byte
	id     string
}

// NewService 创建令牌校验服务。tokens 为空时关闭鉴权，audit 为空时使用全局审计日志。
func NewService(tokens []string, audit *slog.Logger) *Service {
	s := &Service{mode: ModeDisabled, audit: audit}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		digest := sha256.Sum256([]byte(token))
		s.tokens = append(s.tokens, tokenEntry{digest: digest, id: "token-" + hex.EncodeToString(digest[:4])})
	}
	if len(s.tokens) > 0 {
		s.mode = ModeToken
	}
	return s
}

// Mode 返回当前鉴权模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。比较在摘要上以常量时间进行。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return Anonymous, nil
	}
	const prefix = "bearer "
	authorization = strings.TrimSpace(authorization)
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(authorization[len(prefix):])))

	var match *tokenEntry
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			match = &s.tokens[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{ID: match.id}, nil
}
