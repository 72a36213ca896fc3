package credential

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	xerrors "OpenLLM-Relay/internal/errors"
	"OpenLLM-Relay/pkg/logger"
)

// Credential 是访问补全服务所需的密钥。
type Credential struct {
	APIKey string
	Source string
}

// Provider 解析补全服务密钥，通常只在启动时调用一次。
type Provider interface {
	Resolve(ctx context.Context) (Credential, error)
}

// Static 返回固定密钥，适用于开发环境。
type Static string

// Resolve 实现 Provider。
func (s Static) Resolve(context.Context) (Credential, error) {
	key := strings.TrimSpace(string(s))
	if key == "" {
		return Credential{}, xerrors.New(xerrors.CodeCredentialFailure, "static api key is empty")
	}
	return Credential{APIKey: key, Source: "static"}, nil
}

// Env 从环境变量读取密钥。
type Env struct {
	Name   string
	lookup func(string) (string, bool)
}

// NewEnv 创建读取 name 的环境变量提供者。
func NewEnv(name string) *Env {
	return &Env{Name: name, lookup: os.LookupEnv}
}

// Resolve 实现 Provider。
func (e *Env) Resolve(context.Context) (Credential, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(e.Name)
	if !ok || strings.TrimSpace(value) == "" {
		return Credential{}, xerrors.New(xerrors.CodeCredentialFailure,
			fmt.Sprintf("environment variable %s is not set", e.Name),
			xerrors.WithMetadata("env", e.Name))
	}
	return Credential{APIKey: strings.TrimSpace(value), Source: "env:" + e.Name}, nil
}

// Chain 依次尝试多个提供者，返回第一个成功的结果。
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain 创建提供者链，nil 成员会被忽略。
func NewChain(providers ...Provider) *Chain {
	list := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			list = append(list, p)
		}
	}
	return &Chain{providers: list, logger: logger.Named("credential")}
}

// Resolve 实现 Provider。全部失败时返回合并后的错误。
func (c *Chain) Resolve(ctx context.Context) (Credential, error) {
	if len(c.providers) == 0 {
		return Credential{}, xerrors.New(xerrors.CodeCredentialFailure, "no credential provider configured")
	}
	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Credential{}, err
		}
		cred, err := p.Resolve(ctx)
		if err == nil {
			logger.Audit().Info("credential resolved", slog.String("source", cred.Source))
			return cred, nil
		}
		c.logger.Debug("凭据提供者未能解析密钥", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return Credential{}, xerrors.Wrap(xerrors.CodeCredentialFailure, stdErrors.Join(errs...), "all credential providers failed")
}
