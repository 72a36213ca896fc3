package bootstrap

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenLLM-Relay/internal/api"
	"OpenLLM-Relay/internal/auth"
	"OpenLLM-Relay/internal/cache"
	"OpenLLM-Relay/internal/config"
	"OpenLLM-Relay/internal/credential"
	"OpenLLM-Relay/internal/events"
	"OpenLLM-Relay/internal/extract"
	"OpenLLM-Relay/internal/llm"
	"OpenLLM-Relay/internal/llm/openai"
	"OpenLLM-Relay/internal/llm/ratelimit"
	"OpenLLM-Relay/internal/observability/metrics"
	"OpenLLM-Relay/internal/retry"
	"OpenLLM-Relay/internal/storage/redis"
	"OpenLLM-Relay/internal/storage/sqlcache"
	"OpenLLM-Relay/pkg/logger"
)

// Stack 汇总按配置装配好的全部组件。
type Stack struct {
	Config    *config.Config
	Metrics   *metrics.Recorder
	Events    events.Sink
	Client    llm.Client
	Cache     *cache.Layer
	Extractor *extract.Extractor
	Server    *api.Server

	closers []func() error
}

// Build 按配置装配组件：凭据只解析一次，补全客户端依次包裹限流与重试，缓存层与抽取器共享同一个客户端。
func Build(ctx context.Context, cfg *config.Config) (*Stack, error) {
	s := &Stack{Config: cfg, Metrics: metrics.NewRecorder()}
	log := logger.Named("bootstrap")

	sink, closeSink, err := buildEvents(cfg.Events)
	if err != nil {
		return nil, err
	}
	s.Events = sink
	s.onClose(closeSink)

	provider, err := CredentialProvider(cfg.Credential)
	if err != nil {
		s.Close()
		return nil, err
	}
	cred, err := provider.Resolve(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	log.Info("补全服务凭据已解析", slog.String("source", cred.Source))

	remote, err := openai.NewClient(openai.Config{
		Provider:   cfg.LLM.Provider,
		APIKey:     cred.APIKey,
		BaseURL:    cfg.LLM.Endpoint,
		Deployment: cfg.LLM.Deployment,
		APIVersion: cfg.LLM.APIVersion,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout.Std(),
		Defaults: llm.Params{
			MaxTokens:        cfg.LLM.MaxTokens,
			Temperature:      cfg.LLM.Temperature,
			TopP:             cfg.LLM.TopP,
			FrequencyPenalty: cfg.LLM.FrequencyPenalty,
			PresencePenalty:  cfg.LLM.PresencePenalty,
		},
		Observer: s.Metrics,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	limited := ratelimit.NewClient(remote, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
	})

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay.Std()
	policy.Events = sink
	policy.OnRetry = func(context.Context, retry.Attempt) { s.Metrics.ObserveRetry() }
	s.Client = retry.NewClient(limited, policy)

	store, err := s.buildStore(ctx, cfg.Cache)
	if err != nil {
		s.Close()
		return nil, err
	}
	if purger, ok := store.(cache.Purger); ok && cfg.Cache.PurgeInterval >= 0 {
		s.startJanitor(purger, cfg.Cache.PurgeInterval.Std())
	}

	cacheOpts := []cache.Option{
		cache.WithPrefix(cfg.Cache.Prefix),
		cache.WithTTL(cfg.Cache.TTL.Std()),
		cache.WithEvents(sink),
		cache.WithObserver(s.Metrics),
	}
	if cfg.Cache.Coalesce {
		cacheOpts = append(cacheOpts, cache.WithCoalescing())
	}
	s.Cache = cache.New(s.Client, store, cacheOpts...)

	s.Extractor = extract.New(s.Client,
		extract.WithTemperature(cfg.Extract.Temperature),
		extract.WithMaxTokens(cfg.Extract.MaxTokens),
		extract.WithEvents(sink),
		extract.WithObserver(s.Metrics),
	)

	s.Server = api.NewServer(api.Options{
		Address:          cfg.Server.Address,
		ReadTimeout:      cfg.Server.ReadTimeout.Std(),
		WriteTimeout:     cfg.Server.WriteTimeout.Std(),
		RequestTimeout:   cfg.Server.RequestTimeout.Std(),
		BatchConcurrency: cfg.Extract.BatchConcurrency,
		Completer:        s.Cache,
		Extractor:        s.Extractor,
		Metrics:          s.Metrics,
		ExposeMetrics:    cfg.Metrics.Enabled && cfg.Metrics.Address == "",
		Auth:             auth.NewService(cfg.Auth.Tokens, nil),
	})
	return s, nil
}

// CredentialProvider 根据配置构建凭据提供者。
func CredentialProvider(cfg config.CredentialConfig) (credential.Provider, error) {
	keyVault := func() (credential.Provider, error) {
		return credential.NewKeyVault(credential.KeyVaultConfig{
			VaultURL:   cfg.KeyVaultURL,
			SecretName: cfg.SecretName,
			Identity:   cfg.Identity,
			ClientID:   cfg.ClientID,
		})
	}

	switch strings.ToLower(cfg.Source) {
	case "static":
		return credential.Static(cfg.APIKey), nil
	case "env":
		return credential.NewEnv(cfg.APIKeyEnv), nil
	case "keyvault":
		return keyVault()
	case "", "auto":
		var providers []credential.Provider
		if cfg.KeyVaultURL != "" {
			kv, err := keyVault()
			if err != nil {
				return nil, err
			}
			providers = append(providers, kv)
		}
		if cfg.APIKey != "" {
			providers = append(providers, credential.Static(cfg.APIKey))
		}
		providers = append(providers, credential.NewEnv(cfg.APIKeyEnv))
		return credential.NewChain(providers...), nil
	default:
		return nil, fmt.Errorf("未知的凭据来源 %q", cfg.Source)
	}
}

func buildEvents(cfg config.EventsConfig) (events.Sink, func() error, error) {
	logSink := events.NewLogSink(logger.Named("events"))
	if cfg.RabbitMQ.URL == "" {
		return logSink, nil, nil
	}
	mq, err := events.NewRabbitMQSink(events.RabbitMQConfig{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		Buffer:     cfg.RabbitMQ.Buffer,
	})
	if err != nil {
		return nil, nil, err
	}
	return events.NewFanout(logSink, mq), mq.Close, nil
}

func (s *Stack) buildStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		store, err := redis.NewStore(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		s.onClose(store.Close)
		return store, nil
	case sqlcache.DriverMySQL, sqlcache.DriverSQLite:
		store, err := sqlcache.Open(ctx, sqlcache.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		s.onClose(store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Driver)
	}
}

// startJanitor 周期清理过期条目，Close 时停止并等待其退出。
func (s *Stack) startJanitor(p cache.Purger, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.RunJanitor(ctx, p, interval, logger.Named("cache"))
	}()
	s.onClose(func() error {
		cancel()
		<-done
		return nil
	})
}

func (s *Stack) onClose(fn func() error) {
	if fn != nil {
		s.closers = append(s.closers, fn)
	}
}

// Close 按装配的逆序释放资源。
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return stdErrors.Join(errs...)
}
