package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenLLM-Relay/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Store 使用 Redis 字符串保存缓存条目。
type Store struct {
	client redis.UniversalClient
}

// NewStore 连接 Redis 并校验可用性。
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeCacheUnavailable, err, "连接 Redis 失败")
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient 使用已有客户端构建存储，便于共享连接池。
func NewStoreWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Get 读取缓存条目，键不存在时返回 ok=false。
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 写入缓存条目，ttl 不大于 0 时不设置过期。
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接。
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 释放连接。
func (s *Store) Close() error {
	return s.client.Close()
}
