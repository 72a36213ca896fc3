package sqlcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenLLM-Relay/internal/errors"
)

// Store 将缓存条目保存在 completion_cache 表中，过期判断基于 expires_at。
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option 定制 Store。
type Option func(*Store)

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open 连接数据库并执行迁移。
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的缓存数据库驱动 %q", cfg.Driver))
	}
	cfg.Driver = driver

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheUnavailable, err, "打开缓存数据库失败")
	}

	s := New(db, driver, opts...)
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeCacheUnavailable, err, "缓存数据库迁移失败")
	}
	return s, nil
}

// New 基于已有连接构建 Store，不执行迁移。
func New(db *sql.DB, driver string, opts ...Option) *Store {
	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get 读取未过期的缓存条目。
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM completion_cache WHERE cache_key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("查询缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 写入或覆盖缓存条目。ttl 不大于 0 时视为永不过期。
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	expires := int64(1 << 62)
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}

	var query string
	switch s.driver {
	case DriverMySQL:
		query = `INSERT INTO completion_cache (cache_key, response, created_at, expires_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE response = VALUES(response), created_at = VALUES(created_at), expires_at = VALUES(expires_at)`
	default:
		query = `INSERT INTO completion_cache (cache_key, response, created_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET response = excluded.response, created_at = excluded.created_at, expires_at = excluded.expires_at`
	}
	if _, err := s.db.ExecContext(ctx, query, key, value, now.UnixMilli(), expires); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Purge 删除已过期的条目，返回删除数量。
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM completion_cache WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("清理过期缓存失败: %w", err)
	}
	return res.RowsAffected()
}

// Ping 检查数据库连接。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	return s.db.Close()
}
