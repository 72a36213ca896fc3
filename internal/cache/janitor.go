package cache

import (
	"context"
	"log/slog"
	"time"

	"OpenLLM-Relay/pkg/logger"
)

// DefaultPurgeInterval 是过期条目清理的默认周期。
const DefaultPurgeInterval = 10 * time.Minute

// Purger 由需要主动清理过期条目的存储实现。Redis 依赖自身的过期机制，无需实现。
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RunJanitor 每隔 interval 调用一次 Purge，直到 ctx 结束。清理失败只记录日志。
func RunJanitor(ctx context.Context, p Purger, interval time.Duration, log *slog.Logger) {
	if p == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	if log == nil {
		log = logger.Named("cache")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := p.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("清理过期缓存失败", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				log.Debug("已清理过期缓存", slog.Int64("removed", removed))
			}
		}
	}
}
