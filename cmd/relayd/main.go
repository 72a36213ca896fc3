package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"OpenLLM-Relay/internal/bootstrap"
	"OpenLLM-Relay/internal/config"
	"OpenLLM-Relay/internal/observability/metrics"
	"OpenLLM-Relay/pkg/logger"
)

// main 是 relayd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "配置文件路径（默认读取 RELAY_CONFIG 或 configs/relay.yaml）")
	flag.Parse()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	stack, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Metrics.Address, stack.Metrics)
		})
	}
	g.Go(func() error {
		return stack.Server.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
