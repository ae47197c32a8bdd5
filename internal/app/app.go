package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"smart-exec/internal/config"
	"smart-exec/internal/store"
)

// App 聚合核心依赖并驱动服务生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配组件、启动监控接口并阻塞至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
		zap.Int("monitor_port", a.cfg.Monitor.Port),
	)

	comps, err := Build(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer comps.Close()

	stopped, err := startMonitorServer(ctx, comps, a.cfg.Monitor.Port, a.logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("系统收到退出信号，正在停止")
	comps.Sequencer.CancelAll()
	<-stopped

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}
