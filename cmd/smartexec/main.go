package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"smart-exec/internal/app"
	"smart-exec/internal/config"
	"smart-exec/internal/log"
	"smart-exec/internal/store"
)

const usage = `用法: smartexec [-config path] <command> [flags]

命令:
  serve      启动监控接口并等待退出信号
  account    账户管理 (create | show | list | wallet)
  trade      执行单币种交易
  basket     执行组合交易
  loan       开立抵押借款
  repay      偿还借款
  history    查看账户执行记录
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "serve" {
		if err := app.New(cfg, logger, sqliteStore).Run(ctx); err != nil {
			logger.Error("系统运行异常", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("系统已安全退出")
		return
	}

	comps, err := app.Build(ctx, cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化组件失败", zap.Error(err))
		os.Exit(1)
	}
	defer comps.Close()

	cli := &cli{comps: comps, out: os.Stdout}
	if err := cli.dispatch(ctx, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		comps.Close()
		os.Exit(1)
	}
}
