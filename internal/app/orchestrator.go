package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/account"
	"smart-exec/internal/ai"
	"smart-exec/internal/chain"
	"smart-exec/internal/config"
	"smart-exec/internal/events"
	"smart-exec/internal/execution"
	"smart-exec/internal/kyc"
	"smart-exec/internal/loan"
	"smart-exec/internal/log"
	"smart-exec/internal/metrics"
	"smart-exec/internal/monitor"
	"smart-exec/internal/quote"
	"smart-exec/internal/risk"
	"smart-exec/internal/splitter"
	"smart-exec/internal/store"
	"smart-exec/internal/warning"
)

const (
	busBuffer             = 256
	simulatedConfirmDelay = 100 * time.Millisecond
	drainTimeout          = 5 * time.Second
)

// Components 为按配置装配好的全部服务，命令行与 HTTP 服务共用。
type Components struct {
	Accounts  *account.Service
	KYC       kyc.Provider
	Warnings  *warning.Board
	Tracker   *risk.VolumeTracker
	Gate      *risk.Gate
	Loans     *loan.Engine
	Quotes    quote.Gateway
	Splitter  *splitter.Splitter
	Signer    execution.Signer
	Sequencer *execution.Sequencer
	Monitor   *monitor.Service
	Bus       *events.Bus
	Metrics   *metrics.Collector

	logger  *zap.Logger
	closers []func()
}

// Build 依次初始化各组件；失败时释放已创建的资源。
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{logger: logger}
	if err := c.init(ctx, cfg, st); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) init(ctx context.Context, cfg *config.Config, st *store.Store) error {
	logger := c.logger
	var err error

	c.Metrics = metrics.NewCollector()
	c.Bus = events.NewBus(busBuffer, log.Component(logger, "events"))
	c.closers = append(c.closers, c.Bus.Close)

	if c.Monitor, err = monitor.NewService(st, log.Component(logger, "monitor")); err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}
	c.closers = append(c.closers, c.Monitor.Attach(c.Bus))

	if c.Accounts, err = account.NewService(st, log.Component(logger, "account")); err != nil {
		return fmt.Errorf("初始化账户服务失败: %w", err)
	}
	if c.KYC, err = kyc.New(cfg.KYC, log.Component(logger, "kyc")); err != nil {
		return fmt.Errorf("初始化KYC来源失败: %w", err)
	}

	var advisor warning.Advisor
	if cfg.OpenAI.Enabled {
		client, aiErr := ai.NewClient(cfg.OpenAI, log.Component(logger, "ai"))
		if aiErr != nil {
			return fmt.Errorf("初始化AI客户端失败: %w", aiErr)
		}
		advisor = client
	}
	if c.Warnings, err = warning.NewBoard(st, c.Bus, advisor, log.Component(logger, "warning")); err != nil {
		return fmt.Errorf("初始化安全提示失败: %w", err)
	}

	if c.Tracker, err = risk.NewVolumeTracker(st, cfg.Risk.DailyResetHour, log.Component(logger, "risk")); err != nil {
		return fmt.Errorf("初始化成交额统计失败: %w", err)
	}
	policy, err := risk.NewPolicy(cfg.Risk)
	if err != nil {
		return err
	}
	if c.Gate, err = risk.NewGate(risk.GateOptions{
		Policy:     policy,
		Accounts:   c.Accounts,
		KYC:        c.KYC,
		Tracker:    c.Tracker,
		Warnings:   c.Warnings,
		Bus:        c.Bus,
		Metrics:    c.Metrics,
		KYCTimeout: cfg.Risk.KYCTimeout,
		Logger:     log.Component(logger, "risk"),
	}); err != nil {
		return fmt.Errorf("初始化风控闸门失败: %w", err)
	}

	if c.Loans, err = loan.NewEngine(st, cfg.Loan.LTVCeilings, c.Bus, c.Metrics, log.Component(logger, "loan")); err != nil {
		return fmt.Errorf("初始化借贷引擎失败: %w", err)
	}

	if c.Quotes, err = quote.New(cfg.Quote, log.Component(logger, "quote")); err != nil {
		return fmt.Errorf("初始化报价网关失败: %w", err)
	}
	if c.Splitter, err = splitter.New(cfg.Splitter); err != nil {
		return err
	}

	if err = c.buildSigner(ctx, cfg); err != nil {
		return err
	}

	locker, err := execution.NewLocker(cfg.Execution, cfg.Redis, st)
	if err != nil {
		return fmt.Errorf("初始化执行锁失败: %w", err)
	}
	if rl, ok := locker.(*execution.RedisLocker); ok {
		c.closers = append(c.closers, func() { _ = rl.Close() })
	}
	repo, err := execution.NewRepository(st)
	if err != nil {
		return err
	}

	if c.Sequencer, err = execution.NewSequencer(execution.Options{
		Gate:           c.Gate,
		Quotes:         c.Quotes,
		Splitter:       c.Splitter,
		Signer:         c.Signer,
		Loans:          c.Loans,
		Locker:         locker,
		Repo:           repo,
		Bus:            c.Bus,
		Metrics:        c.Metrics,
		ConfirmTimeout: cfg.Execution.ConfirmTimeout,
		VaultAddress:   cfg.Execution.VaultAddress,
		Logger:         log.Component(logger, "execution"),
	}); err != nil {
		return fmt.Errorf("初始化执行器失败: %w", err)
	}

	logger.Info("组件初始化完成",
		zap.Bool("simulation", cfg.Execution.Simulation),
		zap.String("quote_mode", cfg.Quote.Mode),
		zap.String("kyc_provider", cfg.KYC.Provider),
		zap.String("lock_backend", cfg.Execution.LockBackend),
	)
	return nil
}

func (c *Components) buildSigner(ctx context.Context, cfg *config.Config) error {
	signerLogger := log.Component(c.logger, "chain")
	if cfg.Execution.Simulation {
		c.logger.Info("执行器处于练习模式，交易不会上链")
		c.Signer = chain.NewSimulatedSigner(simulatedConfirmDelay, signerLogger)
		return nil
	}

	registry, err := chain.LoadRegistry(cfg.Chain.TokensFile)
	if err != nil {
		return fmt.Errorf("加载代币列表失败: %w", err)
	}
	signer, closeFn, err := chain.Dial(ctx, cfg.Chain, registry, signerLogger)
	if err != nil {
		return fmt.Errorf("初始化链上签名器失败: %w", err)
	}
	c.closers = append(c.closers, closeFn)
	c.Signer = signer
	c.logger.Info("链上签名器已就绪",
		zap.String("relayer", signer.Address().Hex()),
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.Int("tokens", registry.Len()),
	)
	return nil
}

// Close 取消活动执行并按创建的逆序释放资源。
func (c *Components) Close() {
	if c == nil {
		return
	}
	if c.Sequencer != nil {
		c.Sequencer.CancelAll()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := c.Sequencer.Drain(ctx); err != nil {
			c.logger.Warn("活动执行未在限期内结束", zap.Error(err))
		}
		cancel()
	}
	if c.Warnings != nil {
		c.Warnings.Wait()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
