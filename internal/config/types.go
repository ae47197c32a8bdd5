package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Loan      LoanConfig      `mapstructure:"loan"`
	Splitter  SplitterConfig  `mapstructure:"splitter"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Chain     ChainConfig     `mapstructure:"chain"`
	KYC       KYCConfig       `mapstructure:"kyc"`
	Redis     RedisConfig     `mapstructure:"redis"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// RiskConfig 管理额度与风险评分参数。
// TierDailyLimits 按 KYC 等级索引，负数表示不设上限。
type RiskConfig struct {
	TierDailyLimits     []float64     `mapstructure:"tier_daily_limits"`
	CompleteKYCTier     int           `mapstructure:"complete_kyc_tier"`
	MaxHistoryRatio     float64       `mapstructure:"max_history_ratio"`
	FirstTradeThreshold float64       `mapstructure:"first_trade_threshold"`
	SessionMaxAge       time.Duration `mapstructure:"session_max_age"`
	DailyResetHour      int           `mapstructure:"daily_reset_hour"`
	KYCTimeout          time.Duration `mapstructure:"kyc_timeout"`
}

// LoanConfig 按 KYC 等级给出默认 LTV 上限。
type LoanConfig struct {
	LTVCeilings []float64 `mapstructure:"ltv_ceilings"`
}

// SplitterConfig 控制拆单行为。
type SplitterConfig struct {
	SmallOrderThreshold float64       `mapstructure:"small_order_threshold"`
	SlippageBudget      float64       `mapstructure:"slippage_budget"`
	MaxChildren         int           `mapstructure:"max_children"`
	ChildInterval       time.Duration `mapstructure:"child_interval"`
	VolatilityWeight    float64       `mapstructure:"volatility_weight"`
}

// ExecutionConfig 控制执行流程。
type ExecutionConfig struct {
	Simulation     bool          `mapstructure:"simulation"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	LockBackend    string        `mapstructure:"lock_backend"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	VaultAddress   string        `mapstructure:"vault_address"`
}

// QuoteConfig 描述报价来源。
type QuoteConfig struct {
	Mode             string             `mapstructure:"mode"`
	Exchange         string             `mapstructure:"exchange"`
	QuoteCurrency    string             `mapstructure:"quote_currency"`
	UseSandbox       bool               `mapstructure:"use_sandbox"`
	DepthBand        float64            `mapstructure:"depth_band"`
	CandleLimit      int                `mapstructure:"candle_limit"`
	Retry            RetryConfig        `mapstructure:"retry"`
	StaticPrices     map[string]float64 `mapstructure:"static_prices"`
	StaticDepthUSD   float64            `mapstructure:"static_depth_usd"`
	StaticVolatility float64            `mapstructure:"static_volatility"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ChainConfig 描述链上中继参数。
type ChainConfig struct {
	RPCURL       string        `mapstructure:"rpc_url"`
	ChainID      int64         `mapstructure:"chain_id"`
	RelayerKey   string        `mapstructure:"relayer_key"`
	TokensFile   string        `mapstructure:"tokens_file"`
	Method       string        `mapstructure:"method"`
	GasLimit     uint64        `mapstructure:"gas_limit"`
	SubmitRate   float64       `mapstructure:"submit_rate"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// KYCConfig 描述 KYC 等级来源。
type KYCConfig struct {
	Provider    string         `mapstructure:"provider"`
	Endpoint    string         `mapstructure:"endpoint"`
	APIKey      string         `mapstructure:"api_key"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	RatePerSec  float64        `mapstructure:"rate_per_sec"`
	StaticTiers map[string]int `mapstructure:"static_tiers"`
}

// RedisConfig 用于跨进程执行锁。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OpenAIConfig 描述安全提示建议所用的大模型参数。
type OpenAIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制只读 HTTP 接口。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.Risk.TierDailyLimits) != 4 {
		err = multierr.Append(err, errors.New("risk.tier_daily_limits 必须覆盖 0-3 四个等级"))
	}
	for i := 1; i < len(c.Risk.TierDailyLimits); i++ {
		prev, cur := c.Risk.TierDailyLimits[i-1], c.Risk.TierDailyLimits[i]
		if prev < 0 && cur >= 0 {
			err = multierr.Append(err, fmt.Errorf("risk.tier_daily_limits[%d] 不能低于无上限的前一等级", i))
			continue
		}
		if cur >= 0 && cur < prev {
			err = multierr.Append(err, fmt.Errorf("risk.tier_daily_limits[%d] 不能低于前一等级", i))
		}
	}
	if c.Risk.CompleteKYCTier < 0 || c.Risk.CompleteKYCTier > 3 {
		err = multierr.Append(err, errors.New("risk.complete_kyc_tier 必须位于[0,3]"))
	}
	if c.Risk.MaxHistoryRatio <= 1 {
		err = multierr.Append(err, errors.New("risk.max_history_ratio 必须大于1"))
	}
	if c.Risk.FirstTradeThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.first_trade_threshold 必须大于0"))
	}
	if c.Risk.SessionMaxAge <= 0 {
		err = multierr.Append(err, errors.New("risk.session_max_age 必须大于0"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}
	if c.Risk.KYCTimeout <= 0 {
		err = multierr.Append(err, errors.New("risk.kyc_timeout 必须大于0"))
	}

	if len(c.Loan.LTVCeilings) != 4 {
		err = multierr.Append(err, errors.New("loan.ltv_ceilings 必须覆盖 0-3 四个等级"))
	}
	for i, ltv := range c.Loan.LTVCeilings {
		if ltv <= 0 || ltv > 1 {
			err = multierr.Append(err, fmt.Errorf("loan.ltv_ceilings[%d] 必须位于(0,1]", i))
		}
	}

	if c.Splitter.SmallOrderThreshold <= 0 {
		err = multierr.Append(err, errors.New("splitter.small_order_threshold 必须大于0"))
	}
	if c.Splitter.SlippageBudget <= 0 || c.Splitter.SlippageBudget > 0.2 {
		err = multierr.Append(err, errors.New("splitter.slippage_budget 应位于(0,0.2]"))
	}
	if c.Splitter.MaxChildren < 2 {
		err = multierr.Append(err, errors.New("splitter.max_children 至少为2"))
	}
	if c.Splitter.ChildInterval < 0 {
		err = multierr.Append(err, errors.New("splitter.child_interval 不能为负"))
	}
	if c.Splitter.VolatilityWeight < 0 {
		err = multierr.Append(err, errors.New("splitter.volatility_weight 不能为负"))
	}

	if c.Execution.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.confirm_timeout 必须大于0"))
	}
	switch strings.ToLower(c.Execution.LockBackend) {
	case "memory":
	case "sqlite":
		if c.Execution.LockTTL <= 0 {
			err = multierr.Append(err, errors.New("execution.lock_ttl 必须大于0"))
		}
	case "redis":
		if c.Redis.Address == "" {
			err = multierr.Append(err, errors.New("redis.address 不能为空"))
		}
		if c.Execution.LockTTL <= 0 {
			err = multierr.Append(err, errors.New("execution.lock_ttl 必须大于0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("execution.lock_backend 不支持: %s", c.Execution.LockBackend))
	}

	switch strings.ToLower(c.Quote.Mode) {
	case "static":
		if len(c.Quote.StaticPrices) == 0 {
			err = multierr.Append(err, errors.New("quote.static_prices 至少包含一个代币价格"))
		}
		if c.Quote.StaticDepthUSD <= 0 {
			err = multierr.Append(err, errors.New("quote.static_depth_usd 必须大于0"))
		}
	case "market":
		if c.Quote.Exchange == "" {
			err = multierr.Append(err, errors.New("quote.exchange 不能为空"))
		}
		if c.Quote.QuoteCurrency == "" {
			err = multierr.Append(err, errors.New("quote.quote_currency 不能为空"))
		}
		if c.Quote.DepthBand <= 0 || c.Quote.DepthBand > 0.5 {
			err = multierr.Append(err, errors.New("quote.depth_band 应位于(0,0.5]"))
		}
		if c.Quote.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("quote.retry.max_attempts 必须大于0"))
		}
		if c.Quote.Retry.MinDelay <= 0 || c.Quote.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("quote.retry.delay 必须为正"))
		}
		if c.Quote.Retry.MinDelay > c.Quote.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("quote.retry.min_delay 不能大于 max_delay"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("quote.mode 不支持: %s", c.Quote.Mode))
	}

	if !c.Execution.Simulation {
		if c.Chain.RPCURL == "" {
			err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
		}
		if c.Chain.RelayerKey == "" {
			err = multierr.Append(err, errors.New("chain.relayer_key 不能为空"))
		}
		if c.Chain.TokensFile == "" {
			err = multierr.Append(err, errors.New("chain.tokens_file 不能为空"))
		}
		if c.Chain.ChainID <= 0 {
			err = multierr.Append(err, errors.New("chain.chain_id 必须大于0"))
		}
		if m := strings.ToLower(c.Chain.Method); m != "transfer" && m != "mint" {
			err = multierr.Append(err, fmt.Errorf("chain.method 不支持: %s", c.Chain.Method))
		}
		if c.Chain.SubmitRate <= 0 {
			err = multierr.Append(err, errors.New("chain.submit_rate 必须大于0"))
		}
		if c.Chain.PollInterval <= 0 {
			err = multierr.Append(err, errors.New("chain.poll_interval 必须大于0"))
		}
	}

	switch strings.ToLower(c.KYC.Provider) {
	case "static":
	case "http":
		if c.KYC.Endpoint == "" {
			err = multierr.Append(err, errors.New("kyc.endpoint 不能为空"))
		}
		if c.KYC.Timeout <= 0 {
			err = multierr.Append(err, errors.New("kyc.timeout 必须大于0"))
		}
		if c.KYC.RatePerSec <= 0 {
			err = multierr.Append(err, errors.New("kyc.rate_per_sec 必须大于0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("kyc.provider 不支持: %s", c.KYC.Provider))
	}
	for user, tier := range c.KYC.StaticTiers {
		if tier < 0 || tier > 3 {
			err = multierr.Append(err, fmt.Errorf("kyc.static_tiers.%s 必须位于[0,3]", user))
		}
	}

	if c.OpenAI.Enabled {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 超出范围"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
