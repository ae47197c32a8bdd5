package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "smartexec"
)

// Load 读取配置文件并结合环境变量（含 .env）返回 Config。
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回仅包含默认值的配置，供测试与演练模式使用。
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic(fmt.Sprintf("config: 默认配置无法解析: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("risk.tier_daily_limits", []float64{500, 500, 5000, -1})
	v.SetDefault("risk.complete_kyc_tier", 2)
	v.SetDefault("risk.max_history_ratio", 5.0)
	v.SetDefault("risk.first_trade_threshold", 1000.0)
	v.SetDefault("risk.session_max_age", "30m")
	v.SetDefault("risk.daily_reset_hour", 0)
	v.SetDefault("risk.kyc_timeout", "3s")

	v.SetDefault("loan.ltv_ceilings", []float64{0.5, 0.5, 0.6, 0.7})

	v.SetDefault("splitter.small_order_threshold", 1000.0)
	v.SetDefault("splitter.slippage_budget", 0.005)
	v.SetDefault("splitter.max_children", 20)
	v.SetDefault("splitter.child_interval", "0s")
	v.SetDefault("splitter.volatility_weight", 10.0)

	v.SetDefault("execution.simulation", true)
	v.SetDefault("execution.confirm_timeout", "90s")
	v.SetDefault("execution.lock_backend", "sqlite")
	v.SetDefault("execution.lock_ttl", "10m")
	v.SetDefault("execution.vault_address", "")

	v.SetDefault("quote.mode", "static")
	v.SetDefault("quote.exchange", "binance")
	v.SetDefault("quote.quote_currency", "USDT")
	v.SetDefault("quote.use_sandbox", false)
	v.SetDefault("quote.depth_band", 0.01)
	v.SetDefault("quote.candle_limit", 100)
	v.SetDefault("quote.retry.max_attempts", 5)
	v.SetDefault("quote.retry.min_delay", "500ms")
	v.SetDefault("quote.retry.max_delay", "5s")
	v.SetDefault("quote.static_prices", map[string]float64{"ETH": 3000, "BTC": 60000, "USDC": 1})
	v.SetDefault("quote.static_depth_usd", 250000.0)
	v.SetDefault("quote.static_volatility", 0.01)

	v.SetDefault("chain.chain_id", 137)
	v.SetDefault("chain.tokens_file", "configs/tokens.yaml")
	v.SetDefault("chain.method", "transfer")
	v.SetDefault("chain.gas_limit", 120000)
	v.SetDefault("chain.submit_rate", 2.0)
	v.SetDefault("chain.poll_interval", "2s")

	v.SetDefault("kyc.provider", "static")
	v.SetDefault("kyc.timeout", "3s")
	v.SetDefault("kyc.rate_per_sec", 5.0)

	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "15s")

	v.SetDefault("database.path", "data/smart_exec.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
