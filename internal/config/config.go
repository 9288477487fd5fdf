package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "shock"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
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

	return decode(v)
}

// Default 返回仅包含默认值的配置，主要用于测试与本地调试。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("market.exchange", "binanceusdm")
	v.SetDefault("market.symbols", []string{"BTC/USDT"})
	v.SetDefault("market.timeframe", "1d")
	v.SetDefault("market.use_sandbox", false)
	v.SetDefault("market.order_book_depth", 20)
	v.SetDefault("market.retry.max_attempts", 5)
	v.SetDefault("market.retry.min_delay", "500ms")
	v.SetDefault("market.retry.max_delay", "5s")

	v.SetDefault("broker.exchange", "")
	v.SetDefault("broker.use_sandbox", true)
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "1s")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("advisory.provider", "")
	v.SetDefault("advisory.timeout", "20s")
	v.SetDefault("advisory.rate_per_minute", 20)
	v.SetDefault("advisory.burst", 2)
	v.SetDefault("advisory.breaker_threshold", 3)
	v.SetDefault("advisory.breaker_cooldown", "5m")

	v.SetDefault("risk.total_capital", 100000)
	v.SetDefault("risk.limits.max_risk_per_trade_pct", 1.0)
	v.SetDefault("risk.limits.max_loss_per_day_pct", 2.0)
	v.SetDefault("risk.limits.max_trades_per_day", 5)
	v.SetDefault("risk.limits.consecutive_loss_throttle", 3)
	v.SetDefault("risk.kill_switch_on_daily_loss", false)

	v.SetDefault("strategy.score_threshold", 0.6)
	v.SetDefault("strategy.timezone", "Asia/Kolkata")
	v.SetDefault("strategy.window_start", "15:00")
	v.SetDefault("strategy.window_end", "15:15")
	v.SetDefault("strategy.scan_after", "18:00")
	v.SetDefault("strategy.exit_at", "09:30")
	v.SetDefault("strategy.decision_candles", 30)
	v.SetDefault("strategy.near_resistance_pct", 1.0)
	v.SetDefault("strategy.black_swan_move_pct", 10.0)
	v.SetDefault("strategy.stop_loss_pct", 15.0)
	v.SetDefault("strategy.trail_trigger_pct", 20.0)
	v.SetDefault("strategy.trail_gap_pct", 10.0)
	v.SetDefault("strategy.shock.lookback", 20)
	v.SetDefault("strategy.shock.volume_multiple", 4.0)
	v.SetDefault("strategy.shock.body_ratio", 0.6)

	v.SetDefault("execution.mode", string(ModePaper))
	v.SetDefault("execution.slippage", 0.001)
	v.SetDefault("execution.max_lots", 10)

	v.SetDefault("database.path", "data/shock_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.prefix", "shock")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "1m")
	v.SetDefault("scheduler.parallelism", 4)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToTradingModeHookFunc(),
		)
	}
}

func stringToTradingModeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(TradingMode("")) {
			return data, nil
		}
		return ParseTradingMode(data.(string))
	}
}
