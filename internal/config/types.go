package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/multierr"
)

// TradingMode 表示交易模式。
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeReal  TradingMode = "REAL"
)

// Valid 判断模式是否合法。
func (m TradingMode) Valid() bool {
	return m == ModePaper || m == ModeReal
}

// ParseTradingMode 解析交易模式，大小写不敏感。
func ParseTradingMode(raw string) (TradingMode, error) {
	mode := TradingMode(strings.ToUpper(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return "", fmt.Errorf("非法的交易模式: %q", raw)
	}
	return mode, nil
}

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Market    MarketConfig    `mapstructure:"market"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Advisory  AdvisoryConfig  `mapstructure:"advisory"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// MarketConfig 描述行情数据源。
type MarketConfig struct {
	Exchange       string      `mapstructure:"exchange"`
	Symbols        []string    `mapstructure:"symbols"`
	Timeframe      string      `mapstructure:"timeframe"`
	APIKey         string      `mapstructure:"api_key"`
	APISecret      string      `mapstructure:"api_secret"`
	UseSandbox     bool        `mapstructure:"use_sandbox"`
	OrderBookDepth int         `mapstructure:"order_book_depth"`
	Retry          RetryConfig `mapstructure:"retry"`
}

// BrokerConfig 描述实盘执行端。
type BrokerConfig struct {
	Exchange   string      `mapstructure:"exchange"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// AdvisoryConfig 描述外部顾问（大模型）调用参数。Provider 为空表示不启用。
type AdvisoryConfig struct {
	Provider         string        `mapstructure:"provider"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RatePerMinute    int           `mapstructure:"rate_per_minute"`
	Burst            int           `mapstructure:"burst"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// RiskLimits 为单轮评估内只读的风控上限。
type RiskLimits struct {
	MaxRiskPerTradePct      float64 `mapstructure:"max_risk_per_trade_pct" json:"max_risk_per_trade_pct"`
	MaxLossPerDayPct        float64 `mapstructure:"max_loss_per_day_pct" json:"max_loss_per_day_pct"`
	MaxTradesPerDay         int     `mapstructure:"max_trades_per_day" json:"max_trades_per_day"`
	ConsecutiveLossThrottle int     `mapstructure:"consecutive_loss_throttle" json:"consecutive_loss_throttle"`
}

// Validate 校验风控上限。
func (l RiskLimits) Validate() error {
	var err error
	if l.MaxRiskPerTradePct <= 0 || l.MaxRiskPerTradePct > 100 {
		err = multierr.Append(err, errors.New("max_risk_per_trade_pct 必须位于(0,100]"))
	}
	if l.MaxLossPerDayPct <= 0 || l.MaxLossPerDayPct > 100 {
		err = multierr.Append(err, errors.New("max_loss_per_day_pct 必须位于(0,100]"))
	}
	if l.MaxTradesPerDay <= 0 {
		err = multierr.Append(err, errors.New("max_trades_per_day 必须大于0"))
	}
	if l.ConsecutiveLossThrottle <= 0 {
		err = multierr.Append(err, errors.New("consecutive_loss_throttle 必须大于0"))
	}
	return err
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	TotalCapital          float64    `mapstructure:"total_capital"`
	Limits                RiskLimits `mapstructure:"limits"`
	KillSwitchOnDailyLoss bool       `mapstructure:"kill_switch_on_daily_loss"`
}

// ShockConfig 控制冲击K线识别。
type ShockConfig struct {
	Lookback       int     `mapstructure:"lookback"`
	VolumeMultiple float64 `mapstructure:"volume_multiple"`
	BodyRatio      float64 `mapstructure:"body_ratio"`
}

// StrategyConfig 管理策略参数与时间窗口。
type StrategyConfig struct {
	ScoreThreshold    float64     `mapstructure:"score_threshold"`
	Timezone          string      `mapstructure:"timezone"`
	WindowStart       string      `mapstructure:"window_start"`
	WindowEnd         string      `mapstructure:"window_end"`
	ScanAfter         string      `mapstructure:"scan_after"`
	ExitAt            string      `mapstructure:"exit_at"`
	DecisionCandles   int         `mapstructure:"decision_candles"`
	NearResistancePct float64     `mapstructure:"near_resistance_pct"`
	BlackSwanMovePct  float64     `mapstructure:"black_swan_move_pct"`
	StopLossPct       float64     `mapstructure:"stop_loss_pct"`
	TrailTriggerPct   float64     `mapstructure:"trail_trigger_pct"`
	TrailGapPct       float64     `mapstructure:"trail_gap_pct"`
	Shock             ShockConfig `mapstructure:"shock"`
}

// Location 返回策略使用的时区，解析失败时回退到 UTC。
func (s StrategyConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ClockOn 将 HH:MM 解析为 day 所在市场日的具体时刻，解析失败时返回当日零点。
func (s StrategyConfig) ClockOn(day time.Time, hhmm string) time.Time {
	loc := s.Location()
	local := day.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return midnight
	}
	return midnight.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute)
}

// InWindow 判断 now 是否落在决策窗口 [WindowStart, WindowEnd) 内。
func (s StrategyConfig) InWindow(now time.Time) bool {
	start := s.ClockOn(now, s.WindowStart)
	end := s.ClockOn(now, s.WindowEnd)
	return !now.Before(start) && now.Before(end)
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Mode     TradingMode `mapstructure:"mode"`
	Slippage float64     `mapstructure:"slippage"`
	MaxLots  int         `mapstructure:"max_lots"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// CacheConfig 控制行情缓存（Redis）。
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	Parallelism  int           `mapstructure:"parallelism"`
}

// ServerConfig 控制运维接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Market.Exchange == "" {
		err = multierr.Append(err, errors.New("market.exchange 不能为空"))
	}
	if len(c.Market.Symbols) == 0 {
		err = multierr.Append(err, errors.New("market.symbols 至少包含一个标的"))
	}
	if c.Market.Timeframe == "" {
		err = multierr.Append(err, errors.New("market.timeframe 不能为空"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.MinDelay <= 0 || c.Market.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 必须为正"))
	}
	if c.Market.Retry.MinDelay > c.Market.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market.retry.min_delay 不能大于 max_delay"))
	}
	if c.Advisory.Provider != "" {
		if c.Advisory.APIKey == "" {
			err = multierr.Append(err, errors.New("advisory.api_key 不能为空"))
		}
		if c.Advisory.Timeout <= 0 {
			err = multierr.Append(err, errors.New("advisory.timeout 必须大于0"))
		}
		if c.Advisory.RatePerMinute <= 0 {
			err = multierr.Append(err, errors.New("advisory.rate_per_minute 必须大于0"))
		}
	}
	if c.Risk.TotalCapital <= 0 {
		err = multierr.Append(err, errors.New("risk.total_capital 必须大于0"))
	}
	if limitErr := c.Risk.Limits.Validate(); limitErr != nil {
		for _, e := range multierr.Errors(limitErr) {
			err = multierr.Append(err, fmt.Errorf("risk.limits.%w", e))
		}
	}
	if c.Strategy.ScoreThreshold <= 0 || c.Strategy.ScoreThreshold > 1 {
		err = multierr.Append(err, errors.New("strategy.score_threshold 必须位于(0,1]"))
	}
	for key, value := range map[string]string{
		"window_start": c.Strategy.WindowStart,
		"window_end":   c.Strategy.WindowEnd,
		"scan_after":   c.Strategy.ScanAfter,
		"exit_at":      c.Strategy.ExitAt,
	} {
		if _, parseErr := time.Parse("15:04", value); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("strategy.%s 必须为 HH:MM 格式", key))
		}
	}
	if c.Strategy.WindowStart >= c.Strategy.WindowEnd {
		err = multierr.Append(err, errors.New("strategy.window_start 必须早于 window_end"))
	}
	if _, locErr := time.LoadLocation(c.Strategy.Timezone); locErr != nil {
		err = multierr.Append(err, fmt.Errorf("strategy.timezone 无法识别: %w", locErr))
	}
	if c.Strategy.DecisionCandles < 5 {
		err = multierr.Append(err, errors.New("strategy.decision_candles 不能小于5"))
	}
	if c.Strategy.StopLossPct <= 0 || c.Strategy.StopLossPct >= 100 {
		err = multierr.Append(err, errors.New("strategy.stop_loss_pct 必须位于(0,100)"))
	}
	if c.Strategy.Shock.Lookback <= 0 {
		err = multierr.Append(err, errors.New("strategy.shock.lookback 必须大于0"))
	}
	if c.Strategy.Shock.VolumeMultiple <= 1 {
		err = multierr.Append(err, errors.New("strategy.shock.volume_multiple 必须大于1"))
	}
	if c.Strategy.Shock.BodyRatio <= 0 || c.Strategy.Shock.BodyRatio > 1 {
		err = multierr.Append(err, errors.New("strategy.shock.body_ratio 必须位于(0,1]"))
	}
	if !c.Execution.Mode.Valid() {
		err = multierr.Append(err, fmt.Errorf("execution.mode 非法: %q", c.Execution.Mode))
	}
	if c.Execution.Mode == ModeReal && c.Broker.Exchange == "" {
		err = multierr.Append(err, errors.New("实盘模式需要配置 broker.exchange"))
	}
	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.2]"))
	}
	if c.Execution.MaxLots <= 0 {
		err = multierr.Append(err, errors.New("execution.max_lots 必须大于0"))
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
	if c.Cache.Enabled && c.Cache.Addr == "" {
		err = multierr.Append(err, errors.New("cache.addr 不能为空"))
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
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 非法"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
