package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/learning"
	"shock-trader/internal/store"
)

const (
	KeyTradingMode      = "trading_mode"
	KeyRiskLimits       = "risk_limits"
	KeyScoreThreshold   = "score_threshold"
	KeyAdvisoryProvider = "advisory_provider"
)

const (
	UpdatedBySafetyGovernor = "SAFETY_GOVERNOR"
	UpdatedByLearning       = "LEARNING_ENGINE"
	UpdatedByOperator       = "OPERATOR"
)

// Settings 为每轮决策读取的运行时配置。
type Settings struct {
	Mode             config.TradingMode `json:"trading_mode"`
	Limits           config.RiskLimits  `json:"risk_limits"`
	ScoreThreshold   float64            `json:"score_threshold"`
	AdvisoryProvider string             `json:"advisory_provider"`
}

// Store 将 system_config 中的覆盖项叠加在文件配置之上。
type Store struct {
	db       *sql.DB
	defaults Settings
	logger   *zap.Logger
}

// Defaults 从文件配置中提取运行时配置的默认值。
func Defaults(cfg *config.Config) Settings {
	return Settings{
		Mode:             cfg.Execution.Mode,
		Limits:           cfg.Risk.Limits,
		ScoreThreshold:   cfg.Strategy.ScoreThreshold,
		AdvisoryProvider: cfg.Advisory.Provider,
	}
}

// NewStore 创建配置存储并初始化表结构。
func NewStore(st *store.Store, defaults Settings, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("settings: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: st.DB(), defaults: defaults, logger: logger}
	if err := store.InitSchema(s.db, "settings",
		`CREATE TABLE IF NOT EXISTS system_config (
			config_key TEXT PRIMARY KEY,
			config_value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL
		);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Fetch 读取当前生效的配置。读取失败时返回错误，由调用方按最保守方式处理。
func (s *Store) Fetch(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_key, config_value FROM system_config`)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: 读取配置失败: %w", err)
	}
	defer rows.Close()

	out := s.defaults
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return Settings{}, fmt.Errorf("settings: 解析配置失败: %w", err)
		}
		if !gjson.Valid(raw) {
			s.logger.Warn("忽略格式无效的配置项", zap.String("key", key))
			continue
		}
		apply(&out, key, gjson.Parse(raw))
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: 读取配置失败: %w", err)
	}

	if !out.Mode.Valid() {
		out.Mode = config.ModePaper
	}
	if err := out.Limits.Validate(); err != nil {
		s.logger.Warn("风控覆盖项非法，使用文件配置", zap.Error(err))
		out.Limits = s.defaults.Limits
	}
	if out.ScoreThreshold <= 0 || out.ScoreThreshold > 1 {
		out.ScoreThreshold = s.defaults.ScoreThreshold
	}
	return out, nil
}

// Mode 读取当前交易模式，不做缓存。
func (s *Store) Mode(ctx context.Context) (config.TradingMode, error) {
	current, err := s.Fetch(ctx)
	if err != nil {
		return config.ModePaper, err
	}
	return current.Mode, nil
}

// Set 写入一条覆盖项。学习引擎不得写入受保护的键。
func (s *Store) Set(ctx context.Context, key string, value any, updatedBy string, at time.Time) error {
	if updatedBy == UpdatedByLearning && !learning.CanModify(key) {
		return fmt.Errorf("settings: 学习引擎不允许修改 %q", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: 序列化 %s 失败: %w", key, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (config_key, config_value, updated_at, updated_by) VALUES (?, ?, ?, ?)
		 ON CONFLICT(config_key) DO UPDATE SET config_value = excluded.config_value,
			updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		key, string(raw), store.FormatTime(at), updatedBy,
	); err != nil {
		return store.Persistence("settings: 写入配置", err)
	}
	return nil
}

// ForceMode 持久化切换交易模式，写入成功后才视为生效。
func (s *Store) ForceMode(ctx context.Context, mode config.TradingMode, updatedBy, reason string) error {
	if !mode.Valid() {
		return fmt.Errorf("settings: 非法交易模式 %q", mode)
	}
	if err := s.Set(ctx, KeyTradingMode, map[string]string{"mode": string(mode), "reason": reason}, updatedBy, time.Now()); err != nil {
		return err
	}
	s.logger.Warn("交易模式已切换",
		zap.String("mode", string(mode)),
		zap.String("updated_by", updatedBy),
		zap.String("reason", reason),
	)
	return nil
}

// UpdatedBy 返回某个键最近一次的写入方。
func (s *Store) UpdatedBy(ctx context.Context, key string) (string, error) {
	var by string
	err := s.db.QueryRowContext(ctx, `SELECT updated_by FROM system_config WHERE config_key = ?`, key).Scan(&by)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("settings: 查询 %s 失败: %w", key, err)
	}
	return by, nil
}

func apply(out *Settings, key string, value gjson.Result) {
	switch key {
	case KeyTradingMode:
		mode := value.Get("mode")
		if !mode.Exists() {
			mode = value
		}
		if parsed, err := config.ParseTradingMode(mode.String()); err == nil {
			out.Mode = parsed
		}
	case KeyRiskLimits:
		if v := value.Get("max_risk_per_trade_pct"); v.Exists() {
			out.Limits.MaxRiskPerTradePct = v.Float()
		}
		if v := value.Get("max_loss_per_day_pct"); v.Exists() {
			out.Limits.MaxLossPerDayPct = v.Float()
		}
		if v := value.Get("max_trades_per_day"); v.Exists() {
			out.Limits.MaxTradesPerDay = int(v.Int())
		}
		if v := value.Get("consecutive_loss_throttle"); v.Exists() {
			out.Limits.ConsecutiveLossThrottle = int(v.Int())
		}
	case KeyScoreThreshold:
		v := value.Get("value")
		if !v.Exists() {
			v = value
		}
		out.ScoreThreshold = v.Float()
	case KeyAdvisoryProvider:
		v := value.Get("provider")
		if !v.Exists() {
			v = value
		}
		out.AdvisoryProvider = v.String()
	}
}
