package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/store"
)

const (
	baseStep         = 0.05
	pnlScale         = 1000.0
	paperRate        = 0.3
	realRate         = 1.0
	resetImpact      = -5000.0
	decayRate        = 0.98
	decayGraceDays   = 7
	decayLowerBound  = 0.5
	decayUpperBound  = 1.5
	neutralWeight    = 1.0
	DefaultMinWeight = 0.2
	DefaultMaxWeight = 2.0
	statsTopN        = 5
)

// protectedKeys 学习引擎不得修改的配置键。
var protectedKeys = map[string]struct{}{
	"entry_timing":    {},
	"stop_loss_logic": {},
	"exit_logic":      {},
	"position_sizing": {},
	"state_machine":   {},
	"risk_limits":     {},
}

// Weight 为单个特征的学习权重。
type Weight struct {
	Feature           string    `json:"feature"`
	Current           float64   `json:"current"`
	Min               float64   `json:"min"`
	Max               float64   `json:"max"`
	UpdateCount       int       `json:"update_count"`
	PerformanceImpact float64   `json:"performance_impact"`
	LastUpdated       time.Time `json:"last_updated"`
	DecayPeriods      int       `json:"decay_periods"`
}

// TradeOutcome 为平仓后的学习输入。
type TradeOutcome struct {
	TradeID  string
	Features []string
	PnL      float64
	Mode     config.TradingMode
	ClosedAt time.Time
}

// FeatureImpact 为统计输出项。
type FeatureImpact struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
}

// Stats 为学习概况。
type Stats struct {
	Top            []FeatureImpact `json:"top"`
	Worst          []FeatureImpact `json:"worst"`
	AvgUpdateCount float64         `json:"avg_update_count"`
}

// Engine 根据交易结果调整特征权重。
type Engine struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEngine 创建学习引擎，初始化表结构并为 features 写入中性权重。
func NewEngine(st *store.Store, features []string, logger *zap.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("learning: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{db: st.DB(), logger: logger}
	if err := store.InitSchema(e.db, "learning",
		`CREATE TABLE IF NOT EXISTS learning_weights (
			feature_name TEXT PRIMARY KEY,
			current_weight REAL NOT NULL,
			min_weight REAL NOT NULL,
			max_weight REAL NOT NULL,
			update_count INTEGER NOT NULL DEFAULT 0,
			performance_impact REAL NOT NULL DEFAULT 0,
			decay_periods INTEGER NOT NULL DEFAULT 0,
			last_updated TEXT NOT NULL
		);`,
	); err != nil {
		return nil, err
	}

	now := store.FormatTime(time.Now())
	for _, name := range features {
		if _, err := e.db.Exec(
			`INSERT INTO learning_weights (feature_name, current_weight, min_weight, max_weight, last_updated)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT(feature_name) DO NOTHING`,
			name, neutralWeight, DefaultMinWeight, DefaultMaxWeight, now,
		); err != nil {
			return nil, fmt.Errorf("learning: 初始化权重 %s 失败: %w", name, err)
		}
	}
	return e, nil
}

// CanModify 判断学习引擎是否允许写入该配置键。
func CanModify(key string) bool {
	_, protected := protectedKeys[key]
	return !protected
}

// LearningRate 纸面交易0.3，实盘1.0。
func LearningRate(mode config.TradingMode) float64 {
	if mode == config.ModeReal {
		return realRate
	}
	return paperRate
}

// Adjustment 返回单笔交易的权重增量。
func Adjustment(pnl, rate float64) float64 {
	step := baseStep * rate * (1 + math.Min(1, math.Abs(pnl/pnlScale)))
	if pnl > 0 {
		return step
	}
	return -step
}

// Weights 返回特征名到当前权重的映射，供评分使用。
func (e *Engine) Weights(ctx context.Context) (map[string]float64, error) {
	list, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(list))
	for _, w := range list {
		out[w.Feature] = w.Current
	}
	return out, nil
}

// List 返回全部权重。
func (e *Engine) List(ctx context.Context) ([]Weight, error) {
	return e.query(ctx, e.db)
}

// Update 按交易结果调整相关特征权重；调整、计数与影响累计在同一事务内完成。
func (e *Engine) Update(ctx context.Context, outcome TradeOutcome) error {
	for _, f := range outcome.Features {
		if !CanModify(f) {
			return fmt.Errorf("learning: 不允许修改受保护键 %q", f)
		}
	}
	if len(outcome.Features) == 0 {
		return nil
	}
	if outcome.ClosedAt.IsZero() {
		outcome.ClosedAt = time.Now()
	}

	rate := LearningRate(outcome.Mode)
	delta := Adjustment(outcome.PnL, rate)
	wanted := make(map[string]struct{}, len(outcome.Features))
	for _, f := range outcome.Features {
		wanted[f] = struct{}{}
	}

	return store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		weights, err := e.query(ctx, tx)
		if err != nil {
			return err
		}
		for _, w := range weights {
			if _, ok := wanted[w.Feature]; !ok {
				continue
			}
			next := clamp(w.Current+delta, w.Min, w.Max)
			impact := w.PerformanceImpact + outcome.PnL*rate
			if impact < resetImpact {
				e.logger.Warn("特征表现过差，重置权重",
					zap.String("feature", w.Feature),
					zap.Float64("impact", impact),
				)
				next = clamp(neutralWeight, w.Min, w.Max)
				impact = 0
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE learning_weights
				 SET current_weight = ?, performance_impact = ?, update_count = update_count + 1,
				     decay_periods = 0, last_updated = ?
				 WHERE feature_name = ?`,
				next, impact, store.FormatTime(outcome.ClosedAt), w.Feature,
			); err != nil {
				return store.Persistence("learning: 更新权重", err)
			}
		}
		e.logger.Info("已根据交易结果更新权重",
			zap.String("trade_id", outcome.TradeID),
			zap.String("mode", string(outcome.Mode)),
			zap.Float64("pnl", outcome.PnL),
			zap.Float64("delta", delta),
			zap.Int("features", len(outcome.Features)),
		)
		return nil
	})
}

// ApplyDecay 对闲置超过7天的权重按周向中性值衰减，重复调用不会重复衰减同一周期。
func (e *Engine) ApplyDecay(ctx context.Context, now time.Time) (int, error) {
	decayed := 0
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		weights, err := e.query(ctx, tx)
		if err != nil {
			return err
		}
		for _, w := range weights {
			idle := int(now.Sub(w.LastUpdated).Hours() / 24)
			if idle <= decayGraceDays {
				continue
			}
			periods := (idle - decayGraceDays) / decayGraceDays
			pending := periods - w.DecayPeriods
			if pending <= 0 {
				continue
			}
			next := Decay(w.Current, pending)
			next = clamp(next, w.Min, w.Max)
			if _, err := tx.ExecContext(ctx,
				`UPDATE learning_weights SET current_weight = ?, decay_periods = ? WHERE feature_name = ?`,
				next, periods, w.Feature,
			); err != nil {
				return store.Persistence("learning: 衰减权重", err)
			}
			decayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if decayed > 0 {
		e.logger.Info("已对闲置权重执行衰减", zap.Int("count", decayed))
	}
	return decayed, nil
}

// Decay 将权重按 0.98^periods 向1.0收拢，结果限制在[0.5,1.5]。
func Decay(weight float64, periods int) float64 {
	if periods <= 0 {
		return weight
	}
	next := neutralWeight + (weight-neutralWeight)*math.Pow(decayRate, float64(periods))
	return clamp(next, decayLowerBound, decayUpperBound)
}

// Stats 返回表现最好与最差的特征以及平均更新次数。
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	weights, err := e.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(weights) == 0 {
		return Stats{Top: []FeatureImpact{}, Worst: []FeatureImpact{}}, nil
	}

	sort.SliceStable(weights, func(i, j int) bool {
		return weights[i].PerformanceImpact > weights[j].PerformanceImpact
	})

	n := statsTopN
	if n > len(weights) {
		n = len(weights)
	}
	stats := Stats{
		Top:   make([]FeatureImpact, 0, n),
		Worst: make([]FeatureImpact, 0, n),
	}
	var totalUpdates int
	for _, w := range weights {
		totalUpdates += w.UpdateCount
	}
	for i := 0; i < n; i++ {
		top := weights[i]
		worst := weights[len(weights)-1-i]
		stats.Top = append(stats.Top, FeatureImpact{Feature: top.Feature, Impact: top.PerformanceImpact})
		stats.Worst = append(stats.Worst, FeatureImpact{Feature: worst.Feature, Impact: worst.PerformanceImpact})
	}
	stats.AvgUpdateCount = float64(totalUpdates) / float64(len(weights))
	return stats, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (e *Engine) query(ctx context.Context, q querier) ([]Weight, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT feature_name, current_weight, min_weight, max_weight, update_count, performance_impact, decay_periods, last_updated
		 FROM learning_weights ORDER BY feature_name`)
	if err != nil {
		return nil, fmt.Errorf("learning: 查询权重失败: %w", err)
	}
	defer rows.Close()

	var out []Weight
	for rows.Next() {
		var (
			w       Weight
			updated string
		)
		if err := rows.Scan(&w.Feature, &w.Current, &w.Min, &w.Max, &w.UpdateCount, &w.PerformanceImpact, &w.DecayPeriods, &updated); err != nil {
			return nil, fmt.Errorf("learning: 解析权重失败: %w", err)
		}
		if w.LastUpdated, err = store.ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learning: 读取权重失败: %w", err)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
