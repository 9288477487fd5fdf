package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/store"
)

const (
	confidenceBand    = 0.1
	lookbackSamples   = 50
	minSamples        = 5
	statsSamples      = 100
	minFactor         = 0.5
	maxFactor         = 1.2
	degradedFactor    = 0.8
	decayRate         = 0.95
	decayFloor        = 0.8
	decayCap          = 1.0
	decayGraceDays    = 7
	neutralWinRate    = 0.5
	neutralFactor     = 1.0
	defaultSimilarity = 1.0
)

// Outcome 表示交易结果。
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// OutcomeOf 按盈亏判定结果，盈亏为正记为胜。
func OutcomeOf(pnl float64) Outcome {
	if pnl > 0 {
		return OutcomeWin
	}
	return OutcomeLoss
}

// Sample 为一条只追加的校准样本。
type Sample struct {
	ID            int64     `json:"id"`
	TradeID       string    `json:"trade_id"`
	RawConfidence float64   `json:"raw_confidence"`
	Factor        float64   `json:"factor"`
	Calibrated    float64   `json:"calibrated_confidence"`
	Outcome       Outcome   `json:"outcome"`
	PnL           float64   `json:"pnl"`
	Similarity    float64   `json:"similarity"`
	CreatedAt     time.Time `json:"created_at"`
}

// Result 为一次校准的结果。
type Result struct {
	Raw        float64 `json:"raw"`
	Factor     float64 `json:"factor"`
	Calibrated float64 `json:"calibrated"`
	WinRate    float64 `json:"win_rate"`
	Samples    int     `json:"samples"`
	IdleDays   int     `json:"idle_days"`
	Degraded   bool    `json:"degraded"`
}

// Stats 为最近样本的汇总。
type Stats struct {
	AvgFactor    float64 `json:"avg_factor"`
	WinRate      float64 `json:"win_rate"`
	TotalSamples int     `json:"total_samples"`
}

// Calibrator 依据历史准确率修正原始置信度。
type Calibrator struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewCalibrator 创建校准器并初始化表结构。
func NewCalibrator(st *store.Store, logger *zap.Logger) (*Calibrator, error) {
	if st == nil {
		return nil, errors.New("calibration: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Calibrator{db: st.DB(), logger: logger, now: time.Now}
	if err := store.InitSchema(c.db, "calibration",
		`CREATE TABLE IF NOT EXISTS calibration_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			raw_confidence REAL NOT NULL,
			calibration_factor REAL NOT NULL,
			calibrated_confidence REAL NOT NULL,
			outcome TEXT NOT NULL,
			pnl REAL NOT NULL,
			similarity REAL NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_raw ON calibration_history(raw_confidence);`,
	); err != nil {
		return nil, err
	}
	return c, nil
}

// Calibrate 校准原始置信度。查询失败时退化为 raw×0.8，不返回错误。
// similarity 传入非正数时按 1.0 处理。
func (c *Calibrator) Calibrate(ctx context.Context, raw, similarity float64) Result {
	raw = clamp(raw, 0, 1)
	if similarity <= 0 || math.IsNaN(similarity) {
		similarity = defaultSimilarity
	}

	winRate, samples, err := c.historicalAccuracy(ctx, raw)
	if err != nil {
		c.logger.Warn("置信度校准查询失败，按降级系数处理", zap.Float64("raw", raw), zap.Error(err))
		return Result{Raw: raw, Factor: degradedFactor, Calibrated: clamp(raw*degradedFactor, 0, 1), Degraded: true}
	}

	factor := neutralFactor
	if samples >= minSamples {
		factor = Factor(winRate, similarity)
	}

	idle, err := c.idleDays(ctx)
	if err != nil {
		c.logger.Warn("读取最近校准时间失败，按降级系数处理", zap.Error(err))
		return Result{Raw: raw, Factor: degradedFactor, Calibrated: clamp(raw*degradedFactor, 0, 1), Degraded: true}
	}
	factor = Decay(factor, idle)

	return Result{
		Raw:        raw,
		Factor:     factor,
		Calibrated: clamp(raw*factor, 0, 1),
		WinRate:    winRate,
		Samples:    samples,
		IdleDays:   idle,
	}
}

// RecordOutcome 追加一条校准样本。
func (c *Calibrator) RecordOutcome(ctx context.Context, tradeID string, raw, calibrated, pnl float64, at time.Time) error {
	factor := neutralFactor
	if raw > 0 {
		factor = calibrated / raw
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO calibration_history
			(trade_id, raw_confidence, calibration_factor, calibrated_confidence, outcome, pnl, similarity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tradeID, raw, factor, calibrated, string(OutcomeOf(pnl)), pnl, defaultSimilarity, store.FormatTime(at),
	)
	if err != nil {
		return store.Persistence("calibration: 写入校准样本", err)
	}
	return nil
}

// Stats 汇总最近100条样本；无样本时返回中性值。
func (c *Calibrator) Stats(ctx context.Context) (Stats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT calibration_factor, outcome FROM calibration_history ORDER BY id DESC LIMIT ?`, statsSamples)
	if err != nil {
		return Stats{}, fmt.Errorf("calibration: 查询样本失败: %w", err)
	}
	defer rows.Close()

	var (
		sumFactor float64
		wins      int
		total     int
	)
	for rows.Next() {
		var (
			factor  float64
			outcome string
		)
		if err := rows.Scan(&factor, &outcome); err != nil {
			return Stats{}, fmt.Errorf("calibration: 解析样本失败: %w", err)
		}
		sumFactor += factor
		if Outcome(outcome) == OutcomeWin {
			wins++
		}
		total++
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("calibration: 读取样本失败: %w", err)
	}

	if total == 0 {
		return Stats{AvgFactor: neutralFactor, WinRate: neutralWinRate}, nil
	}
	return Stats{
		AvgFactor:    sumFactor / float64(total),
		WinRate:      float64(wins) / float64(total),
		TotalSamples: total,
	}, nil
}

// Recent 返回最近的样本。
func (c *Calibrator) Recent(ctx context.Context, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, trade_id, raw_confidence, calibration_factor, calibrated_confidence, outcome, pnl, similarity, created_at
		 FROM calibration_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("calibration: 查询样本失败: %w", err)
	}
	defer rows.Close()

	out := make([]Sample, 0, limit)
	for rows.Next() {
		var (
			s       Sample
			outcome string
			created string
		)
		if err := rows.Scan(&s.ID, &s.TradeID, &s.RawConfidence, &s.Factor, &s.Calibrated, &outcome, &s.PnL, &s.Similarity, &created); err != nil {
			return nil, fmt.Errorf("calibration: 解析样本失败: %w", err)
		}
		s.Outcome = Outcome(outcome)
		if s.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Calibrator) historicalAccuracy(ctx context.Context, raw float64) (float64, int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT outcome FROM calibration_history
		 WHERE raw_confidence >= ? AND raw_confidence <= ?
		 ORDER BY id DESC LIMIT ?`,
		raw-confidenceBand, raw+confidenceBand, lookbackSamples)
	if err != nil {
		return 0, 0, fmt.Errorf("calibration: 查询历史准确率失败: %w", err)
	}
	defer rows.Close()

	var wins, total int
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, 0, fmt.Errorf("calibration: 解析历史样本失败: %w", err)
		}
		if Outcome(outcome) == OutcomeWin {
			wins++
		}
		total++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("calibration: 读取历史样本失败: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(wins) / float64(total), total, nil
}

func (c *Calibrator) idleDays(ctx context.Context) (int, error) {
	var latest sql.NullString
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM calibration_history`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("calibration: 查询最近样本时间失败: %w", err)
	}
	if !latest.Valid || latest.String == "" {
		return 0, nil
	}
	ts, err := store.ParseTime(latest.String)
	if err != nil {
		return 0, err
	}
	idle := c.now().Sub(ts).Hours() / 24
	if idle < 0 {
		return 0, nil
	}
	return int(math.Floor(idle)), nil
}

// Factor 将胜率与相似度换算为校准系数，结果位于[0.5,1.2]。
func Factor(winRate, similarity float64) float64 {
	base := 1.0
	switch {
	case winRate < 0.4:
		base = 0.6
	case winRate < 0.5:
		base = 0.8
	case winRate > 0.7:
		base = 1.1
	}
	return clamp(base+(similarity-0.5)*0.2, minFactor, maxFactor)
}

// Decay 在空闲超过7天后按周衰减系数，区间[0.8,1.0]，且不会调高原系数。
func Decay(factor float64, idleDays int) float64 {
	if idleDays <= decayGraceDays {
		return factor
	}
	periods := (idleDays - decayGraceDays) / decayGraceDays
	decayed := clamp(factor*math.Pow(decayRate, float64(periods)), decayFloor, decayCap)
	return math.Min(factor, decayed)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
