package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/execution"
	"shock-trader/internal/learning"
	"shock-trader/internal/ledger"
	"shock-trader/internal/metrics"
	"shock-trader/internal/monitor"
	"shock-trader/internal/setup"
	"shock-trader/internal/statemachine"
)

// TradeBook 为持仓监控使用的账本接口。
type TradeBook interface {
	OpenTrades(ctx context.Context) ([]ledger.Trade, error)
	Get(ctx context.Context, id string) (ledger.Trade, error)
	UpdateStops(ctx context.Context, id string, stopLoss, trailing, highest float64) error
	CloseTrade(ctx context.Context, id string, exit ledger.Exit) (ledger.Trade, error)
}

// SetupCloser 在平仓后将设置复位。
type SetupCloser interface {
	Get(ctx context.Context, id string) (setup.Setup, error)
	Transition(ctx context.Context, id string, to statemachine.State, reason string, daysSinceShock int, at time.Time) (setup.Setup, error)
}

// OutcomeLearner 根据交易结果调整权重。
type OutcomeLearner interface {
	Update(ctx context.Context, outcome learning.TradeOutcome) error
}

// OutcomeRecorder 追加校准样本。
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, tradeID string, raw, calibrated, pnl float64, at time.Time) error
}

// PositionDeps 为持仓监控的协作者。
type PositionDeps struct {
	Trades     TradeBook
	Setups     SetupCloser
	Learner    OutcomeLearner
	Calibrator OutcomeRecorder
	Venues     map[config.TradingMode]execution.Venue
	Monitor    *monitor.Service
	Metrics    *metrics.Recorder
}

// MonitorReport 汇总一次持仓检查。
type MonitorReport struct {
	Checked  int            `json:"checked"`
	Adjusted int            `json:"adjusted"`
	Closed   []ledger.Trade `json:"closed"`
}

// PositionMonitor 负责止损、移动止损、隔日平仓以及手动与紧急平仓。
type PositionMonitor struct {
	strategy config.StrategyConfig
	deps     PositionDeps
	logger   *zap.Logger
	now      func() time.Time
}

// NewPositionMonitor 创建持仓监控。
func NewPositionMonitor(strategy config.StrategyConfig, deps PositionDeps, logger *zap.Logger) (*PositionMonitor, error) {
	if deps.Trades == nil || deps.Setups == nil {
		return nil, errors.New("app: 账本与设置仓库不能为空")
	}
	if deps.Learner == nil || deps.Calibrator == nil {
		return nil, errors.New("app: 学习引擎与校准器不能为空")
	}
	if deps.Monitor == nil || deps.Metrics == nil {
		return nil, errors.New("app: 监控与指标不能为空")
	}
	if deps.Venues == nil {
		deps.Venues = map[config.TradingMode]execution.Venue{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionMonitor{strategy: strategy, deps: deps, logger: logger, now: time.Now}, nil
}

type stopUpdate struct {
	trailing float64
	highest  float64
	changed  bool
}

// Run 检查全部持仓。单笔失败不影响其他持仓，错误合并返回。
func (m *PositionMonitor) Run(ctx context.Context) (MonitorReport, error) {
	report := MonitorReport{Closed: []ledger.Trade{}}
	trades, err := m.deps.Trades.OpenTrades(ctx)
	if err != nil {
		return report, fmt.Errorf("app: 读取持仓失败: %w", err)
	}
	report.Checked = len(trades)
	if len(trades) == 0 {
		m.deps.Metrics.SetOpenTrades(0)
		return report, nil
	}

	byMode := make(map[config.TradingMode][]ledger.Trade)
	for _, t := range trades {
		byMode[t.Mode] = append(byMode[t.Mode], t)
	}

	var errs error
	now := m.now()
	for mode, group := range byMode {
		venue, ok := m.deps.Venues[mode]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("app: %s 模式没有可用的执行端", mode))
			continue
		}
		prices := make(map[string]float64, len(group))
		quotes, err := venue.MonitorPositions(ctx, group)
		if err != nil {
			m.logger.Warn("获取持仓报价失败，仅检查隔日平仓", zap.String("mode", string(mode)), zap.Error(err))
		}
		for _, q := range quotes {
			prices[q.TradeID] = q.Price
		}

		for _, t := range group {
			reason, upd := m.assess(t, prices[t.ID], now)
			if reason != "" {
				closed, err := m.closeTrade(ctx, venue, t, reason)
				if err != nil {
					errs = multierr.Append(errs, err)
				}
				if !closed.Open() && closed.ID != "" {
					report.Closed = append(report.Closed, closed)
				}
				continue
			}
			if !upd.changed {
				continue
			}
			if err := m.deps.Trades.UpdateStops(ctx, t.ID, t.StopLoss, upd.trailing, upd.highest); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if upd.trailing > t.TrailingStop {
				if err := venue.ModifyStopLoss(ctx, t.ID, math.Max(t.StopLoss, upd.trailing)); err != nil {
					m.logger.Warn("同步移动止损失败", zap.String("trade_id", t.ID), zap.Error(err))
				}
				m.logger.Info("移动止损上调",
					zap.String("trade_id", t.ID),
					zap.Float64("highest", upd.highest),
					zap.Float64("trailing_stop", upd.trailing),
				)
			}
			report.Adjusted++
		}
	}
	m.deps.Metrics.SetOpenTrades(report.Checked - len(report.Closed))
	return report, errs
}

// assess 判断是否需要平仓，不需要时返回最高价与移动止损的更新。
func (m *PositionMonitor) assess(t ledger.Trade, price float64, now time.Time) (ledger.ExitReason, stopUpdate) {
	upd := stopUpdate{trailing: t.TrailingStop, highest: t.HighestPrice}
	if m.nextDayExitDue(t, now) {
		return ledger.ExitNextDay, upd
	}
	if price <= 0 {
		return "", upd
	}

	if price <= math.Max(t.StopLoss, t.TrailingStop) {
		if t.TrailingStop > 0 && t.TrailingStop >= t.StopLoss {
			return ledger.ExitTrailingStop, upd
		}
		return ledger.ExitStopLoss, upd
	}

	if price > upd.highest {
		upd.highest = price
		upd.changed = true
	}
	if m.strategy.TrailTriggerPct > 0 && upd.highest >= t.EntryPrice*(1+m.strategy.TrailTriggerPct/100) {
		if trail := upd.highest * (1 - m.strategy.TrailGapPct/100); trail > upd.trailing {
			upd.trailing = trail
			upd.changed = true
		}
	}
	return "", upd
}

// nextDayExitDue 持仓跨过市场日且已到平仓时刻。
func (m *PositionMonitor) nextDayExitDue(t ledger.Trade, now time.Time) bool {
	loc := m.strategy.Location()
	entry := t.EntryTime.In(loc)
	today := now.In(loc)
	entryDay := time.Date(entry.Year(), entry.Month(), entry.Day(), 0, 0, 0, 0, loc)
	todayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	if !entryDay.Before(todayStart) {
		return false
	}
	return !now.Before(m.strategy.ClockOn(now, m.strategy.ExitAt))
}

// ExitTrade 手动平仓。
func (m *PositionMonitor) ExitTrade(ctx context.Context, tradeID string) (ledger.Trade, error) {
	t, err := m.deps.Trades.Get(ctx, tradeID)
	if err != nil {
		return ledger.Trade{}, err
	}
	if !t.Open() {
		return t, fmt.Errorf("%w: %s", ledger.ErrTradeClosed, tradeID)
	}
	venue, ok := m.deps.Venues[t.Mode]
	if !ok {
		return t, fmt.Errorf("app: %s 模式没有可用的执行端", t.Mode)
	}
	return m.closeTrade(ctx, venue, t, ledger.ExitManual)
}

// FlattenAll 以指定原因平掉全部持仓。
func (m *PositionMonitor) FlattenAll(ctx context.Context, reason ledger.ExitReason) ([]ledger.Trade, error) {
	trades, err := m.deps.Trades.OpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: 读取持仓失败: %w", err)
	}
	closed := make([]ledger.Trade, 0, len(trades))
	var errs error
	for _, t := range trades {
		venue, ok := m.deps.Venues[t.Mode]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("app: %s 模式没有可用的执行端", t.Mode))
			continue
		}
		c, err := m.closeTrade(ctx, venue, t, reason)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		if c.ID != "" && !c.Open() {
			closed = append(closed, c)
		}
	}
	if len(closed) > 0 {
		m.logger.Warn("已批量平仓", zap.String("reason", string(reason)), zap.Int("trades", len(closed)))
	}
	return closed, errs
}

// closeTrade 平仓并回写学习、校准与设置状态。账本写入成功后的后续失败合并返回，不回滚平仓。
func (m *PositionMonitor) closeTrade(ctx context.Context, venue execution.Venue, t ledger.Trade, reason ledger.ExitReason) (ledger.Trade, error) {
	fill, err := venue.ExitPosition(ctx, t)
	if err != nil {
		return ledger.Trade{}, fmt.Errorf("app: 交易 %s 平仓下单失败: %w", t.ID, err)
	}
	now := m.now()
	closed, err := m.deps.Trades.CloseTrade(ctx, t.ID, ledger.Exit{
		Price:  fill.Price,
		PnL:    fill.PnL,
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return ledger.Trade{}, err
	}

	var errs error
	if err := m.deps.Learner.Update(ctx, learning.TradeOutcome{
		TradeID:  closed.ID,
		Features: closed.Features,
		PnL:      closed.PnL,
		Mode:     closed.Mode,
		ClosedAt: now,
	}); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := m.deps.Calibrator.RecordOutcome(ctx, closed.ID, closed.RawConfidence, closed.CalibratedConfidence, closed.PnL, now); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := m.resetSetup(ctx, closed.SetupID, now); err != nil {
		errs = multierr.Append(errs, err)
	}

	m.deps.Monitor.RecordExit(ctx, closed)
	m.deps.Metrics.RecordTradeClosed(string(reason))
	m.logger.Info("持仓已平仓",
		zap.String("trade_id", closed.ID),
		zap.String("symbol", closed.Symbol),
		zap.String("reason", string(reason)),
		zap.Float64("exit", closed.ExitPrice),
		zap.Float64("pnl", closed.PnL),
	)
	return closed, errs
}

func (m *PositionMonitor) resetSetup(ctx context.Context, setupID string, now time.Time) error {
	s, err := m.deps.Setups.Get(ctx, setupID)
	if err != nil {
		return err
	}
	if s.State != statemachine.TradeActive {
		return nil
	}
	t, err := m.deps.Setups.Transition(ctx, s.ID, statemachine.Idle, statemachine.ReasonTradeCompleted, s.DaysSinceShock, now)
	if err != nil {
		return fmt.Errorf("app: 设置 %s 复位失败: %w", setupID, err)
	}
	m.deps.Monitor.RecordTransition(ctx, t.Symbol, setup.Transition{
		SetupID:        s.ID,
		From:           statemachine.TradeActive,
		To:             statemachine.Idle,
		Reason:         statemachine.ReasonTradeCompleted,
		DaysSinceShock: s.DaysSinceShock,
		CreatedAt:      now,
	})
	return nil
}
