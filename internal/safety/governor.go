package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/ledger"
)

const (
	graduationLookback   = 50
	graduationMinTrades  = 20
	graduationMaxDDPct   = 10.0
	graduationQuietDays  = 7
	updatedBySafety      = "SAFETY_GOVERNOR"
	triggerDailyDrawdown = "DAILY_DRAWDOWN"
	triggerBlackSwan     = "MARKET_BLACK_SWAN"
)

// ModeController 持久化切换交易模式。
type ModeController interface {
	ForceMode(ctx context.Context, mode config.TradingMode, updatedBy, reason string) error
}

// TradeHistory 提供已平仓交易，用于资格评估。
type TradeHistory interface {
	RecentClosed(ctx context.Context, mode config.TradingMode, limit int) ([]ledger.Trade, error)
}

// Options 控制治理器的可选行为。
type Options struct {
	KillSwitchOnDailyLoss bool
}

// Governor 为下单前的最终安全闸门。
type Governor struct {
	events *EventLog
	kill   *KillSwitch
	modes  ModeController
	trades TradeHistory
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewGovernor 创建安全治理器。
func NewGovernor(events *EventLog, kill *KillSwitch, modes ModeController, trades TradeHistory, opts Options, logger *zap.Logger) (*Governor, error) {
	if events == nil || kill == nil {
		return nil, errors.New("safety: 事件日志与紧急停止开关不能为空")
	}
	if modes == nil {
		return nil, errors.New("safety: 模式控制器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		events: events,
		kill:   kill,
		modes:  modes,
		trades: trades,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Events 返回事件日志。
func (g *Governor) Events() *EventLog {
	return g.events
}

// KillSwitch 返回紧急停止开关。
func (g *Governor) KillSwitch() *KillSwitch {
	return g.kill
}

// EmergencyStopActive 读取紧急停止状态，读取失败按激活处理。
func (g *Governor) EmergencyStopActive(ctx context.Context) (bool, string) {
	return g.kill.IsActive(ctx)
}

// Check 按固定顺序执行放行检查，首个失败即返回。
// 返回错误仅表示安全事件或模式切换未能落库。
func (g *Governor) Check(ctx context.Context, state ledger.SystemState, limits config.RiskLimits, tradeRisk float64) (Verdict, error) {
	if active, reason := g.kill.IsActive(ctx); active {
		return g.block(ctx, Verdict{
			Check:    CheckKillSwitch,
			Reason:   reason,
			Action:   ActionBlockedTrade,
			Severity: SeverityWarning,
		}, EventKillSwitchBlock)
	}

	maxLoss := limits.MaxLossPerDayPct / 100 * state.TotalCapital
	if loss := math.Max(0, -state.TodayPnL); loss >= maxLoss {
		reason := fmt.Sprintf("当日亏损超限: %.2f / %.2f", loss, maxLoss)
		if err := g.modes.ForceMode(ctx, config.ModePaper, updatedBySafety, reason); err != nil {
			return Verdict{}, fmt.Errorf("safety: 切换纸面模式失败: %w", err)
		}
		verdict, err := g.block(ctx, Verdict{
			Check:       CheckDailyLoss,
			Reason:      reason,
			Action:      ActionDisabledRealMode,
			Severity:    SeverityCritical,
			ForcedPaper: true,
		}, EventDailyLossBreach)
		if err != nil {
			return verdict, err
		}
		if g.opts.KillSwitchOnDailyLoss {
			if _, err := g.kill.AutoTrigger(ctx, triggerDailyDrawdown, reason); err != nil {
				return verdict, err
			}
		}
		return verdict, nil
	}

	if state.TodayTrades >= limits.MaxTradesPerDay {
		return g.block(ctx, Verdict{
			Check:    CheckMaxTrades,
			Reason:   fmt.Sprintf("当日交易次数已达上限: %d / %d", state.TodayTrades, limits.MaxTradesPerDay),
			Action:   ActionBlockedTrade,
			Severity: SeverityWarning,
		}, EventMaxTradesExceeded)
	}

	if state.ConsecutiveLosses >= limits.ConsecutiveLossThrottle {
		return g.block(ctx, Verdict{
			Check:    CheckConsecutiveLosses,
			Reason:   fmt.Sprintf("连续亏损 %d 笔，触发节流", state.ConsecutiveLosses),
			Action:   ActionThrottled,
			Severity: SeverityWarning,
		}, EventConsecutiveLosses)
	}

	maxRisk := limits.MaxRiskPerTradePct / 100 * state.TotalCapital
	if tradeRisk > maxRisk {
		return g.block(ctx, Verdict{
			Check:    CheckPerTradeRisk,
			Reason:   fmt.Sprintf("单笔风险过高: %.2f > %.2f", tradeRisk, maxRisk),
			Action:   ActionBlockedTrade,
			Severity: SeverityWarning,
		}, EventPerTradeRisk)
	}

	if !state.VenueHealthy {
		return g.block(ctx, Verdict{
			Check:    CheckVenueHealth,
			Reason:   "执行端不可用",
			Action:   ActionHaltedNewTrades,
			Severity: SeverityCritical,
		}, EventVenueUnhealthy)
	}

	if !state.MarketDataHealthy {
		return g.block(ctx, Verdict{
			Check:    CheckMarketData,
			Reason:   "行情数据异常",
			Action:   ActionSkippedDecision,
			Severity: SeverityWarning,
		}, EventDataIntegrity)
	}

	return Allow(), nil
}

// ActivateKillSwitch 手动激活紧急停止并切换到纸面模式。
func (g *Governor) ActivateKillSwitch(ctx context.Context, by, reason string) (KillSwitchState, error) {
	state, err := g.kill.Activate(ctx, by, reason)
	if err != nil {
		return state, err
	}
	if err := g.modes.ForceMode(ctx, config.ModePaper, updatedBySafety, "紧急停止激活"); err != nil {
		return state, fmt.Errorf("safety: 切换纸面模式失败: %w", err)
	}
	return state, nil
}

// DeactivateKillSwitch 手动解除紧急停止，不会自动恢复实盘。
func (g *Governor) DeactivateKillSwitch(ctx context.Context, by, reason string) (KillSwitchState, error) {
	return g.kill.Deactivate(ctx, by, reason)
}

// HandleMarketBlackSwan 记录极端行情，切换纸面模式并激活紧急停止。
func (g *Governor) HandleMarketBlackSwan(ctx context.Context, description string) error {
	if description == "" {
		description = "检测到极端波动或跳空"
	}
	if _, err := g.events.Log(ctx, Event{
		Type:        EventMarketBlackSwan,
		Severity:    SeverityCritical,
		Description: description,
		Action:      ActionHaltedNewTrades,
	}); err != nil {
		return err
	}
	if err := g.modes.ForceMode(ctx, config.ModePaper, updatedBySafety, description); err != nil {
		return fmt.Errorf("safety: 切换纸面模式失败: %w", err)
	}
	if _, err := g.kill.AutoTrigger(ctx, triggerBlackSwan, description); err != nil {
		return err
	}
	return nil
}

// CheckGraduation 评估是否满足从纸面切换到实盘的全部条件。
func (g *Governor) CheckGraduation(ctx context.Context) (GraduationReport, error) {
	report := GraduationReport{Reasons: []string{}}
	if g.trades == nil {
		report.Reasons = append(report.Reasons, "缺少交易历史")
		return report, errors.New("safety: 未配置交易历史")
	}

	trades, err := g.trades.RecentClosed(ctx, config.ModePaper, graduationLookback)
	if err != nil {
		report.Reasons = append(report.Reasons, "读取纸面交易失败")
		return report, err
	}
	pnls := make([]float64, 0, len(trades))
	for _, t := range trades {
		pnls = append(pnls, t.PnL)
		report.CumulativePnL += t.PnL
	}
	report.PaperTrades = len(trades)
	report.MaxDrawdownPct = MaxDrawdownPct(pnls)

	since := g.now().Add(-graduationQuietDays * 24 * time.Hour)
	if report.CriticalEvents, err = g.events.CountSince(ctx, SeverityCritical, since); err != nil {
		report.Reasons = append(report.Reasons, "读取安全事件失败")
		return report, err
	}

	if report.PaperTrades < graduationMinTrades {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("至少需要 %d 笔纸面交易（当前 %d）", graduationMinTrades, report.PaperTrades))
	}
	if report.CumulativePnL < 0 {
		report.Reasons = append(report.Reasons, fmt.Sprintf("纸面累计盈亏为负: %.2f", report.CumulativePnL))
	}
	if report.MaxDrawdownPct > graduationMaxDDPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("最大回撤过高: %.2f%%（上限 %.0f%%）", report.MaxDrawdownPct, graduationMaxDDPct))
	}
	if report.CriticalEvents > 0 {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("近 %d 天存在 %d 条严重安全事件", graduationQuietDays, report.CriticalEvents))
	}
	report.Eligible = len(report.Reasons) == 0
	return report, nil
}

// MaxDrawdownPct 计算累计盈亏曲线的最大回撤百分比，分母为 max(峰值,1)。
func MaxDrawdownPct(pnls []float64) float64 {
	var peak, running, maxDD float64
	for _, pnl := range pnls {
		running += pnl
		if running > peak {
			peak = running
		}
		if dd := (peak - running) / math.Max(peak, 1) * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func (g *Governor) block(ctx context.Context, v Verdict, eventType EventType) (Verdict, error) {
	v.Allowed = false
	if _, err := g.events.Log(ctx, Event{
		Type:        eventType,
		Severity:    v.Severity,
		Description: v.Reason,
		Action:      v.Action,
	}); err != nil {
		return v, err
	}
	return v, nil
}
