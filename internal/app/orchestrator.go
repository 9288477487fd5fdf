package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shock-trader/internal/advisory"
	"shock-trader/internal/calibration"
	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
	"shock-trader/internal/execution"
	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
	"shock-trader/internal/metrics"
	"shock-trader/internal/monitor"
	"shock-trader/internal/optionchain"
	"shock-trader/internal/safety"
	"shock-trader/internal/scoring"
	"shock-trader/internal/settings"
	"shock-trader/internal/setup"
	"shock-trader/internal/sizing"
	"shock-trader/internal/statemachine"
	"shock-trader/internal/store"
)

const (
	expiryLayout    = "2006-01-02"
	staleDailyAfter = 5 * 24 * time.Hour
)

// CycleStatus 表示一轮决策的结束方式。
type CycleStatus string

const (
	CycleCompleted         CycleStatus = "COMPLETED"
	CycleNotInWindow       CycleStatus = "NOT_IN_WINDOW"
	CycleNoSetups          CycleStatus = "NO_SETUPS"
	CycleEmergencyStop     CycleStatus = "EMERGENCY_STOP"
	CycleConfigUnavailable CycleStatus = "CONFIG_UNAVAILABLE"
)

// SetupOutcome 为单个设置在本轮的处理结果。
type SetupOutcome struct {
	SetupID              string           `json:"setup_id"`
	Symbol               string           `json:"symbol"`
	Decision             scoring.Decision `json:"decision"`
	Score                float64          `json:"score"`
	RawConfidence        float64          `json:"raw_confidence"`
	CalibratedConfidence float64          `json:"calibrated_confidence"`
	Reason               string           `json:"reason"`
	Executed             bool             `json:"executed"`
	TradeID              string           `json:"trade_id,omitempty"`
	Err                  error            `json:"-"`
}

// CycleResult 汇总一轮决策。
type CycleResult struct {
	CycleID  string             `json:"cycle_id"`
	Status   CycleStatus        `json:"status"`
	Mode     config.TradingMode `json:"mode,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Outcomes []SetupOutcome     `json:"outcomes"`
}

// Executed 返回本轮成交的笔数。
func (r CycleResult) Executed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Executed {
			n++
		}
	}
	return n
}

// SetupStore 读取并推进设置状态。
type SetupStore interface {
	ListActive(ctx context.Context, states ...statemachine.State) ([]setup.Setup, error)
	Transition(ctx context.Context, id string, to statemachine.State, reason string, daysSinceShock int, at time.Time) (setup.Setup, error)
}

// ConfigReader 读取运行时配置。
type ConfigReader interface {
	Fetch(ctx context.Context) (settings.Settings, error)
}

// DecisionLedger 为决策日志与交易账本。
type DecisionLedger interface {
	HasDecision(ctx context.Context, setupID, cycleID string) (bool, error)
	RecordDecision(ctx context.Context, d ledger.Decision) (ledger.Decision, error)
	MarkExecuted(ctx context.Context, decisionID int64, tradeID string) error
	RecordTrade(ctx context.Context, t ledger.Trade) (ledger.Trade, error)
	SystemState(ctx context.Context, mode config.TradingMode, now time.Time) (ledger.SystemState, error)
}

// SnapshotSource 提供日线与盘口快照。
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, symbol string, req exchange.SnapshotRequest) (exchange.MarketSnapshot, error)
}

// SignalSource 提供辅助信号。
type SignalSource interface {
	Signals(ctx context.Context, symbol string, book exchange.OrderBookSnapshot) (feature.AuxSignals, error)
}

// SnapshotRecorder 持久化特征快照。
type SnapshotRecorder interface {
	Save(ctx context.Context, setupID, cycleID string, v feature.Vector, at time.Time) (feature.Snapshot, error)
}

// WeightSource 提供学习权重。
type WeightSource interface {
	Weights(ctx context.Context) (map[string]float64, error)
}

// ConfidenceCalibrator 校准原始置信度。
type ConfidenceCalibrator interface {
	Calibrate(ctx context.Context, raw, similarity float64) calibration.Result
}

// Advisor 为外部顾问。
type Advisor interface {
	Consult(ctx context.Context, req advisory.Request) (advisory.Opinion, error)
	Healthy(name string) bool
}

// ContractSelector 选择期权合约。
type ContractSelector interface {
	Select(ctx context.Context, underlying string, optionType feature.OptionType, spot float64, today time.Time) (optionchain.Selection, error)
}

// Gatekeeper 为下单前的安全闸门。
type Gatekeeper interface {
	EmergencyStopActive(ctx context.Context) (bool, string)
	Check(ctx context.Context, state ledger.SystemState, limits config.RiskLimits, tradeRisk float64) (safety.Verdict, error)
}

// EventLogger 写入安全事件。
type EventLogger interface {
	Log(ctx context.Context, e safety.Event) (safety.Event, error)
}

// OrchestratorOptions 为决策编排的静态参数。
type OrchestratorOptions struct {
	Strategy       config.StrategyConfig
	MaxLots        int
	OrderBookDepth int
	Parallelism    int
	// Slippage 为预估成交滑点，仓位按滑点后的入场价计算
	Slippage float64
}

// OrchestratorDeps 为决策编排的协作者。Advisor 可为空。
type OrchestratorDeps struct {
	Setups     SetupStore
	Settings   ConfigReader
	Ledger     DecisionLedger
	Market     SnapshotSource
	Signals    SignalSource
	Snapshots  SnapshotRecorder
	Weights    WeightSource
	Calibrator ConfidenceCalibrator
	Advisor    Advisor
	Chain      ContractSelector
	Governor   Gatekeeper
	Events     EventLogger
	Venues     map[config.TradingMode]execution.Venue
	Monitor    *monitor.Service
	Metrics    *metrics.Recorder
}

// Orchestrator 在决策窗口内对每个就绪设置依次完成评分、校准、定仓、安全检查与下单。
type Orchestrator struct {
	opts   OrchestratorOptions
	deps   OrchestratorDeps
	logger *zap.Logger
	now    func() time.Time
}

// NewOrchestrator 创建决策编排器。
func NewOrchestrator(opts OrchestratorOptions, deps OrchestratorDeps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Setups == nil, deps.Settings == nil, deps.Ledger == nil:
		return nil, errors.New("app: 设置、配置与账本不能为空")
	case deps.Market == nil, deps.Signals == nil, deps.Snapshots == nil:
		return nil, errors.New("app: 行情、信号与快照存储不能为空")
	case deps.Weights == nil, deps.Calibrator == nil, deps.Chain == nil:
		return nil, errors.New("app: 权重、校准与期权链不能为空")
	case deps.Governor == nil, deps.Events == nil:
		return nil, errors.New("app: 安全闸门与事件日志不能为空")
	case deps.Monitor == nil, deps.Metrics == nil:
		return nil, errors.New("app: 监控与指标不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.MaxLots <= 0 {
		opts.MaxLots = 1
	}
	if opts.Slippage < 0 {
		opts.Slippage = 0
	}
	if deps.Venues == nil {
		deps.Venues = map[config.TradingMode]execution.Venue{}
	}
	return &Orchestrator{opts: opts, deps: deps, logger: logger, now: time.Now}, nil
}

// CycleID 返回决策周期编号：<市场日期>@<窗口开始时间>。
func CycleID(strategy config.StrategyConfig, now time.Time) string {
	return now.In(strategy.Location()).Format(expiryLayout) + "@" + strategy.WindowStart
}

type evaluation struct {
	vector        feature.Vector
	result        scoring.Result
	marketHealthy bool
	err           error
}

// RunDecisionCycle 执行一轮决策。窗口外返回 CycleNotInWindow 而非错误；
// 只有持久化失败会中断整轮并返回错误。
func (o *Orchestrator) RunDecisionCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	now := o.now()
	result := CycleResult{CycleID: CycleID(o.opts.Strategy, now), Outcomes: []SetupOutcome{}}

	if !o.opts.Strategy.InWindow(now) {
		result.Status = CycleNotInWindow
		return result, nil
	}

	result, err := o.runCycle(ctx, result, now)
	outcome := string(result.Status)
	if err != nil {
		outcome = "error"
		o.deps.Monitor.RecordError(ctx, "决策周期失败", err, map[string]interface{}{"cycle_id": result.CycleID})
	}
	o.deps.Metrics.RecordCycle("decision", outcome, time.Since(start))
	return result, err
}

func (o *Orchestrator) runCycle(ctx context.Context, result CycleResult, now time.Time) (CycleResult, error) {
	candidates, err := o.deps.Setups.ListActive(ctx, statemachine.AcceptanceReady)
	if err != nil {
		return result, fmt.Errorf("app: 读取就绪设置失败: %w", err)
	}
	pending := make([]setup.Setup, 0, len(candidates))
	for _, s := range candidates {
		done, err := o.deps.Ledger.HasDecision(ctx, s.ID, result.CycleID)
		if err != nil {
			o.logger.Warn("读取决策记录失败，本轮跳过该设置", zap.String("setup_id", s.ID), zap.Error(err))
			continue
		}
		if !done {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		result.Status = CycleNoSetups
		return result, nil
	}

	if active, reason := o.deps.Governor.EmergencyStopActive(ctx); active {
		return o.haltForEmergency(ctx, result, pending, reason, now)
	}

	cfg, err := o.deps.Settings.Fetch(ctx)
	if err != nil {
		result.Status = CycleConfigUnavailable
		result.Reason = err.Error()
		if _, logErr := o.deps.Events.Log(ctx, safety.Event{
			Type:        safety.EventConfigUnavailable,
			Severity:    safety.SeverityWarning,
			Description: fmt.Sprintf("读取运行时配置失败: %v", err),
			Action:      safety.ActionSkippedDecision,
			CreatedAt:   now,
		}); logErr != nil {
			return result, logErr
		}
		return o.skipAll(ctx, result, pending, "配置不可用，保持观望", now)
	}
	result.Mode = cfg.Mode

	weights, err := o.deps.Weights.Weights(ctx)
	if err != nil {
		o.logger.Warn("读取学习权重失败，使用默认权重", zap.Error(err))
		weights = nil
	}
	engine := scoring.NewEngine(cfg.ScoreThreshold)
	evals := o.evaluate(ctx, result.CycleID, pending, engine, weights, now)

	for i, s := range pending {
		if active, reason := o.deps.Governor.EmergencyStopActive(ctx); active {
			return o.haltForEmergency(ctx, result, pending[i:], reason, now)
		}
		outcome, err := o.decide(ctx, result.CycleID, cfg, engine, s, evals[i], now)
		if err != nil {
			if errors.Is(err, store.ErrPersistenceFailure) {
				result.Outcomes = append(result.Outcomes, outcome)
				return result, err
			}
			outcome.Err = err
			o.logger.Error("设置决策失败", zap.String("setup_id", s.ID), zap.String("symbol", s.Symbol), zap.Error(err))
			o.deps.Monitor.RecordError(ctx, "设置决策失败", err, map[string]interface{}{
				"setup_id": s.ID,
				"symbol":   s.Symbol,
			})
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	result.Status = CycleCompleted

	o.logger.Info("决策周期完成",
		zap.String("cycle_id", result.CycleID),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("setups", len(pending)),
		zap.Int("executed", result.Executed()),
	)
	return result, nil
}

// evaluate 并行完成取数、特征计算、快照落库与评分，各设置互不影响。
func (o *Orchestrator) evaluate(ctx context.Context, cycleID string, setups []setup.Setup, engine *scoring.Engine, weights map[string]float64, now time.Time) []evaluation {
	evals := make([]evaluation, len(setups))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.opts.Parallelism)

	for i, s := range setups {
		group.Go(func() error {
			evals[i] = o.evaluateOne(groupCtx, cycleID, s, engine, weights, now)
			return nil
		})
	}
	_ = group.Wait()
	return evals
}

func (o *Orchestrator) evaluateOne(ctx context.Context, cycleID string, s setup.Setup, engine *scoring.Engine, weights map[string]float64, now time.Time) evaluation {
	snap, err := o.deps.Market.GetSnapshot(ctx, s.Symbol, exchange.SnapshotRequest{
		DailyLimit:     o.opts.Strategy.DecisionCandles,
		OrderBookDepth: o.opts.OrderBookDepth,
	})
	if err != nil {
		return evaluation{err: fmt.Errorf("获取行情失败: %w", err)}
	}

	aux, err := o.deps.Signals.Signals(ctx, s.Symbol, snap.OrderBook)
	if err != nil {
		o.logger.Warn("读取辅助信号失败，使用保守默认值", zap.String("symbol", s.Symbol), zap.Error(err))
		aux = feature.NeutralSignals()
	}

	vector, err := feature.Compute(s.FeatureContext(), snap.Daily, aux, now)
	if err != nil {
		return evaluation{err: fmt.Errorf("计算特征失败: %w", err)}
	}
	if _, err := o.deps.Snapshots.Save(ctx, s.ID, cycleID, vector, now); err != nil {
		return evaluation{err: err}
	}

	latest := snap.Daily[len(snap.Daily)-1]
	return evaluation{
		vector:        vector,
		result:        engine.Evaluate(vector, weights),
		marketHealthy: now.Sub(latest.Timestamp) <= staleDailyAfter,
	}
}

func (o *Orchestrator) decide(ctx context.Context, cycleID string, cfg settings.Settings, engine *scoring.Engine, s setup.Setup, eval evaluation, now time.Time) (SetupOutcome, error) {
	d := ledger.Decision{
		SetupID:   s.ID,
		CycleID:   cycleID,
		Symbol:    s.Symbol,
		Decision:  scoring.DecisionWait,
		CreatedAt: now,
	}
	if eval.err != nil {
		if errors.Is(eval.err, store.ErrPersistenceFailure) {
			return outcomeOf(d), eval.err
		}
		d.Reason = fmt.Sprintf("数据不足，保持观望: %v", eval.err)
		return o.logDecision(ctx, d, nil, nil)
	}

	d.Score = eval.result.Score
	d.Decision = eval.result.Decision
	raw := eval.result.Score
	reason := engine.Explain(eval.result, eval.vector)

	var opinion *advisory.Opinion
	if eval.result.Ambiguous && cfg.AdvisoryProvider != "" && o.deps.Advisor != nil {
		op, err := o.deps.Advisor.Consult(ctx, advisory.Request{
			Provider:  cfg.AdvisoryProvider,
			SetupID:   s.ID,
			Symbol:    s.Symbol,
			State:     s.State,
			Features:  eval.vector,
			Score:     eval.result.Score,
			Threshold: engine.Threshold(),
		})
		o.deps.Metrics.RecordAdvisory(cfg.AdvisoryProvider, err == nil)
		if err != nil {
			op = advisory.Fallback(cfg.AdvisoryProvider)
		}
		opinion = &op
		d.Decision = op.Decision
		d.AdvisoryProvider = op.Provider
		raw = op.Confidence
		reason = fmt.Sprintf("%s；顾问(%s): %s", reason, op.Provider, op.Reason)
	}

	cal := o.deps.Calibrator.Calibrate(ctx, raw, 1.0)
	d.RawConfidence = raw
	d.CalibratedConfidence = cal.Calibrated
	d.CalibrationFactor = cal.Factor
	d.Reason = reason

	if d.Decision == scoring.DecisionWait {
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}

	optionType := feature.OptionCall
	if d.Decision == scoring.DecisionBuyPut {
		optionType = feature.OptionPut
	}
	sel, err := o.deps.Chain.Select(ctx, s.Symbol, optionType, eval.vector.CurrentPrice, now)
	if err != nil {
		d.Reason = fmt.Sprintf("%s；未找到可交易合约: %v", reason, err)
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}

	state, err := o.deps.Ledger.SystemState(ctx, cfg.Mode, now)
	if err != nil {
		d.Reason = fmt.Sprintf("%s；读取系统状态失败: %v", reason, err)
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}
	venue, ok := o.deps.Venues[cfg.Mode]
	state.VenueHealthy = ok && venue.Healthy(ctx)
	state.MarketDataHealthy = eval.marketHealthy
	state.AdvisoryHealthy = o.deps.Advisor == nil || cfg.AdvisoryProvider == "" || o.deps.Advisor.Healthy(cfg.AdvisoryProvider)

	entryEstimate := sel.LastPrice * (1 + o.opts.Slippage)
	size := sizing.Size(sizing.Request{
		TotalCapital:         state.TotalCapital,
		AvailableCapital:     state.AvailableCapital,
		CalibratedConfidence: cal.Calibrated,
		ConsecutiveLosses:    state.ConsecutiveLosses,
		OptionPrice:          entryEstimate,
		MaxLots:              o.opts.MaxLots,
		Limits:               cfg.Limits,
	})
	if !size.Accepted() {
		d.Reason = fmt.Sprintf("%s；仓位拒绝: %s", reason, size.Reason)
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}
	if err := sizing.Validate(size.Lots, size.CapitalUsed, state.AvailableCapital, state.TotalCapital); err != nil {
		d.Reason = fmt.Sprintf("%s；仓位校验失败: %v", reason, err)
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}

	verdict, err := o.deps.Governor.Check(ctx, state, cfg.Limits, size.TradeRisk)
	if err != nil {
		return outcomeOf(d), err
	}
	if !verdict.Allowed {
		o.deps.Monitor.RecordSafety(ctx, s.ID, verdict)
		o.deps.Metrics.RecordSafetyBlock(string(verdict.Check))
		d.Reason = fmt.Sprintf("%s；安全闸门拦截[%s]: %s", reason, verdict.Check, verdict.Reason)
		return o.logDecision(ctx, d, &eval.vector, opinion)
	}

	d.Reason = fmt.Sprintf("%s；%s", reason, size.Reason)
	return o.execute(ctx, s, d, sel, size, venue, eval, opinion, now)
}

func (o *Orchestrator) execute(ctx context.Context, s setup.Setup, d ledger.Decision, sel optionchain.Selection, size sizing.Result, venue execution.Venue, eval evaluation, opinion *advisory.Opinion, now time.Time) (SetupOutcome, error) {
	recorded, err := o.deps.Ledger.RecordDecision(ctx, d)
	if errors.Is(err, ledger.ErrDuplicateCycle) {
		out := outcomeOf(d)
		out.Reason = "本周期已处理"
		return out, nil
	}
	if err != nil {
		return outcomeOf(d), err
	}
	out := outcomeOf(recorded)

	fill, err := venue.PlaceOrder(ctx, execution.OrderRequest{
		SetupID:        s.ID,
		Symbol:         s.Symbol,
		Instrument:     sel.Instrument,
		OptionType:     sel.OptionType,
		Strike:         sel.Strike,
		Lots:           size.Lots,
		ReferencePrice: sel.LastPrice,
	})
	if err != nil {
		o.deps.Monitor.RecordDecision(ctx, recorded, &eval.vector, opinion)
		return out, fmt.Errorf("app: %s 下单失败: %w", sel.Instrument, err)
	}

	if committed := fill.Price * float64(fill.Lots); committed > size.CapitalUsed {
		o.logger.Warn("成交价高于预估入场价",
			zap.String("instrument", sel.Instrument),
			zap.Float64("committed", committed),
			zap.Float64("sized", size.CapitalUsed),
		)
	}
	stop := fill.Price * (1 - o.opts.Strategy.StopLossPct/100)
	trade, err := o.deps.Ledger.RecordTrade(ctx, ledger.Trade{
		SetupID:              s.ID,
		CycleID:              d.CycleID,
		Mode:                 venue.Mode(),
		Symbol:               s.Symbol,
		Instrument:           sel.Instrument,
		OptionType:           sel.OptionType,
		Strike:               sel.Strike,
		StrikeType:           string(sel.Class),
		Expiry:               sel.Expiry.Format(expiryLayout),
		OrderID:              fill.OrderID,
		EntryPrice:           fill.Price,
		EntryTime:            now,
		Lots:                 fill.Lots,
		CapitalUsed:          fill.Price * float64(fill.Lots),
		StopLoss:             stop,
		HighestPrice:         fill.Price,
		RawConfidence:        d.RawConfidence,
		CalibratedConfidence: d.CalibratedConfidence,
		AdvisoryUsed:         opinion != nil && !opinion.Fallback,
		Features:             scoring.ContributingFeatures(eval.result.SubScores),
	})
	if err != nil {
		return out, err
	}
	if err := venue.ModifyStopLoss(ctx, trade.ID, stop); err != nil {
		o.logger.Warn("设置止损失败，由持仓监控兜底", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	if _, err := o.deps.Setups.Transition(ctx, s.ID, statemachine.TradeActive, statemachine.ReasonTradeExecuted, s.DaysSinceShock, now); err != nil {
		return out, fmt.Errorf("app: 设置 %s 进入持仓状态失败: %w", s.ID, err)
	}
	o.deps.Monitor.RecordTransition(ctx, s.Symbol, setup.Transition{
		SetupID:        s.ID,
		From:           s.State,
		To:             statemachine.TradeActive,
		Reason:         statemachine.ReasonTradeExecuted,
		DaysSinceShock: s.DaysSinceShock,
		CreatedAt:      now,
	})

	if _, err := o.deps.Events.Log(ctx, safety.Event{
		Type:     safety.EventOptionTradeExecuted,
		Severity: safety.SeverityInfo,
		Description: fmt.Sprintf("%s %s %s x%d @ %.2f，止损 %.2f",
			s.Symbol, d.Decision, trade.Instrument, trade.Lots, trade.EntryPrice, trade.StopLoss),
		Action:    safety.ActionRecorded,
		CreatedAt: now,
	}); err != nil {
		return out, err
	}

	if err := o.deps.Ledger.MarkExecuted(ctx, recorded.ID, trade.ID); err != nil {
		return out, err
	}
	recorded.TradeExecuted = true
	recorded.TradeID = trade.ID

	o.deps.Monitor.RecordDecision(ctx, recorded, &eval.vector, opinion)
	o.deps.Monitor.RecordExecution(ctx, trade, fill)
	o.deps.Metrics.RecordDecision(string(recorded.Decision))
	o.deps.Metrics.RecordTradeOpened(string(trade.Mode))

	o.logger.Info("已执行期权交易",
		zap.String("setup_id", s.ID),
		zap.String("symbol", s.Symbol),
		zap.String("instrument", trade.Instrument),
		zap.String("mode", string(trade.Mode)),
		zap.Int("lots", trade.Lots),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("stop_loss", trade.StopLoss),
	)

	out = outcomeOf(recorded)
	return out, nil
}

// haltForEmergency 紧急停止时记录一条拦截事件，剩余设置全部记为观望。
func (o *Orchestrator) haltForEmergency(ctx context.Context, result CycleResult, pending []setup.Setup, reason string, now time.Time) (CycleResult, error) {
	result.Status = CycleEmergencyStop
	result.Reason = reason
	if _, err := o.deps.Events.Log(ctx, safety.Event{
		Type:        safety.EventKillSwitchBlock,
		Severity:    safety.SeverityWarning,
		Description: fmt.Sprintf("紧急停止已激活，本轮跳过 %d 个设置: %s", len(pending), reason),
		Action:      safety.ActionBlockedTrade,
		CreatedAt:   now,
	}); err != nil {
		return result, err
	}
	o.deps.Metrics.RecordSafetyBlock(string(safety.CheckKillSwitch))
	return o.skipAll(ctx, result, pending, "紧急停止已激活: "+reason, now)
}

func (o *Orchestrator) skipAll(ctx context.Context, result CycleResult, setups []setup.Setup, reason string, now time.Time) (CycleResult, error) {
	for _, s := range setups {
		out, err := o.logDecision(ctx, ledger.Decision{
			SetupID:   s.ID,
			CycleID:   result.CycleID,
			Symbol:    s.Symbol,
			Decision:  scoring.DecisionWait,
			Reason:    reason,
			CreatedAt: now,
		}, nil, nil)
		result.Outcomes = append(result.Outcomes, out)
		if err != nil {
			return result, err
		}
	}
	o.logger.Warn("本轮决策已跳过",
		zap.String("cycle_id", result.CycleID),
		zap.String("status", string(result.Status)),
		zap.String("reason", reason),
		zap.Int("setups", len(setups)),
	)
	return result, nil
}

// logDecision 写入未成交的决策记录。
func (o *Orchestrator) logDecision(ctx context.Context, d ledger.Decision, vector *feature.Vector, opinion *advisory.Opinion) (SetupOutcome, error) {
	recorded, err := o.deps.Ledger.RecordDecision(ctx, d)
	if errors.Is(err, ledger.ErrDuplicateCycle) {
		out := outcomeOf(d)
		out.Reason = "本周期已处理"
		return out, nil
	}
	if err != nil {
		return outcomeOf(d), err
	}
	o.deps.Monitor.RecordDecision(ctx, recorded, vector, opinion)
	o.deps.Metrics.RecordDecision(string(recorded.Decision))
	o.logger.Info("已记录决策",
		zap.String("setup_id", d.SetupID),
		zap.String("symbol", d.Symbol),
		zap.String("decision", string(d.Decision)),
		zap.Float64("score", d.Score),
		zap.String("reason", d.Reason),
	)
	return outcomeOf(recorded), nil
}

func outcomeOf(d ledger.Decision) SetupOutcome {
	return SetupOutcome{
		SetupID:              d.SetupID,
		Symbol:               d.Symbol,
		Decision:             d.Decision,
		Score:                d.Score,
		RawConfidence:        d.RawConfidence,
		CalibratedConfidence: d.CalibratedConfidence,
		Reason:               d.Reason,
		Executed:             d.TradeExecuted,
		TradeID:              d.TradeID,
	}
}
