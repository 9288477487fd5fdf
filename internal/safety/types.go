package safety

import "time"

// Severity 表示安全事件等级。
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Action 表示安全检查采取的措施。
type Action string

const (
	ActionNone             Action = "NONE"
	ActionBlockedTrade     Action = "BLOCKED_TRADE"
	ActionDisabledRealMode Action = "DISABLED_REAL_MODE"
	ActionThrottled        Action = "THROTTLED_TRADING"
	ActionHaltedNewTrades  Action = "HALTED_NEW_TRADES"
	ActionSkippedDecision  Action = "SKIPPED_DECISION"
	ActionResumedTrading   Action = "RESUMED_TRADING"
	ActionRecorded         Action = "RECORDED"
)

// EventType 表示安全事件类型。
type EventType string

const (
	EventKillSwitchBlock     EventType = "KILL_SWITCH_BLOCK"
	EventDailyLossBreach     EventType = "DAILY_LOSS_LIMIT_BREACH"
	EventMaxTradesExceeded   EventType = "MAX_TRADES_EXCEEDED"
	EventConsecutiveLosses   EventType = "CONSECUTIVE_LOSS_THROTTLE"
	EventPerTradeRisk        EventType = "PER_TRADE_RISK_EXCEEDED"
	EventVenueUnhealthy      EventType = "API_HEALTH_FAILURE"
	EventDataIntegrity       EventType = "DATA_INTEGRITY_ISSUE"
	EventKillSwitchOn        EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchOff       EventType = "KILL_SWITCH_DEACTIVATED"
	EventAutoKillSwitch      EventType = "AUTO_KILL_SWITCH_TRIGGERED"
	EventMarketBlackSwan     EventType = "MARKET_BLACK_SWAN"
	EventConfigUnavailable   EventType = "CONFIG_UNAVAILABLE"
	EventOptionTradeExecuted EventType = "OPTION_TRADE_EXECUTED"
	EventShockDetected       EventType = "SHOCK_CANDLE_DETECTED"
)

// Event 为一条只追加的安全事件。
type Event struct {
	ID          int64     `json:"id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Action      Action    `json:"action"`
	CreatedAt   time.Time `json:"created_at"`
}

// Check 标识放行检查的环节，顺序即检查顺序。
type Check string

const (
	CheckKillSwitch        Check = "kill_switch"
	CheckDailyLoss         Check = "daily_loss"
	CheckMaxTrades         Check = "max_trades_per_day"
	CheckConsecutiveLosses Check = "consecutive_losses"
	CheckPerTradeRisk      Check = "per_trade_risk"
	CheckVenueHealth       Check = "venue_health"
	CheckMarketData        Check = "market_data"
)

// Verdict 为放行判断结果。拦截不是错误。
type Verdict struct {
	Allowed     bool     `json:"allowed"`
	Check       Check    `json:"check,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Action      Action   `json:"action"`
	Severity    Severity `json:"severity,omitempty"`
	ForcedPaper bool     `json:"forced_paper,omitempty"`
}

// Allow 返回放行结果。
func Allow() Verdict {
	return Verdict{Allowed: true, Action: ActionNone}
}

// KillSwitchState 为紧急停止开关的一条历史记录，最新一条即当前状态。
type KillSwitchState struct {
	ID          int64     `json:"id"`
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	ActivatedBy string    `json:"activated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// GraduationReport 为纸面转实盘资格评估结果。
type GraduationReport struct {
	Eligible       bool     `json:"eligible"`
	PaperTrades    int      `json:"paper_trades"`
	CumulativePnL  float64  `json:"cumulative_pnl"`
	MaxDrawdownPct float64  `json:"max_drawdown_pct"`
	CriticalEvents int      `json:"critical_events"`
	Reasons        []string `json:"reasons"`
}
