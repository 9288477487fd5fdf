package statemachine

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition 表示状态迁移不在允许表内。
var ErrInvalidTransition = errors.New("invalid state transition")

// State 表示交易设置的生命周期状态。
type State string

const (
	Idle            State = "IDLE"
	ShockDetected   State = "SHOCK_DETECTED"
	Digestion       State = "DIGESTION"
	AcceptanceReady State = "ACCEPTANCE_READY"
	TradeActive     State = "TRADE_ACTIVE"
	FailedReset     State = "FAILED_RESET"
)

// VolumeTrend 表示近期成交量变化方向。
type VolumeTrend string

const (
	VolumeDecreasing VolumeTrend = "DECREASING"
	VolumeFlat       VolumeTrend = "FLAT"
	VolumeExpanding  VolumeTrend = "EXPANDING"
)

// MaxDaysSinceShock 超过该天数的设置强制失效。
const MaxDaysSinceShock = 6

const (
	ReasonTooManyDays     = "设置失效：距冲击K线天数过多"
	ReasonVolumeExpanding = "设置失效：消化期成交量放大"
	ReasonNearResistance  = "设置失效：价格过于接近阻力位"
	ReasonEnterDigestion  = "检测到冲击K线，进入消化阶段"
	ReasonAcceptanceReady = "出现承接K线，进入决策就绪"
	ReasonReset           = "重置为空闲状态"
	ReasonNoChange        = "无需状态变更"
	ReasonTradeCompleted  = "交易结束，回到空闲状态"
	ReasonTradeExecuted   = "已执行交易，进入持仓状态"
	ReasonShockRegistered = "识别到冲击K线，登记设置"
)

var transitions = map[State][]State{
	Idle:            {ShockDetected},
	ShockDetected:   {Digestion, FailedReset},
	Digestion:       {AcceptanceReady, FailedReset},
	AcceptanceReady: {TradeActive, FailedReset},
	TradeActive:     {Idle},
	FailedReset:     {Idle},
}

var descriptions = map[State]string{
	Idle:            "空闲，等待冲击K线",
	ShockDetected:   "已识别冲击K线，等待消化",
	Digestion:       "消化阶段，等待量能收缩与承接K线",
	AcceptanceReady: "承接确认，可在决策窗口内交易",
	TradeActive:     "持仓中",
	FailedReset:     "设置失效，等待重置",
}

// Valid 判断状态是否为已知状态。
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition 判断 from→to 是否在允许表内。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition 校验迁移，非法时返回 ErrInvalidTransition。
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanTrade 只有决策就绪状态允许交易。
func CanTrade(s State) bool {
	return s == AcceptanceReady
}

// ValidNextStates 返回 s 允许迁移到的状态。
func ValidNextStates(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// Describe 返回状态的可读描述。
func Describe(s State) string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return "未知状态"
}

// Input 为一次状态评估所需的观测。
type Input struct {
	State               State
	DaysSinceShock      int
	AcceptanceCandle    bool
	VolumeTrend         VolumeTrend
	PriceNearResistance bool
}

// Outcome 为状态评估结果。
type Outcome struct {
	From    State
	To      State
	Reason  string
	Changed bool
}

// Evaluate 按优先级规则计算下一状态，相同输入总是得到相同结果。
func Evaluate(in Input) Outcome {
	if reason, fail := failureReason(in); fail {
		return Outcome{From: in.State, To: FailedReset, Reason: reason, Changed: true}
	}

	switch in.State {
	case ShockDetected:
		if in.DaysSinceShock >= 1 {
			return Outcome{From: in.State, To: Digestion, Reason: ReasonEnterDigestion, Changed: true}
		}
	case Digestion:
		if in.DaysSinceShock >= 1 && in.DaysSinceShock <= 4 &&
			in.AcceptanceCandle && in.VolumeTrend == VolumeDecreasing {
			return Outcome{From: in.State, To: AcceptanceReady, Reason: ReasonAcceptanceReady, Changed: true}
		}
	case FailedReset:
		return Outcome{From: in.State, To: Idle, Reason: ReasonReset, Changed: true}
	}

	return Outcome{From: in.State, To: in.State, Reason: ReasonNoChange}
}

func failureReason(in Input) (string, bool) {
	// 已失效或空闲/持仓状态不参与失效判定，否则会产生表外迁移
	switch in.State {
	case ShockDetected, Digestion, AcceptanceReady:
	default:
		return "", false
	}

	if in.DaysSinceShock > MaxDaysSinceShock {
		return ReasonTooManyDays, true
	}
	if in.State == Digestion && in.VolumeTrend == VolumeExpanding {
		return ReasonVolumeExpanding, true
	}
	if in.State == AcceptanceReady && in.PriceNearResistance && in.VolumeTrend != VolumeDecreasing {
		return ReasonNearResistance, true
	}
	return "", false
}
