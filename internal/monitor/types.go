package monitor

import (
	"time"

	"shock-trader/internal/advisory"
	"shock-trader/internal/execution"
	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
	"shock-trader/internal/safety"
	"shock-trader/internal/statemachine"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventScan       EventType = "scan"
	EventTransition EventType = "transition"
	EventDecision   EventType = "decision"
	EventSafety     EventType = "safety"
	EventExecution  EventType = "execution"
	EventExit       EventType = "exit"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ScanPayload 记录一次收盘扫描。
type ScanPayload struct {
	Scanned    int               `json:"scanned"`
	Registered []string          `json:"registered"`
	Advanced   int               `json:"advanced"`
	BlackSwans []string          `json:"black_swans,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// TransitionPayload 记录设置状态迁移。
type TransitionPayload struct {
	SetupID string             `json:"setup_id"`
	Symbol  string             `json:"symbol"`
	From    statemachine.State `json:"from"`
	To      statemachine.State `json:"to"`
	Reason  string             `json:"reason"`
}

// DecisionPayload 记录一次决策及其输入。
type DecisionPayload struct {
	Decision ledger.Decision   `json:"decision"`
	Features *feature.Vector   `json:"features,omitempty"`
	Advisory *advisory.Opinion `json:"advisory,omitempty"`
}

// SafetyPayload 记录安全闸门的拦截。
type SafetyPayload struct {
	SetupID string         `json:"setup_id"`
	Verdict safety.Verdict `json:"verdict"`
}

// ExecutionPayload 记录开仓成交。
type ExecutionPayload struct {
	Trade ledger.Trade   `json:"trade"`
	Fill  execution.Fill `json:"fill"`
}

// ExitPayload 记录平仓。
type ExitPayload struct {
	Trade ledger.Trade `json:"trade"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
