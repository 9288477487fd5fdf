package setup

import (
	"errors"
	"time"

	"shock-trader/internal/feature"
	"shock-trader/internal/statemachine"
)

var (
	// ErrNotFound 表示设置不存在。
	ErrNotFound = errors.New("setup not found")
	// ErrActiveSetupExists 表示该标的已有活跃设置。
	ErrActiveSetupExists = errors.New("active setup already exists for symbol")
	// ErrTransitionLogFailure 表示状态迁移审计写入失败，状态未被修改。
	ErrTransitionLogFailure = errors.New("transition log failure")
)

// Setup 为一次冲击事件对应的交易设置。
type Setup struct {
	ID             string             `json:"id"`
	Symbol         string             `json:"symbol"`
	ShockDate      time.Time          `json:"shock_date"`
	Direction      feature.Direction  `json:"direction"`
	ShockHigh      float64            `json:"shock_high"`
	ShockLow       float64            `json:"shock_low"`
	VolumeMultiple float64            `json:"volume_multiple"`
	State          statemachine.State `json:"state"`
	DaysSinceShock int                `json:"days_since_shock"`
	Active         bool               `json:"active"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// FeatureContext 返回特征计算所需的上下文。
func (s Setup) FeatureContext() feature.Context {
	return feature.Context{
		Symbol:         s.Symbol,
		ShockDate:      s.ShockDate,
		Direction:      s.Direction,
		ShockHigh:      s.ShockHigh,
		ShockLow:       s.ShockLow,
		VolumeMultiple: s.VolumeMultiple,
	}
}

// Transition 为一条状态迁移审计记录。
type Transition struct {
	ID             int64              `json:"id"`
	SetupID        string             `json:"setup_id"`
	From           statemachine.State `json:"from"`
	To             statemachine.State `json:"to"`
	Reason         string             `json:"reason"`
	DaysSinceShock int                `json:"days_since_shock"`
	CreatedAt      time.Time          `json:"created_at"`
}
