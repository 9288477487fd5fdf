package feature

import (
	"errors"
	"time"

	"shock-trader/internal/statemachine"
)

// ErrInsufficientData 表示K线或历史数据不足以计算特征。
var ErrInsufficientData = errors.New("insufficient data")

// Direction 表示冲击K线方向。
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// PriceTrend 表示价格趋势。
type PriceTrend string

const (
	TrendUp    PriceTrend = "UP"
	TrendDown  PriceTrend = "DOWN"
	TrendRange PriceTrend = "RANGE"
)

// OptionType 表示期权方向。
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// StrikeType 表示行权价偏好。
type StrikeType string

const (
	StrikeATM  StrikeType = "ATM"
	StrikeITM1 StrikeType = "ITM1"
)

// OIAlignment 表示持仓量与方向是否一致。
type OIAlignment string

const (
	OIAligned   OIAlignment = "ALIGNED"
	OIDivergent OIAlignment = "DIVERGENT"
)

// FIIFlow 表示外资资金流向。
type FIIFlow string

const (
	FIIStrongBuy  FIIFlow = "STRONG_BUY"
	FIIBuy        FIIFlow = "BUY"
	FIINeutral    FIIFlow = "NEUTRAL"
	FIISell       FIIFlow = "SELL"
	FIIStrongSell FIIFlow = "STRONG_SELL"
)

// DIIFlow 表示内资资金流向。
type DIIFlow string

const (
	DIIBuy     DIIFlow = "BUY"
	DIINeutral DIIFlow = "NEUTRAL"
	DIISell    DIIFlow = "SELL"
)

// NewsRisk 表示新闻风险等级。
type NewsRisk string

const (
	NewsLow  NewsRisk = "LOW"
	NewsHigh NewsRisk = "HIGH"
)

// Context 为计算特征所需的设置上下文。
type Context struct {
	Symbol         string
	ShockDate      time.Time
	Direction      Direction
	ShockHigh      float64
	ShockLow       float64
	VolumeMultiple float64
}

// AuxSignals 由数据方注入的辅助信号，引擎只做透传。
type AuxSignals struct {
	BidAskSpreadPct float64     `json:"bid_ask_spread_pct"`
	OIAlignment     OIAlignment `json:"oi_alignment"`
	FIIFlow         FIIFlow     `json:"fii_flow"`
	DIIFlow         DIIFlow     `json:"dii_flow"`
	NewsRisk        NewsRisk    `json:"news_risk"`
}

// NeutralSignals 为数据缺失时的保守默认值。
func NeutralSignals() AuxSignals {
	return AuxSignals{
		BidAskSpreadPct: 2.0,
		OIAlignment:     OIDivergent,
		FIIFlow:         FIINeutral,
		DIIFlow:         DIINeutral,
		NewsRisk:        NewsHigh,
	}
}

// Vector 为固定结构的特征向量。
type Vector struct {
	ShockCandle             bool                     `json:"shock_candle"`
	ShockDirection          Direction                `json:"shock_direction"`
	ShockVolumeMultiple     float64                  `json:"shock_volume_multiple"`
	DaysSinceShock          int                      `json:"days_since_shock"`
	VolumeTrend             statemachine.VolumeTrend `json:"volume_trend"`
	AcceptanceCandle        bool                     `json:"acceptance_candle"`
	Trend                   PriceTrend               `json:"trend"`
	CurrentPrice            float64                  `json:"current_price"`
	Support                 float64                  `json:"support"`
	Resistance              float64                  `json:"resistance"`
	DistanceToSupportPct    float64                  `json:"distance_to_support_pct"`
	DistanceToResistancePct float64                  `json:"distance_to_resistance_pct"`
	OptionType              OptionType               `json:"option_type"`
	StrikeType              StrikeType               `json:"strike_type"`
	AuxSignals
}

// Snapshot 为单次评估的只读特征快照。
type Snapshot struct {
	ID         int64     `json:"id"`
	SetupID    string    `json:"setup_id"`
	CycleID    string    `json:"cycle_id"`
	Vector     Vector    `json:"vector"`
	CapturedAt time.Time `json:"captured_at"`
}
