package ledger

import (
	"errors"
	"time"

	"shock-trader/internal/config"
	"shock-trader/internal/feature"
	"shock-trader/internal/scoring"
)

var (
	// ErrNotFound 表示交易不存在。
	ErrNotFound = errors.New("ledger: trade not found")
	// ErrDuplicateCycle 表示同一设置在同一周期已有记录。
	ErrDuplicateCycle = errors.New("ledger: setup already processed in cycle")
	// ErrTradeClosed 表示交易已平仓。
	ErrTradeClosed = errors.New("ledger: trade already closed")
)

// TradeStatus 表示交易状态。
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// ExitReason 表示平仓原因。
type ExitReason string

const (
	ExitStopLoss     ExitReason = "SL_HIT"
	ExitTrailingStop ExitReason = "TRAILING_SL"
	ExitNextDay      ExitReason = "NEXT_DAY_EXIT"
	ExitManual       ExitReason = "MANUAL"
	ExitEmergency    ExitReason = "EMERGENCY"
)

// Trade 为一笔期权交易记录。
type Trade struct {
	ID                   string             `json:"id"`
	SetupID              string             `json:"setup_id"`
	CycleID              string             `json:"cycle_id"`
	Mode                 config.TradingMode `json:"mode"`
	Symbol               string             `json:"symbol"`
	Instrument           string             `json:"instrument"`
	OptionType           feature.OptionType `json:"option_type"`
	Strike               float64            `json:"strike"`
	StrikeType           string             `json:"strike_type"`
	Expiry               string             `json:"expiry"`
	OrderID              string             `json:"order_id"`
	EntryPrice           float64            `json:"entry_price"`
	EntryTime            time.Time          `json:"entry_time"`
	ExitPrice            float64            `json:"exit_price,omitempty"`
	ExitTime             *time.Time         `json:"exit_time,omitempty"`
	Lots                 int                `json:"lots"`
	CapitalUsed          float64            `json:"capital_used"`
	StopLoss             float64            `json:"stop_loss"`
	TrailingStop         float64            `json:"trailing_stop"`
	HighestPrice         float64            `json:"highest_price"`
	RawConfidence        float64            `json:"raw_confidence"`
	CalibratedConfidence float64            `json:"calibrated_confidence"`
	AdvisoryUsed         bool               `json:"advisory_used"`
	Features             []string           `json:"features"`
	PnL                  float64            `json:"pnl"`
	ExitReason           ExitReason         `json:"exit_reason,omitempty"`
	Status               TradeStatus        `json:"status"`
}

// Open 判断交易是否仍在持仓。
func (t Trade) Open() bool {
	return t.Status == StatusOpen
}

// Exit 描述平仓字段。
type Exit struct {
	Price  float64
	PnL    float64
	Reason ExitReason
	At     time.Time
}

// Decision 为决策日志中的一条记录，跳过或拦截的决策同样落库。
type Decision struct {
	ID                   int64            `json:"id"`
	SetupID              string           `json:"setup_id"`
	CycleID              string           `json:"cycle_id"`
	Symbol               string           `json:"symbol"`
	Decision             scoring.Decision `json:"decision"`
	Score                float64          `json:"score"`
	RawConfidence        float64          `json:"raw_confidence"`
	CalibratedConfidence float64          `json:"calibrated_confidence"`
	CalibrationFactor    float64          `json:"calibration_factor"`
	AdvisoryProvider     string           `json:"advisory_provider,omitempty"`
	Reason               string           `json:"reason"`
	TradeExecuted        bool             `json:"trade_executed"`
	TradeID              string           `json:"trade_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// SystemState 为单次放行判断所需的账户与健康状态。
type SystemState struct {
	Mode              config.TradingMode `json:"mode"`
	TotalCapital      float64            `json:"total_capital"`
	AvailableCapital  float64            `json:"available_capital"`
	TodayPnL          float64            `json:"today_pnl"`
	TodayTrades       int                `json:"today_trades"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	ActivePositions   int                `json:"active_positions"`
	MarketDataHealthy bool               `json:"market_data_healthy"`
	VenueHealthy      bool               `json:"venue_healthy"`
	AdvisoryHealthy   bool               `json:"advisory_healthy"`
}
