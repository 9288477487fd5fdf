package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shock-trader/internal/config"
	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
)

var (
	// ErrInvalidOrder 表示下单参数不合法。
	ErrInvalidOrder = errors.New("execution: invalid order")
	// ErrNoPrice 表示无法取得合约价格。
	ErrNoPrice = errors.New("execution: price unavailable")
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest 为一次买入期权的委托。
type OrderRequest struct {
	SetupID        string
	Symbol         string
	Instrument     string
	OptionType     feature.OptionType
	Strike         float64
	Lots           int
	ReferencePrice float64
}

// Validate 校验委托字段。
func (r OrderRequest) Validate() error {
	switch {
	case r.Instrument == "":
		return fmt.Errorf("execution: 合约不能为空: %w", ErrInvalidOrder)
	case r.Lots <= 0:
		return fmt.Errorf("execution: 手数必须大于0: %w", ErrInvalidOrder)
	case r.ReferencePrice < 0:
		return fmt.Errorf("execution: 参考价不能为负: %w", ErrInvalidOrder)
	}
	return nil
}

// Fill 为成交回报。
type Fill struct {
	OrderID    string
	Instrument string
	Side       OrderSide
	Price      float64
	Lots       int
	Mode       config.TradingMode
	FilledAt   time.Time
}

// ExitFill 为平仓回报，PnL = (平仓价 - 开仓价) × 手数。
type ExitFill struct {
	OrderID string
	Price   float64
	PnL     float64
	At      time.Time
}

// Quote 为持仓合约的最新价格。
type Quote struct {
	TradeID    string
	Instrument string
	Price      float64
	At         time.Time
}

// Venue 为执行端，纸面与实盘各有实现。
type Venue interface {
	Mode() config.TradingMode
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	ExitPosition(ctx context.Context, trade ledger.Trade) (ExitFill, error)
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
	MonitorPositions(ctx context.Context, trades []ledger.Trade) ([]Quote, error)
	ModifyStopLoss(ctx context.Context, tradeID string, stopLoss float64) error
	Healthy(ctx context.Context) bool
}

// PriceSource 提供合约最新价。
type PriceSource interface {
	LastPrice(ctx context.Context, instrument string) (float64, error)
}
