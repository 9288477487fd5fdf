package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
	"shock-trader/internal/ledger"
)

// RealVenue 通过 ccxt 在券商账户下市价单。止损由持仓监控以市价平仓执行。
type RealVenue struct {
	client *exchange.Client
	depth  int
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	stops map[string]float64
}

// NewRealVenue 创建实盘执行端。
func NewRealVenue(client *exchange.Client, logger *zap.Logger) (*RealVenue, error) {
	if client == nil {
		return nil, errors.New("execution: 交易所客户端不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealVenue{
		client: client,
		depth:  5,
		logger: logger,
		now:    time.Now,
		stops:  make(map[string]float64),
	}, nil
}

// Mode 返回实盘模式。
func (r *RealVenue) Mode() config.TradingMode {
	return config.ModeReal
}

// PlaceOrder 提交市价买单，成交价缺失时以盘口中间价记账。
func (r *RealVenue) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := req.Validate(); err != nil {
		return Fill{}, err
	}
	order, err := r.submit(ctx, req.Instrument, OrderSideBuy, float64(req.Lots), map[string]interface{}{})
	if err != nil {
		return Fill{}, err
	}

	price := orderPrice(order)
	if price <= 0 {
		price = req.ReferencePrice
	}
	if price <= 0 {
		if price, err = r.CurrentPrice(ctx, req.Instrument); err != nil {
			return Fill{}, err
		}
	}

	fill := Fill{
		OrderID:    stringValue(order.Id),
		Instrument: req.Instrument,
		Side:       OrderSideBuy,
		Price:      price,
		Lots:       req.Lots,
		Mode:       config.ModeReal,
		FilledAt:   r.now(),
	}
	r.logger.Info("实盘成交",
		zap.String("order_id", fill.OrderID),
		zap.String("instrument", fill.Instrument),
		zap.Float64("price", fill.Price),
		zap.Int("lots", fill.Lots),
	)
	return fill, nil
}

// ExitPosition 提交只减仓的市价卖单。
func (r *RealVenue) ExitPosition(ctx context.Context, trade ledger.Trade) (ExitFill, error) {
	order, err := r.submit(ctx, trade.Instrument, OrderSideSell, float64(trade.Lots), map[string]interface{}{
		"reduceOnly": true,
	})
	if err != nil {
		return ExitFill{}, err
	}
	price := orderPrice(order)
	if price <= 0 {
		if price, err = r.CurrentPrice(ctx, trade.Instrument); err != nil {
			return ExitFill{}, err
		}
	}

	r.mu.Lock()
	delete(r.stops, trade.ID)
	r.mu.Unlock()

	return ExitFill{
		OrderID: stringValue(order.Id),
		Price:   price,
		PnL:     (price - trade.EntryPrice) * float64(trade.Lots),
		At:      r.now(),
	}, nil
}

// CurrentPrice 以盘口中间价作为最新价。
func (r *RealVenue) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	book, err := r.client.FetchOrderBook(ctx, instrument, r.depth)
	if err != nil {
		return 0, fmt.Errorf("execution: %s: %w: %w", instrument, ErrNoPrice, err)
	}
	mid := book.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("execution: %s 盘口为空: %w", instrument, ErrNoPrice)
	}
	return mid, nil
}

// MonitorPositions 返回每笔持仓的最新价。
func (r *RealVenue) MonitorPositions(ctx context.Context, trades []ledger.Trade) ([]Quote, error) {
	return collectQuotes(ctx, r, trades, r.now, r.logger)
}

// ModifyStopLoss 更新本地止损价。
func (r *RealVenue) ModifyStopLoss(_ context.Context, tradeID string, stopLoss float64) error {
	if stopLoss <= 0 {
		return fmt.Errorf("execution: 止损价必须大于0: %w", ErrInvalidOrder)
	}
	r.mu.Lock()
	r.stops[tradeID] = stopLoss
	r.mu.Unlock()
	r.logger.Debug("更新止损", zap.String("trade_id", tradeID), zap.Float64("stop_loss", stopLoss))
	return nil
}

// Healthy 以账户余额查询是否成功判断券商连接。
func (r *RealVenue) Healthy(ctx context.Context) bool {
	err := r.client.Call(ctx, "fetch_balance", func() error {
		_, callErr := r.client.Raw().FetchBalance()
		return callErr
	})
	if err != nil {
		r.logger.Warn("券商健康检查失败", zap.Error(err))
		return false
	}
	return true
}

func (r *RealVenue) submit(ctx context.Context, instrument string, side OrderSide, amount float64, params map[string]interface{}) (ccxt.Order, error) {
	var order ccxt.Order
	err := r.client.Call(ctx, "create_market_order", func() error {
		var callErr error
		order, callErr = r.client.Raw().CreateMarketOrder(instrument, string(side), amount,
			ccxt.WithCreateMarketOrderParams(params))
		return callErr
	})
	if err != nil {
		return ccxt.Order{}, fmt.Errorf("execution: %s %s 下单失败: %w", side, instrument, err)
	}
	return order, nil
}

func orderPrice(o ccxt.Order) float64 {
	if o.Average != nil && *o.Average > 0 {
		return *o.Average
	}
	if o.Price != nil {
		return *o.Price
	}
	return 0
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
