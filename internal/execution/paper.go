package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/ledger"
)

const pricePrecision = 2

// PaperVenue 以期权链最新价模拟成交，买入加滑点、卖出减滑点。
type PaperVenue struct {
	prices   PriceSource
	slippage decimal.Decimal
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	stops map[string]float64
}

// NewPaperVenue 创建纸面执行端。
func NewPaperVenue(prices PriceSource, slippage float64, logger *zap.Logger) (*PaperVenue, error) {
	if prices == nil {
		return nil, errors.New("execution: 价格源不能为空")
	}
	if slippage < 0 || slippage >= 1 {
		return nil, fmt.Errorf("execution: 滑点 %.4f 超出范围", slippage)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperVenue{
		prices:   prices,
		slippage: decimal.NewFromFloat(slippage),
		logger:   logger,
		now:      time.Now,
		stops:    make(map[string]float64),
	}, nil
}

// Mode 返回纸面模式。
func (p *PaperVenue) Mode() config.TradingMode {
	return config.ModePaper
}

// PlaceOrder 以参考价（缺省取最新价）加滑点成交。
func (p *PaperVenue) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := req.Validate(); err != nil {
		return Fill{}, err
	}
	price := req.ReferencePrice
	if price == 0 {
		var err error
		if price, err = p.CurrentPrice(ctx, req.Instrument); err != nil {
			return Fill{}, err
		}
	}

	fillPrice := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(1).Add(p.slippage)).
		Round(pricePrecision)

	fill := Fill{
		OrderID:    "PAPER-" + uuid.NewString(),
		Instrument: req.Instrument,
		Side:       OrderSideBuy,
		Price:      fillPrice.InexactFloat64(),
		Lots:       req.Lots,
		Mode:       config.ModePaper,
		FilledAt:   p.now(),
	}
	p.logger.Info("纸面成交",
		zap.String("order_id", fill.OrderID),
		zap.String("instrument", fill.Instrument),
		zap.Float64("price", fill.Price),
		zap.Int("lots", fill.Lots),
	)
	return fill, nil
}

// ExitPosition 以最新价减滑点平仓并计算盈亏。
func (p *PaperVenue) ExitPosition(ctx context.Context, trade ledger.Trade) (ExitFill, error) {
	price, err := p.CurrentPrice(ctx, trade.Instrument)
	if err != nil {
		return ExitFill{}, err
	}
	exit := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(1).Sub(p.slippage)).
		Round(pricePrecision)
	pnl := exit.Sub(decimal.NewFromFloat(trade.EntryPrice)).
		Mul(decimal.NewFromInt(int64(trade.Lots))).
		Round(pricePrecision)

	p.mu.Lock()
	delete(p.stops, trade.ID)
	p.mu.Unlock()

	return ExitFill{
		OrderID: "PAPER-" + uuid.NewString(),
		Price:   exit.InexactFloat64(),
		PnL:     pnl.InexactFloat64(),
		At:      p.now(),
	}, nil
}

// CurrentPrice 读取最新价。
func (p *PaperVenue) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	price, err := p.prices.LastPrice(ctx, instrument)
	if err != nil {
		return 0, fmt.Errorf("execution: %s: %w: %w", instrument, ErrNoPrice, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("execution: %s: %w", instrument, ErrNoPrice)
	}
	return price, nil
}

// MonitorPositions 返回每笔持仓的最新价，取价失败的持仓被跳过。
func (p *PaperVenue) MonitorPositions(ctx context.Context, trades []ledger.Trade) ([]Quote, error) {
	return collectQuotes(ctx, p, trades, p.now, p.logger)
}

// ModifyStopLoss 记录止损价，纸面端由持仓监控负责触发。
func (p *PaperVenue) ModifyStopLoss(_ context.Context, tradeID string, stopLoss float64) error {
	if stopLoss <= 0 {
		return fmt.Errorf("execution: 止损价必须大于0: %w", ErrInvalidOrder)
	}
	p.mu.Lock()
	p.stops[tradeID] = stopLoss
	p.mu.Unlock()
	return nil
}

// StopLoss 返回已登记的止损价。
func (p *PaperVenue) StopLoss(tradeID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.stops[tradeID]
	return v, ok
}

// Healthy 纸面端始终可用。
func (p *PaperVenue) Healthy(context.Context) bool {
	return true
}

func collectQuotes(ctx context.Context, v Venue, trades []ledger.Trade, now func() time.Time, logger *zap.Logger) ([]Quote, error) {
	quotes := make([]Quote, 0, len(trades))
	var failed int
	for _, t := range trades {
		if !t.Open() {
			continue
		}
		price, err := v.CurrentPrice(ctx, t.Instrument)
		if err != nil {
			failed++
			logger.Warn("持仓取价失败", zap.String("trade_id", t.ID), zap.Error(err))
			continue
		}
		quotes = append(quotes, Quote{TradeID: t.ID, Instrument: t.Instrument, Price: price, At: now()})
	}
	if failed > 0 && len(quotes) == 0 {
		return nil, fmt.Errorf("execution: %d 笔持仓全部取价失败: %w", failed, ErrNoPrice)
	}
	return quotes, nil
}
