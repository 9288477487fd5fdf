package exchange

import (
	"context"
	"time"
)

const (
	// TimeframeDaily 为冲击识别与特征计算使用的日线周期。
	TimeframeDaily = "1d"
	// TimeframeIntraday 为持仓监控使用的盘中周期。
	TimeframeIntraday = "15m"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Nonce     int64
}

// Mid 返回买一卖一中间价，盘口缺失时为0。
func (o OrderBookSnapshot) Mid() float64 {
	if len(o.Bids) == 0 || len(o.Asks) == 0 {
		return 0
	}
	return (o.Bids[0].Price + o.Asks[0].Price) / 2
}

// SpreadPct 返回买卖价差占中间价的百分比，第二个返回值表示盘口是否可用。
func (o OrderBookSnapshot) SpreadPct() (float64, bool) {
	mid := o.Mid()
	if mid <= 0 {
		return 0, false
	}
	return (o.Asks[0].Price - o.Bids[0].Price) / mid * 100, true
}

// CandleSource 按时间顺序返回最近 count 根K线。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error)
}

// OrderBookSource 返回订单簿快照。
type OrderBookSource interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBookSnapshot, error)
}

// MarketSnapshot 聚合单个标的的日线与盘口数据。
type MarketSnapshot struct {
	Symbol      string
	Daily       []Candle
	OrderBook   OrderBookSnapshot
	BookHealthy bool
	RetrievedAt time.Time
}

// LastClose 返回最新收盘价，没有K线时回退到盘口中间价。
func (s MarketSnapshot) LastClose() float64 {
	if n := len(s.Daily); n > 0 {
		return s.Daily[n-1].Close
	}
	return s.OrderBook.Mid()
}

// SnapshotRequest 控制一次快照采集的参数。
type SnapshotRequest struct {
	DailyLimit     int
	OrderBookDepth int
}

// DefaultSnapshotRequest 返回默认快照参数。
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{
		DailyLimit:     30,
		OrderBookDepth: 20,
	}
}
