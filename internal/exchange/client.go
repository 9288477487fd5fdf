package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"shock-trader/internal/config"
)

// API 为系统使用到的 ccxt 统一接口子集。
type API interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Options 描述连接交易所所需的参数。
type Options struct {
	Exchange   string
	APIKey     string
	APISecret  string
	APIPass    string
	UseSandbox bool
	Retry      config.RetryConfig
}

// MarketOptions 由行情配置生成连接参数。
func MarketOptions(cfg config.MarketConfig) Options {
	return Options{
		Exchange:   cfg.Exchange,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		UseSandbox: cfg.UseSandbox,
		Retry:      cfg.Retry,
	}
}

// BrokerOptions 由执行端配置生成连接参数。
func BrokerOptions(cfg config.BrokerConfig) Options {
	return Options{
		Exchange:   cfg.Exchange,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		APIPass:    cfg.APIPass,
		UseSandbox: cfg.UseSandbox,
		Retry:      cfg.Retry,
	}
}

// Dial 创建 ccxt 客户端，返回统一接口与市场元数据加载函数。
func Dial(opts Options) (API, func() error, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if opts.APIKey != "" {
		userConfig["apiKey"] = opts.APIKey
	}
	if opts.APISecret != "" {
		userConfig["secret"] = opts.APISecret
	}
	if opts.APIPass != "" {
		userConfig["password"] = opts.APIPass
	}

	switch strings.ToLower(strings.TrimSpace(opts.Exchange)) {
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if opts.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if opts.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	default:
		return nil, nil, fmt.Errorf("exchange: %w: %q", ErrUnsupportedExchange, opts.Exchange)
	}
}

// Client 负责与交易所交互并实现重试机制，可同时服务多个标的。
type Client struct {
	retry  config.RetryConfig
	logger *zap.Logger
	api    API
	load   func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 按配置连接交易所。
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	api, load, err := Dial(opts)
	if err != nil {
		return nil, err
	}
	return NewClientWithAPI(api, load, opts.Retry, logger), nil
}

// NewClientWithAPI 使用已有的统一接口构造客户端，load 可为空。
func NewClientWithAPI(api API, load func() error, retry config.RetryConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		retry:         retry,
		logger:        logger,
		api:           api,
		load:          load,
		marketsLoaded: load == nil,
	}
}

// Raw 返回底层 ccxt 接口。
func (c *Client) Raw() API {
	return c.api
}

// FetchCandles 获取指定周期的K线数据，按时间升序返回。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error) {
	if count <= 0 {
		count = 1
	}

	var raw []ccxt.OHLCV
	err := c.Call(ctx, fmt.Sprintf("fetch_ohlcv_%s_%s", symbol, timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.api.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(count)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}

// FetchOrderBook 获取订单簿快照。
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}

	var raw ccxt.OrderBook
	err := c.Call(ctx, "fetch_order_book_"+symbol, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		orderBook, err := c.api.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(int64(depth)))
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}
	return convertOrderBook(symbol, raw), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if err := c.load(); err != nil {
		return err
	}
	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// Call 以指数退避重试执行一次交易所调用。
func (c *Client) Call(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classify(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBookSnapshot {
	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	var nonce int64
	if ob.Nonce != nil {
		nonce = *ob.Nonce
	}

	return OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      convertLevels(ob.Bids),
		Asks:      convertLevels(ob.Asks),
		Timestamp: ts,
		Nonce:     nonce,
	}
}

func convertLevels(levels [][]float64) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, OrderBookLevel{Price: level[0], Amount: level[1]})
	}
	return out
}
