package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所维护中，本轮不再重试。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrNoCandles 表示数据源未返回任何K线，上层按行情不可用处理。
	ErrNoCandles = errors.New("exchange returned no candles")
	// ErrUnsupportedExchange 表示配置的交易所没有对应的 ccxt 实现。
	ErrUnsupportedExchange = errors.New("unsupported exchange")
)

// IsRetryable 判断 ccxt 错误是否属于网络抖动或限频，退避后可以重试。
func IsRetryable(err error) bool {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return false
	}
	switch ccxtErr.Type {
	case ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.DDoSProtectionErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType:
		return true
	}
	return false
}

// classify 归一化一次调用的错误，并给出是否值得重试。
// 上下文取消不重试；维护状态转换为 ErrMaintenance；底层网络错误总是重试。
func classify(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}
	return err, false
}
