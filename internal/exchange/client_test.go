package exchange

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"shock-trader/internal/config"
)

type fakeAPI struct {
	ohlcv     []ccxt.OHLCV
	book      ccxt.OrderBook
	failures  int
	failErr   error
	calls     int
	symbols   []string
	loadCalls int
}

func (f *fakeAPI) FetchOHLCV(symbol string, _ ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
	f.calls++
	f.symbols = append(f.symbols, symbol)
	if f.calls <= f.failures {
		return nil, f.failErr
	}
	return f.ohlcv, nil
}

func (f *fakeAPI) FetchOrderBook(symbol string, _ ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	f.calls++
	f.symbols = append(f.symbols, symbol)
	if f.calls <= f.failures {
		return ccxt.OrderBook{}, f.failErr
	}
	return f.book, nil
}

func (f *fakeAPI) FetchBalance(...interface{}) (ccxt.Balances, error) {
	return ccxt.Balances{}, nil
}

func (f *fakeAPI) CreateMarketOrder(string, string, float64, ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	return ccxt.Order{}, nil
}

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{MaxAttempts: attempts, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestFetchCandles_ConvertsAndLoadsMarketsOnce(t *testing.T) {
	api := &fakeAPI{ohlcv: []ccxt.OHLCV{
		{Timestamp: 1735689600000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Timestamp: 1735776000000, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 200},
	}}
	loads := 0
	client := NewClientWithAPI(api, func() error { loads++; return nil }, fastRetry(1), nil)

	for i := 0; i < 2; i++ {
		candles, err := client.FetchCandles(context.Background(), "TCS", TimeframeDaily, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(candles) != 2 {
			t.Fatalf("expected 2 candles, got %d", len(candles))
		}
		if !candles[0].Timestamp.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected timestamp %v", candles[0].Timestamp)
		}
		if candles[1].Close != 2.5 || candles[1].Volume != 200 {
			t.Fatalf("unexpected candle %+v", candles[1])
		}
	}
	if loads != 1 {
		t.Fatalf("expected markets loaded once, got %d", loads)
	}
}

func TestCall_RetriesNetworkErrors(t *testing.T) {
	api := &fakeAPI{failures: 2, failErr: &net.DNSError{Err: "timeout", IsTimeout: true}}
	client := NewClientWithAPI(api, nil, fastRetry(3), nil)

	if _, err := client.FetchCandles(context.Background(), "INFY", TimeframeDaily, 5); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if api.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", api.calls)
	}
}

func TestCall_DoesNotRetryPlainErrors(t *testing.T) {
	api := &fakeAPI{failures: 5, failErr: errors.New("bad symbol")}
	client := NewClientWithAPI(api, nil, fastRetry(3), nil)

	if _, err := client.FetchCandles(context.Background(), "???", TimeframeDaily, 5); err == nil {
		t.Fatal("expected error")
	}
	if api.calls != 1 {
		t.Fatalf("expected a single call, got %d", api.calls)
	}
}

func TestCall_StopsOnCancelledContext(t *testing.T) {
	api := &fakeAPI{}
	client := NewClientWithAPI(api, nil, fastRetry(3), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.FetchCandles(ctx, "TCS", TimeframeDaily, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if api.calls != 0 {
		t.Fatalf("expected no calls, got %d", api.calls)
	}
}

func TestFetchOrderBook_Spread(t *testing.T) {
	ts := int64(1735689600000)
	api := &fakeAPI{book: ccxt.OrderBook{
		Bids:      [][]float64{{99, 10}, {98}},
		Asks:      [][]float64{{101, 5}},
		Timestamp: &ts,
	}}
	client := NewClientWithAPI(api, nil, fastRetry(1), nil)

	book, err := client.FetchOrderBook(context.Background(), "TCS", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Bids) != 1 {
		t.Fatalf("malformed level should be skipped, got %d bids", len(book.Bids))
	}
	spread, ok := book.SpreadPct()
	if !ok || math.Abs(spread-2) > 1e-9 {
		t.Fatalf("expected spread 2%%, got %v (%v)", spread, ok)
	}
	if (OrderBookSnapshot{}).Mid() != 0 {
		t.Fatal("empty book should have zero mid")
	}
}

func TestDial_UnknownExchange(t *testing.T) {
	if _, _, err := Dial(Options{Exchange: "nse-direct"}); !errors.Is(err, ErrUnsupportedExchange) {
		t.Fatalf("expected ErrUnsupportedExchange, got %v", err)
	}
}
