package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
	"shock-trader/internal/ledger"
)

type stubPrices map[string]float64

func (s stubPrices) LastPrice(_ context.Context, instrument string) (float64, error) {
	p, ok := s[instrument]
	if !ok {
		return 0, errors.New("no such contract")
	}
	return p, nil
}

func TestPaperVenue_AppliesSlippage(t *testing.T) {
	venue, err := NewPaperVenue(stubPrices{"TCS-CE-4000": 110}, 0.001, nil)
	require.NoError(t, err)
	ctx := context.Background()

	fill, err := venue.PlaceOrder(ctx, OrderRequest{Instrument: "TCS-CE-4000", Lots: 2, ReferencePrice: 100})
	require.NoError(t, err)
	assert.Equal(t, 100.1, fill.Price)
	assert.Equal(t, config.ModePaper, fill.Mode)
	assert.True(t, strings.HasPrefix(fill.OrderID, "PAPER-"))

	exit, err := venue.ExitPosition(ctx, ledger.Trade{ID: "t1", Instrument: "TCS-CE-4000", EntryPrice: fill.Price, Lots: 2, Status: ledger.StatusOpen})
	require.NoError(t, err)
	// 110 × 0.999 = 109.89
	assert.Equal(t, 109.89, exit.Price)
	assert.Equal(t, 19.58, exit.PnL)
}

func TestPaperVenue_FallsBackToLastPrice(t *testing.T) {
	venue, err := NewPaperVenue(stubPrices{"X": 50}, 0, nil)
	require.NoError(t, err)

	fill, err := venue.PlaceOrder(context.Background(), OrderRequest{Instrument: "X", Lots: 1})
	require.NoError(t, err)
	assert.Equal(t, 50.0, fill.Price)

	_, err = venue.PlaceOrder(context.Background(), OrderRequest{Instrument: "missing", Lots: 1})
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestPaperVenue_RejectsInvalidOrders(t *testing.T) {
	venue, err := NewPaperVenue(stubPrices{}, 0.001, nil)
	require.NoError(t, err)

	cases := map[string]OrderRequest{
		"no instrument":  {Lots: 1},
		"zero lots":      {Instrument: "X"},
		"negative price": {Instrument: "X", Lots: 1, ReferencePrice: -1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := venue.PlaceOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}

	_, err = NewPaperVenue(stubPrices{}, 1.5, nil)
	assert.Error(t, err)
}

func TestPaperVenue_MonitorAndStops(t *testing.T) {
	venue, err := NewPaperVenue(stubPrices{"A": 10, "B": 20}, 0.001, nil)
	require.NoError(t, err)
	ctx := context.Background()

	quotes, err := venue.MonitorPositions(ctx, []ledger.Trade{
		{ID: "1", Instrument: "A", Status: ledger.StatusOpen},
		{ID: "2", Instrument: "gone", Status: ledger.StatusOpen},
		{ID: "3", Instrument: "B", Status: ledger.StatusClosed},
	})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "1", quotes[0].TradeID)
	assert.Equal(t, 10.0, quotes[0].Price)

	_, err = venue.MonitorPositions(ctx, []ledger.Trade{{ID: "2", Instrument: "gone", Status: ledger.StatusOpen}})
	assert.ErrorIs(t, err, ErrNoPrice)

	require.NoError(t, venue.ModifyStopLoss(ctx, "1", 8.5))
	stop, ok := venue.StopLoss("1")
	assert.True(t, ok)
	assert.Equal(t, 8.5, stop)
	assert.ErrorIs(t, venue.ModifyStopLoss(ctx, "1", 0), ErrInvalidOrder)
	assert.True(t, venue.Healthy(ctx))
}

type fakeBroker struct {
	book       ccxt.OrderBook
	balanceErr error
	orderErr   error
	average    float64
	orders     []string
	options    []int
}

func (f *fakeBroker) FetchOHLCV(string, ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
	return nil, nil
}

func (f *fakeBroker) FetchOrderBook(string, ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	return f.book, nil
}

func (f *fakeBroker) FetchBalance(...interface{}) (ccxt.Balances, error) {
	return ccxt.Balances{}, f.balanceErr
}

func (f *fakeBroker) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	if f.orderErr != nil {
		return ccxt.Order{}, f.orderErr
	}
	f.orders = append(f.orders, side+":"+symbol)
	f.options = append(f.options, len(options))
	id := "ord-" + side
	order := ccxt.Order{Id: &id}
	if f.average > 0 {
		avg := f.average
		order.Average = &avg
	}
	return order, nil
}

func newRealVenue(t *testing.T, broker *fakeBroker) *RealVenue {
	t.Helper()
	client := exchange.NewClientWithAPI(broker, nil, config.RetryConfig{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
	venue, err := NewRealVenue(client, nil)
	require.NoError(t, err)
	return venue
}

func TestRealVenue_PlaceAndExit(t *testing.T) {
	broker := &fakeBroker{
		book:    ccxt.OrderBook{Bids: [][]float64{{99, 1}}, Asks: [][]float64{{101, 1}}},
		average: 100.5,
	}
	venue := newRealVenue(t, broker)
	ctx := context.Background()

	fill, err := venue.PlaceOrder(ctx, OrderRequest{Instrument: "TCS-CE", Lots: 3})
	require.NoError(t, err)
	assert.Equal(t, "ord-buy", fill.OrderID)
	assert.Equal(t, 100.5, fill.Price)
	assert.Equal(t, config.ModeReal, fill.Mode)

	broker.average = 0
	exit, err := venue.ExitPosition(ctx, ledger.Trade{ID: "t", Instrument: "TCS-CE", EntryPrice: 90, Lots: 3})
	require.NoError(t, err)
	assert.Equal(t, 100.0, exit.Price)
	assert.InDelta(t, 30.0, exit.PnL, 1e-9)

	require.Equal(t, []string{"buy:TCS-CE", "sell:TCS-CE"}, broker.orders)
	assert.Equal(t, []int{1, 1}, broker.options)
}

func TestRealVenue_HealthAndErrors(t *testing.T) {
	broker := &fakeBroker{}
	venue := newRealVenue(t, broker)
	ctx := context.Background()

	assert.True(t, venue.Healthy(ctx))
	broker.balanceErr = errors.New("unauthorized")
	assert.False(t, venue.Healthy(ctx))

	_, err := venue.CurrentPrice(ctx, "TCS-CE")
	assert.ErrorIs(t, err, ErrNoPrice)

	broker.orderErr = errors.New("rejected")
	_, err = venue.PlaceOrder(ctx, OrderRequest{Instrument: "TCS-CE", Lots: 1, ReferencePrice: 10})
	assert.Error(t, err)
	assert.Equal(t, config.ModeReal, venue.Mode())
}
