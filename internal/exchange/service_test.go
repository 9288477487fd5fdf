package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubSource struct {
	mu      sync.Mutex
	candles map[string][]Candle
	book    OrderBookSnapshot
	bookErr error
}

func (s *stubSource) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.candles[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return data, nil
}

func (s *stubSource) FetchOrderBook(_ context.Context, symbol string, _ int) (OrderBookSnapshot, error) {
	if s.bookErr != nil {
		return OrderBookSnapshot{}, s.bookErr
	}
	book := s.book
	book.Symbol = symbol
	return book, nil
}

func TestGetSnapshot_BookFailureIsTolerated(t *testing.T) {
	src := &stubSource{
		candles: map[string][]Candle{"TCS": {{Close: 10}, {Close: 12}}},
		bookErr: errors.New("book down"),
	}
	svc := NewMarketDataService(src, src, 2, nil)

	snap, err := svc.GetSnapshot(context.Background(), "TCS", SnapshotRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.BookHealthy {
		t.Fatal("book should be unhealthy")
	}
	if snap.LastClose() != 12 {
		t.Fatalf("unexpected last close %v", snap.LastClose())
	}
}

func TestGetSnapshot_EmptyCandles(t *testing.T) {
	src := &stubSource{candles: map[string][]Candle{"TCS": {}}}
	svc := NewMarketDataService(src, nil, 1, nil)

	if _, err := svc.GetSnapshot(context.Background(), "TCS", SnapshotRequest{}); !errors.Is(err, ErrNoCandles) {
		t.Fatalf("expected ErrNoCandles, got %v", err)
	}
}

func TestGetSnapshots_IsolatesFailures(t *testing.T) {
	src := &stubSource{
		candles: map[string][]Candle{"TCS": {{Close: 1}}, "INFY": {{Close: 2}}},
		book:    OrderBookSnapshot{Bids: []OrderBookLevel{{Price: 1}}, Asks: []OrderBookLevel{{Price: 1.01}}},
	}
	svc := NewMarketDataService(src, src, 2, nil)

	snaps, errs := svc.GetSnapshots(context.Background(), []string{"TCS", "INFY", "WIPRO"}, SnapshotRequest{})
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if _, ok := errs["WIPRO"]; !ok || len(errs) != 1 {
		t.Fatalf("expected only WIPRO to fail, got %v", errs)
	}
	if !snaps["INFY"].BookHealthy || snaps["INFY"].OrderBook.Symbol != "INFY" {
		t.Fatalf("unexpected INFY snapshot %+v", snaps["INFY"])
	}
}
