package feature

import (
	"context"
	"math"
	"testing"
	"time"

	"shock-trader/internal/exchange"
	"shock-trader/internal/store"
)

func TestSignalStore_AssemblesSignals(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer st.Close()

	signals, err := NewSignalStore(st)
	if err != nil {
		t.Fatalf("NewSignalStore: %v", err)
	}
	ctx := context.Background()

	book := exchange.OrderBookSnapshot{
		Bids: []exchange.OrderBookLevel{{Price: 99.5}},
		Asks: []exchange.OrderBookLevel{{Price: 100.5}},
	}

	aux, err := signals.Signals(ctx, "TCS", book)
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}
	neutral := NeutralSignals()
	if aux.FIIFlow != neutral.FIIFlow || aux.NewsRisk != neutral.NewsRisk {
		t.Fatalf("missing row should fall back to neutral signals, got %+v", aux)
	}
	if math.Abs(aux.BidAskSpreadPct-1.0) > 1e-9 {
		t.Fatalf("expected spread 1%%, got %v", aux.BidAskSpreadPct)
	}

	at := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	if err := signals.Upsert(ctx, StoredSignals{Symbol: "TCS", OIAlignment: OIAligned, FIIFlow: FIIBuy, DIIFlow: DIIBuy, NewsRisk: NewsLow, UpdatedAt: at}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := signals.Upsert(ctx, StoredSignals{Symbol: "TCS", OIAlignment: OIAligned, FIIFlow: FIIStrongBuy, DIIFlow: DIIBuy, NewsRisk: NewsLow, UpdatedAt: at.Add(time.Hour)}); err != nil {
		t.Fatalf("Upsert overwrite: %v", err)
	}

	aux, err = signals.Signals(ctx, "TCS", exchange.OrderBookSnapshot{})
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}
	if aux.FIIFlow != FIIStrongBuy || aux.OIAlignment != OIAligned || aux.NewsRisk != NewsLow {
		t.Fatalf("unexpected signals %+v", aux)
	}
	if aux.BidAskSpreadPct != neutral.BidAskSpreadPct {
		t.Fatalf("empty book should keep conservative spread, got %v", aux.BidAskSpreadPct)
	}

	latest, ok, err := signals.Latest(ctx, "TCS")
	if err != nil || !ok {
		t.Fatalf("Latest: %v %v", ok, err)
	}
	if !latest.UpdatedAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("unexpected updated_at %v", latest.UpdatedAt)
	}
}
