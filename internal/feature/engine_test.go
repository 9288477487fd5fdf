package feature

import (
	"errors"
	"math"
	"testing"
	"time"

	"shock-trader/internal/exchange"
	"shock-trader/internal/statemachine"
)

func candle(day int, open, high, low, close, volume float64) exchange.Candle {
	return exchange.Candle{
		Timestamp: time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}

func TestCompute_RedShockAcceptanceScenario(t *testing.T) {
	// 周一红色冲击，周二缩量并出现实体占比70%的阳线
	shockDate := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	now := time.Date(2025, 3, 11, 9, 15, 0, 0, time.UTC)

	candles := []exchange.Candle{
		candle(3, 100, 101, 99, 100, 1000),
		candle(4, 100, 101, 99, 100, 1000),
		candle(5, 100, 101, 99, 100, 1000),
		candle(6, 100, 101, 99, 100, 1000),
		candle(7, 100, 101, 99, 100, 1000),
		candle(10, 100, 100, 90, 91, 5000),
		candle(11, 91, 93, 90, 92, 600),
	}
	candles = append(candles, candle(11, 91, 95, 90, 94.5, 500))
	candles = append(candles, candle(11, 92, 96, 91, 95.5, 400))

	ctx := Context{
		Symbol:         "TEST",
		ShockDate:      shockDate,
		Direction:      DirectionDown,
		ShockHigh:      100,
		ShockLow:       90,
		VolumeMultiple: 5.0,
	}
	aux := AuxSignals{BidAskSpreadPct: 0.4, OIAlignment: OIAligned, FIIFlow: FIIBuy, DIIFlow: DIIBuy, NewsRisk: NewsLow}

	v, err := Compute(ctx, candles, aux, now)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if v.DaysSinceShock != 1 {
		t.Errorf("expected days since shock 1, got %d", v.DaysSinceShock)
	}
	if !v.AcceptanceCandle {
		t.Errorf("expected acceptance candle")
	}
	if v.VolumeTrend != statemachine.VolumeDecreasing {
		t.Errorf("expected decreasing volume, got %s", v.VolumeTrend)
	}
	if v.OptionType != OptionCall {
		t.Errorf("expected CALL after red shock with acceptance, got %s", v.OptionType)
	}
	if v.Support != 90 || v.Resistance != 100 {
		t.Errorf("unexpected support/resistance %v/%v", v.Support, v.Resistance)
	}
	if v.AuxSignals != aux {
		t.Errorf("aux signals must be threaded through unchanged")
	}
	if !v.ShockCandle || v.ShockVolumeMultiple != 5.0 {
		t.Errorf("shock context not carried: %+v", v)
	}

	wantSupport := (95.5 - 90) / 90 * 100
	if math.Abs(v.DistanceToSupportPct-wantSupport) > 1e-9 {
		t.Errorf("distance to support = %f, want %f", v.DistanceToSupportPct, wantSupport)
	}
	wantResistance := (100 - 95.5) / 95.5 * 100
	if math.Abs(v.DistanceToResistancePct-wantResistance) > 1e-9 {
		t.Errorf("distance to resistance = %f, want %f", v.DistanceToResistancePct, wantResistance)
	}
}

func TestCompute_NoCandles(t *testing.T) {
	_, err := Compute(Context{Symbol: "X"}, nil, NeutralSignals(), time.Now())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	candles := []exchange.Candle{
		candle(1, 10, 11, 9, 10.5, 100),
		candle(2, 10.5, 12, 10, 11.5, 90),
		candle(3, 11.5, 12, 11, 11.8, 80),
		candle(4, 11.8, 13, 11.5, 12.6, 70),
		candle(5, 12.6, 13, 12, 12.9, 60),
		candle(6, 12.9, 14, 12.8, 13.8, 50),
	}
	ctx := Context{Symbol: "X", ShockDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Direction: DirectionUp, ShockHigh: 14, ShockLow: 9}
	now := time.Date(2025, 3, 6, 12, 0, 0, 0, time.UTC)

	first, err := Compute(ctx, candles, NeutralSignals(), now)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := Compute(ctx, candles, NeutralSignals(), now)
		if again != first {
			t.Fatalf("Compute not deterministic")
		}
	}
}

func TestDaysSinceShock_Ceil(t *testing.T) {
	shock := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		now  time.Time
		want int
	}{
		{shock, 0},
		{shock.Add(time.Hour), 1},
		{shock.Add(24 * time.Hour), 1},
		{shock.Add(25 * time.Hour), 2},
		{shock.Add(7 * 24 * time.Hour), 7},
	}
	for _, tc := range cases {
		if got := DaysSinceShock(shock, tc.now); got != tc.want {
			t.Errorf("DaysSinceShock(%s) = %d, want %d", tc.now, got, tc.want)
		}
	}
	if DaysSinceShock(time.Time{}, shock) != 0 {
		t.Errorf("zero shock date should yield 0")
	}
}

func TestVolumeTrendOf(t *testing.T) {
	build := func(vols ...float64) []exchange.Candle {
		out := make([]exchange.Candle, len(vols))
		for i, v := range vols {
			out[i] = exchange.Candle{Volume: v}
		}
		return out
	}
	cases := []struct {
		name string
		in   []exchange.Candle
		want statemachine.VolumeTrend
	}{
		{"too few", build(1, 2, 3, 4, 5), statemachine.VolumeFlat},
		{"decreasing at boundary", build(100, 100, 100, 80, 80, 80), statemachine.VolumeDecreasing},
		{"expanding at boundary", build(100, 100, 100, 120, 120, 120), statemachine.VolumeExpanding},
		{"flat", build(100, 100, 100, 100, 110, 90), statemachine.VolumeFlat},
		{"zero baseline", build(0, 0, 0, 10, 10, 10), statemachine.VolumeFlat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VolumeTrendOf(tc.in); got != tc.want {
				t.Fatalf("VolumeTrendOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAcceptanceCandle(t *testing.T) {
	prev := candle(1, 100, 101, 99, 100, 10)
	cases := []struct {
		name      string
		latest    exchange.Candle
		direction Direction
		want      bool
	}{
		{"green after down shock", candle(2, 90, 100, 90, 97, 1), DirectionDown, true},
		{"red after up shock", candle(2, 97, 100, 90, 90, 1), DirectionUp, true},
		{"green after up shock", candle(2, 90, 100, 90, 97, 1), DirectionUp, false},
		{"small body", candle(2, 94, 100, 90, 96, 1), DirectionDown, false},
		{"exact half body", candle(2, 90, 100, 90, 95, 1), DirectionDown, true},
		{"zero range", candle(2, 90, 90, 90, 90, 1), DirectionDown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AcceptanceCandle([]exchange.Candle{prev, tc.latest}, tc.direction)
			if got != tc.want {
				t.Fatalf("AcceptanceCandle = %v, want %v", got, tc.want)
			}
		})
	}
	if AcceptanceCandle([]exchange.Candle{candle(2, 90, 100, 90, 97, 1)}, DirectionDown) {
		t.Fatalf("single candle must not count as acceptance")
	}
}

func TestPriceTrendOf(t *testing.T) {
	closes := func(values ...float64) []exchange.Candle {
		out := make([]exchange.Candle, len(values))
		for i, v := range values {
			out[i] = exchange.Candle{Close: v}
		}
		return out
	}
	if got := PriceTrendOf(closes(100, 200, 300, 400)); got != TrendRange {
		t.Errorf("fewer than 5 candles should be RANGE, got %s", got)
	}
	if got := PriceTrendOf(closes(100, 101, 102, 103, 104)); got != TrendUp {
		t.Errorf("expected UP, got %s", got)
	}
	if got := PriceTrendOf(closes(100, 99, 98, 97, 96)); got != TrendDown {
		t.Errorf("expected DOWN, got %s", got)
	}
	if got := PriceTrendOf(closes(100, 101, 102, 101, 102)); got != TrendRange {
		t.Errorf("expected RANGE, got %s", got)
	}
	// 只看最近10根：前面的大涨不影响
	series := closes(50, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 101)
	if got := PriceTrendOf(series); got != TrendRange {
		t.Errorf("expected RANGE over last 10 candles, got %s", got)
	}
}

func TestOptionTypeFor(t *testing.T) {
	cases := []struct {
		direction  Direction
		acceptance bool
		trend      PriceTrend
		want       OptionType
	}{
		{DirectionDown, true, TrendDown, OptionCall},
		{DirectionUp, true, TrendUp, OptionPut},
		{DirectionDown, false, TrendDown, OptionPut},
		{DirectionUp, false, TrendUp, OptionCall},
		{DirectionUp, false, TrendRange, OptionCall},
	}
	for _, tc := range cases {
		if got := optionTypeFor(tc.direction, tc.acceptance, tc.trend); got != tc.want {
			t.Errorf("optionTypeFor(%s,%v,%s) = %s, want %s", tc.direction, tc.acceptance, tc.trend, got, tc.want)
		}
	}
}

func TestNearResistance(t *testing.T) {
	if !NearResistance(Vector{Resistance: 100, DistanceToResistancePct: 0.5}, 1.0) {
		t.Errorf("expected near resistance")
	}
	if NearResistance(Vector{Resistance: 100, DistanceToResistancePct: 1.0}, 1.0) {
		t.Errorf("distance equal to threshold is not near")
	}
	if NearResistance(Vector{Resistance: 0, DistanceToResistancePct: 0}, 1.0) {
		t.Errorf("missing resistance must not be near")
	}
}
