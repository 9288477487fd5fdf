package statemachine

import (
	"errors"
	"testing"
)

var allStates = []State{Idle, ShockDetected, Digestion, AcceptanceReady, TradeActive, FailedReset}

func TestCanTransition_OnlyTablePairs(t *testing.T) {
	allowed := map[[2]State]bool{
		{Idle, ShockDetected}:          true,
		{ShockDetected, Digestion}:     true,
		{ShockDetected, FailedReset}:   true,
		{Digestion, AcceptanceReady}:   true,
		{Digestion, FailedReset}:       true,
		{AcceptanceReady, TradeActive}: true,
		{AcceptanceReady, FailedReset}: true,
		{TradeActive, Idle}:            true,
		{FailedReset, Idle}:            true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := ValidateTransition(from, to)
			if want && err != nil {
				t.Errorf("ValidateTransition(%s, %s) unexpected error: %v", from, to, err)
			}
			if !want && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("ValidateTransition(%s, %s) expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestCanTransition_UnknownState(t *testing.T) {
	if CanTransition(State("BOGUS"), Idle) {
		t.Fatalf("unknown state must not transition")
	}
	if State("BOGUS").Valid() {
		t.Fatalf("unknown state reported valid")
	}
}

func TestCanTrade_OnlyAcceptanceReady(t *testing.T) {
	for _, s := range allStates {
		if got := CanTrade(s); got != (s == AcceptanceReady) {
			t.Errorf("CanTrade(%s) = %v", s, got)
		}
	}
}

func TestEvaluate_Rules(t *testing.T) {
	cases := []struct {
		name   string
		in     Input
		want   State
		reason string
	}{
		{
			name:   "too many days forces reset",
			in:     Input{State: Digestion, DaysSinceShock: 7, AcceptanceCandle: true, VolumeTrend: VolumeDecreasing},
			want:   FailedReset,
			reason: ReasonTooManyDays,
		},
		{
			name:   "expanding volume during digestion",
			in:     Input{State: Digestion, DaysSinceShock: 2, VolumeTrend: VolumeExpanding},
			want:   FailedReset,
			reason: ReasonVolumeExpanding,
		},
		{
			name:   "near resistance without decreasing volume",
			in:     Input{State: AcceptanceReady, DaysSinceShock: 3, VolumeTrend: VolumeFlat, PriceNearResistance: true},
			want:   FailedReset,
			reason: ReasonNearResistance,
		},
		{
			name:   "near resistance with decreasing volume stays",
			in:     Input{State: AcceptanceReady, DaysSinceShock: 3, VolumeTrend: VolumeDecreasing, PriceNearResistance: true},
			want:   AcceptanceReady,
			reason: ReasonNoChange,
		},
		{
			name:   "shock detected same day waits",
			in:     Input{State: ShockDetected, DaysSinceShock: 0},
			want:   ShockDetected,
			reason: ReasonNoChange,
		},
		{
			name:   "shock detected advances to digestion",
			in:     Input{State: ShockDetected, DaysSinceShock: 1},
			want:   Digestion,
			reason: ReasonEnterDigestion,
		},
		{
			name:   "digestion to acceptance",
			in:     Input{State: Digestion, DaysSinceShock: 4, AcceptanceCandle: true, VolumeTrend: VolumeDecreasing},
			want:   AcceptanceReady,
			reason: ReasonAcceptanceReady,
		},
		{
			name:   "digestion day five does not qualify",
			in:     Input{State: Digestion, DaysSinceShock: 5, AcceptanceCandle: true, VolumeTrend: VolumeDecreasing},
			want:   Digestion,
			reason: ReasonNoChange,
		},
		{
			name:   "digestion needs decreasing volume",
			in:     Input{State: Digestion, DaysSinceShock: 2, AcceptanceCandle: true, VolumeTrend: VolumeFlat},
			want:   Digestion,
			reason: ReasonNoChange,
		},
		{
			name:   "failed reset always idles",
			in:     Input{State: FailedReset, DaysSinceShock: 12},
			want:   Idle,
			reason: ReasonReset,
		},
		{
			name:   "trade active untouched by age",
			in:     Input{State: TradeActive, DaysSinceShock: 9},
			want:   TradeActive,
			reason: ReasonNoChange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Evaluate(tc.in)
			if out.To != tc.want {
				t.Fatalf("Evaluate() to = %s, want %s", out.To, tc.want)
			}
			if out.Reason != tc.reason {
				t.Errorf("Evaluate() reason = %q, want %q", out.Reason, tc.reason)
			}
			if out.Changed != (tc.want != tc.in.State) {
				t.Errorf("Evaluate() changed = %v", out.Changed)
			}
			if out.Changed && !CanTransition(tc.in.State, out.To) {
				t.Errorf("Evaluate() produced transition outside table: %s -> %s", tc.in.State, out.To)
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Input{State: Digestion, DaysSinceShock: 2, AcceptanceCandle: true, VolumeTrend: VolumeDecreasing}
	first := Evaluate(in)
	for i := 0; i < 10; i++ {
		if got := Evaluate(in); got != first {
			t.Fatalf("Evaluate() not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestValidNextStates_ReturnsCopy(t *testing.T) {
	next := ValidNextStates(Digestion)
	next[0] = Idle
	if ValidNextStates(Digestion)[0] != AcceptanceReady {
		t.Fatalf("ValidNextStates leaked internal slice")
	}
	if Describe(State("x")) == "" || Describe(Idle) == Describe(TradeActive) {
		t.Fatalf("unexpected descriptions")
	}
}
