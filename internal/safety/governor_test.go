package safety

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/config"
	"shock-trader/internal/ledger"
	"shock-trader/internal/settings"
	"shock-trader/internal/store"
)

type fixture struct {
	st       *store.Store
	gov      *Governor
	settings *settings.Store
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Default()
	require.NoError(t, err)
	sets, err := settings.NewStore(st, settings.Defaults(cfg), nil)
	require.NoError(t, err)
	require.NoError(t, sets.Set(context.Background(), settings.KeyTradingMode, map[string]string{"mode": "REAL"}, settings.UpdatedByOperator, time.Time{}))

	l, err := ledger.New(st, 100000, time.UTC, nil)
	require.NoError(t, err)

	events, err := NewEventLog(st, nil)
	require.NoError(t, err)
	kill, err := NewKillSwitch(st, events, nil)
	require.NoError(t, err)
	gov, err := NewGovernor(events, kill, sets, l, opts, nil)
	require.NoError(t, err)
	return fixture{st: st, gov: gov, settings: sets, ledger: l}
}

func healthyState() ledger.SystemState {
	return ledger.SystemState{
		Mode:              config.ModeReal,
		TotalCapital:      100000,
		AvailableCapital:  100000,
		MarketDataHealthy: true,
		VenueHealthy:      true,
		AdvisoryHealthy:   true,
	}
}

func limits() config.RiskLimits {
	return config.RiskLimits{
		MaxRiskPerTradePct:      1,
		MaxLossPerDayPct:        5,
		MaxTradesPerDay:         5,
		ConsecutiveLossThrottle: 3,
	}
}

func TestCheck_AllowsHealthyState(t *testing.T) {
	f := newFixture(t, Options{})
	v, err := f.gov.Check(context.Background(), healthyState(), limits(), 500)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	events, err := f.gov.Events().List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheck_DailyLossForcesPaper(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	state := healthyState()
	state.TodayPnL = -5000

	// 单笔风险同时超限，但日亏损先检查
	v, err := f.gov.Check(ctx, state, limits(), 5000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, CheckDailyLoss, v.Check)
	assert.Equal(t, ActionDisabledRealMode, v.Action)
	assert.True(t, v.ForcedPaper)

	mode, err := f.settings.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModePaper, mode)
	by, err := f.settings.UpdatedBy(ctx, settings.KeyTradingMode)
	require.NoError(t, err)
	assert.Equal(t, "SAFETY_GOVERNOR", by)

	events, err := f.gov.Events().List(ctx, SeverityCritical, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDailyLossBreach, events[0].Type)

	active, _ := f.gov.EmergencyStopActive(ctx)
	assert.False(t, active)
}

func TestCheck_DailyLossCanTriggerKillSwitch(t *testing.T) {
	f := newFixture(t, Options{KillSwitchOnDailyLoss: true})
	ctx := context.Background()
	state := healthyState()
	state.TodayPnL = -6000

	v, err := f.gov.Check(ctx, state, limits(), 0)
	require.NoError(t, err)
	assert.Equal(t, CheckDailyLoss, v.Check)

	active, reason := f.gov.EmergencyStopActive(ctx)
	assert.True(t, active)
	assert.Contains(t, reason, "当日亏损超限")

	next, err := f.gov.Check(ctx, healthyState(), limits(), 0)
	require.NoError(t, err)
	assert.Equal(t, CheckKillSwitch, next.Check)
}

func TestCheck_Order(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ledger.SystemState)
		risk   float64
		check  Check
		action Action
	}{
		{"max trades", func(s *ledger.SystemState) { s.TodayTrades = 5; s.ConsecutiveLosses = 9 }, 0, CheckMaxTrades, ActionBlockedTrade},
		{"consecutive losses", func(s *ledger.SystemState) { s.ConsecutiveLosses = 3; s.VenueHealthy = false }, 5000, CheckConsecutiveLosses, ActionThrottled},
		{"per trade risk", func(s *ledger.SystemState) { s.VenueHealthy = false }, 1000.01, CheckPerTradeRisk, ActionBlockedTrade},
		{"venue", func(s *ledger.SystemState) { s.VenueHealthy = false; s.MarketDataHealthy = false }, 1000, CheckVenueHealth, ActionHaltedNewTrades},
		{"market data", func(s *ledger.SystemState) { s.MarketDataHealthy = false }, 0, CheckMarketData, ActionSkippedDecision},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			state := healthyState()
			tc.mutate(&state)
			v, err := f.gov.Check(context.Background(), state, limits(), tc.risk)
			require.NoError(t, err)
			assert.False(t, v.Allowed)
			assert.Equal(t, tc.check, v.Check)
			assert.Equal(t, tc.action, v.Action)

			events, err := f.gov.Events().List(context.Background(), "", 10)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestCheck_EventLogFailurePropagates(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.st.DB().Exec(`DROP TABLE safety_events`)
	require.NoError(t, err)

	state := healthyState()
	state.TodayTrades = 10
	_, err = f.gov.Check(context.Background(), state, limits(), 0)
	assert.ErrorIs(t, err, store.ErrPersistenceFailure)
}

func TestKillSwitch_ReadFailureBlocks(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.st.DB().Exec(`DROP TABLE kill_switch_history`)
	require.NoError(t, err)

	v, err := f.gov.Check(context.Background(), healthyState(), limits(), 0)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, CheckKillSwitch, v.Check)
}

func TestKillSwitch_ActivateDeactivate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cur, err := f.gov.KillSwitch().Current(ctx)
	require.NoError(t, err)
	assert.False(t, cur.Active)

	_, err = f.gov.ActivateKillSwitch(ctx, "operator", "盘中异常")
	require.NoError(t, err)
	active, reason := f.gov.EmergencyStopActive(ctx)
	assert.True(t, active)
	assert.Equal(t, "盘中异常", reason)
	mode, err := f.settings.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModePaper, mode)

	_, err = f.gov.DeactivateKillSwitch(ctx, "operator", "")
	require.NoError(t, err)
	active, _ = f.gov.EmergencyStopActive(ctx)
	assert.False(t, active)

	history, err := f.gov.KillSwitch().History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Active)
	assert.True(t, history[1].Active)

	critical, err := f.gov.Events().List(ctx, SeverityCritical, 10)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, EventKillSwitchOn, critical[0].Type)
}

func TestHandleMarketBlackSwan(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.gov.HandleMarketBlackSwan(ctx, ""))
	active, _ := f.gov.EmergencyStopActive(ctx)
	assert.True(t, active)
	mode, err := f.settings.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModePaper, mode)

	cur, err := f.gov.KillSwitch().Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MARKET_BLACK_SWAN", cur.ActivatedBy)
}

func TestMaxDrawdownPct(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdownPct(nil))
	assert.Equal(t, 0.0, MaxDrawdownPct([]float64{10, 20, 30}))
	assert.InDelta(t, 50.0, MaxDrawdownPct([]float64{100, -50, 20}), 1e-9)
	// 峰值不足1时按1计
	assert.InDelta(t, 500.0, MaxDrawdownPct([]float64{-5}), 1e-9)
}

func seedPaperTrades(t *testing.T, l *ledger.Ledger, pnls []float64) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-60 * 24 * time.Hour)
	for i, pnl := range pnls {
		at := base.Add(time.Duration(i) * time.Hour)
		tr, err := l.RecordTrade(ctx, ledger.Trade{
			SetupID:    fmt.Sprintf("s-%d", i),
			CycleID:    "c",
			Mode:       config.ModePaper,
			Symbol:     "TCS",
			Instrument: "TCS-CE",
			EntryPrice: 100,
			EntryTime:  at,
			Lots:       1,
		})
		require.NoError(t, err)
		_, err = l.CloseTrade(ctx, tr.ID, ledger.Exit{Price: 100 + pnl, PnL: pnl, At: at.Add(30 * time.Minute)})
		require.NoError(t, err)
	}
}

func TestCheckGraduation(t *testing.T) {
	t.Run("eligible", func(t *testing.T) {
		f := newFixture(t, Options{})
		pnls := make([]float64, 20)
		for i := range pnls {
			pnls[i] = 100
		}
		seedPaperTrades(t, f.ledger, pnls)

		report, err := f.gov.CheckGraduation(context.Background())
		require.NoError(t, err)
		assert.True(t, report.Eligible, report.Reasons)
		assert.Equal(t, 20, report.PaperTrades)
		assert.Equal(t, 2000.0, report.CumulativePnL)
	})

	t.Run("too few trades", func(t *testing.T) {
		f := newFixture(t, Options{})
		seedPaperTrades(t, f.ledger, []float64{100, 100})
		report, err := f.gov.CheckGraduation(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Eligible)
		assert.Len(t, report.Reasons, 1)
	})

	t.Run("drawdown and critical event", func(t *testing.T) {
		f := newFixture(t, Options{})
		pnls := make([]float64, 20)
		pnls[0] = 1000
		pnls[1] = -200
		for i := 2; i < 20; i++ {
			pnls[i] = 20
		}
		seedPaperTrades(t, f.ledger, pnls)
		_, err := f.gov.ActivateKillSwitch(context.Background(), "operator", "")
		require.NoError(t, err)

		report, err := f.gov.CheckGraduation(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Eligible)
		assert.InDelta(t, 20.0, report.MaxDrawdownPct, 1e-9)
		assert.Equal(t, 1, report.CriticalEvents)
		assert.Len(t, report.Reasons, 2)
	})
}
