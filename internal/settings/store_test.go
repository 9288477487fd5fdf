package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/config"
	"shock-trader/internal/store"
)

func newStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Default()
	require.NoError(t, err)
	s, err := NewStore(st, Defaults(cfg), nil)
	require.NoError(t, err)
	return s, st
}

func TestFetch_DefaultsWithoutOverrides(t *testing.T) {
	s, _ := newStore(t)
	got, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.ModePaper, got.Mode)
	assert.Equal(t, 0.6, got.ScoreThreshold)
	assert.Equal(t, 5, got.Limits.MaxTradesPerDay)
	assert.Empty(t, got.AdvisoryProvider)
}

func TestFetch_LayersOverrides(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyTradingMode, map[string]string{"mode": "real"}, UpdatedByOperator, time.Time{}))
	require.NoError(t, s.Set(ctx, KeyRiskLimits, map[string]any{"max_loss_per_day_pct": 5.0, "max_trades_per_day": 2}, UpdatedByOperator, time.Time{}))
	require.NoError(t, s.Set(ctx, KeyScoreThreshold, map[string]float64{"value": 0.7}, UpdatedByOperator, time.Time{}))
	require.NoError(t, s.Set(ctx, KeyAdvisoryProvider, "deepseek", UpdatedByOperator, time.Time{}))

	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModeReal, got.Mode)
	assert.Equal(t, 5.0, got.Limits.MaxLossPerDayPct)
	assert.Equal(t, 2, got.Limits.MaxTradesPerDay)
	assert.Equal(t, 1.0, got.Limits.MaxRiskPerTradePct)
	assert.Equal(t, 0.7, got.ScoreThreshold)
	assert.Equal(t, "deepseek", got.AdvisoryProvider)
}

func TestFetch_InvalidLimitsFallBack(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyRiskLimits, map[string]any{"max_trades_per_day": 0}, UpdatedByOperator, time.Time{}))

	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Limits.MaxTradesPerDay)
}

func TestForceMode_Durable(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyTradingMode, map[string]string{"mode": "REAL"}, UpdatedByOperator, time.Time{}))

	require.NoError(t, s.ForceMode(ctx, config.ModePaper, UpdatedBySafetyGovernor, "当日亏损超限"))
	mode, err := s.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModePaper, mode)

	by, err := s.UpdatedBy(ctx, KeyTradingMode)
	require.NoError(t, err)
	assert.Equal(t, UpdatedBySafetyGovernor, by)

	assert.Error(t, s.ForceMode(ctx, config.TradingMode("LIVE"), UpdatedByOperator, ""))
}

func TestSet_LearningCannotTouchProtectedKeys(t *testing.T) {
	s, _ := newStore(t)
	err := s.Set(context.Background(), KeyRiskLimits, map[string]any{"max_trades_per_day": 50}, UpdatedByLearning, time.Time{})
	require.Error(t, err)

	got, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, got.Limits.MaxTradesPerDay)
}

func TestFetch_ReadFailureReturnsError(t *testing.T) {
	s, st := newStore(t)
	_, err := st.DB().Exec(`DROP TABLE system_config`)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background())
	assert.Error(t, err)
	mode, err := s.Mode(context.Background())
	assert.Error(t, err)
	assert.Equal(t, config.ModePaper, mode)
}
