package setup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/feature"
	"shock-trader/internal/statemachine"
	"shock-trader/internal/store"
)

func newRepo(t *testing.T) (*Repository, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := NewRepository(st, nil)
	require.NoError(t, err)
	return repo, st
}

func sampleSetup(symbol string) Setup {
	return Setup{
		Symbol:         symbol,
		ShockDate:      time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Direction:      feature.DirectionDown,
		ShockHigh:      100,
		ShockLow:       90,
		VolumeMultiple: 5,
	}
}

func TestRegister_CreatesShockDetectedWithAudit(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)

	s, err := repo.Register(ctx, sampleSetup("RELIANCE"), at)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, statemachine.ShockDetected, s.State)
	assert.True(t, s.Active)

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Symbol, stored.Symbol)
	assert.True(t, stored.ShockDate.Equal(s.ShockDate))

	transitions, err := repo.Transitions(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, statemachine.Idle, transitions[0].From)
	assert.Equal(t, statemachine.ShockDetected, transitions[0].To)
}

func TestRegister_OneActiveSetupPerSymbol(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	at := time.Now()

	_, err := repo.Register(ctx, sampleSetup("INFY"), at)
	require.NoError(t, err)

	_, err = repo.Register(ctx, sampleSetup("INFY"), at)
	assert.ErrorIs(t, err, ErrActiveSetupExists)

	_, err = repo.Register(ctx, sampleSetup("TCS"), at)
	assert.NoError(t, err)
}

func TestTransition_FullLifecycleDeactivatesOnIdle(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC)

	s, err := repo.Register(ctx, sampleSetup("SBIN"), at)
	require.NoError(t, err)

	steps := []statemachine.State{
		statemachine.Digestion,
		statemachine.AcceptanceReady,
		statemachine.TradeActive,
		statemachine.Idle,
	}
	for i, to := range steps {
		s, err = repo.Transition(ctx, s.ID, to, "step", i+1, at.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, to, s.State)
	}
	assert.False(t, s.Active)

	_, found, err := repo.ActiveBySymbol(ctx, "SBIN")
	require.NoError(t, err)
	assert.False(t, found)

	// 失活后可以重新登记同一标的
	_, err = repo.Register(ctx, sampleSetup("SBIN"), at)
	assert.NoError(t, err)

	transitions, err := repo.Transitions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 5)
}

func TestTransition_RejectsPairOutsideTable(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	s, err := repo.Register(ctx, sampleSetup("HDFC"), time.Now())
	require.NoError(t, err)

	_, err = repo.Transition(ctx, s.ID, statemachine.TradeActive, "skip", 1, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, statemachine.ErrInvalidTransition))

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.ShockDetected, stored.State)

	transitions, err := repo.Transitions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestTransition_AuditFailureLeavesStateUntouched(t *testing.T) {
	repo, st := newRepo(t)
	ctx := context.Background()

	s, err := repo.Register(ctx, sampleSetup("ITC"), time.Now())
	require.NoError(t, err)

	_, err = st.DB().Exec(`DROP TABLE setup_transitions`)
	require.NoError(t, err)

	_, err = repo.Transition(ctx, s.ID, statemachine.Digestion, "digest", 1, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionLogFailure)

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.ShockDetected, stored.State)
}

func TestListActive_FiltersByState(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	at := time.Now()

	a, err := repo.Register(ctx, sampleSetup("A"), at)
	require.NoError(t, err)
	_, err = repo.Register(ctx, sampleSetup("B"), at)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, a.ID, statemachine.Digestion, "digest", 1, at)
	require.NoError(t, err)

	all, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	digesting, err := repo.ListActive(ctx, statemachine.Digestion)
	require.NoError(t, err)
	require.Len(t, digesting, 1)
	assert.Equal(t, "A", digesting[0].Symbol)

	require.NoError(t, repo.Touch(ctx, a.ID, 3, at))
	stored, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.DaysSinceShock)

	assert.ErrorIs(t, repo.Touch(ctx, "missing", 1, at), ErrNotFound)
}
