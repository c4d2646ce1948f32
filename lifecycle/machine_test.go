package lifecycle

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupid/notify"
	"cupid/storage"
)

func newTestMachine() (*Machine, *storage.MemStore) {
	store := storage.NewMemStore()
	logger := zerolog.Nop()
	return NewMachine(store, nil, notify.NewBroker(logger), logger), store
}

func TestEdgeTable(t *testing.T) {
	cases := []struct {
		from, to storage.State
		allowed  bool
	}{
		{storage.StateIdle, storage.StateSpinActive, true},
		{storage.StateIdle, storage.StateIdle, true},
		{storage.StateSpinActive, storage.StateQueueWaiting, true},
		{storage.StateSpinActive, storage.StatePaired, true},
		{storage.StateQueueWaiting, storage.StatePaired, true},
		{storage.StatePaired, storage.StateVoteActive, true},
		{storage.StatePaired, storage.StateSpinActive, true},
		{storage.StateVoteActive, storage.StateVideoDate, true},
		{storage.StateVideoDate, storage.StateSpinActive, true},
		{storage.StateSoftOffline, storage.StateIdle, true},

		{storage.StateIdle, storage.StatePaired, false},
		{storage.StateIdle, storage.StateVoteActive, false},
		{storage.StatePaired, storage.StateQueueWaiting, false},
		{storage.StateVideoDate, storage.StateVoteActive, false},
		{storage.StateSoftOffline, storage.StateSpinActive, false},
		{storage.StateSoftOffline, storage.StatePaired, false},
		{storage.StateEnded, storage.StateIdle, false},
		{storage.StateEnded, storage.StateSpinActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.allowed, EdgeAllowed(c.from, c.to), "%s -> %s", c.from, c.to)
	}
	// Any non-terminal state can drop to soft_offline.
	for _, from := range []storage.State{
		storage.StateIdle, storage.StateSpinActive, storage.StateQueueWaiting,
		storage.StatePaired, storage.StateVoteActive, storage.StateVideoDate,
	} {
		assert.True(t, EdgeAllowed(from, storage.StateSoftOffline), "%s -> soft_offline", from)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	require.NoError(t, store.EnsureParticipant(ctx, 1))

	prior, err := m.Transition(ctx, 1, []storage.State{storage.StateIdle}, storage.StateSpinActive, "spin")
	require.NoError(t, err)
	assert.Equal(t, storage.StateIdle, prior)

	p, err := m.Current(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSpinActive, p.State)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	require.NoError(t, store.EnsureParticipant(ctx, 1))

	// idle -> vote_active has no legal edge at all.
	_, err := m.Transition(ctx, 1, []storage.State{storage.StateIdle}, storage.StateVoteActive, "bad")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The allowed set filters sources: paired is a legal source for
	// vote_active but the participant is idle.
	_, err = m.Transition(ctx, 1, []storage.State{storage.StatePaired}, storage.StateVoteActive, "bad")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	p, err := m.Current(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StateIdle, p.State, "rejected transition mutates nothing")
}

func TestTransitionEmptyAllowedSet(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	require.NoError(t, store.EnsureParticipant(ctx, 1))
	_, err := m.Transition(ctx, 1, []storage.State{storage.StateIdle}, storage.StateSpinActive, "spin")
	require.NoError(t, err)

	// Empty set means "any legal source".
	prior, err := m.Transition(ctx, 1, nil, storage.StateSoftOffline, "gap")
	require.NoError(t, err)
	assert.Equal(t, storage.StateSpinActive, prior)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	require.NoError(t, store.EnsureParticipant(ctx, 1))
	_, err := m.Transition(ctx, 1, nil, storage.StateSpinActive, "spin")
	require.NoError(t, err)
	_, err = m.Transition(ctx, 1, nil, storage.StateSoftOffline, "gap")
	require.NoError(t, err)

	restored, err := m.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSpinActive, restored)

	_, err = m.Restore(ctx, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQuarantine(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine()
	require.NoError(t, store.EnsureParticipant(ctx, 1))
	require.NoError(t, m.Quarantine(ctx, 1, true))
	p, err := m.Current(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Quarantined)
	require.NoError(t, m.Quarantine(ctx, 1, false))
	p, err = m.Current(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.Quarantined)
}
