package votes

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupid/configs"
	"cupid/lifecycle"
	"cupid/notify"
	"cupid/storage"
)

type voteFixture struct {
	store  *storage.MemStore
	dir    *storage.MemDirectory
	engine *Engine
	clock  time.Time
}

func newVoteFixture(t *testing.T) *voteFixture {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	broker := notify.NewBroker(logger)
	machine := lifecycle.NewMachine(store, nil, broker, logger)
	engine := NewEngine(store, dir, machine, nil, broker, logger)
	f := &voteFixture{store: store, dir: dir, engine: engine, clock: time.Now()}
	engine.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *voteFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// pair creates a live match with both participants in paired.
func (f *voteFixture) pair(t *testing.T, a, b uint64) *storage.Match {
	t.Helper()
	ctx := context.Background()
	for _, pid := range []uint64{a, b} {
		require.NoError(t, f.store.EnsureParticipant(ctx, pid))
		_, err := f.store.SwapState(ctx, pid, []storage.State{storage.StateIdle}, storage.StateSpinActive)
		require.NoError(t, err)
		_, err = f.store.SwapState(ctx, pid, []storage.State{storage.StateSpinActive}, storage.StatePaired)
		require.NoError(t, err)
		f.dir.Seed(&storage.Profile{PID: pid, Age: 30, AgeMin: 25, AgeMax: 35, MaxDistanceKm: 50})
	}
	m, err := f.store.CreateMatch(ctx, a, b, 1)
	require.NoError(t, err)
	return m
}

func (f *voteFixture) state(t *testing.T, pid uint64) storage.State {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), pid)
	require.NoError(t, err)
	return p.State
}

func TestResolveTable(t *testing.T) {
	cases := []struct {
		lo, hi storage.Vote
		want   storage.Outcome
	}{
		{storage.VoteYes, storage.VoteYes, storage.OutcomeBothYes},
		{storage.VoteYes, storage.VotePass, storage.OutcomeYesPass},
		{storage.VotePass, storage.VoteYes, storage.OutcomeYesPass},
		{storage.VotePass, storage.VotePass, storage.OutcomePassPass},
		{storage.VoteYes, storage.VoteNone, storage.OutcomeYesIdle},
		{storage.VoteNone, storage.VoteYes, storage.OutcomeYesIdle},
		{storage.VotePass, storage.VoteNone, storage.OutcomePassIdle},
		{storage.VoteNone, storage.VotePass, storage.OutcomePassIdle},
		{storage.VoteNone, storage.VoteNone, storage.OutcomeIdleIdle},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Resolve(c.lo, c.hi), "%s/%s", c.lo, c.hi)
	}
}

func TestAckOpensWindow(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)

	got, err := f.engine.Ack(ctx, m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchPaired, got.Status, "one ack is not enough")

	got, err = f.engine.Ack(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchVoting, got.Status)
	assert.True(t, got.VoteExpiresAt.Equal(f.clock.Add(configs.VoteWindow)))
	assert.Equal(t, storage.StateVoteActive, f.state(t, 1))
	assert.Equal(t, storage.StateVoteActive, f.state(t, 2))
}

func TestVoteBeforeWindowOpens(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)

	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	assert.ErrorIs(t, err, ErrWindowNotOpen)
}

func TestBothYes(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	outcome, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	require.NoError(t, err)
	assert.Empty(t, outcome, "first vote leaves the window open")

	outcome, err = f.engine.CastVote(ctx, m.ID, 2, storage.VoteYes)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeBothYes, outcome)

	assert.Equal(t, storage.StateVideoDate, f.state(t, 1))
	assert.Equal(t, storage.StateVideoDate, f.state(t, 2))
	mutual, err := f.store.HasMutual(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, mutual)
	// A mutual accept never lands in the cooldown set.
	cooling, err := f.store.InCooldown(ctx, 1, 2, configs.Cooldown, f.clock)
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestYesPassCompensatesTheYes(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	require.NoError(t, err)
	outcome, err := f.engine.CastVote(ctx, m.ID, 2, storage.VotePass)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeYesPass, outcome)

	// The yes side auto-rejoins with the fixed boost.
	assert.Equal(t, storage.StateSpinActive, f.state(t, 1))
	e1, err := f.store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, configs.FairnessBoost, e1.Boosts)

	// The passer goes to idle without rejoining.
	assert.Equal(t, storage.StateIdle, f.state(t, 2))
	_, err = f.store.GetQueueEntry(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cooling, err := f.store.InCooldown(ctx, 1, 2, configs.Cooldown, f.clock)
	require.NoError(t, err)
	assert.True(t, cooling)
}

func TestPassPassBothRejoinWithoutBoost(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VotePass)
	require.NoError(t, err)
	outcome, err := f.engine.CastVote(ctx, m.ID, 2, storage.VotePass)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomePassPass, outcome)

	for _, pid := range []uint64{1, 2} {
		assert.Equal(t, storage.StateSpinActive, f.state(t, pid))
		e, err := f.store.GetQueueEntry(ctx, pid)
		require.NoError(t, err)
		assert.Zero(t, e.Boosts, "mutual decline rejoins without compensation")
	}
}

func TestExpiryResolvesIdleVotes(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	require.NoError(t, err)

	f.advance(configs.VoteWindow + time.Second)
	outcome, err := f.engine.ResolveExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeYesIdle, outcome)

	// The yes side is compensated; the silent side parks in idle.
	assert.Equal(t, storage.StateSpinActive, f.state(t, 1))
	e1, err := f.store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, configs.FairnessBoost, e1.Boosts)
	assert.Equal(t, storage.StateIdle, f.state(t, 2))

	// Idempotent replay.
	outcome, err = f.engine.ResolveExpired(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeYesIdle, outcome)
}

func TestLateVoteGetsWindowExpired(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	f.advance(configs.VoteWindow + time.Second)
	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	assert.ErrorIs(t, err, ErrWindowExpired)

	// The late vote forced the resolution with what was recorded: nothing.
	got, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeIdleIdle, got.Outcome)
}

func TestVoteReplayAfterResolution(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	_, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	require.NoError(t, err)
	outcome, err := f.engine.CastVote(ctx, m.ID, 2, storage.VoteYes)
	require.NoError(t, err)
	require.Equal(t, storage.OutcomeBothYes, outcome)

	// Replaying the recorded vote returns the outcome; a different vote is
	// rejected as expired.
	replay, err := f.engine.CastVote(ctx, m.ID, 1, storage.VoteYes)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeBothYes, replay)
	_, err = f.engine.CastVote(ctx, m.ID, 1, storage.VotePass)
	assert.ErrorIs(t, err, ErrWindowExpired)
}

func TestCancelCompensatesSurvivor(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)
	require.NoError(t, f.engine.ForceVoteStart(ctx, m.ID))

	require.NoError(t, f.engine.Cancel(ctx, m.ID, "went offline", 2))

	got, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchCancelled, got.Status)
	assert.Equal(t, storage.OutcomeCancelled, got.Outcome)

	assert.Equal(t, storage.StateSpinActive, f.state(t, 2))
	e2, err := f.store.GetQueueEntry(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, configs.FairnessBoost, e2.Boosts)

	// Cancel is idempotent and a cancelled match never enters cooldown.
	require.NoError(t, f.engine.Cancel(ctx, m.ID, "again", 1))
	assert.Equal(t, storage.StateVoteActive, f.state(t, 1))
	cooling, err := f.store.InCooldown(ctx, 1, 2, configs.Cooldown, f.clock)
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestRevealOpensWindow(t *testing.T) {
	ctx := context.Background()
	f := newVoteFixture(t)
	m := f.pair(t, 1, 2)

	got, err := f.engine.RevealComplete(ctx, m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchPaired, got.Status)
	got, err = f.engine.RevealComplete(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchVoting, got.Status)
}
