package heartbeat

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
	"cupid/votes"
)

type hbFixture struct {
	store   *storage.MemStore
	dir     *storage.MemDirectory
	machine *lifecycle.Machine
	manager *Manager
	clock   time.Time
}

func newHBFixture(t *testing.T) *hbFixture {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	broker := notify.NewBroker(logger)
	machine := lifecycle.NewMachine(store, nil, broker, logger)
	engine := votes.NewEngine(store, dir, machine, nil, broker, logger)
	manager := NewManager(store, machine, engine, nil, broker, logger)
	f := &hbFixture{store: store, dir: dir, machine: machine, manager: manager, clock: time.Now()}
	manager.SetClock(func() time.Time { return f.clock })
	engine.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *hbFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *hbFixture) state(t *testing.T, pid uint64) storage.State {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), pid)
	require.NoError(t, err)
	return p.State
}

func (f *hbFixture) setup(t *testing.T, pid uint64, state storage.State) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.EnsureParticipant(ctx, pid))
	require.NoError(t, f.store.Heartbeat(ctx, pid, f.clock))
	if state == storage.StateIdle {
		return
	}
	_, err := f.store.SwapState(ctx, pid, []storage.State{storage.StateIdle}, storage.StateSpinActive)
	require.NoError(t, err)
	if state == storage.StateSpinActive {
		return
	}
	_, err = f.store.SwapState(ctx, pid, []storage.State{storage.StateSpinActive}, state)
	require.NoError(t, err)
	f.dir.Seed(&storage.Profile{PID: pid, Age: 30, AgeMin: 25, AgeMax: 35, MaxDistanceKm: 50})
}

func TestBumpCreatesUnknownParticipant(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	require.NoError(t, f.manager.Bump(ctx, 7))
	assert.Equal(t, storage.StateIdle, f.state(t, 7))
}

func TestSweepDetectsOffline(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StateQueueWaiting)
	require.NoError(t, f.store.JoinQueue(ctx, &storage.QueueEntry{PID: 1, JoinedAt: f.clock}))

	// Within the threshold nothing happens.
	f.advance(configs.OfflineThreshold / 2)
	f.manager.Sweep(ctx)
	assert.Equal(t, storage.StateQueueWaiting, f.state(t, 1))

	f.advance(configs.OfflineThreshold)
	f.manager.Sweep(ctx)
	assert.Equal(t, storage.StateSoftOffline, f.state(t, 1))
	// The queue entry survives until grace expiry.
	_, err := f.store.GetQueueEntry(ctx, 1)
	assert.NoError(t, err)
}

func TestSweepIgnoresIdle(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StateIdle)
	f.advance(10 * configs.OfflineThreshold)
	f.manager.Sweep(ctx)
	assert.Equal(t, storage.StateIdle, f.state(t, 1))
}

func TestBumpRestoresWithinGrace(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StateQueueWaiting)
	_, err := f.store.SwapState(ctx, 1,
		[]storage.State{storage.StateQueueWaiting}, storage.StateSoftOffline)
	require.NoError(t, err)

	require.NoError(t, f.manager.Bump(ctx, 1))
	assert.Equal(t, storage.StateQueueWaiting, f.state(t, 1),
		"heartbeat within grace restores the prior state")
}

func TestBumpPastGraceLeavesOffline(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StateQueueWaiting)
	_, err := f.store.SwapState(ctx, 1,
		[]storage.State{storage.StateQueueWaiting}, storage.StateSoftOffline)
	require.NoError(t, err)

	f.advance(configs.GracePeriod + time.Second)
	require.NoError(t, f.manager.Bump(ctx, 1))
	assert.Equal(t, storage.StateSoftOffline, f.state(t, 1),
		"a heartbeat past grace waits for the sweep to finalize")
}

func TestGraceExpiryFinalizesToIdle(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StateQueueWaiting)
	require.NoError(t, f.store.JoinQueue(ctx, &storage.QueueEntry{PID: 1, JoinedAt: f.clock}))

	f.advance(configs.OfflineThreshold + time.Second)
	f.manager.Sweep(ctx)
	require.Equal(t, storage.StateSoftOffline, f.state(t, 1))

	f.advance(configs.GracePeriod + time.Second)
	f.manager.Sweep(ctx)
	assert.Equal(t, storage.StateIdle, f.state(t, 1))
	_, err := f.store.GetQueueEntry(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A later heartbeat does not resurrect the old state.
	require.NoError(t, f.manager.Bump(ctx, 1))
	assert.Equal(t, storage.StateIdle, f.state(t, 1))
}

func TestOfflineInMatchCancelsAndCompensatesPartner(t *testing.T) {
	ctx := context.Background()
	f := newHBFixture(t)
	f.setup(t, 1, storage.StatePaired)
	f.setup(t, 2, storage.StatePaired)
	m, err := f.store.CreateMatch(ctx, 1, 2, 1)
	require.NoError(t, err)

	// Only participant 1 goes silent.
	f.advance(configs.OfflineThreshold + time.Second)
	require.NoError(t, f.store.Heartbeat(ctx, 2, f.clock))
	f.manager.Sweep(ctx)

	assert.Equal(t, storage.StateSoftOffline, f.state(t, 1))
	got, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MatchCancelled, got.Status)

	// The survivor is back in the pool with the fixed boost.
	assert.Equal(t, storage.StateSpinActive, f.state(t, 2))
	e2, err := f.store.GetQueueEntry(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, configs.FairnessBoost, e2.Boosts)
}
