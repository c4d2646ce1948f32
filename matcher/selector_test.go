package matcher

import (
	"context"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupid/configs"
	"cupid/storage"
)

func profile(pid uint64, gender storage.Gender, wants storage.Gender, age int) *storage.Profile {
	return &storage.Profile{
		PID:           pid,
		Gender:        gender,
		Interests:     []storage.Gender{wants},
		Age:           age,
		AgeMin:        age - 5,
		AgeMax:        age + 5,
		MaxDistanceKm: 50,
		Lat:           31.23,
		Lng:           121.47,
	}
}

// seedPool registers a participant in queue_waiting with a queue entry and
// profile.
func seedPool(t *testing.T, store *storage.MemStore, dir *storage.MemDirectory, p *storage.Profile, joined time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureParticipant(ctx, p.PID))
	_, err := store.SwapState(ctx, p.PID, []storage.State{storage.StateIdle}, storage.StateSpinActive)
	require.NoError(t, err)
	_, err = store.SwapState(ctx, p.PID, []storage.State{storage.StateSpinActive}, storage.StateQueueWaiting)
	require.NoError(t, err)
	require.NoError(t, store.JoinQueue(ctx, &storage.QueueEntry{
		PID:        p.PID,
		JoinedAt:   joined,
		Narrowness: Narrowness(p),
	}))
	dir.Seed(p)
}

func TestSelectorPicksMutualInterest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now.Add(-time.Second))
	seedPool(t, store, dir, profile(2, "m", "f", 31), now.Add(-time.Second))
	// Wants f but seeker wants m: filtered.
	seedPool(t, store, dir, profile(3, "f", "f", 30), now.Add(-time.Minute))

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	cand, err := sel.Best(ctx, entry, seeker, 1, mapset.NewSet(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cand.PID)
}

func TestSelectorGenderMustBeMutual(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now)
	// The candidate matches the seeker's interest but does not want f back.
	seedPool(t, store, dir, profile(2, "m", "m", 30), now)

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	_, err = sel.Best(ctx, entry, seeker, 3, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable,
		"gender interest holds even at the guaranteed tier")
}

func TestSelectorBlockListBothWays(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	blocked := profile(2, "m", "f", 30)
	blocked.Blocked = []uint64{1}
	seedPool(t, store, dir, seeker, now)
	seedPool(t, store, dir, blocked, now)

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	_, err = sel.Best(ctx, entry, seeker, 3, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)
}

func TestSelectorCooldownWaivedOnlyAtTierThree(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now)
	seedPool(t, store, dir, profile(2, "m", "f", 30), now)
	require.NoError(t, store.AddCooldown(ctx, 1, 2, now.Add(-time.Minute)))

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	_, err = sel.Best(ctx, entry, seeker, 1, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)
	_, err = sel.Best(ctx, entry, seeker, 2, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)

	cand, err := sel.Best(ctx, entry, seeker, 3, mapset.NewSet(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cand.PID)
}

func TestSelectorMutualHistoryBlocksEveryTier(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now)
	seedPool(t, store, dir, profile(2, "m", "f", 30), now)
	require.NoError(t, store.AddMutual(ctx, 1, 2))

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	for tier := 1; tier <= 3; tier++ {
		_, err = sel.Best(ctx, entry, seeker, tier, mapset.NewSet(), now)
		assert.ErrorIs(t, err, storage.ErrNotMatchable, "tier %d", tier)
	}
}

func TestSelectorAgeWindowWidensWithStage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30) // accepts 25..35
	seedPool(t, store, dir, seeker, now)
	older := profile(2, "m", "f", 37) // outside by 2
	older.AgeMin, older.AgeMax = 20, 45
	seedPool(t, store, dir, older, now)

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)

	// Tier 1 is exact and tier 2 at stage 0 has no slack.
	_, err = sel.Best(ctx, entry, seeker, 1, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)
	_, err = sel.Best(ctx, entry, seeker, 2, mapset.NewSet(), now)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)

	// Stage 1 widens the seeker's window by 2 years.
	entry.Stage = 1
	cand, err := sel.Best(ctx, entry, seeker, 2, mapset.NewSet(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cand.PID)
}

func TestSelectorTierOneRequiresFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now)
	stale := profile(2, "m", "f", 30)
	seedPool(t, store, dir, stale, now)

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)

	// Evaluate as if the candidate's heartbeat is past the threshold.
	future := now.Add(configs.OfflineThreshold + time.Second)
	_, err = sel.Best(ctx, entry, seeker, 1, mapset.NewSet(), future)
	assert.ErrorIs(t, err, storage.ErrNotMatchable)
	cand, err := sel.Best(ctx, entry, seeker, 2, mapset.NewSet(), future)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cand.PID)
}

func TestSelectorSkipsExcluded(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	sel := NewSelector(store, dir, zerolog.Nop())
	now := time.Now()

	seeker := profile(1, "f", "m", 30)
	seedPool(t, store, dir, seeker, now)
	seedPool(t, store, dir, profile(2, "m", "f", 30), now)
	seedPool(t, store, dir, profile(3, "m", "f", 30), now)

	entry, err := store.GetQueueEntry(ctx, 1)
	require.NoError(t, err)
	exclude := mapset.NewSet()
	exclude.Add(uint64(2))
	cand, err := sel.Best(ctx, entry, seeker, 1, exclude, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cand.PID)
}
