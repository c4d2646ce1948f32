package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cupid/configs"
	"cupid/storage"
)

func TestNarrowness(t *testing.T) {
	open := &storage.Profile{AgeMin: 18, AgeMax: 60, MaxDistanceKm: 150}
	assert.Equal(t, 1.0, Narrowness(open))

	tight := &storage.Profile{AgeMin: 30, AgeMax: 30, MaxDistanceKm: 0}
	assert.Equal(t, 0.0, Narrowness(tight))

	half := &storage.Profile{AgeMin: 25, AgeMax: 45, MaxDistanceKm: 50}
	assert.InDelta(t, 0.5, Narrowness(half), 1e-9)
}

func TestFairnessFormula(t *testing.T) {
	now := time.Now()
	e := &storage.QueueEntry{
		JoinedAt:   now.Add(-100 * time.Second),
		Skips:      2,
		Narrowness: 0.5,
		Boosts:     configs.FairnessBoost,
	}
	// base 10 + skips 100 + narrow 50 + density 0 + boost 10
	assert.InDelta(t, 170.0, Fairness(e, configs.DensityTarget, now), 1e-6)

	// A thin queue adds the density boost.
	assert.InDelta(t, 170.0+3*configs.DensityStep,
		Fairness(e, configs.DensityTarget-3, now), 1e-6)
}

func TestFairnessCaps(t *testing.T) {
	now := time.Now()
	e := &storage.QueueEntry{
		JoinedAt:   now.Add(-24 * time.Hour),
		Skips:      100,
		Narrowness: 1,
	}
	// wait capped at 500, skips at 300, no narrow penalty, full-density queue.
	assert.InDelta(t, configs.BaseWaitCap+configs.SkipPenaltyCap,
		Fairness(e, configs.DensityTarget+5, now), 1e-6)
}

func TestBoostIsExactlyTen(t *testing.T) {
	now := time.Now()
	e := &storage.QueueEntry{JoinedAt: now, Narrowness: 1}
	without := Fairness(e, configs.DensityTarget, now)
	e.Boosts += configs.FairnessBoost
	assert.InDelta(t, without+10, Fairness(e, configs.DensityTarget, now), 1e-9)
}

func TestPriorityOrdering(t *testing.T) {
	// Fairness dominates wait, compatibility, and distance combined.
	lowFair := Priority(10, 1000, 1, 1)
	highFair := Priority(11, 0, 0, 0)
	assert.Greater(t, highFair, lowFair)
}

func TestStageForWait(t *testing.T) {
	assert.Equal(t, 0, StageForWait(0))
	assert.Equal(t, 0, StageForWait(configs.ExpandStage1-time.Millisecond))
	assert.Equal(t, 1, StageForWait(configs.ExpandStage1))
	assert.Equal(t, 1, StageForWait(configs.ExpandStage2-time.Millisecond))
	assert.Equal(t, 2, StageForWait(configs.ExpandStage2))
	assert.Equal(t, 3, StageForWait(configs.ExpandStage2+configs.ExpandStage3Extra))
}

func TestTierCeiling(t *testing.T) {
	assert.Equal(t, 1, TierCeiling(0))
	assert.Equal(t, 2, TierCeiling(1))
	assert.Equal(t, 2, TierCeiling(2))
	assert.Equal(t, 3, TierCeiling(3))
}

func TestCompatibility(t *testing.T) {
	a := &storage.Profile{Age: 30, AgeMin: 25, AgeMax: 35}
	b := &storage.Profile{Age: 30, AgeMin: 25, AgeMax: 35}
	assert.InDelta(t, 1.0, Compatibility(a, b), 1e-9)

	far := &storage.Profile{Age: 55, AgeMin: 50, AgeMax: 60}
	assert.InDelta(t, 0.0, Compatibility(a, far), 1e-9)
}

func TestDistanceAffinity(t *testing.T) {
	a := &storage.Profile{Lat: 31.0, Lng: 121.0, MaxDistanceKm: 50}
	b := &storage.Profile{Lat: 31.0, Lng: 121.0, MaxDistanceKm: 100}
	assert.InDelta(t, 1.0, DistanceAffinity(a, b), 1e-9)

	zero := &storage.Profile{MaxDistanceKm: 0}
	assert.Equal(t, 0.0, DistanceAffinity(a, zero))
}
