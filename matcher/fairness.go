// Package matcher implements the pairing pipeline: fairness scoring,
// tiered candidate selection, atomic pair creation, and the periodic
// orchestration cycle that drives them.
package matcher

import (
	"math"
	"time"

	"cupid/configs"
	"cupid/storage"
)

// Breadth scales used to normalize preference narrowness. A 40-year age
// window or a 100 km radius counts as fully open on its axis.
const (
	ageBreadthScale      = 40.0
	distanceBreadthScale = 100.0
)

// Narrowness maps a profile's preference breadth onto [0,1]: 0 is the
// tightest possible filter set, 1 fully open. Tight preferences earn the
// compensation penalty because their owners are the hardest to match.
func Narrowness(p *storage.Profile) float64 {
	ageSpan := float64(p.AgeMax - p.AgeMin)
	if ageSpan < 0 {
		ageSpan = 0
	}
	ageBreadth := math.Min(ageSpan/ageBreadthScale, 1)
	distBreadth := math.Min(p.MaxDistanceKm/distanceBreadthScale, 1)
	return (ageBreadth + distBreadth) / 2
}

// Fairness computes the entry's score at the given instant:
//
//	base_wait + skip_penalty + narrow_penalty + density_boost + boosts
//
// Boosts accumulate on the entry in fixed +10 quanta and are consumed when
// a pair is created.
func Fairness(e *storage.QueueEntry, queueSize int, now time.Time) float64 {
	waitSeconds := e.Wait(now).Seconds()
	baseWait := math.Min(waitSeconds/10, configs.BaseWaitCap)
	skipPenalty := math.Min(float64(e.Skips)*configs.SkipPenaltyStep, configs.SkipPenaltyCap)
	narrowPenalty := (1 - e.Narrowness) * configs.NarrowPenaltyMax
	densityBoost := math.Max(0, float64(configs.DensityTarget-queueSize)*configs.DensityStep)
	return baseWait + skipPenalty + narrowPenalty + densityBoost + e.Boosts
}

// Priority orders candidates for selection. Fairness dominates, then raw
// wait, then profile compatibility, then distance affinity. Ties are broken
// by joined-at then pid at the call site.
func Priority(fairness, waitSeconds, compatibility, distanceAffinity float64) float64 {
	return fairness*1000 + waitSeconds*10 + compatibility*100 + distanceAffinity*10
}

// Compatibility grades how well two profiles suit each other in [0,1].
// Age closeness is the dominant signal; mutual age-window fit tops it up.
func Compatibility(a, b *storage.Profile) float64 {
	ageGap := math.Abs(float64(a.Age - b.Age))
	closeness := 1 - math.Min(ageGap/20, 1)
	fit := 0.0
	if b.Age >= a.AgeMin && b.Age <= a.AgeMax {
		fit += 0.5
	}
	if a.Age >= b.AgeMin && a.Age <= b.AgeMax {
		fit += 0.5
	}
	return (closeness + fit) / 2
}

// DistanceAffinity is 1 at zero distance, decaying linearly to 0 at the
// tighter of the two distance preferences.
func DistanceAffinity(a, b *storage.Profile) float64 {
	limit := math.Min(a.MaxDistanceKm, b.MaxDistanceKm)
	if limit <= 0 {
		return 0
	}
	d := storage.DistanceKm(a, b)
	return math.Max(0, 1-d/limit)
}

// StageForWait maps queue residence onto the expansion stage. Stages only
// move up per residence; ExpandStage enforces the monotonicity.
func StageForWait(wait time.Duration) int {
	switch {
	case wait >= configs.ExpandStage2+configs.ExpandStage3Extra:
		return 3
	case wait >= configs.ExpandStage2:
		return 2
	case wait >= configs.ExpandStage1:
		return 1
	default:
		return 0
	}
}

// TierCeiling is the most permissive tier an entry's stage unlocks. Fresh
// entries match strictly; only stage 3 reaches the guaranteed-match tier.
func TierCeiling(stage int) int {
	switch {
	case stage >= 3:
		return 3
	case stage >= 1:
		return 2
	default:
		return 1
	}
}

// stageWidening returns the age slack (years) and distance factor a side's
// expansion stage buys inside tier 2: stage 1 widens less than stage 2.
// Tier 1 is always exact and tier 3 drops the filters, so neither consults
// this table.
func stageWidening(stage int) (ageSlack int, distanceFactor float64) {
	switch {
	case stage <= 0:
		return 0, 1.0
	case stage == 1:
		return 2, 1.2
	default:
		return 5, 1.5
	}
}
