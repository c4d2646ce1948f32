package matcher

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/storage"
)

// Selector finds the best counterpart for a seeker at a given tier. It is
// read-only: candidate rows are observed through the skip-locked scan and
// never mutated here.
type Selector struct {
	store  storage.Store
	dir    storage.Directory
	logger zerolog.Logger
}

func NewSelector(store storage.Store, dir storage.Directory, logger zerolog.Logger) *Selector {
	return &Selector{
		store:  store,
		dir:    dir,
		logger: logger.With().Str("component", "selector").Logger(),
	}
}

// Candidate is a scored counterpart proposal.
type Candidate struct {
	PID      uint64
	Entry    *storage.QueueEntry
	Priority float64
}

// Best scans the queue's priority order and returns the highest-priority
// candidate passing every filter of the tier, or ErrNotMatchable when the
// scan window holds none. Entries in exclude were already attempted this
// cycle.
func (s *Selector) Best(ctx context.Context, seeker *storage.QueueEntry, seekerProfile *storage.Profile, tier int, exclude mapset.Set, now time.Time) (*Candidate, error) {
	entries, err := s.store.ScanQueue(ctx, configs.TierScanCap)
	if err != nil {
		return nil, err
	}
	var best *Candidate
	for _, e := range entries {
		if e.PID == seeker.PID || exclude.Contains(e.PID) {
			continue
		}
		ok, err := s.admissible(ctx, seeker, seekerProfile, e, tier, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candProfile, err := s.dir.Lookup(ctx, e.PID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		priority := Priority(e.Fairness, e.Wait(now).Seconds(),
			Compatibility(seekerProfile, candProfile),
			DistanceAffinity(seekerProfile, candProfile))
		if best == nil || priority > best.Priority ||
			(priority == best.Priority && beatsTie(e, best.Entry)) {
			best = &Candidate{PID: e.PID, Entry: e, Priority: priority}
		}
	}
	if best == nil {
		return nil, storage.ErrNotMatchable
	}
	return best, nil
}

// beatsTie is the deterministic tie-breaker: earlier joined_at, then lower
// pid.
func beatsTie(a, b *storage.QueueEntry) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.PID < b.PID
}

// admissible applies the state, liveness, history, and profile filters for
// the tier.
func (s *Selector) admissible(ctx context.Context, seeker *storage.QueueEntry, seekerProfile *storage.Profile, cand *storage.QueueEntry, tier int, now time.Time) (bool, error) {
	p, err := s.store.GetParticipant(ctx, cand.PID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !p.State.Matchable() || p.Quarantined {
		return false, nil
	}
	if !livenessOK(p, tier, now) {
		return false, nil
	}
	if ok, err := PairAllowed(ctx, s.store, seeker.PID, cand.PID, tier, now); err != nil || !ok {
		return false, err
	}
	candProfile, err := s.dir.Lookup(ctx, cand.PID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ProfilesFit(seekerProfile, seeker.Stage, candProfile, cand.Stage, tier), nil
}

// livenessOK enforces the tier's freshness requirement: tier 1 wants a
// heartbeat within the offline threshold, tier 2 tolerates stale-by-grace,
// tier 3 only requires a matchable (non-offline) state.
func livenessOK(p *storage.Participant, tier int, now time.Time) bool {
	switch tier {
	case 1:
		return now.Sub(p.LastActive) <= configs.OfflineThreshold
	case 2:
		return now.Sub(p.LastActive) <= configs.OfflineThreshold+configs.GracePeriod
	default:
		return true
	}
}

// PairAllowed checks the history constraints for a pair at a tier:
// permanent mutual-accept history blocks every tier; cooldown blocks tiers
// 1 and 2 only. The pair creator re-runs this under its locks.
func PairAllowed(ctx context.Context, store storage.HistoryStore, a, b uint64, tier int, now time.Time) (bool, error) {
	mutual, err := store.HasMutual(ctx, a, b)
	if err != nil {
		return false, err
	}
	if mutual {
		return false, nil
	}
	if tier < 3 {
		cooling, err := store.InCooldown(ctx, a, b, configs.Cooldown, now)
		if err != nil {
			return false, err
		}
		if cooling {
			return false, nil
		}
	}
	return true, nil
}

// ProfilesFit applies the bidirectional profile filters at a tier: mutual
// gender interest and block lists always; age windows and distance limits
// widened by the sides' expansion stages inside tier 2, dropped at tier 3.
func ProfilesFit(a *storage.Profile, stageA int, b *storage.Profile, stageB int, tier int) bool {
	if !a.WantsGender(b.Gender) || !b.WantsGender(a.Gender) {
		return false
	}
	if a.Blocks(b.PID) || b.Blocks(a.PID) {
		return false
	}
	if tier >= 3 {
		return true
	}
	slackA, factorA := 0, 1.0
	slackB, factorB := 0, 1.0
	if tier == 2 {
		slackA, factorA = stageWidening(stageA)
		slackB, factorB = stageWidening(stageB)
	}
	if !acceptsAge(a, b.Age, slackA) || !acceptsAge(b, a.Age, slackB) {
		return false
	}
	d := storage.DistanceKm(a, b)
	if d > a.MaxDistanceKm*factorA || d > b.MaxDistanceKm*factorB {
		return false
	}
	return true
}

func acceptsAge(p *storage.Profile, otherAge, slack int) bool {
	return otherAge >= p.AgeMin-slack && otherAge <= p.AgeMax+slack
}
