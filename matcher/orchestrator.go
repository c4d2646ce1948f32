package matcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/notify"
	"cupid/storage"
)

// Orchestrator drives the per-participant matching loop: refresh fairness,
// walk the tiers the entry's stage unlocks, and hand candidates to the pair
// creator. A periodic cycle covers the whole queue; spin requests get one
// immediate pass.
type Orchestrator struct {
	store    storage.Store
	dir      storage.Directory
	selector *Selector
	creator  *PairCreator
	broker   *notify.Broker
	logger   zerolog.Logger
}

func NewOrchestrator(store storage.Store, dir storage.Directory, selector *Selector, creator *PairCreator, broker *notify.Broker, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		dir:      dir,
		selector: selector,
		creator:  creator,
		broker:   broker,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes cycles until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(configs.OrchestratorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Cycle(ctx)
		}
	}
}

// Cycle walks the queue in priority order and runs one matching pass per
// waiting participant. Each pass is guarded by a named advisory lock so
// overlapping worker processes skip instead of competing for the same
// seeker.
func (o *Orchestrator) Cycle(ctx context.Context) {
	entries, err := o.store.ScanQueue(ctx, configs.TierScanCap)
	if err != nil {
		o.logger.Warn().Err(err).Msg("queue scan failed")
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		release, ok, err := o.store.TryNamed(ctx, "cycle:"+strconv.FormatUint(e.PID, 10))
		if err != nil {
			o.logger.Warn().Err(err).Uint64("pid", e.PID).Msg("cycle lock failed")
			continue
		}
		if !ok {
			continue
		}
		_, err = o.MatchOne(ctx, e.PID)
		release()
		if err != nil && !errors.Is(err, storage.ErrNotMatchable) &&
			!errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn().Err(err).Uint64("pid", e.PID).Msg("matching pass failed")
		}
	}
}

// MatchOne runs one matching pass for pid: refresh fairness and expansion,
// then walk tiers up to the stage's ceiling, attempting up to
// TierCandidateCap candidates per tier and CycleAttemptCap pair attempts in
// total. Returns the created match or ErrNotMatchable when the pool held
// nothing for us this pass.
func (o *Orchestrator) MatchOne(ctx context.Context, pid uint64) (*storage.Match, error) {
	now := time.Now()
	entry, err := o.refreshEntry(ctx, pid, now)
	if err != nil {
		return nil, err
	}
	profile, err := o.dir.Lookup(ctx, pid)
	if err != nil {
		return nil, err
	}

	attempted := mapset.NewSet()
	attempts := 0
	tiers := 0
	ceiling := TierCeiling(entry.Stage)
	for tier := 1; tier <= ceiling; tier++ {
		tiers++
		for k := 0; k < configs.TierCandidateCap && attempts < configs.CycleAttemptCap; k++ {
			// Cooperative cancellation checkpoint: the seeker may have
			// been paired by another worker, or gone offline.
			p, err := o.store.GetParticipant(ctx, pid)
			if err != nil {
				return nil, err
			}
			if !p.State.Matchable() || p.Quarantined {
				return nil, storage.ErrNotMatchable
			}
			cand, err := o.selector.Best(ctx, entry, profile, tier, attempted, now)
			if errors.Is(err, storage.ErrNotMatchable) {
				break // tier exhausted
			}
			if err != nil {
				return nil, err
			}
			attempted.Add(cand.PID)
			match, err := o.tryCandidate(ctx, pid, cand.PID, tier)
			if err != nil {
				return nil, err
			}
			if match != nil {
				return match, nil
			}
			attempts++
		}
		if tier < ceiling {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(configs.TierPause):
			}
		}
	}
	o.logger.Debug().Uint64("pid", pid).
		Int("attempts", attempts).Int("tiers", tiers).
		Msg("pass ended without a pairing")
	return nil, storage.ErrNotMatchable
}

// tryCandidate attempts the pair up to TierRetryCap times on lock
// contention. A loss to a competing worker records a skip on the seeker;
// skip compensation is what keeps losers rising in the queue.
func (o *Orchestrator) tryCandidate(ctx context.Context, pid, candidate uint64, tier int) (*storage.Match, error) {
	for r := 0; r < configs.TierRetryCap; r++ {
		match, err := o.creator.Create(ctx, pid, candidate, tier)
		if err == nil {
			return match, nil
		}
		if errors.Is(err, storage.ErrLockContention) {
			continue
		}
		if errors.Is(err, storage.ErrNotMatchable) {
			// Candidate was claimed elsewhere between selection and lock.
			_ = o.store.RecordSkip(ctx, pid)
			return nil, nil
		}
		return nil, err
	}
	_ = o.store.RecordSkip(ctx, pid)
	return nil, nil
}

// refreshEntry recomputes the entry's fairness and applies any expansion
// stage its wait has earned.
func (o *Orchestrator) refreshEntry(ctx context.Context, pid uint64, now time.Time) (*storage.QueueEntry, error) {
	entry, err := o.store.GetQueueEntry(ctx, pid)
	if err != nil {
		return nil, err
	}
	if stage := StageForWait(entry.Wait(now)); stage > entry.Stage {
		changed, err := o.store.ExpandStage(ctx, pid, stage)
		if err != nil {
			return nil, err
		}
		if changed {
			entry.Stage = stage
			o.broker.Publish(notify.Event{
				Type:  notify.EventQueueExpanded,
				PID:   pid,
				Stage: stage,
			})
		}
	}
	size, err := o.store.QueueSize(ctx)
	if err != nil {
		return nil, err
	}
	entry.Fairness = Fairness(entry, size, now)
	if err := o.store.SetFairness(ctx, pid, entry.Fairness); err != nil {
		return nil, err
	}
	return entry, nil
}
