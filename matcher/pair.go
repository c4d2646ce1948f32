package matcher

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/lifecycle"
	"cupid/notify"
	"cupid/storage"
)

// PairCreator is the sole writer of match records. It locks the two
// participants in canonical order, revalidates everything under the locks,
// inserts the match, and transitions both sides to paired, rolling its own
// writes back when the second transition fails.
type PairCreator struct {
	store   storage.Store
	dir     storage.Directory
	machine *lifecycle.Machine
	journal *storage.Journal
	broker  *notify.Broker
	logger  zerolog.Logger
}

func NewPairCreator(store storage.Store, dir storage.Directory, machine *lifecycle.Machine, journal *storage.Journal, broker *notify.Broker, logger zerolog.Logger) *PairCreator {
	return &PairCreator{
		store:   store,
		dir:     dir,
		machine: machine,
		journal: journal,
		broker:  broker,
		logger:  logger.With().Str("component", "pair").Logger(),
	}
}

// Create pairs a and b at the given tier. Returns the match on success,
// ErrLockContention when the locks could not be won within the retry
// budget, and ErrNotMatchable when revalidation under the locks failed.
func (c *PairCreator) Create(ctx context.Context, a, b uint64, tier int) (*storage.Match, error) {
	lo, hi := storage.CanonicalPair(a, b)

	releaseBoth, err := c.lockPair(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	defer releaseBoth()

	// Re-read both states under the locks; the queue scan's view is stale
	// by now.
	for _, pid := range []uint64{lo, hi} {
		p, err := c.store.GetParticipant(ctx, pid)
		if err != nil {
			return nil, err
		}
		if !p.State.Matchable() || p.Quarantined {
			return nil, storage.ErrNotMatchable
		}
	}

	now := time.Now()
	if ok, err := PairAllowed(ctx, c.store, lo, hi, tier, now); err != nil {
		return nil, err
	} else if !ok {
		return nil, storage.ErrNotMatchable
	}
	profiles, err := c.dir.Snapshot(ctx, []uint64{lo, hi})
	if err != nil {
		return nil, err
	}
	pLo, pHi := profiles[lo], profiles[hi]
	if pLo == nil || pHi == nil {
		return nil, storage.ErrNotMatchable
	}
	stageLo, stageHi := c.stageOf(ctx, lo), c.stageOf(ctx, hi)
	if !ProfilesFit(pLo, stageLo, pHi, stageHi, tier) {
		return nil, storage.ErrNotMatchable
	}

	match, err := c.store.CreateMatch(ctx, lo, hi, tier)
	if errors.Is(err, storage.ErrDuplicatePair) {
		// A live match for the pair already exists; rewrite to success.
		if match != nil && match.Status.Live() {
			return match, nil
		}
		return nil, storage.ErrNotMatchable
	}
	if err != nil {
		return nil, err
	}

	if err := c.transitionBoth(ctx, match); err != nil {
		return nil, err
	}

	// The boost is consumed by pair creation: dropping the queue entries
	// clears the accumulated quanta with them.
	_ = c.store.RemoveFromQueue(ctx, lo, "paired")
	_ = c.store.RemoveFromQueue(ctx, hi, "paired")

	c.logger.Info().Uint64("match_id", match.ID).
		Uint64("lo", lo).Uint64("hi", hi).Int("tier", tier).
		Msg("match created")
	c.journal.Append(&storage.JournalRecord{
		Kind:    "match_created",
		PID:     lo,
		Partner: hi,
		MatchID: match.ID,
		Detail:  "tier " + strconv.Itoa(tier),
	})
	c.broker.Publish(notify.Event{
		Type:    notify.EventMatchCreated,
		PID:     lo,
		Partner: hi,
		MatchID: match.ID,
	})
	return match, nil
}

// lockPair acquires the two participant locks in canonical order with
// exponential backoff and jitter, never blocking inside the store.
func (c *PairCreator) lockPair(ctx context.Context, lo, hi uint64) (func(), error) {
	backoff := configs.PairLockBackoff
	for attempt := 0; attempt < configs.PairLockRetries; attempt++ {
		releaseLo, okLo, err := c.store.TryParticipant(ctx, lo)
		if err != nil {
			return nil, err
		}
		if okLo {
			releaseHi, okHi, err := c.store.TryParticipant(ctx, hi)
			if err != nil {
				releaseLo()
				return nil, err
			}
			if okHi {
				return func() {
					releaseHi()
					releaseLo()
				}, nil
			}
			releaseLo()
		}
		// Jittered exponential penalty, capped; mirrors the contention
		// retry the rest of the system uses.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/5+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > configs.PairLockBackoffCap {
			backoff = configs.PairLockBackoffCap
		}
	}
	return nil, storage.ErrLockContention
}

// transitionBoth moves both sides to paired, undoing the match insert and
// the first transition when the second fails.
func (c *PairCreator) transitionBoth(ctx context.Context, match *storage.Match) error {
	matchableFrom := []storage.State{storage.StateSpinActive, storage.StateQueueWaiting}
	if _, err := c.machine.Transition(ctx, match.Lo, matchableFrom, storage.StatePaired, "pair created"); err != nil {
		_ = c.store.DeleteMatch(ctx, match.ID)
		return storage.ErrNotMatchable
	}
	if _, err := c.machine.Transition(ctx, match.Hi, matchableFrom, storage.StatePaired, "pair created"); err != nil {
		// Compensate: revert the first side toward spin_active and drop
		// the match record.
		if _, rerr := c.machine.Transition(ctx, match.Lo, []storage.State{storage.StatePaired},
			storage.StateSpinActive, "pair rollback"); rerr != nil {
			c.logger.Error().Err(rerr).Uint64("pid", match.Lo).
				Msg("pair rollback failed, guardian will repair")
		}
		_ = c.store.DeleteMatch(ctx, match.ID)
		return storage.ErrNotMatchable
	}
	return nil
}

func (c *PairCreator) stageOf(ctx context.Context, pid uint64) int {
	e, err := c.store.GetQueueEntry(ctx, pid)
	if err != nil {
		return 0
	}
	return e.Stage
}
