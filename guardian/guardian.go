// Package guardian runs the background reconcilers that repair partial
// failures and enforce the matchmaker's invariants. Every sweep is
// idempotent and guarded by its own named advisory lock, so any number of
// guardian processes can overlap safely.
package guardian

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/lifecycle"
	"cupid/matcher"
	"cupid/notify"
	"cupid/storage"
	"cupid/votes"
)

type Guardian struct {
	store   storage.Store
	dir     storage.Directory
	machine *lifecycle.Machine
	votes   *votes.Engine
	journal *storage.Journal
	broker  *notify.Broker
	logger  zerolog.Logger
	now     func() time.Time
}

func New(store storage.Store, dir storage.Directory, machine *lifecycle.Machine, voteEngine *votes.Engine, journal *storage.Journal, broker *notify.Broker, logger zerolog.Logger) *Guardian {
	return &Guardian{
		store:   store,
		dir:     dir,
		machine: machine,
		votes:   voteEngine,
		journal: journal,
		broker:  broker,
		logger:  logger.With().Str("component", "guardian").Logger(),
		now:     time.Now,
	}
}

// SetClock injects a deterministic clock; tests only.
func (g *Guardian) SetClock(now func() time.Time) { g.now = now }

// Run sweeps every guardian interval until ctx ends.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(configs.GuardianInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.SweepAll(ctx)
		}
	}
}

// SweepAll runs every reconciler once.
func (g *Guardian) SweepAll(ctx context.Context) {
	sweeps := []struct {
		name string
		run  func(context.Context)
	}{
		{"paired_without_match", g.repairPairedWithoutMatch},
		{"orphan_matches", g.cancelOrphanMatches},
		{"expansion", g.enforceExpansion},
		{"reveal_timer", g.forceRevealTimer},
		{"overdue_votes", g.resolveOverdueVotes},
		{"ghost_queue", g.cleanGhostQueueEntries},
		{"cooldown_retention", g.purgeCooldown},
		{"fairness_refresh", g.refreshFairness},
	}
	for _, sweep := range sweeps {
		if ctx.Err() != nil {
			return
		}
		release, ok, err := g.store.TryNamed(ctx, "guardian:"+sweep.name)
		if err != nil {
			g.logger.Warn().Err(err).Str("sweep", sweep.name).Msg("sweep lock failed")
			continue
		}
		if !ok {
			continue
		}
		sweep.run(ctx)
		release()
	}
}

// repairPairedWithoutMatch resets participants stuck in paired/vote_active
// with no live match record, compensating the disruption with the fixed
// boost once they are matchable again.
func (g *Guardian) repairPairedWithoutMatch(ctx context.Context) {
	orphans, err := g.store.ScanPairedWithoutMatch(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("paired-without-match scan failed")
		return
	}
	for _, p := range orphans {
		if _, err := g.machine.Transition(ctx, p.PID,
			[]storage.State{storage.StatePaired, storage.StateVoteActive},
			storage.StateSpinActive, "guardian repair: no live match"); err != nil {
			continue
		}
		// Their queue entry was consumed at pair creation, so the repair
		// re-enqueues before compensating; the boost must land on a live row.
		now := g.now()
		narrowness := 0.5
		if profile, err := g.dir.Lookup(ctx, p.PID); err == nil {
			narrowness = matcher.Narrowness(profile)
		}
		if err := g.store.JoinQueue(ctx, &storage.QueueEntry{
			PID:        p.PID,
			JoinedAt:   now,
			Narrowness: narrowness,
			UpdatedAt:  now,
		}); err != nil {
			g.logger.Warn().Err(err).Uint64("pid", p.PID).Msg("repair enqueue failed")
			continue
		}
		if err := g.store.BoostFairness(ctx, p.PID, configs.FairnessBoost); err != nil {
			g.logger.Warn().Err(err).Uint64("pid", p.PID).Msg("repair boost failed")
		}
		g.logger.Warn().Uint64("pid", p.PID).Str("was", string(p.State)).
			Msg("repaired participant without live match")
		g.journal.Append(&storage.JournalRecord{
			Kind:   "guardian_repair",
			PID:    p.PID,
			Detail: "paired without live match",
		})
		g.broker.Publish(notify.Event{
			Type:  notify.EventGuardianRepair,
			PID:   p.PID,
			State: string(storage.StateSpinActive),
		})
	}
}

// cancelOrphanMatches terminates live matches whose participants are no
// longer both inside the match flow.
func (g *Guardian) cancelOrphanMatches(ctx context.Context) {
	matches, err := g.store.ScanLiveMatches(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("live match scan failed")
		return
	}
	for _, m := range matches {
		survivor := uint64(0)
		healthy := 0
		for _, pid := range []uint64{m.Lo, m.Hi} {
			p, err := g.store.GetParticipant(ctx, pid)
			if err != nil {
				continue
			}
			if p.State == storage.StatePaired || p.State == storage.StateVoteActive {
				healthy++
				survivor = pid
			}
		}
		if healthy == 2 {
			continue
		}
		if healthy != 1 {
			survivor = 0
		}
		if err := g.votes.Cancel(ctx, m.ID, "orphaned match", survivor); err != nil {
			g.logger.Warn().Err(err).Uint64("match_id", m.ID).Msg("orphan cancel failed")
			continue
		}
		g.journal.Append(&storage.JournalRecord{
			Kind:    "guardian_repair",
			MatchID: m.ID,
			Detail:  "orphaned match cancelled",
		})
	}
}

// enforceExpansion advances stages whose wait crossed a threshold while no
// orchestrator pass touched the entry.
func (g *Guardian) enforceExpansion(ctx context.Context) {
	now := g.now()
	entries, err := g.store.ListQueue(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("queue list failed")
		return
	}
	for _, e := range entries {
		stage := matcher.StageForWait(e.Wait(now))
		if stage <= e.Stage {
			continue
		}
		changed, err := g.store.ExpandStage(ctx, e.PID, stage)
		if err != nil || !changed {
			continue
		}
		g.broker.Publish(notify.Event{
			Type:  notify.EventQueueExpanded,
			PID:   e.PID,
			Stage: stage,
		})
	}
}

// forceRevealTimer opens the vote window for matches stuck in paired past
// the reveal-start timer.
func (g *Guardian) forceRevealTimer(ctx context.Context) {
	cutoff := g.now().Add(-configs.RevealStart)
	matches, err := g.store.ScanPairedBefore(ctx, cutoff)
	if err != nil {
		g.logger.Warn().Err(err).Msg("paired-before scan failed")
		return
	}
	for _, m := range matches {
		if err := g.votes.ForceVoteStart(ctx, m.ID); err != nil {
			g.logger.Warn().Err(err).Uint64("match_id", m.ID).Msg("forced vote start failed")
		}
	}
}

// resolveOverdueVotes closes windows that lapsed without both decisions.
func (g *Guardian) resolveOverdueVotes(ctx context.Context) {
	matches, err := g.store.ScanExpiredVotes(ctx, g.now())
	if err != nil {
		g.logger.Warn().Err(err).Msg("expired vote scan failed")
		return
	}
	for _, m := range matches {
		if _, err := g.votes.ResolveExpired(ctx, m.ID); err != nil {
			if errors.Is(err, storage.ErrLockContention) {
				continue
			}
			g.logger.Warn().Err(err).Uint64("match_id", m.ID).Msg("expired resolve failed")
		}
	}
}

// cleanGhostQueueEntries removes entries whose participant is not in a
// queueing state, and belt-and-braces dedupes the scan (the primary key
// makes duplicates impossible short of operator-induced damage).
func (g *Guardian) cleanGhostQueueEntries(ctx context.Context) {
	entries, err := g.store.ListQueue(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("queue list failed")
		return
	}
	seen := mapset.NewSet()
	for _, e := range entries {
		if !seen.Add(e.PID) {
			_ = g.store.RemoveFromQueue(ctx, e.PID, "duplicate entry")
			continue
		}
		p, err := g.store.GetParticipant(ctx, e.PID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = g.store.RemoveFromQueue(ctx, e.PID, "ghost entry")
			}
			continue
		}
		// soft_offline keeps its entry until grace expiry finalizes it.
		if !p.State.Matchable() && p.State != storage.StateSoftOffline {
			_ = g.store.RemoveFromQueue(ctx, e.PID, "ghost entry")
			g.journal.Append(&storage.JournalRecord{
				Kind:   "guardian_repair",
				PID:    e.PID,
				Detail: "ghost queue entry removed",
			})
		}
	}
}

// purgeCooldown drops cooldown rows past retention.
func (g *Guardian) purgeCooldown(ctx context.Context) {
	removed, err := g.store.PurgeCooldown(ctx, g.now().Add(-configs.CooldownRetention))
	if err != nil {
		g.logger.Warn().Err(err).Msg("cooldown purge failed")
		return
	}
	if removed > 0 {
		g.logger.Debug().Int("removed", removed).Msg("cooldown history purged")
	}
}

// refreshFairness recomputes every entry's score so the priority index
// stays honest for long waiters and thin queues.
func (g *Guardian) refreshFairness(ctx context.Context) {
	now := g.now()
	entries, err := g.store.ListQueue(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("queue list failed")
		return
	}
	size := len(entries)
	for _, e := range entries {
		fairness := matcher.Fairness(e, size, now)
		if err := g.store.SetFairness(ctx, e.PID, fairness); err != nil {
			g.logger.Warn().Err(err).Uint64("pid", e.PID).Msg("fairness refresh failed")
		}
	}
}
