// Package heartbeat tracks participant liveness: heartbeats bump
// last_active, a periodic sweep tips silent participants into soft_offline
// (cancelling any live match with survivor compensation), and grace expiry
// finalizes them to idle.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/lifecycle"
	"cupid/notify"
	"cupid/storage"
	"cupid/votes"
)

type Manager struct {
	store   storage.Store
	machine *lifecycle.Machine
	votes   *votes.Engine
	journal *storage.Journal
	broker  *notify.Broker
	logger  zerolog.Logger
	now     func() time.Time
}

func NewManager(store storage.Store, machine *lifecycle.Machine, voteEngine *votes.Engine, journal *storage.Journal, broker *notify.Broker, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		machine: machine,
		votes:   voteEngine,
		journal: journal,
		broker:  broker,
		logger:  logger.With().Str("component", "heartbeat").Logger(),
		now:     time.Now,
	}
}

// SetClock injects a deterministic clock; tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Bump records a heartbeat. A soft_offline participant beating within the
// grace window is restored to the state it held before the gap.
func (m *Manager) Bump(ctx context.Context, pid uint64) error {
	now := m.now()
	err := m.store.Heartbeat(ctx, pid, now)
	if errors.Is(err, storage.ErrNotFound) {
		if err := m.store.EnsureParticipant(ctx, pid); err != nil {
			return err
		}
		err = m.store.Heartbeat(ctx, pid, now)
	}
	if err != nil {
		return err
	}
	p, err := m.store.GetParticipant(ctx, pid)
	if err != nil {
		return err
	}
	if p.State == storage.StateSoftOffline && now.Sub(p.StateChangedAt) <= configs.GracePeriod {
		if _, err := m.machine.Restore(ctx, pid); err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps on the guardian cadence until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(configs.GuardianInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs offline detection then grace finalization, guarded by a named
// advisory lock so overlapping processes do not double-process.
func (m *Manager) Sweep(ctx context.Context) {
	release, ok, err := m.store.TryNamed(ctx, "heartbeat:sweep")
	if err != nil {
		m.logger.Warn().Err(err).Msg("sweep lock failed")
		return
	}
	if !ok {
		return
	}
	defer release()
	m.detectOffline(ctx)
	m.finalizeOffline(ctx)
}

// detectOffline tips participants whose heartbeat gap crossed the
// threshold into soft_offline, cancelling any live match so the partner is
// not left hanging.
func (m *Manager) detectOffline(ctx context.Context) {
	now := m.now()
	// Idle participants have nothing to reconcile; tipping them offline
	// would only cycle soft_offline -> idle forever.
	liveStates := []storage.State{
		storage.StateSpinActive, storage.StateQueueWaiting,
		storage.StatePaired, storage.StateVoteActive, storage.StateVideoDate,
	}
	stale, err := m.store.ScanStale(ctx, liveStates, now.Add(-configs.OfflineThreshold))
	if err != nil {
		m.logger.Warn().Err(err).Msg("stale scan failed")
		return
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return
		}
		inMatch := p.State.InMatch()
		if _, err := m.machine.Transition(ctx, p.PID, []storage.State{p.State},
			storage.StateSoftOffline, "heartbeat gap"); err != nil {
			// Raced with a heartbeat or another worker; nothing to do.
			continue
		}
		m.logger.Info().Uint64("pid", p.PID).Str("was", string(p.State)).
			Msg("participant soft offline")
		m.broker.Publish(notify.Event{
			Type:  notify.EventOfflineDetected,
			PID:   p.PID,
			State: string(storage.StateSoftOffline),
		})
		if inMatch {
			match, err := m.store.LiveMatchFor(ctx, p.PID)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					m.logger.Warn().Err(err).Uint64("pid", p.PID).Msg("live match lookup failed")
				}
				continue
			}
			if err := m.votes.Cancel(ctx, match.ID, "went offline", match.Other(p.PID)); err != nil {
				m.logger.Warn().Err(err).Uint64("match_id", match.ID).Msg("offline cancel failed")
			}
		}
	}
}

// finalizeOffline moves participants whose grace lapsed to idle and drops
// their queue entries.
func (m *Manager) finalizeOffline(ctx context.Context) {
	now := m.now()
	expired, err := m.store.ScanOffline(ctx, now.Add(-configs.GracePeriod))
	if err != nil {
		m.logger.Warn().Err(err).Msg("offline scan failed")
		return
	}
	for _, p := range expired {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.machine.Transition(ctx, p.PID, []storage.State{storage.StateSoftOffline},
			storage.StateIdle, "grace expired"); err != nil {
			continue
		}
		_ = m.store.RemoveFromQueue(ctx, p.PID, "offline finalized")
		m.journal.Append(&storage.JournalRecord{
			Kind: "offline_finalized",
			PID:  p.PID,
		})
		m.broker.Publish(notify.Event{
			Type:  notify.EventOfflineFinalized,
			PID:   p.PID,
			State: string(storage.StateIdle),
		})
	}
}
