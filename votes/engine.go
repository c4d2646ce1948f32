// Package votes runs the bounded voting round of a match: per-side
// acknowledgements, the reveal step, decision recording, and atomic outcome
// resolution under the match-level lock.
package votes

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/lifecycle"
	"cupid/matcher"
	"cupid/notify"
	"cupid/storage"
)

var (
	// ErrWindowExpired reports a vote that arrived after the window closed.
	ErrWindowExpired = errors.New("vote window expired")
	// ErrWindowNotOpen reports a vote before both sides acknowledged.
	ErrWindowNotOpen = errors.New("vote window not open")
)

// Engine owns every write to match outcomes. Record + resolve + state
// transitions + history insert run as one logical transaction under the
// match lock; replaying a vote after resolution returns the recorded
// outcome.
type Engine struct {
	store   storage.Store
	dir     storage.Directory
	machine *lifecycle.Machine
	journal *storage.Journal
	broker  *notify.Broker
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(store storage.Store, dir storage.Directory, machine *lifecycle.Machine, journal *storage.Journal, broker *notify.Broker, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		dir:     dir,
		machine: machine,
		journal: journal,
		broker:  broker,
		logger:  logger.With().Str("component", "votes").Logger(),
		now:     time.Now,
	}
}

// SetClock injects a deterministic clock; tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Ack marks pid's side acknowledged; the vote window opens once both sides
// have acked.
func (e *Engine) Ack(ctx context.Context, matchID, pid uint64) (*storage.Match, error) {
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := e.store.SetAck(ctx, matchID, pid)
	if err != nil {
		return nil, err
	}
	if m.Status == storage.MatchPaired && m.BothAcked() {
		return e.startVotingLocked(ctx, m)
	}
	return m, nil
}

// RevealComplete marks pid's reveal done; both reveals also open the
// window.
func (e *Engine) RevealComplete(ctx context.Context, matchID, pid uint64) (*storage.Match, error) {
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := e.store.SetReveal(ctx, matchID, pid)
	if err != nil {
		return nil, err
	}
	if m.Status == storage.MatchPaired && m.BothRevealed() {
		return e.startVotingLocked(ctx, m)
	}
	return m, nil
}

// ForceVoteStart opens the window regardless of acks; the guardian's
// reveal timer calls it for matches stuck in paired.
func (e *Engine) ForceVoteStart(ctx context.Context, matchID uint64) error {
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return err
	}
	defer release()
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status != storage.MatchPaired {
		return nil
	}
	_, err = e.startVotingLocked(ctx, m)
	return err
}

// startVotingLocked stamps the window and moves the match and both
// participants into vote_active. Callers hold the match lock.
func (e *Engine) startVotingLocked(ctx context.Context, m *storage.Match) (*storage.Match, error) {
	expires := e.now().Add(configs.VoteWindow)
	changed, err := e.store.StartVote(ctx, m.ID, expires)
	if err != nil {
		return nil, err
	}
	if !changed {
		return e.store.GetMatch(ctx, m.ID)
	}
	fromPaired := []storage.State{storage.StatePaired}
	for _, pid := range []uint64{m.Lo, m.Hi} {
		if _, err := e.machine.Transition(ctx, pid, fromPaired, storage.StateVoteActive, "vote window opened"); err != nil {
			e.logger.Warn().Err(err).Uint64("pid", pid).Uint64("match_id", m.ID).
				Msg("participant missed the vote_active transition")
		}
	}
	e.journal.Append(&storage.JournalRecord{
		Kind:    "vote_window_opened",
		PID:     m.Lo,
		Partner: m.Hi,
		MatchID: m.ID,
	})
	return e.store.GetMatch(ctx, m.ID)
}

// CastVote records pid's decision and resolves the match when both sides
// have decided. Replays after resolution return the recorded outcome.
func (e *Engine) CastVote(ctx context.Context, matchID, pid uint64, vote storage.Vote) (storage.Outcome, error) {
	if vote != storage.VoteYes && vote != storage.VotePass {
		return "", storage.ErrNotFound
	}
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return "", err
	}
	defer release()

	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return "", err
	}
	if !m.Has(pid) {
		return "", storage.ErrNotFound
	}
	if !m.Status.Live() {
		// Already resolved: idempotent on replay of the recorded vote.
		mv, err := e.store.Votes(ctx, matchID)
		if err != nil {
			return "", err
		}
		if voteOf(m, mv, pid) == vote && m.Outcome != "" {
			return m.Outcome, nil
		}
		return "", ErrWindowExpired
	}
	if m.Status == storage.MatchPaired {
		return "", ErrWindowNotOpen
	}
	now := e.now()
	if !m.VoteExpiresAt.IsZero() && now.After(m.VoteExpiresAt) {
		// Too late; close the window with what was recorded.
		if _, err := e.resolveLocked(ctx, m); err != nil {
			return "", err
		}
		return "", ErrWindowExpired
	}

	mv, err := e.store.RecordVote(ctx, matchID, pid, vote)
	if err != nil {
		return "", err
	}
	e.journal.Append(&storage.JournalRecord{
		Kind:    "vote_recorded",
		PID:     pid,
		MatchID: matchID,
		Detail:  string(voteOf(m, mv, pid)),
	})
	e.broker.Publish(notify.Event{
		Type:    notify.EventVoteRecorded,
		PID:     pid,
		MatchID: matchID,
	})
	if mv.Complete() {
		return e.resolveLocked(ctx, m)
	}
	return "", nil
}

// ResolveExpired closes a lapsed window, treating missing votes as idle.
// Guardian entry point; idempotent.
func (e *Engine) ResolveExpired(ctx context.Context, matchID uint64) (storage.Outcome, error) {
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return "", err
	}
	defer release()
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return "", err
	}
	if m.Status != storage.MatchVoting {
		return m.Outcome, nil
	}
	if m.VoteExpiresAt.IsZero() || e.now().Before(m.VoteExpiresAt) {
		return "", nil
	}
	return e.resolveLocked(ctx, m)
}

// Cancel terminates a live match out of band (disconnect, leave). The
// survivor, when still inside the match flow, is compensated with the
// fixed boost and returned to spin_active.
func (e *Engine) Cancel(ctx context.Context, matchID uint64, reason string, survivor uint64) error {
	release, err := e.store.LockMatch(ctx, matchID)
	if err != nil {
		return err
	}
	defer release()
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !m.Status.Live() {
		return nil
	}
	changed, err := e.store.ResolveMatch(ctx, matchID, storage.OutcomeCancelled, storage.MatchCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if survivor != 0 && m.Has(survivor) {
		e.respin(ctx, survivor, matchID, true, "partner "+reason)
	}
	e.journal.Append(&storage.JournalRecord{
		Kind:    "match_cancelled",
		PID:     m.Lo,
		Partner: m.Hi,
		MatchID: matchID,
		Detail:  reason,
	})
	e.broker.Publish(notify.Event{
		Type:    notify.EventOutcomeResolved,
		PID:     m.Lo,
		Partner: m.Hi,
		MatchID: matchID,
		Outcome: string(storage.OutcomeCancelled),
	})
	return nil
}

// resolveLocked computes the outcome from the recorded votes (missing =
// idle) and applies every downstream effect before the match lock is
// released.
func (e *Engine) resolveLocked(ctx context.Context, m *storage.Match) (storage.Outcome, error) {
	mv, err := e.store.Votes(ctx, m.ID)
	if err != nil {
		return "", err
	}
	outcome := Resolve(mv.Lo, mv.Hi)
	changed, err := e.store.ResolveMatch(ctx, m.ID, outcome, storage.MatchEnded)
	if err != nil {
		return "", err
	}
	if !changed {
		// Lost the race to another resolver; report what it decided.
		cur, err := e.store.GetMatch(ctx, m.ID)
		if err != nil {
			return "", err
		}
		return cur.Outcome, nil
	}

	if outcome == storage.OutcomeBothYes {
		if err := e.store.AddMutual(ctx, m.Lo, m.Hi); err != nil {
			return "", err
		}
		fromVoting := []storage.State{storage.StateVoteActive}
		for _, pid := range []uint64{m.Lo, m.Hi} {
			if _, err := e.machine.Transition(ctx, pid, fromVoting, storage.StateVideoDate, "mutual accept"); err != nil {
				e.logger.Warn().Err(err).Uint64("pid", pid).Uint64("match_id", m.ID).
					Msg("video_date transition failed")
			}
		}
	} else {
		if err := e.store.AddCooldown(ctx, m.Lo, m.Hi, e.now()); err != nil {
			return "", err
		}
		e.applySideEffect(ctx, m, m.Lo, mv.Lo, mv.Hi)
		e.applySideEffect(ctx, m, m.Hi, mv.Hi, mv.Lo)
	}

	e.logger.Info().Uint64("match_id", m.ID).Str("outcome", string(outcome)).
		Uint64("lo", m.Lo).Uint64("hi", m.Hi).Msg("vote resolved")
	e.journal.Append(&storage.JournalRecord{
		Kind:    "outcome_resolved",
		PID:     m.Lo,
		Partner: m.Hi,
		MatchID: m.ID,
		Detail:  string(outcome),
	})
	e.broker.Publish(notify.Event{
		Type:    notify.EventOutcomeResolved,
		PID:     m.Lo,
		Partner: m.Hi,
		MatchID: m.ID,
		Outcome: string(outcome),
	})
	return outcome, nil
}

// applySideEffect routes one side to its post-outcome state. A yes that
// got passed over earns the fixed compensation boost; a pass whose partner
// also declined auto-rejoins without one; everything else requires a
// manual respin from idle.
func (e *Engine) applySideEffect(ctx context.Context, m *storage.Match, pid uint64, own, partner storage.Vote) {
	switch {
	case own == storage.VoteYes:
		e.respin(ctx, pid, m.ID, true, "passed over after yes")
	case own == storage.VotePass && partner != storage.VoteYes:
		e.respin(ctx, pid, m.ID, false, "mutual decline respin")
	default:
		if _, err := e.machine.Transition(ctx, pid, []storage.State{storage.StateVoteActive},
			storage.StateIdle, "vote outcome idle"); err != nil {
			e.logger.Debug().Err(err).Uint64("pid", pid).Msg("idle transition skipped")
		}
	}
}

// respin returns pid to spin_active and re-enqueues it, optionally with
// the fixed +10 compensation.
func (e *Engine) respin(ctx context.Context, pid, matchID uint64, boost bool, trigger string) {
	if _, err := e.machine.Transition(ctx, pid,
		[]storage.State{storage.StateVoteActive, storage.StatePaired},
		storage.StateSpinActive, trigger); err != nil {
		e.logger.Debug().Err(err).Uint64("pid", pid).Uint64("match_id", matchID).
			Msg("respin transition skipped")
		return
	}
	now := e.now()
	narrowness := 0.5
	if p, err := e.dir.Lookup(ctx, pid); err == nil {
		narrowness = matcher.Narrowness(p)
	}
	if err := e.store.JoinQueue(ctx, &storage.QueueEntry{
		PID:        pid,
		JoinedAt:   now,
		Narrowness: narrowness,
		UpdatedAt:  now,
	}); err != nil {
		e.logger.Warn().Err(err).Uint64("pid", pid).Msg("auto-rejoin enqueue failed")
		return
	}
	if boost {
		if err := e.store.BoostFairness(ctx, pid, configs.FairnessBoost); err != nil {
			e.logger.Warn().Err(err).Uint64("pid", pid).Msg("compensation boost failed")
		}
	}
}

// Resolve folds the two recorded decisions onto the outcome table.
func Resolve(lo, hi storage.Vote) storage.Outcome {
	yes := func(v storage.Vote) bool { return v == storage.VoteYes }
	pass := func(v storage.Vote) bool { return v == storage.VotePass }
	switch {
	case yes(lo) && yes(hi):
		return storage.OutcomeBothYes
	case (yes(lo) && pass(hi)) || (pass(lo) && yes(hi)):
		return storage.OutcomeYesPass
	case pass(lo) && pass(hi):
		return storage.OutcomePassPass
	case yes(lo) || yes(hi):
		return storage.OutcomeYesIdle
	case pass(lo) || pass(hi):
		return storage.OutcomePassIdle
	default:
		return storage.OutcomeIdleIdle
	}
}

func voteOf(m *storage.Match, mv storage.MatchVotes, pid uint64) storage.Vote {
	if pid == m.Lo {
		return mv.Lo
	}
	return mv.Hi
}
