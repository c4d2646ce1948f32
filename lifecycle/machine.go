package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"cupid/notify"
	"cupid/storage"
)

// Machine validates and applies participant state transitions. One
// successful transition produces exactly one journal record and one
// participant_state_changed event; a rejected transition mutates nothing.
type Machine struct {
	store   storage.StateStore
	journal *storage.Journal
	broker  *notify.Broker
	logger  zerolog.Logger
}

func NewMachine(store storage.StateStore, journal *storage.Journal, broker *notify.Broker, logger zerolog.Logger) *Machine {
	return &Machine{
		store:   store,
		journal: journal,
		broker:  broker,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Transition moves pid to the target state if its current state is inside
// the allowed set and the transition table permits the edge. The prior
// state is returned. Passing an empty allowed set accepts every state the
// table allows as a source for the target.
func (m *Machine) Transition(ctx context.Context, pid uint64, allowedFrom []storage.State, to storage.State, trigger string) (storage.State, error) {
	from := sourcesFor(to, allowedFrom)
	if len(from) == 0 {
		return "", fmt.Errorf("%w: no legal edge to %s", ErrInvalidTransition, to)
	}
	prior, err := m.store.SwapState(ctx, pid, from, to)
	if err != nil {
		var mismatch *storage.StateMismatchError
		if errors.As(err, &mismatch) {
			return "", fmt.Errorf("%w: %s -> %s for participant %d",
				ErrInvalidTransition, mismatch.Observed, to, pid)
		}
		return "", err
	}
	m.logger.Debug().Uint64("pid", pid).
		Str("from", string(prior)).Str("to", string(to)).Str("trigger", trigger).
		Msg("state transition")
	m.journal.Append(&storage.JournalRecord{
		Kind:    "transition",
		PID:     pid,
		From:    string(prior),
		To:      string(to),
		Trigger: trigger,
	})
	m.broker.Publish(notify.Event{
		Type:  notify.EventStateChanged,
		PID:   pid,
		State: string(to),
	})
	return prior, nil
}

// Restore brings a soft_offline participant back to the state it held
// before the gap. Grace checking is the heartbeat manager's job; Restore
// only performs the swap.
func (m *Machine) Restore(ctx context.Context, pid uint64) (storage.State, error) {
	restored, err := m.store.RestoreOffline(ctx, pid)
	if err != nil {
		var mismatch *storage.StateMismatchError
		if errors.As(err, &mismatch) {
			return "", fmt.Errorf("%w: restore of participant %d in state %s",
				ErrInvalidTransition, pid, mismatch.Observed)
		}
		return "", err
	}
	m.logger.Debug().Uint64("pid", pid).Str("to", string(restored)).
		Msg("restored from soft_offline")
	m.journal.Append(&storage.JournalRecord{
		Kind:    "transition",
		PID:     pid,
		From:    string(storage.StateSoftOffline),
		To:      string(restored),
		Trigger: "heartbeat restored",
	})
	m.broker.Publish(notify.Event{
		Type:  notify.EventStateChanged,
		PID:   pid,
		State: string(restored),
	})
	return restored, nil
}

// Current re-reads the authoritative row.
func (m *Machine) Current(ctx context.Context, pid uint64) (*storage.Participant, error) {
	return m.store.GetParticipant(ctx, pid)
}

// Quarantine flags a participant after a Fatal so orchestration skips it
// until an operator clears the flag.
func (m *Machine) Quarantine(ctx context.Context, pid uint64, on bool) error {
	if err := m.store.SetQuarantine(ctx, pid, on); err != nil {
		return err
	}
	m.logger.Error().Uint64("pid", pid).Bool("quarantined", on).
		Msg("quarantine flag changed")
	m.journal.Append(&storage.JournalRecord{
		Kind:   "quarantine",
		PID:    pid,
		Detail: fmt.Sprintf("quarantined=%v", on),
	})
	return nil
}
