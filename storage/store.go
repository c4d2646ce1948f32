package storage

import (
	"context"
	"time"

	"cupid/configs"
)

// StateStore owns the participant rows. SwapState is the only state writer
// and always runs as a compare-and-swap against the stored value.
type StateStore interface {
	// EnsureParticipant creates the row in idle if it does not exist.
	EnsureParticipant(ctx context.Context, pid uint64) error
	GetParticipant(ctx context.Context, pid uint64) (*Participant, error)
	// SwapState moves pid from one of the allowed states to the target and
	// returns the prior state. A row in a different state yields a
	// *StateMismatchError; a missing row yields ErrNotFound.
	SwapState(ctx context.Context, pid uint64, from []State, to State) (State, error)
	// RestoreOffline moves a soft_offline participant back to the state it
	// held before going offline and returns that state.
	RestoreOffline(ctx context.Context, pid uint64) (State, error)
	Heartbeat(ctx context.Context, pid uint64, at time.Time) error
	SetQuarantine(ctx context.Context, pid uint64, quarantined bool) error
	// ScanStale returns participants in the given states whose last_active
	// is older than the cutoff.
	ScanStale(ctx context.Context, states []State, cutoff time.Time) ([]*Participant, error)
	// ScanOffline returns soft_offline participants whose transition into
	// soft_offline is older than the cutoff (grace expired).
	ScanOffline(ctx context.Context, cutoff time.Time) ([]*Participant, error)
	// ScanPairedWithoutMatch returns participants in paired/vote_active
	// with no live match record covering them.
	ScanPairedWithoutMatch(ctx context.Context) ([]*Participant, error)
}

// QueueStore owns the waiting queue. One entry per pid, keyed by pid.
type QueueStore interface {
	// JoinQueue inserts the entry; an existing entry for the pid wins.
	JoinQueue(ctx context.Context, e *QueueEntry) error
	// RemoveFromQueue deletes the entry. Missing entries are a no-op.
	RemoveFromQueue(ctx context.Context, pid uint64, reason string) error
	// BoostFairness accumulates a compensation boost onto the entry's
	// fairness. No-op when the pid is not queued.
	BoostFairness(ctx context.Context, pid uint64, delta float64) error
	// ExpandStage raises the expansion stage. Stages only move up; the
	// return reports whether the row changed.
	ExpandStage(ctx context.Context, pid uint64, newStage int) (bool, error)
	RecordSkip(ctx context.Context, pid uint64) error
	// SetFairness overwrites the computed fairness (guardian recompute).
	SetFairness(ctx context.Context, pid uint64, fairness float64) error
	GetQueueEntry(ctx context.Context, pid uint64) (*QueueEntry, error)
	// ScanQueue yields up to limit entries in priority order (fairness
	// desc, joined_at asc, pid asc), skipping rows locked by another
	// worker instead of waiting on them.
	ScanQueue(ctx context.Context, limit int) ([]*QueueEntry, error)
	// ListQueue is the unlocked full read used by guardian sweeps.
	ListQueue(ctx context.Context) ([]*QueueEntry, error)
	QueueSize(ctx context.Context) (int, error)
}

// MatchStore owns match records and their votes. CreateMatch is called by
// exactly one component, the pair creator.
type MatchStore interface {
	// CreateMatch inserts a live match for the canonical pair. When a live
	// match for the pair already exists it is returned together with
	// ErrDuplicatePair.
	CreateMatch(ctx context.Context, lo, hi uint64, tier int) (*Match, error)
	GetMatch(ctx context.Context, id uint64) (*Match, error)
	// LiveMatchFor returns the live match containing pid, ErrNotFound if
	// none exists.
	LiveMatchFor(ctx context.Context, pid uint64) (*Match, error)
	// SetAck / SetReveal flip the per-side flags and return the updated row.
	SetAck(ctx context.Context, id, pid uint64) (*Match, error)
	SetReveal(ctx context.Context, id, pid uint64) (*Match, error)
	// StartVote moves paired → vote_active and stamps the window. Returns
	// false when the match was not in paired (already started or resolved).
	StartVote(ctx context.Context, id uint64, expires time.Time) (bool, error)
	// RecordVote stores a side's decision, first write wins. Returns both
	// sides' votes after the write.
	RecordVote(ctx context.Context, id, pid uint64, v Vote) (MatchVotes, error)
	// Votes returns the current decision snapshot.
	Votes(ctx context.Context, id uint64) (MatchVotes, error)
	// ResolveMatch finalizes a live match with the outcome. Returns false
	// when the match was no longer live (already resolved).
	ResolveMatch(ctx context.Context, id uint64, outcome Outcome, status MatchStatus) (bool, error)
	// DeleteMatch removes a match record; pair-creator rollback only.
	DeleteMatch(ctx context.Context, id uint64) error
	ScanLiveMatches(ctx context.Context) ([]*Match, error)
	// ScanPairedBefore returns matches still in paired created before the
	// cutoff (reveal timer enforcement).
	ScanPairedBefore(ctx context.Context, cutoff time.Time) ([]*Match, error)
	// ScanExpiredVotes returns vote_active matches whose window has passed.
	ScanExpiredVotes(ctx context.Context, now time.Time) ([]*Match, error)
}

// HistoryStore owns the two pairing-history tables: the permanent
// mutual-accept set and the rolling cooldown set.
type HistoryStore interface {
	AddMutual(ctx context.Context, lo, hi uint64) error
	HasMutual(ctx context.Context, lo, hi uint64) (bool, error)
	AddCooldown(ctx context.Context, lo, hi uint64, pairedAt time.Time) error
	InCooldown(ctx context.Context, lo, hi uint64, window time.Duration, now time.Time) (bool, error)
	// PurgeCooldown drops cooldown rows older than the cutoff and reports
	// how many were removed.
	PurgeCooldown(ctx context.Context, cutoff time.Time) (int, error)
}

// LockManager exposes the store's advisory locks. All acquisition is
// scoped: the returned release closure must run on every exit path.
type LockManager interface {
	// TryParticipant attempts the per-participant exclusive lock without
	// waiting. ok=false means another worker holds it.
	TryParticipant(ctx context.Context, pid uint64) (release func(), ok bool, err error)
	// LockMatch acquires the per-match lock, waiting up to the store's
	// bounded lock window. Times out with ErrLockContention.
	LockMatch(ctx context.Context, matchID uint64) (release func(), err error)
	// TryNamed attempts a named lock (guardian tasks, per-pid cycles).
	TryNamed(ctx context.Context, name string) (release func(), ok bool, err error)
}

// Store is the full authoritative-store surface. Two engines implement it:
// the Postgres engine for deployments and the memory engine for tests and
// the simulator.
type Store interface {
	StateStore
	QueueStore
	MatchStore
	HistoryStore
	LockManager
	Close(ctx context.Context) error
}

// Open connects the engine selected by configs.StorageType.
func Open(ctx context.Context) (Store, error) {
	switch configs.StorageType {
	case configs.PostgresStore:
		return OpenSQL(ctx, configs.PostgresDSN)
	case configs.MemoryStore:
		return NewMemStore(), nil
	default:
		panic("unknown storage engine: " + configs.StorageType)
	}
}
