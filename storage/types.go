package storage

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// State is the single authoritative participant state. Every writer goes
// through the lifecycle machine; every reader re-reads the stored row.
type State string

const (
	StateIdle         State = "idle"
	StateSpinActive   State = "spin_active"
	StateQueueWaiting State = "queue_waiting"
	StatePaired       State = "paired"
	StateVoteActive   State = "vote_active"
	StateVideoDate    State = "video_date"
	StateSoftOffline  State = "soft_offline"
	StateEnded        State = "ended"
)

// Matchable reports whether the pair creator may claim this participant.
func (s State) Matchable() bool {
	return s == StateSpinActive || s == StateQueueWaiting
}

// InMatch reports whether the participant is on the pair/vote/date track.
func (s State) InMatch() bool {
	return s == StatePaired || s == StateVoteActive || s == StateVideoDate
}

func (s State) Terminal() bool {
	return s == StateEnded
}

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateSpinActive, StateQueueWaiting, StatePaired,
		StateVoteActive, StateVideoDate, StateSoftOffline, StateEnded:
		return true
	}
	return false
}

// Vote is one side's decision inside the vote window.
type Vote string

const (
	VoteNone Vote = "none"
	VoteYes  Vote = "yes"
	VotePass Vote = "pass"
)

// Outcome classifies a resolved match.
type Outcome string

const (
	OutcomeBothYes   Outcome = "both_yes"
	OutcomeYesPass   Outcome = "yes_pass"
	OutcomePassPass  Outcome = "pass_pass"
	OutcomeYesIdle   Outcome = "yes_idle"
	OutcomePassIdle  Outcome = "pass_idle"
	OutcomeIdleIdle  Outcome = "idle_idle"
	OutcomeCancelled Outcome = "cancelled"
)

// MatchStatus is the match record's lifecycle column. A pair is "live"
// while paired or vote_active; the partial unique index holds over exactly
// those rows.
type MatchStatus string

const (
	MatchPaired    MatchStatus = "paired"
	MatchVoting    MatchStatus = "vote_active"
	MatchEnded     MatchStatus = "ended"
	MatchCancelled MatchStatus = "cancelled"
)

func (s MatchStatus) Live() bool {
	return s == MatchPaired || s == MatchVoting
}

// CanonicalPair orders two participant ids. Matches and history rows are
// keyed (lo, hi) everywhere so that (a,b) and (b,a) collide.
func CanonicalPair(a, b uint64) (uint64, uint64) {
	if a < b {
		return a, b
	}
	return b, a
}

type Participant struct {
	PID            uint64
	State          State
	PrevState      State
	LastActive     time.Time
	StateChangedAt time.Time
	Quarantined    bool
}

type QueueEntry struct {
	PID        uint64
	JoinedAt   time.Time
	Fairness   float64
	Stage      int
	Skips      int
	Boosts     float64
	Narrowness float64
	UpdatedAt  time.Time
}

// Wait is the entry's queue residence at the given instant.
func (e *QueueEntry) Wait(now time.Time) time.Duration {
	return now.Sub(e.JoinedAt)
}

type Match struct {
	ID            uint64
	Lo            uint64
	Hi            uint64
	Status        MatchStatus
	Tier          int
	CreatedAt     time.Time
	VoteStartedAt time.Time
	VoteExpiresAt time.Time
	AckLo         bool
	AckHi         bool
	RevealLo      bool
	RevealHi      bool
	Outcome       Outcome
}

// Other returns the counterpart of pid inside the match.
func (m *Match) Other(pid uint64) uint64 {
	if pid == m.Lo {
		return m.Hi
	}
	return m.Lo
}

// Has reports whether pid is one of the match sides.
func (m *Match) Has(pid uint64) bool {
	return pid == m.Lo || pid == m.Hi
}

func (m *Match) BothAcked() bool {
	return m.AckLo && m.AckHi
}

func (m *Match) BothRevealed() bool {
	return m.RevealLo && m.RevealHi
}

// MatchVotes is the per-side decision snapshot of one match.
type MatchVotes struct {
	Lo Vote
	Hi Vote
}

func (v MatchVotes) Complete() bool {
	return v.Lo != VoteNone && v.Hi != VoteNone
}

// Gender is an open set; compatibility only ever compares values for
// membership in a profile's interest list.
type Gender string

type Profile struct {
	PID           uint64   `bson:"_id"`
	Gender        Gender   `bson:"gender"`
	Interests     []Gender `bson:"interests"`
	Age           int      `bson:"age"`
	AgeMin        int      `bson:"age_min"`
	AgeMax        int      `bson:"age_max"`
	MaxDistanceKm float64  `bson:"max_distance_km"`
	Lat           float64  `bson:"lat"`
	Lng           float64  `bson:"lng"`
	Blocked       []uint64 `bson:"blocked"`
}

// WantsGender reports whether g is in the profile's interest list. An empty
// list means open to all.
func (p *Profile) WantsGender(g Gender) bool {
	if len(p.Interests) == 0 {
		return true
	}
	for _, want := range p.Interests {
		if want == g {
			return true
		}
	}
	return false
}

// Blocks reports whether pid is on the profile's block list.
func (p *Profile) Blocks(pid uint64) bool {
	for _, b := range p.Blocked {
		if b == pid {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two profiles' coarse
// locations.
func DistanceKm(a, b *Profile) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Shared error vocabulary of the store. Callers classify with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotMatchable   = errors.New("participant not matchable")
	ErrLockContention = errors.New("lock contention")
	ErrDuplicatePair  = errors.New("live match already exists for pair")
	ErrTransient      = errors.New("transient storage error")
	ErrFatal          = errors.New("fatal invariant violation")
)

// StateMismatchError reports a state compare-and-swap that observed a state
// outside the allowed set. The observed value lets callers decide between
// retry and reject.
type StateMismatchError struct {
	PID      uint64
	Observed State
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("participant %d in state %s", e.PID, e.Observed)
}
