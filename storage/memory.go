package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	lock "github.com/viney-shih/go-lock"

	"cupid/configs"
	"cupid/locks"
)

// MemStore implements Store over process-local maps. It mirrors the SQL
// engine's semantics: one big table latch in place of MVCC, per-row queue
// latches for the scan skip policy, and CAS mutexes emulating advisory
// locks. Tests and the simulator run on it.
type MemStore struct {
	mu         sync.RWMutex
	parts      map[uint64]*Participant
	queue      map[uint64]*QueueEntry
	queueLatch map[uint64]*locks.RWLock
	matches    map[uint64]*Match
	votes      map[uint64]map[uint64]Vote
	livePair   map[[2]uint64]uint64
	livePID    map[uint64]uint64
	mutual     map[[2]uint64]time.Time
	cooldown   map[[2]uint64]time.Time

	advisory sync.Map // int64 -> lock.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{
		parts:      make(map[uint64]*Participant),
		queue:      make(map[uint64]*QueueEntry),
		queueLatch: make(map[uint64]*locks.RWLock),
		matches:    make(map[uint64]*Match),
		votes:      make(map[uint64]map[uint64]Vote),
		livePair:   make(map[[2]uint64]uint64),
		livePID:    make(map[uint64]uint64),
		mutual:     make(map[[2]uint64]time.Time),
		cooldown:   make(map[[2]uint64]time.Time),
	}
}

func (s *MemStore) Close(ctx context.Context) error { return nil }

func stateIn(state State, set []State) bool {
	for _, v := range set {
		if state == v {
			return true
		}
	}
	return false
}

/* StateStore */

func (s *MemStore) EnsureParticipant(ctx context.Context, pid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[pid]; ok {
		return nil
	}
	now := time.Now()
	s.parts[pid] = &Participant{
		PID:            pid,
		State:          StateIdle,
		PrevState:      StateIdle,
		LastActive:     now,
		StateChangedAt: now,
	}
	return nil
}

func (s *MemStore) GetParticipant(ctx context.Context, pid uint64) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[pid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) SwapState(ctx context.Context, pid uint64, from []State, to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[pid]
	if !ok {
		return "", ErrNotFound
	}
	if !stateIn(p.State, from) {
		return "", &StateMismatchError{PID: pid, Observed: p.State}
	}
	prior := p.State
	p.PrevState = prior
	p.State = to
	p.StateChangedAt = time.Now()
	return prior, nil
}

func (s *MemStore) RestoreOffline(ctx context.Context, pid uint64) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[pid]
	if !ok {
		return "", ErrNotFound
	}
	if p.State != StateSoftOffline {
		return "", &StateMismatchError{PID: pid, Observed: p.State}
	}
	restored := p.PrevState
	if !restored.Valid() || restored == StateSoftOffline {
		restored = StateIdle
	}
	now := time.Now()
	p.State = restored
	p.StateChangedAt = now
	p.LastActive = now
	return restored, nil
}

func (s *MemStore) Heartbeat(ctx context.Context, pid uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[pid]
	if !ok {
		return ErrNotFound
	}
	if at.After(p.LastActive) {
		p.LastActive = at
	}
	return nil
}

func (s *MemStore) SetQuarantine(ctx context.Context, pid uint64, quarantined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[pid]
	if !ok {
		return ErrNotFound
	}
	p.Quarantined = quarantined
	return nil
}

func (s *MemStore) ScanStale(ctx context.Context, states []State, cutoff time.Time) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.parts {
		if stateIn(p.State, states) && p.LastActive.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemStore) ScanOffline(ctx context.Context, cutoff time.Time) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.parts {
		if p.State == StateSoftOffline && p.StateChangedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemStore) ScanPairedWithoutMatch(ctx context.Context) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.parts {
		if p.State != StatePaired && p.State != StateVoteActive {
			continue
		}
		if _, ok := s.livePID[p.PID]; !ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortParticipants(out)
	return out, nil
}

func sortParticipants(ps []*Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].PID < ps[j].PID })
}

/* QueueStore */

func (s *MemStore) JoinQueue(ctx context.Context, e *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[e.PID]; ok {
		return nil
	}
	cp := *e
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.queue[e.PID] = &cp
	s.queueLatch[e.PID] = locks.NewLocker()
	return nil
}

func (s *MemStore) RemoveFromQueue(ctx context.Context, pid uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, pid)
	delete(s.queueLatch, pid)
	return nil
}

func (s *MemStore) BoostFairness(ctx context.Context, pid uint64, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[pid]
	if !ok {
		return nil
	}
	e.Boosts += delta
	e.Fairness += delta
	e.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) ExpandStage(ctx context.Context, pid uint64, newStage int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[pid]
	if !ok {
		return false, nil
	}
	if e.Stage >= newStage {
		return false, nil
	}
	e.Stage = newStage
	e.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) RecordSkip(ctx context.Context, pid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queue[pid]; ok {
		e.Skips++
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) SetFairness(ctx context.Context, pid uint64, fairness float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queue[pid]; ok {
		e.Fairness = fairness
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) GetQueueEntry(ctx context.Context, pid uint64) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[pid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// ScanQueue returns up to limit entries in priority order. A row whose
// latch is held by an overlapping scan is skipped, mirroring the SQL
// engine's FOR UPDATE SKIP LOCKED scan.
func (s *MemStore) ScanQueue(ctx context.Context, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.orderedQueueLocked()
	out := make([]*QueueEntry, 0, limit)
	for _, e := range ordered {
		if len(out) >= limit {
			break
		}
		latch := s.queueLatch[e.PID]
		if latch == nil || !latch.TryLock() {
			continue
		}
		cp := *e
		latch.Unlock()
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.orderedQueueLocked()
	out := make([]*QueueEntry, 0, len(ordered))
	for _, e := range ordered {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) QueueSize(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue), nil
}

// orderedQueueLocked sorts by fairness desc, joined_at asc, pid asc, which
// is the stored half of the priority formula. Callers hold s.mu.
func (s *MemStore) orderedQueueLocked() []*QueueEntry {
	ordered := make([]*QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Fairness != b.Fairness {
			return a.Fairness > b.Fairness
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.PID < b.PID
	})
	return ordered
}

/* MatchStore */

func (s *MemStore) CreateMatch(ctx context.Context, lo, hi uint64, tier int) (*Match, error) {
	lo, hi = CanonicalPair(lo, hi)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint64{lo, hi}
	if id, ok := s.livePair[key]; ok {
		cp := *s.matches[id]
		return &cp, ErrDuplicatePair
	}
	m := &Match{
		ID:        configs.NextID(),
		Lo:        lo,
		Hi:        hi,
		Status:    MatchPaired,
		Tier:      tier,
		CreatedAt: time.Now(),
	}
	s.matches[m.ID] = m
	s.livePair[key] = m.ID
	s.livePID[lo] = m.ID
	s.livePID[hi] = m.ID
	cp := *m
	return &cp, nil
}

func (s *MemStore) GetMatch(ctx context.Context, id uint64) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) LiveMatchFor(ctx context.Context, pid uint64) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.livePID[pid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *MemStore) SetAck(ctx context.Context, id, pid uint64) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch pid {
	case m.Lo:
		m.AckLo = true
	case m.Hi:
		m.AckHi = true
	default:
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) SetReveal(ctx context.Context, id, pid uint64) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch pid {
	case m.Lo:
		m.RevealLo = true
	case m.Hi:
		m.RevealHi = true
	default:
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) StartVote(ctx context.Context, id uint64, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != MatchPaired {
		return false, nil
	}
	m.Status = MatchVoting
	m.VoteStartedAt = time.Now()
	m.VoteExpiresAt = expires
	return true, nil
}

func (s *MemStore) RecordVote(ctx context.Context, id, pid uint64, v Vote) (MatchVotes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return MatchVotes{}, ErrNotFound
	}
	if !m.Has(pid) {
		return MatchVotes{}, ErrNotFound
	}
	mv := s.votes[id]
	if mv == nil {
		mv = make(map[uint64]Vote)
		s.votes[id] = mv
	}
	if _, exists := mv[pid]; !exists {
		mv[pid] = v
	}
	return s.votesLocked(m), nil
}

func (s *MemStore) Votes(ctx context.Context, id uint64) (MatchVotes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return MatchVotes{}, ErrNotFound
	}
	return s.votesLocked(m), nil
}

func (s *MemStore) votesLocked(m *Match) MatchVotes {
	out := MatchVotes{Lo: VoteNone, Hi: VoteNone}
	for pid, v := range s.votes[m.ID] {
		if pid == m.Lo {
			out.Lo = v
		} else if pid == m.Hi {
			out.Hi = v
		}
	}
	return out
}

func (s *MemStore) ResolveMatch(ctx context.Context, id uint64, outcome Outcome, status MatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, ErrNotFound
	}
	if !m.Status.Live() {
		return false, nil
	}
	m.Status = status
	m.Outcome = outcome
	s.dropLiveIndexLocked(m)
	return true, nil
}

func (s *MemStore) DeleteMatch(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil
	}
	if m.Status.Live() {
		s.dropLiveIndexLocked(m)
	}
	delete(s.matches, id)
	delete(s.votes, id)
	return nil
}

func (s *MemStore) dropLiveIndexLocked(m *Match) {
	delete(s.livePair, [2]uint64{m.Lo, m.Hi})
	if s.livePID[m.Lo] == m.ID {
		delete(s.livePID, m.Lo)
	}
	if s.livePID[m.Hi] == m.ID {
		delete(s.livePID, m.Hi)
	}
}

func (s *MemStore) ScanLiveMatches(ctx context.Context) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Match
	for _, id := range s.livePair {
		cp := *s.matches[id]
		out = append(out, &cp)
	}
	sortMatches(out)
	return out, nil
}

func (s *MemStore) ScanPairedBefore(ctx context.Context, cutoff time.Time) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Match
	for _, id := range s.livePair {
		m := s.matches[id]
		if m.Status == MatchPaired && m.CreatedAt.Before(cutoff) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMatches(out)
	return out, nil
}

func (s *MemStore) ScanExpiredVotes(ctx context.Context, now time.Time) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Match
	for _, id := range s.livePair {
		m := s.matches[id]
		if m.Status == MatchVoting && !m.VoteExpiresAt.IsZero() && m.VoteExpiresAt.Before(now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMatches(out)
	return out, nil
}

func sortMatches(ms []*Match) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

/* HistoryStore */

func (s *MemStore) AddMutual(ctx context.Context, lo, hi uint64) error {
	lo, hi = CanonicalPair(lo, hi)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint64{lo, hi}
	if _, ok := s.mutual[key]; !ok {
		s.mutual[key] = time.Now()
	}
	return nil
}

func (s *MemStore) HasMutual(ctx context.Context, lo, hi uint64) (bool, error) {
	lo, hi = CanonicalPair(lo, hi)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mutual[[2]uint64{lo, hi}]
	return ok, nil
}

func (s *MemStore) AddCooldown(ctx context.Context, lo, hi uint64, pairedAt time.Time) error {
	lo, hi = CanonicalPair(lo, hi)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint64{lo, hi}
	if prev, ok := s.cooldown[key]; !ok || pairedAt.After(prev) {
		s.cooldown[key] = pairedAt
	}
	return nil
}

func (s *MemStore) InCooldown(ctx context.Context, lo, hi uint64, window time.Duration, now time.Time) (bool, error) {
	lo, hi = CanonicalPair(lo, hi)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cooldown[[2]uint64{lo, hi}]
	if !ok {
		return false, nil
	}
	return now.Sub(t) < window, nil
}

func (s *MemStore) PurgeCooldown(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, t := range s.cooldown {
		if t.Before(cutoff) {
			delete(s.cooldown, key)
			removed++
		}
	}
	return removed, nil
}

/* LockManager */

func (s *MemStore) casFor(key int64) lock.Mutex {
	actual, _ := s.advisory.LoadOrStore(key, lock.NewCASMutex())
	return actual.(lock.Mutex)
}

func (s *MemStore) TryParticipant(ctx context.Context, pid uint64) (func(), bool, error) {
	m := s.casFor(configs.AdvisoryKey("participant", pid))
	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

func (s *MemStore) LockMatch(ctx context.Context, matchID uint64) (func(), error) {
	m := s.casFor(configs.AdvisoryKey("match", matchID))
	if !m.TryLockWithTimeout(configs.MatchLockWindow) {
		return nil, ErrLockContention
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, nil
}

func (s *MemStore) TryNamed(ctx context.Context, name string) (func(), bool, error) {
	m := s.casFor(configs.NamedKey(name))
	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}
