package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"cupid/configs"
)

// SQLStore is the production engine: all authoritative tables live in
// PostgreSQL, workers coordinate through row locks (NOWAIT / SKIP LOCKED)
// and pg advisory locks, so any number of process instances can share it.
type SQLStore struct {
	pool *pgxpool.Pool
}

// OpenSQL connects the pool and ensures the schema.
func OpenSQL(ctx context.Context, dsn string) (*SQLStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	config.MaxConns = int32(configs.MaxConnectionHandler)
	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", ErrTransient, err)
	}
	s := &SQLStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			pid BIGINT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'idle',
			prev_state TEXT NOT NULL DEFAULT 'idle',
			last_active TIMESTAMPTZ NOT NULL DEFAULT now(),
			state_changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			quarantined BOOL NOT NULL DEFAULT false)`,
		`CREATE TABLE IF NOT EXISTS queue (
			pid BIGINT PRIMARY KEY,
			joined_at TIMESTAMPTZ NOT NULL,
			fairness DOUBLE PRECISION NOT NULL DEFAULT 0,
			stage INT NOT NULL DEFAULT 0,
			skips INT NOT NULL DEFAULT 0,
			boosts DOUBLE PRECISION NOT NULL DEFAULT 0,
			narrowness DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		`CREATE INDEX IF NOT EXISTS queue_priority
			ON queue (fairness DESC, joined_at ASC, pid ASC)`,
		`CREATE TABLE IF NOT EXISTS matches (
			id BIGSERIAL PRIMARY KEY,
			pid_lo BIGINT NOT NULL,
			pid_hi BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'paired',
			tier INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			vote_started_at TIMESTAMPTZ,
			vote_expires_at TIMESTAMPTZ,
			ack_lo BOOL NOT NULL DEFAULT false,
			ack_hi BOOL NOT NULL DEFAULT false,
			reveal_lo BOOL NOT NULL DEFAULT false,
			reveal_hi BOOL NOT NULL DEFAULT false,
			outcome TEXT NOT NULL DEFAULT '')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS matches_live_pair
			ON matches (pid_lo, pid_hi) WHERE status IN ('paired','vote_active')`,
		`CREATE INDEX IF NOT EXISTS matches_status ON matches (status)`,
		`CREATE TABLE IF NOT EXISTS votes (
			match_id BIGINT NOT NULL,
			pid BIGINT NOT NULL,
			vote TEXT NOT NULL,
			cast_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (match_id, pid))`,
		`CREATE TABLE IF NOT EXISTS mutual_history (
			pid_lo BIGINT NOT NULL,
			pid_hi BIGINT NOT NULL,
			accepted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (pid_lo, pid_hi))`,
		`CREATE TABLE IF NOT EXISTS cooldown_history (
			pid_lo BIGINT NOT NULL,
			pid_hi BIGINT NOT NULL,
			paired_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (pid_lo, pid_hi))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// mapSQLErr folds pg error codes onto the shared error vocabulary.
func mapSQLErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available, NOWAIT
			return ErrLockContention
		case "23505": // unique_violation
			return ErrDuplicatePair
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

/* StateStore */

func (s *SQLStore) EnsureParticipant(ctx context.Context, pid uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (pid) VALUES ($1) ON CONFLICT (pid) DO NOTHING`,
		int64(pid))
	return mapSQLErr(err)
}

func (s *SQLStore) GetParticipant(ctx context.Context, pid uint64) (*Participant, error) {
	p := Participant{}
	var id int64
	var state, prev string
	err := s.pool.QueryRow(ctx,
		`SELECT pid, state, prev_state, last_active, state_changed_at, quarantined
		 FROM participants WHERE pid = $1`, int64(pid)).
		Scan(&id, &state, &prev, &p.LastActive, &p.StateChangedAt, &p.Quarantined)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	p.PID = uint64(id)
	p.State = State(state)
	p.PrevState = State(prev)
	return &p, nil
}

func (s *SQLStore) SwapState(ctx context.Context, pid uint64, from []State, to State) (State, error) {
	fromSet := make([]string, len(from))
	for i, v := range from {
		fromSet[i] = string(v)
	}
	var prior string
	err := s.pool.QueryRow(ctx,
		`UPDATE participants
		 SET prev_state = state, state = $2, state_changed_at = now()
		 WHERE pid = $1 AND state = ANY($3)
		 RETURNING prev_state`, int64(pid), string(to), fromSet).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a CAS mismatch.
		p, gerr := s.GetParticipant(ctx, pid)
		if gerr != nil {
			return "", gerr
		}
		return "", &StateMismatchError{PID: pid, Observed: p.State}
	}
	if err != nil {
		return "", mapSQLErr(err)
	}
	return State(prior), nil
}

func (s *SQLStore) RestoreOffline(ctx context.Context, pid uint64) (State, error) {
	var restored string
	err := s.pool.QueryRow(ctx,
		`UPDATE participants
		 SET state = CASE WHEN prev_state IN ('soft_offline','') THEN 'idle' ELSE prev_state END,
		     state_changed_at = now(), last_active = now()
		 WHERE pid = $1 AND state = 'soft_offline'
		 RETURNING state`, int64(pid)).Scan(&restored)
	if errors.Is(err, pgx.ErrNoRows) {
		p, gerr := s.GetParticipant(ctx, pid)
		if gerr != nil {
			return "", gerr
		}
		return "", &StateMismatchError{PID: pid, Observed: p.State}
	}
	if err != nil {
		return "", mapSQLErr(err)
	}
	return State(restored), nil
}

func (s *SQLStore) Heartbeat(ctx context.Context, pid uint64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET last_active = GREATEST(last_active, $2) WHERE pid = $1`,
		int64(pid), at)
	if err != nil {
		return mapSQLErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SetQuarantine(ctx context.Context, pid uint64, quarantined bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET quarantined = $2 WHERE pid = $1`, int64(pid), quarantined)
	if err != nil {
		return mapSQLErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ScanStale(ctx context.Context, states []State, cutoff time.Time) ([]*Participant, error) {
	set := make([]string, len(states))
	for i, v := range states {
		set[i] = string(v)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT pid, state, prev_state, last_active, state_changed_at, quarantined
		 FROM participants WHERE state = ANY($1) AND last_active < $2 ORDER BY pid`,
		set, cutoff)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectParticipants(rows)
}

func (s *SQLStore) ScanOffline(ctx context.Context, cutoff time.Time) ([]*Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pid, state, prev_state, last_active, state_changed_at, quarantined
		 FROM participants WHERE state = 'soft_offline' AND state_changed_at < $1 ORDER BY pid`,
		cutoff)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectParticipants(rows)
}

func (s *SQLStore) ScanPairedWithoutMatch(ctx context.Context) ([]*Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.pid, p.state, p.prev_state, p.last_active, p.state_changed_at, p.quarantined
		 FROM participants p
		 WHERE p.state IN ('paired','vote_active')
		   AND NOT EXISTS (
			SELECT 1 FROM matches m
			WHERE m.status IN ('paired','vote_active')
			  AND (m.pid_lo = p.pid OR m.pid_hi = p.pid))
		 ORDER BY p.pid`)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows pgx.Rows) ([]*Participant, error) {
	defer rows.Close()
	var out []*Participant
	for rows.Next() {
		p := Participant{}
		var id int64
		var state, prev string
		if err := rows.Scan(&id, &state, &prev, &p.LastActive, &p.StateChangedAt, &p.Quarantined); err != nil {
			return nil, mapSQLErr(err)
		}
		p.PID = uint64(id)
		p.State = State(state)
		p.PrevState = State(prev)
		out = append(out, &p)
	}
	return out, mapSQLErr(rows.Err())
}

/* LockManager */

// TryParticipant pins a pool connection for the lifetime of the advisory
// lock; pg advisory locks are session scoped.
func (s *SQLStore) TryParticipant(ctx context.Context, pid uint64) (func(), bool, error) {
	return s.tryAdvisory(ctx, configs.AdvisoryKey("participant", pid))
}

func (s *SQLStore) TryNamed(ctx context.Context, name string) (func(), bool, error) {
	return s.tryAdvisory(ctx, configs.NamedKey(name))
}

func (s *SQLStore) tryAdvisory(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, mapSQLErr(err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, mapSQLErr(err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

// LockMatch retries the try-lock until the bounded window elapses; the vote
// path needs mutual exclusion but must not block a session indefinitely.
func (s *SQLStore) LockMatch(ctx context.Context, matchID uint64) (func(), error) {
	key := configs.AdvisoryKey("match", matchID)
	deadline := time.Now().Add(configs.MatchLockWindow)
	for {
		release, ok, err := s.tryAdvisory(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
