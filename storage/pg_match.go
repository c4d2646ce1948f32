package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
)

/* MatchStore over PostgreSQL. */

const matchColumns = `id, pid_lo, pid_hi, status, tier, created_at,
	COALESCE(vote_started_at, 'epoch'::timestamptz),
	COALESCE(vote_expires_at, 'epoch'::timestamptz),
	ack_lo, ack_hi, reveal_lo, reveal_hi, outcome`

func (s *SQLStore) CreateMatch(ctx context.Context, lo, hi uint64, tier int) (*Match, error) {
	lo, hi = CanonicalPair(lo, hi)
	row := s.pool.QueryRow(ctx,
		`INSERT INTO matches (pid_lo, pid_hi, status, tier)
		 VALUES ($1, $2, 'paired', $3)
		 RETURNING `+matchColumns, int64(lo), int64(hi), tier)
	m, err := scanMatch(row)
	if errors.Is(err, ErrDuplicatePair) {
		// The partial unique index fired: hand back the live match so the
		// pair creator can rewrite the collision to success.
		existing, gerr := s.liveMatchForPair(ctx, lo, hi)
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrDuplicatePair
	}
	return m, err
}

func (s *SQLStore) liveMatchForPair(ctx context.Context, lo, hi uint64) (*Match, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE pid_lo = $1 AND pid_hi = $2 AND status IN ('paired','vote_active')`,
		int64(lo), int64(hi))
	return scanMatch(row)
}

func (s *SQLStore) GetMatch(ctx context.Context, id uint64) (*Match, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, int64(id))
	return scanMatch(row)
}

func (s *SQLStore) LiveMatchFor(ctx context.Context, pid uint64) (*Match, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE status IN ('paired','vote_active') AND (pid_lo = $1 OR pid_hi = $1)`,
		int64(pid))
	return scanMatch(row)
}

func (s *SQLStore) SetAck(ctx context.Context, id, pid uint64) (*Match, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE matches
		 SET ack_lo = ack_lo OR (pid_lo = $2), ack_hi = ack_hi OR (pid_hi = $2)
		 WHERE id = $1 AND (pid_lo = $2 OR pid_hi = $2)
		 RETURNING `+matchColumns, int64(id), int64(pid))
	return scanMatch(row)
}

func (s *SQLStore) SetReveal(ctx context.Context, id, pid uint64) (*Match, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE matches
		 SET reveal_lo = reveal_lo OR (pid_lo = $2), reveal_hi = reveal_hi OR (pid_hi = $2)
		 WHERE id = $1 AND (pid_lo = $2 OR pid_hi = $2)
		 RETURNING `+matchColumns, int64(id), int64(pid))
	return scanMatch(row)
}

func (s *SQLStore) StartVote(ctx context.Context, id uint64, expires time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET status = 'vote_active', vote_started_at = now(), vote_expires_at = $2
		 WHERE id = $1 AND status = 'paired'`, int64(id), expires)
	if err != nil {
		return false, mapSQLErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SQLStore) RecordVote(ctx context.Context, id, pid uint64, v Vote) (MatchVotes, error) {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return MatchVotes{}, err
	}
	if !m.Has(pid) {
		return MatchVotes{}, ErrNotFound
	}
	// First write wins; a replay leaves the stored decision untouched.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO votes (match_id, pid, vote) VALUES ($1, $2, $3)
		 ON CONFLICT (match_id, pid) DO NOTHING`, int64(id), int64(pid), string(v))
	if err != nil {
		return MatchVotes{}, mapSQLErr(err)
	}
	return s.Votes(ctx, id)
}

func (s *SQLStore) Votes(ctx context.Context, id uint64) (MatchVotes, error) {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return MatchVotes{}, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT pid, vote FROM votes WHERE match_id = $1`, int64(id))
	if err != nil {
		return MatchVotes{}, mapSQLErr(err)
	}
	defer rows.Close()
	out := MatchVotes{Lo: VoteNone, Hi: VoteNone}
	for rows.Next() {
		var pid int64
		var v string
		if err := rows.Scan(&pid, &v); err != nil {
			return MatchVotes{}, mapSQLErr(err)
		}
		if uint64(pid) == m.Lo {
			out.Lo = Vote(v)
		} else if uint64(pid) == m.Hi {
			out.Hi = Vote(v)
		}
	}
	return out, mapSQLErr(rows.Err())
}

func (s *SQLStore) ResolveMatch(ctx context.Context, id uint64, outcome Outcome, status MatchStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET status = $2, outcome = $3
		 WHERE id = $1 AND status IN ('paired','vote_active')`,
		int64(id), string(status), string(outcome))
	if err != nil {
		return false, mapSQLErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SQLStore) DeleteMatch(ctx context.Context, id uint64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM votes WHERE match_id = $1`, int64(id)); err != nil {
		return mapSQLErr(err)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM matches WHERE id = $1`, int64(id))
	return mapSQLErr(err)
}

func (s *SQLStore) ScanLiveMatches(ctx context.Context) ([]*Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE status IN ('paired','vote_active') ORDER BY id`)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectMatches(rows)
}

func (s *SQLStore) ScanPairedBefore(ctx context.Context, cutoff time.Time) ([]*Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE status = 'paired' AND created_at < $1 ORDER BY id`, cutoff)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectMatches(rows)
}

func (s *SQLStore) ScanExpiredVotes(ctx context.Context, now time.Time) ([]*Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE status = 'vote_active' AND vote_expires_at IS NOT NULL AND vote_expires_at < $1
		 ORDER BY id`, now)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectMatches(rows)
}

func scanMatch(row pgx.Row) (*Match, error) {
	m := Match{}
	var id, lo, hi int64
	var status, outcome string
	err := row.Scan(&id, &lo, &hi, &status, &m.Tier, &m.CreatedAt,
		&m.VoteStartedAt, &m.VoteExpiresAt,
		&m.AckLo, &m.AckHi, &m.RevealLo, &m.RevealHi, &outcome)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	m.ID = uint64(id)
	m.Lo = uint64(lo)
	m.Hi = uint64(hi)
	m.Status = MatchStatus(status)
	m.Outcome = Outcome(outcome)
	return &m, nil
}

func collectMatches(rows pgx.Rows) ([]*Match, error) {
	defer rows.Close()
	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapSQLErr(rows.Err())
}
