package storage

import (
	"context"
	"time"
)

/* HistoryStore over PostgreSQL. */

func (s *SQLStore) AddMutual(ctx context.Context, lo, hi uint64) error {
	lo, hi = CanonicalPair(lo, hi)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mutual_history (pid_lo, pid_hi) VALUES ($1, $2)
		 ON CONFLICT (pid_lo, pid_hi) DO NOTHING`, int64(lo), int64(hi))
	return mapSQLErr(err)
}

func (s *SQLStore) HasMutual(ctx context.Context, lo, hi uint64) (bool, error) {
	lo, hi = CanonicalPair(lo, hi)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mutual_history WHERE pid_lo = $1 AND pid_hi = $2)`,
		int64(lo), int64(hi)).Scan(&exists)
	return exists, mapSQLErr(err)
}

func (s *SQLStore) AddCooldown(ctx context.Context, lo, hi uint64, pairedAt time.Time) error {
	lo, hi = CanonicalPair(lo, hi)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cooldown_history (pid_lo, pid_hi, paired_at) VALUES ($1, $2, $3)
		 ON CONFLICT (pid_lo, pid_hi) DO UPDATE SET paired_at = GREATEST(cooldown_history.paired_at, EXCLUDED.paired_at)`,
		int64(lo), int64(hi), pairedAt)
	return mapSQLErr(err)
}

func (s *SQLStore) InCooldown(ctx context.Context, lo, hi uint64, window time.Duration, now time.Time) (bool, error) {
	lo, hi = CanonicalPair(lo, hi)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM cooldown_history
			WHERE pid_lo = $1 AND pid_hi = $2 AND paired_at > $3)`,
		int64(lo), int64(hi), now.Add(-window)).Scan(&exists)
	return exists, mapSQLErr(err)
}

func (s *SQLStore) PurgeCooldown(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cooldown_history WHERE paired_at < $1`, cutoff)
	if err != nil {
		return 0, mapSQLErr(err)
	}
	return int(tag.RowsAffected()), nil
}
