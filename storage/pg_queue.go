package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"cupid/configs"
)

/* QueueStore over PostgreSQL. */

func (s *SQLStore) JoinQueue(ctx context.Context, e *QueueEntry) error {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (pid, joined_at, fairness, stage, skips, boosts, narrowness, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pid) DO NOTHING`,
		int64(e.PID), e.JoinedAt, e.Fairness, e.Stage, e.Skips, e.Boosts, e.Narrowness, updated)
	return mapSQLErr(err)
}

func (s *SQLStore) RemoveFromQueue(ctx context.Context, pid uint64, reason string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE pid = $1`, int64(pid))
	return mapSQLErr(err)
}

func (s *SQLStore) BoostFairness(ctx context.Context, pid uint64, delta float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue SET boosts = boosts + $2, fairness = fairness + $2, updated_at = now()
		 WHERE pid = $1`, int64(pid), delta)
	return mapSQLErr(err)
}

func (s *SQLStore) ExpandStage(ctx context.Context, pid uint64, newStage int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET stage = $2, updated_at = now() WHERE pid = $1 AND stage < $2`,
		int64(pid), newStage)
	if err != nil {
		return false, mapSQLErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SQLStore) RecordSkip(ctx context.Context, pid uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue SET skips = skips + 1, updated_at = now() WHERE pid = $1`, int64(pid))
	return mapSQLErr(err)
}

func (s *SQLStore) SetFairness(ctx context.Context, pid uint64, fairness float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue SET fairness = $2, updated_at = now() WHERE pid = $1`,
		int64(pid), fairness)
	return mapSQLErr(err)
}

func (s *SQLStore) GetQueueEntry(ctx context.Context, pid uint64) (*QueueEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT pid, joined_at, fairness, stage, skips, boosts, narrowness, updated_at
		 FROM queue WHERE pid = $1`, int64(pid))
	return scanQueueEntry(row)
}

// ScanQueue collects up to limit entries in priority order under
// FOR UPDATE SKIP LOCKED, then rolls the scan transaction back. Rows held
// by an overlapping worker are skipped, never waited on.
func (s *SQLStore) ScanQueue(ctx context.Context, limit int) ([]*QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: configs.DefaultIsolationLevel})
	if err != nil {
		return nil, mapSQLErr(err)
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Query(ctx,
		`SELECT pid, joined_at, fairness, stage, skips, boosts, narrowness, updated_at
		 FROM queue
		 ORDER BY fairness DESC, joined_at ASC, pid ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectQueueEntries(rows)
}

func (s *SQLStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pid, joined_at, fairness, stage, skips, boosts, narrowness, updated_at
		 FROM queue ORDER BY fairness DESC, joined_at ASC, pid ASC`)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	return collectQueueEntries(rows)
}

func (s *SQLStore) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM queue`).Scan(&n)
	return n, mapSQLErr(err)
}

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	e := QueueEntry{}
	var id int64
	err := row.Scan(&id, &e.JoinedAt, &e.Fairness, &e.Stage, &e.Skips, &e.Boosts,
		&e.Narrowness, &e.UpdatedAt)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	e.PID = uint64(id)
	return &e, nil
}

func collectQueueEntries(rows pgx.Rows) ([]*QueueEntry, error) {
	defer rows.Close()
	var out []*QueueEntry
	for rows.Next() {
		e := QueueEntry{}
		var id int64
		if err := rows.Scan(&id, &e.JoinedAt, &e.Fairness, &e.Stage, &e.Skips,
			&e.Boosts, &e.Narrowness, &e.UpdatedAt); err != nil {
			return nil, mapSQLErr(err)
		}
		e.PID = uint64(id)
		out = append(out, &e)
	}
	return out, mapSQLErr(rows.Err())
}
