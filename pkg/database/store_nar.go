package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertPendingNAR creates a NAR row in PendingUpload state, to be
// transitioned to Valid once the upload completes successfully.
func (s *Store) InsertPendingNAR(ctx context.Context, narHash string, narSize int64, compression string, numChunks int) (*NAR, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO nar (state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`), string(NARStatePendingUpload), narHash, narSize, compression, numChunks, false, now)
	if err != nil {
		return nil, fmt.Errorf("database: error inserting pending nar: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("database: error reading new nar id: %w", err)
	}

	return &NAR{
		ID: id, State: NARStatePendingUpload, NARHash: narHash, NARSize: narSize,
		Compression: compression, NumChunks: numChunks, CreatedAt: now,
	}, nil
}

// MarkNARValid transitions a PendingUpload NAR to Valid, setting
// CompletenessHint once every chunkref resolved to a non-null chunk.
func (s *Store) MarkNARValid(ctx context.Context, id int64, completenessHint bool) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE nar SET state = ?, completeness_hint = ? WHERE id = ?
	`), string(NARStateValid), completenessHint, id)
	if err != nil {
		return fmt.Errorf("database: error marking nar %d valid: %w", id, err)
	}

	return nil
}

// AcquireValidNARByHash atomically increments holders_count on a Valid NAR
// matching narHash, returning it if one existed. The caller must call
// ReleaseNARHolder once it is done using the acquired row for dedup
// (successful reuse or abandoned in favor of a fresh upload).
//
// This is the portable equivalent of `SELECT ... FOR UPDATE SKIP LOCKED
// LIMIT 1`: SQLite has no row-level locking to skip, so the acquire is
// expressed as a single conditional UPDATE that either claims exactly one
// row or claims none, with the same at-most-once semantics.
func (s *Store) AcquireValidNARByHash(ctx context.Context, narHash string) (*NAR, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		UPDATE nar SET holders_count = holders_count + 1
		WHERE id = (SELECT id FROM nar WHERE nar_hash = ? AND state = ? ORDER BY id LIMIT 1)
		RETURNING id
	`), narHash, string(NARStateValid))

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // "not found" is a valid, expected outcome of a dedup probe
		}

		return nil, fmt.Errorf("database: error acquiring nar by hash: %w", err)
	}

	row = s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at
		FROM nar WHERE id = ?
	`), id)

	return scanNAR(row)
}

// ReleaseNARHolder decrements holders_count, signalling the caller no
// longer needs this NAR pinned against concurrent GC.
func (s *Store) ReleaseNARHolder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE nar SET holders_count = holders_count - 1 WHERE id = ? AND holders_count > 0
	`), id)
	if err != nil {
		return fmt.Errorf("database: error releasing nar holder %d: %w", id, err)
	}

	return nil
}

// GetNARByID returns a NAR regardless of state; callers that require a
// usable NAR must check State themselves.
func (s *Store) GetNARByID(ctx context.Context, id int64) (*NAR, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at
		FROM nar WHERE id = ?
	`), id)

	n, err := scanNAR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("database: error getting nar %d: %w", id, err)
	}

	return n, nil
}

// OrphanNARCandidates returns Valid NARs with zero object references and
// zero holders, up to limit rows. GC Pass B acts on these.
func (s *Store) OrphanNARCandidates(ctx context.Context, limit int) ([]*NAR, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT n.id, n.state, n.nar_hash, n.nar_size, n.compression, n.num_chunks, n.completeness_hint, n.holders_count, n.created_at
		FROM nar n
		WHERE n.state = ? AND n.holders_count = 0
		AND NOT EXISTS (SELECT 1 FROM object o WHERE o.nar_id = n.id)
		ORDER BY n.id
		LIMIT ?
	`), string(NARStateValid), limit)
	if err != nil {
		return nil, fmt.Errorf("database: error selecting orphan nar candidates: %w", err)
	}
	defer rows.Close()

	var out []*NAR

	for rows.Next() {
		n, err := scanNAR(rows)
		if err != nil {
			return nil, fmt.Errorf("database: error scanning orphan nar: %w", err)
		}

		out = append(out, n)
	}

	return out, rows.Err()
}

// TombstoneNAR transitions a NAR to Deleted only if it is still Valid,
// unreferenced, and unheld — re-checked here to guard against a race with
// a concurrent dedup acquire between selection and transition.
func (s *Store) TombstoneNAR(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE nar SET state = ?
		WHERE id = ? AND state = ? AND holders_count = 0
		AND NOT EXISTS (SELECT 1 FROM object o WHERE o.nar_id = nar.id)
	`), string(NARStateDeleted), id, string(NARStateValid))
	if err != nil {
		return false, fmt.Errorf("database: error tombstoning nar %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("database: error reading rows affected: %w", err)
	}

	return n > 0, nil
}

// DeleteNAR removes a Deleted NAR's row after its backend file has been
// removed.
func (s *Store) DeleteNAR(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM nar WHERE id = ? AND state = ?`),
		id, string(NARStateDeleted))
	if err != nil {
		return fmt.Errorf("database: error deleting nar %d: %w", id, err)
	}

	return nil
}

func scanNAR(row scanner) (*NAR, error) {
	var (
		n     NAR
		state string
	)

	if err := row.Scan(
		&n.ID, &state, &n.NARHash, &n.NARSize, &n.Compression, &n.NumChunks,
		&n.CompletenessHint, &n.HoldersCount, &n.CreatedAt,
	); err != nil {
		return nil, err
	}

	n.State = NARState(state)

	return &n, nil
}
