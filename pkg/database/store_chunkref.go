package database

import (
	"context"
	"fmt"
)

// InsertChunkRef binds a NAR to one chunk at a given sequence position.
func (s *Store) InsertChunkRef(ctx context.Context, narID int64, seq int, chunkID *int64, chunkHash, compression string) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO chunkref (nar_id, seq, chunk_id, chunk_hash, compression) VALUES (?, ?, ?, ?, ?)
	`), narID, seq, chunkID, chunkHash, compression)
	if err != nil {
		return fmt.Errorf("database: error inserting chunkref for nar %d seq %d: %w", narID, seq, err)
	}

	return nil
}

// ListChunkRefs returns a NAR's chunkrefs ordered by sequence.
func (s *Store) ListChunkRefs(ctx context.Context, narID int64) ([]*ChunkRef, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT id, nar_id, seq, chunk_id, chunk_hash, compression FROM chunkref WHERE nar_id = ? ORDER BY seq
	`), narID)
	if err != nil {
		return nil, fmt.Errorf("database: error listing chunkrefs for nar %d: %w", narID, err)
	}
	defer rows.Close()

	var out []*ChunkRef

	for rows.Next() {
		var r ChunkRef
		if err := rows.Scan(&r.ID, &r.NARID, &r.Seq, &r.ChunkID, &r.ChunkHash, &r.Compression); err != nil {
			return nil, fmt.Errorf("database: error scanning chunkref: %w", err)
		}

		out = append(out, &r)
	}

	return out, rows.Err()
}

// CountResolvedChunkRefs counts chunkrefs for narID whose chunk_id is
// non-null, used to compute a NAR's completeness hint.
func (s *Store) CountResolvedChunkRefs(ctx context.Context, narID int64) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT COUNT(*) FROM chunkref WHERE nar_id = ? AND chunk_id IS NOT NULL
	`), narID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("database: error counting resolved chunkrefs for nar %d: %w", narID, err)
	}

	return n, nil
}
