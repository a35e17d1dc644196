package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertPendingChunk creates a chunk row in PendingUpload state.
func (s *Store) InsertPendingChunk(ctx context.Context, chunkHash string, chunkSize int64, compression, remoteFileRef, remoteFileID string) (*Chunk, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO chunk (state, chunk_hash, chunk_size, compression, remote_file_ref, remote_file_id, holders_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`), string(ChunkStatePendingUpload), chunkHash, chunkSize, compression, remoteFileRef, remoteFileID, now)
	if err != nil {
		return nil, fmt.Errorf("database: error inserting pending chunk: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("database: error reading new chunk id: %w", err)
	}

	return &Chunk{
		ID: id, State: ChunkStatePendingUpload, ChunkHash: chunkHash, ChunkSize: chunkSize,
		Compression: compression, RemoteFileRef: remoteFileRef, RemoteFileID: remoteFileID, CreatedAt: now,
	}, nil
}

// MarkChunkValid transitions a PendingUpload chunk to Valid once its
// compressed file hash/size have been confirmed on the storage backend.
func (s *Store) MarkChunkValid(ctx context.Context, id int64, fileHash string, fileSize int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE chunk SET state = ?, file_hash = ?, file_size = ? WHERE id = ?
	`), string(ChunkStateValid), fileHash, fileSize, id)
	if err != nil {
		return fmt.Errorf("database: error marking chunk %d valid: %w", id, err)
	}

	return nil
}

// AcquireValidChunkByHash is the chunk-level analogue of
// Store.AcquireValidNARByHash: the server's preferred dedup path for every
// uploaded chunk.
func (s *Store) AcquireValidChunkByHash(ctx context.Context, chunkHash string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		UPDATE chunk SET holders_count = holders_count + 1
		WHERE id = (SELECT id FROM chunk WHERE chunk_hash = ? AND state = ? ORDER BY id LIMIT 1)
		RETURNING id
	`), chunkHash, string(ChunkStateValid))

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // "not found" is a valid, expected outcome of a dedup probe
		}

		return nil, fmt.Errorf("database: error acquiring chunk by hash: %w", err)
	}

	row = s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, state, chunk_hash, chunk_size, file_hash, file_size, compression, remote_file_ref, remote_file_id, holders_count, created_at
		FROM chunk WHERE id = ?
	`), id)

	return scanChunk(row)
}

// ReleaseChunkHolder decrements holders_count.
func (s *Store) ReleaseChunkHolder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE chunk SET holders_count = holders_count - 1 WHERE id = ? AND holders_count > 0
	`), id)
	if err != nil {
		return fmt.Errorf("database: error releasing chunk holder %d: %w", id, err)
	}

	return nil
}

// GetChunkByID returns a chunk regardless of state.
func (s *Store) GetChunkByID(ctx context.Context, id int64) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, state, chunk_hash, chunk_size, file_hash, file_size, compression, remote_file_ref, remote_file_id, holders_count, created_at
		FROM chunk WHERE id = ?
	`), id)

	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("database: error getting chunk %d: %w", id, err)
	}

	return c, nil
}

// OrphanChunkCandidates returns Valid chunks with zero chunkref references
// and zero holders, up to limit rows.
func (s *Store) OrphanChunkCandidates(ctx context.Context, limit int) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT c.id, c.state, c.chunk_hash, c.chunk_size, c.file_hash, c.file_size, c.compression, c.remote_file_ref, c.remote_file_id, c.holders_count, c.created_at
		FROM chunk c
		WHERE c.state = ? AND c.holders_count = 0
		AND NOT EXISTS (SELECT 1 FROM chunkref r WHERE r.chunk_id = c.id)
		ORDER BY c.id
		LIMIT ?
	`), string(ChunkStateValid), limit)
	if err != nil {
		return nil, fmt.Errorf("database: error selecting orphan chunk candidates: %w", err)
	}
	defer rows.Close()

	var out []*Chunk

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("database: error scanning orphan chunk: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// TombstoneChunk transitions a chunk to Deleted, re-checking it is still
// unreferenced and unheld.
func (s *Store) TombstoneChunk(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE chunk SET state = ?
		WHERE id = ? AND state = ? AND holders_count = 0
		AND NOT EXISTS (SELECT 1 FROM chunkref r WHERE r.chunk_id = chunk.id)
	`), string(ChunkStateDeleted), id, string(ChunkStateValid))
	if err != nil {
		return false, fmt.Errorf("database: error tombstoning chunk %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("database: error reading rows affected: %w", err)
	}

	return n > 0, nil
}

// DeleteChunk removes a Deleted chunk's row after its backend file has
// been removed.
func (s *Store) DeleteChunk(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM chunk WHERE id = ? AND state = ?`),
		id, string(ChunkStateDeleted))
	if err != nil {
		return fmt.Errorf("database: error deleting chunk %d: %w", id, err)
	}

	return nil
}

func scanChunk(row scanner) (*Chunk, error) {
	var (
		c     Chunk
		state string
	)

	if err := row.Scan(
		&c.ID, &state, &c.ChunkHash, &c.ChunkSize, &c.FileHash, &c.FileSize,
		&c.Compression, &c.RemoteFileRef, &c.RemoteFileID, &c.HoldersCount, &c.CreatedAt,
	); err != nil {
		return nil, err
	}

	c.State = ChunkState(state)

	return &c, nil
}
