package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ReplaceObject deletes any existing object at (cache_id, store_path_hash)
// and inserts obj in its place inside a single transaction — the
// linearization point for "what this cache currently stores at this path"
// when two uploads race on the same store path.
func (s *Store) ReplaceObject(ctx context.Context, obj *Object) (*Object, error) {
	refs, err := json.Marshal(obj.References)
	if err != nil {
		return nil, fmt.Errorf("database: error marshaling references: %w", err)
	}

	sigs, err := json.Marshal(obj.Sigs)
	if err != nil {
		return nil, fmt.Errorf("database: error marshaling sigs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database: error beginning replace-object transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
		DELETE FROM object WHERE cache_id = ? AND store_path_hash = ?
	`), obj.CacheID, obj.StorePathHash); err != nil {
		return nil, fmt.Errorf("database: error deleting prior object: %w", err)
	}

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO object (cache_id, nar_id, store_path_hash, store_path, "references", system, deriver, sigs, ca, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), obj.CacheID, obj.NARID, obj.StorePathHash, obj.StorePath, string(refs), obj.System, obj.Deriver, string(sigs), obj.CA, now, obj.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("database: error inserting object: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("database: error reading new object id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("database: error committing replace-object transaction: %w", err)
	}

	out := *obj
	out.ID = id
	out.CreatedAt = now

	return &out, nil
}

// GetObject resolves a cache-scoped store-path hash to its object.
func (s *Store) GetObject(ctx context.Context, cacheID int64, storePathHash string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, cache_id, nar_id, store_path_hash, store_path, "references", system, deriver, sigs, ca, created_at, last_accessed_at, created_by
		FROM object WHERE cache_id = ? AND store_path_hash = ?
	`), cacheID, storePathHash)

	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrObjectNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("database: error getting object: %w", err)
	}

	return obj, nil
}

// TouchLastAccessed bumps an object's last_accessed_at to now; called on
// every successful NAR stream.
func (s *Store) TouchLastAccessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE object SET last_accessed_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("database: error touching object %d: %w", id, err)
	}

	return nil
}

// DeleteObject removes an object by cache-scoped store-path hash, used by
// the explicit delete-path endpoint.
func (s *Store) DeleteObject(ctx context.Context, cacheID int64, storePathHash string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		DELETE FROM object WHERE cache_id = ? AND store_path_hash = ?
	`), cacheID, storePathHash)
	if err != nil {
		return fmt.Errorf("database: error deleting object: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: error reading rows affected: %w", err)
	}

	if n == 0 {
		return ErrObjectNotFound
	}

	return nil
}

// RetentionCandidates returns objects in cacheID older than cutoff by
// created_at, whose last_accessed_at is either null or older than cutoff,
// excluding any store path pinned in that cache.
func (s *Store) RetentionCandidates(ctx context.Context, cacheID int64, cutoff time.Time, limit int) ([]*Object, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT o.id, o.cache_id, o.nar_id, o.store_path_hash, o.store_path, o."references", o.system, o.deriver, o.sigs, o.ca, o.created_at, o.last_accessed_at, o.created_by
		FROM object o
		WHERE o.cache_id = ? AND o.created_at < ?
		AND (o.last_accessed_at IS NULL OR o.last_accessed_at < ?)
		AND NOT EXISTS (SELECT 1 FROM pin p WHERE p.cache_id = o.cache_id AND p.store_path = o.store_path)
		ORDER BY o.id
		LIMIT ?
	`), cacheID, cutoff, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("database: error selecting retention candidates: %w", err)
	}
	defer rows.Close()

	var out []*Object

	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("database: error scanning retention candidate: %w", err)
		}

		out = append(out, obj)
	}

	return out, rows.Err()
}

func scanObject(row scanner) (*Object, error) {
	var (
		obj        Object
		references string
		sigs       string
	)

	if err := row.Scan(
		&obj.ID, &obj.CacheID, &obj.NARID, &obj.StorePathHash, &obj.StorePath, &references,
		&obj.System, &obj.Deriver, &sigs, &obj.CA, &obj.CreatedAt, &obj.LastAccessedAt, &obj.CreatedBy,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(references), &obj.References); err != nil {
		return nil, fmt.Errorf("database: error unmarshaling references: %w", err)
	}

	if err := json.Unmarshal([]byte(sigs), &obj.Sigs); err != nil {
		return nil, fmt.Errorf("database: error unmarshaling sigs: %w", err)
	}

	return &obj, nil
}
