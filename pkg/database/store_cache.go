package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateCache inserts a new cache row. The caller has already generated the
// signing keypair; this layer only persists it.
func (s *Store) CreateCache(ctx context.Context, c *Cache) (*Cache, error) {
	upstream, err := json.Marshal(c.UpstreamCacheKeyNames)
	if err != nil {
		return nil, fmt.Errorf("database: error marshaling upstream_cache_key_names: %w", err)
	}

	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO cache (name, signing_public_key, signing_secret_key, is_public, store_dir, priority, upstream_cache_key_names, retention_period_secs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.Name, c.SigningPublicKey, c.SigningSecretKey, c.IsPublic, c.StoreDir, c.Priority, string(upstream), c.RetentionPeriodSecs, now)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return nil, ErrCacheAlreadyExists
		}

		return nil, fmt.Errorf("database: error creating cache %q: %w", c.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("database: error reading new cache id: %w", err)
	}

	out := *c
	out.ID = id
	out.CreatedAt = now

	return &out, nil
}

// ListCaches returns every live (non-deleted) cache, ordered by name. Used
// by the GC's retention pass to iterate every tenant.
func (s *Store) ListCaches(ctx context.Context) ([]*Cache, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT id, name, signing_public_key, signing_secret_key, is_public, store_dir, priority, upstream_cache_key_names, retention_period_secs, created_at, deleted_at
		FROM cache WHERE deleted_at IS NULL ORDER BY name
	`))
	if err != nil {
		return nil, fmt.Errorf("database: error listing caches: %w", err)
	}
	defer rows.Close()

	var out []*Cache

	for rows.Next() {
		c, err := scanCache(rows)
		if err != nil {
			return nil, fmt.Errorf("database: error scanning cache: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// GetCacheByName returns the live (non-deleted) cache with the given name.
func (s *Store) GetCacheByName(ctx context.Context, name string) (*Cache, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, name, signing_public_key, signing_secret_key, is_public, store_dir, priority, upstream_cache_key_names, retention_period_secs, created_at, deleted_at
		FROM cache WHERE name = ? AND deleted_at IS NULL
	`), name)

	c, err := scanCache(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("database: error getting cache %q: %w", name, err)
	}

	return c, nil
}

// UpdateCache applies a partial configuration update (configure_cache).
func (s *Store) UpdateCache(ctx context.Context, c *Cache) error {
	upstream, err := json.Marshal(c.UpstreamCacheKeyNames)
	if err != nil {
		return fmt.Errorf("database: error marshaling upstream_cache_key_names: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE cache SET is_public = ?, priority = ?, upstream_cache_key_names = ?, retention_period_secs = ?
		WHERE id = ? AND deleted_at IS NULL
	`), c.IsPublic, c.Priority, string(upstream), c.RetentionPeriodSecs, c.ID)
	if err != nil {
		return fmt.Errorf("database: error updating cache %q: %w", c.Name, err)
	}

	return nil
}

// DestroyCache soft-deletes a cache: it becomes invisible to lookups but
// keeps its name reserved. Only the cache row's deleted_at is set; its
// objects and pins are left in place (the ON DELETE CASCADE on their
// cache_id fires only if the row itself is deleted, which this does not do).
func (s *Store) DestroyCache(ctx context.Context, name string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE cache SET deleted_at = ? WHERE name = ? AND deleted_at IS NULL
	`), now, name)
	if err != nil {
		return fmt.Errorf("database: error destroying cache %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: error reading rows affected: %w", err)
	}

	if n == 0 {
		return ErrCacheNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCache(row scanner) (*Cache, error) {
	var (
		c        Cache
		upstream string
	)

	if err := row.Scan(
		&c.ID, &c.Name, &c.SigningPublicKey, &c.SigningSecretKey, &c.IsPublic, &c.StoreDir,
		&c.Priority, &upstream, &c.RetentionPeriodSecs, &c.CreatedAt, &c.DeletedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(upstream), &c.UpstreamCacheKeyNames); err != nil {
		return nil, fmt.Errorf("database: error unmarshaling upstream_cache_key_names: %w", err)
	}

	return &c, nil
}
