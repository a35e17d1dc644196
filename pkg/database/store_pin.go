package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreatePin inserts a named pin, unique on (cache_id, name).
func (s *Store) CreatePin(ctx context.Context, cacheID int64, name, storePath string) (*Pin, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO pin (cache_id, name, store_path) VALUES (?, ?, ?)
	`), cacheID, name, storePath)
	if err != nil {
		return nil, fmt.Errorf("database: error creating pin %q: %w", name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("database: error reading new pin id: %w", err)
	}

	return &Pin{ID: id, CacheID: cacheID, Name: name, StorePath: storePath}, nil
}

// GetPin returns a single named pin within a cache.
func (s *Store) GetPin(ctx context.Context, cacheID int64, name string) (*Pin, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, cache_id, name, store_path FROM pin WHERE cache_id = ? AND name = ?
	`), cacheID, name)

	var p Pin
	if err := row.Scan(&p.ID, &p.CacheID, &p.Name, &p.StorePath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPinNotFound
		}

		return nil, fmt.Errorf("database: error getting pin %q: %w", name, err)
	}

	return &p, nil
}

// ListPins returns every pin in a cache.
func (s *Store) ListPins(ctx context.Context, cacheID int64) ([]*Pin, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT id, cache_id, name, store_path FROM pin WHERE cache_id = ? ORDER BY name
	`), cacheID)
	if err != nil {
		return nil, fmt.Errorf("database: error listing pins: %w", err)
	}
	defer rows.Close()

	var out []*Pin

	for rows.Next() {
		var p Pin
		if err := rows.Scan(&p.ID, &p.CacheID, &p.Name, &p.StorePath); err != nil {
			return nil, fmt.Errorf("database: error scanning pin: %w", err)
		}

		out = append(out, &p)
	}

	return out, rows.Err()
}

// DeletePin removes a named pin.
func (s *Store) DeletePin(ctx context.Context, cacheID int64, name string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		DELETE FROM pin WHERE cache_id = ? AND name = ?
	`), cacheID, name)
	if err != nil {
		return fmt.Errorf("database: error deleting pin %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: error reading rows affected: %w", err)
	}

	if n == 0 {
		return ErrPinNotFound
	}

	return nil
}
