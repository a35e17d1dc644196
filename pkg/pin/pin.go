// Package pin implements named, immutable store-path pins: the mechanism
// by which a store path is excluded from retention GC (spec §4.7 Pass A).
package pin

import (
	"context"
	"fmt"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/cacheadmin"
	"github.com/attic-go/attic/pkg/database"
)

// Manager wires pin name validation to the database store.
type Manager struct {
	store *database.Store
}

// New returns a Manager.
func New(store *database.Store) *Manager {
	return &Manager{store: store}
}

// Create validates name and storePath and creates the pin.
func (m *Manager) Create(ctx context.Context, cacheID int64, name, storePath string) (*database.Pin, error) {
	if err := cacheadmin.ValidatePinName(name); err != nil {
		return nil, apierror.RequestError(err.Error())
	}

	if storePath == "" {
		return nil, apierror.RequestError("store_path must not be empty")
	}

	p, err := m.store.CreatePin(ctx, cacheID, name, storePath)
	if err != nil {
		return nil, apierror.Database(fmt.Errorf("pin: error creating pin %q: %w", name, err))
	}

	return p, nil
}

// Get returns a single named pin, mapping ErrPinNotFound to a discoverable
// NotFound API error.
func (m *Manager) Get(ctx context.Context, cacheID int64, name string) (*database.Pin, error) {
	p, err := m.store.GetPin(ctx, cacheID, name)
	if err != nil {
		return nil, apierror.NotFound(fmt.Sprintf("pin %q not found", name))
	}

	return p, nil
}

// List returns every pin in a cache.
func (m *Manager) List(ctx context.Context, cacheID int64) ([]*database.Pin, error) {
	pins, err := m.store.ListPins(ctx, cacheID)
	if err != nil {
		return nil, apierror.Database(err)
	}

	return pins, nil
}

// Delete removes a named pin.
func (m *Manager) Delete(ctx context.Context, cacheID int64, name string) error {
	if err := m.store.DeletePin(ctx, cacheID, name); err != nil {
		return apierror.NotFound(fmt.Sprintf("pin %q not found", name))
	}

	return nil
}
