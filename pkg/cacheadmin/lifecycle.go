package cacheadmin

import (
	"context"
	"errors"
	"fmt"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/signing"
)

// CreateRequest is the create_cache request body (spec §8 scenario 1): a
// fresh keypair is always generated server-side, never accepted from the
// client.
type CreateRequest struct {
	IsPublic              bool
	StoreDir              string
	Priority              int
	UpstreamCacheKeyNames []string
	RetentionPeriodSecs   *int64
}

// ConfigureRequest is the configure_cache partial-update body. Nil fields
// leave the corresponding column unchanged.
type ConfigureRequest struct {
	IsPublic              *bool
	Priority              *int
	UpstreamCacheKeyNames []string
	RetentionPeriodSecs   *int64
}

// Manager wires cache-name validation and keypair generation to the
// database store.
type Manager struct {
	store *database.Store
}

// New returns a Manager.
func New(store *database.Store) *Manager {
	return &Manager{store: store}
}

// Create validates name, generates a fresh signing keypair, and inserts the
// cache row. It is an error for the name to already be in use by a live
// cache.
func (m *Manager) Create(ctx context.Context, name string, req CreateRequest) (*database.Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, apierror.RequestError(err.Error())
	}

	if req.StoreDir == "" {
		return nil, apierror.RequestError("store_dir must not be empty")
	}

	keypair, err := signing.Generate(name)
	if err != nil {
		return nil, fmt.Errorf("cacheadmin: error generating keypair for %q: %w", name, err)
	}

	c, err := m.store.CreateCache(ctx, &database.Cache{
		Name:                  name,
		SigningPublicKey:      keypair.Public().String(),
		SigningSecretKey:      keypair.String(),
		IsPublic:              req.IsPublic,
		StoreDir:              req.StoreDir,
		Priority:              req.Priority,
		UpstreamCacheKeyNames: req.UpstreamCacheKeyNames,
		RetentionPeriodSecs:   req.RetentionPeriodSecs,
	})
	if err != nil {
		if errors.Is(err, database.ErrCacheAlreadyExists) {
			return nil, apierror.New(apierror.KindCacheAlreadyExists, "cache already exists: "+name)
		}

		return nil, apierror.Database(fmt.Errorf("cacheadmin: error creating cache %q: %w", name, err))
	}

	return c, nil
}

// Get returns the live cache row backing the cache config document (spec §6
// GET cache-config), including its secret signing key; the HTTP layer omits
// the secret key when rendering the document. discoverable should reflect
// whether the caller holds any permission bit for this cache name, so a
// missing cache renders as a generic 401 rather than a cache-revealing 404
// when it does not (spec §4.3's discovery downgrade).
func (m *Manager) Get(ctx context.Context, name string, discoverable bool) (*database.Cache, error) {
	c, err := m.store.GetCacheByName(ctx, name)
	if err != nil {
		if errors.Is(err, database.ErrCacheNotFound) {
			return nil, apierror.NoSuchCache(name).WithDiscoverable(discoverable)
		}

		return nil, apierror.Database(err)
	}

	return c, nil
}

// Configure applies a partial update (configure_cache). Only the fields set
// in req are changed.
func (m *Manager) Configure(ctx context.Context, name string, req ConfigureRequest) (*database.Cache, error) {
	c, err := m.Get(ctx, name, true)
	if err != nil {
		return nil, err
	}

	if req.IsPublic != nil {
		c.IsPublic = *req.IsPublic
	}

	if req.Priority != nil {
		c.Priority = *req.Priority
	}

	if req.UpstreamCacheKeyNames != nil {
		c.UpstreamCacheKeyNames = req.UpstreamCacheKeyNames
	}

	if req.RetentionPeriodSecs != nil {
		c.RetentionPeriodSecs = req.RetentionPeriodSecs
	}

	if err := m.store.UpdateCache(ctx, c); err != nil {
		return nil, apierror.Database(fmt.Errorf("cacheadmin: error configuring cache %q: %w", name, err))
	}

	return c, nil
}

// Destroy soft-deletes a cache (destroy_cache). Objects and pins scoped to
// it are not removed; the cache name itself stays reserved. The caller is assumed to already hold the
// destroy_cache bit for name, so a missing cache is always discoverable
// here.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := m.store.DestroyCache(ctx, name); err != nil {
		if errors.Is(err, database.ErrCacheNotFound) {
			return apierror.NoSuchCache(name).WithDiscoverable(true)
		}

		return apierror.Database(fmt.Errorf("cacheadmin: error destroying cache %q: %w", name, err))
	}

	return nil
}
