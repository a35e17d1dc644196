// Package gc implements the two-pass garbage collector (spec §4.7):
// retention (objects past their cache's retention period, unless pinned)
// and orphan reaping (valid but unreferenced, unheld NARs and chunks).
package gc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/lock"
	"github.com/attic-go/attic/pkg/storage"
)

// batchSize bounds how many candidate rows one GC cycle inspects per cache
// or per pass, so a single run cannot hold the database busy indefinitely.
const batchSize = 500

// clusterLockKey names the mutex guarding one cluster-wide GC cycle at a
// time under multi-instance deployment (spec §5 "Locking discipline").
const clusterLockKey = "gc:cycle"

// clusterLockTTL bounds how long one instance can hold the cluster lock; it
// must comfortably exceed the slowest expected full GC cycle.
const clusterLockTTL = 30 * time.Minute

// Collector runs the retention and orphan-reaping passes, on demand or on a
// cron schedule.
type Collector struct {
	store   *database.Store
	backend storage.Backend
	log     zerolog.Logger

	// defaultRetention is used for caches with no RetentionPeriodSecs
	// override; zero disables default retention (objects live forever
	// unless a cache sets its own override).
	defaultRetention time.Duration

	cron *cron.Cron

	// clusterLock serializes RunOnce across instances in a multi-server
	// deployment. Nil means single-instance mode: no coordination needed.
	clusterLock lock.Locker
}

// New returns a Collector. defaultRetention is the fallback retention
// period applied to caches that do not set their own.
func New(store *database.Store, backend storage.Backend, defaultRetention time.Duration, log zerolog.Logger) *Collector {
	return &Collector{store: store, backend: backend, defaultRetention: defaultRetention, log: log}
}

// SetClusterLock installs a distributed Locker so that, under multi-instance
// deployment, only one instance runs a GC cycle at a time. Without it, GC
// still never blocks uploads (the retention/orphan passes rely on the same
// dedup-acquire pattern as ingestion, spec §5), but two instances could run
// overlapping cycles.
func (c *Collector) SetClusterLock(l lock.Locker) { c.clusterLock = l }

// StartCron schedules RunOnce on the given cron expression; an empty
// schedule disables automatic runs (spec §4.7: "zero disables automatic
// runs"), leaving the collector usable only via RunOnce.
func (c *Collector) StartCron(schedule string) error {
	if schedule == "" {
		return nil
	}

	c.cron = cron.New()

	if _, err := c.cron.AddFunc(schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("gc cycle failed")
		}
	}); err != nil {
		return err
	}

	c.cron.Start()

	return nil
}

// Stop halts the cron scheduler, if one was started, waiting for any
// in-flight run to finish.
func (c *Collector) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs one full GC cycle: Pass A (retention) across every cache
// with retention enabled, then Pass B (orphan reaping) for NARs and chunks.
// When a cluster lock is installed, it brackets the whole cycle so only one
// instance collects at a time; a failure to acquire it is not an error, it
// just means another instance is already running a cycle.
func (c *Collector) RunOnce(ctx context.Context) error {
	if c.clusterLock != nil {
		acquired, err := c.clusterLock.TryLock(ctx, clusterLockKey, clusterLockTTL)
		if err != nil {
			return err
		}

		if !acquired {
			c.log.Debug().Msg("gc cycle skipped: another instance holds the cluster lock")

			return nil
		}

		defer func() {
			if err := c.clusterLock.Unlock(ctx, clusterLockKey); err != nil {
				c.log.Warn().Err(err).Msg("error releasing gc cluster lock")
			}
		}()
	}

	if err := c.retentionPass(ctx); err != nil {
		return err
	}

	if err := c.orphanNARPass(ctx); err != nil {
		return err
	}

	return c.orphanChunkPass(ctx)
}
