package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attic-go/attic/pkg/storage"
)

func (c *Collector) deleteChunkBackendFile(ctx context.Context, remoteFileRef string) error {
	var ref storage.RemoteRef
	if err := json.Unmarshal([]byte(remoteFileRef), &ref); err != nil {
		return fmt.Errorf("gc: error decoding remote ref: %w", err)
	}

	if err := c.backend.Delete(ctx, ref); err != nil {
		return fmt.Errorf("gc: error deleting backend file: %w", err)
	}

	return nil
}

// retentionPass is spec §4.7 Pass A: for each cache with a non-zero
// effective retention period, delete objects created and last accessed
// (or never accessed) longer ago than that period. Pinned store paths are
// excluded by Store.RetentionCandidates itself.
func (c *Collector) retentionPass(ctx context.Context) error {
	caches, err := c.store.ListCaches(ctx)
	if err != nil {
		return fmt.Errorf("gc: error listing caches: %w", err)
	}

	for _, cache := range caches {
		period := c.defaultRetention
		if cache.RetentionPeriodSecs != nil {
			period = time.Duration(*cache.RetentionPeriodSecs) * time.Second
		}

		if period <= 0 {
			continue
		}

		if err := c.retainCache(ctx, cache.ID, period); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) retainCache(ctx context.Context, cacheID int64, period time.Duration) error {
	cutoff := time.Now().UTC().Add(-period)

	for {
		candidates, err := c.store.RetentionCandidates(ctx, cacheID, cutoff, batchSize)
		if err != nil {
			return fmt.Errorf("gc: error selecting retention candidates for cache %d: %w", cacheID, err)
		}

		for _, obj := range candidates {
			if err := c.store.DeleteObject(ctx, obj.CacheID, obj.StorePathHash); err != nil {
				c.log.Error().Err(err).Str("store_path", obj.StorePath).Msg("error deleting retained object")
			}
		}

		if len(candidates) < batchSize {
			return nil
		}
	}
}

// orphanNARPass is spec §4.7 Pass B step 1: tombstone Valid NARs with no
// referencing Object and zero holders. TombstoneNAR re-checks both
// conditions atomically, so a NAR that gained a holder or an Object
// reference between selection and transition is safely skipped.
func (c *Collector) orphanNARPass(ctx context.Context) error {
	for {
		candidates, err := c.store.OrphanNARCandidates(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("gc: error selecting orphan nar candidates: %w", err)
		}

		for _, nar := range candidates {
			tombstoned, err := c.store.TombstoneNAR(ctx, nar.ID)
			if err != nil {
				c.log.Error().Err(err).Int64("nar_id", nar.ID).Msg("error tombstoning nar")

				continue
			}

			if !tombstoned {
				continue
			}

			if err := c.store.DeleteNAR(ctx, nar.ID); err != nil {
				c.log.Error().Err(err).Int64("nar_id", nar.ID).Msg("error deleting tombstoned nar row")
			}
		}

		if len(candidates) < batchSize {
			return nil
		}
	}
}

// orphanChunkPass is spec §4.7 Pass B steps 2-3: a chunk becomes a
// candidate once no chunkref points at it (deleting a NAR row cascades to its
// chunkrefs) and its holders have all released; tombstone it, delete its
// backend file, then delete its row. If the backend delete fails, the row
// stays Deleted; later cycles select only Valid chunks, so that row and its
// backend file are not revisited by this pass.
func (c *Collector) orphanChunkPass(ctx context.Context) error {
	for {
		candidates, err := c.store.OrphanChunkCandidates(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("gc: error selecting orphan chunk candidates: %w", err)
		}

		for _, chunk := range candidates {
			tombstoned, err := c.store.TombstoneChunk(ctx, chunk.ID)
			if err != nil {
				c.log.Error().Err(err).Int64("chunk_id", chunk.ID).Msg("error tombstoning chunk")

				continue
			}

			if !tombstoned {
				continue
			}

			if err := c.deleteChunkBackendFile(ctx, chunk.RemoteFileRef); err != nil {
				c.log.Error().Err(err).Int64("chunk_id", chunk.ID).Msg("error deleting chunk backend file, leaving chunk row in Deleted state")

				continue
			}

			if err := c.store.DeleteChunk(ctx, chunk.ID); err != nil {
				c.log.Error().Err(err).Int64("chunk_id", chunk.ID).Msg("error deleting tombstoned chunk row")
			}
		}

		if len(candidates) < batchSize {
			return nil
		}
	}
}
