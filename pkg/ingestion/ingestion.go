// Package ingestion implements the upload pipeline (spec §4.5): transport
// decompression, NAR hashing, content-defined chunking, per-chunk dedup
// acquisition against the database, compression, backend persistence, and
// the transactional Object replace that is the single linearization point
// for "what this cache currently stores at this path".
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/chunker"
	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/hasher"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
)

// refToJSON serializes a RemoteRef for storage in chunk.remote_file_ref.
func refToJSON(ref storage.RemoteRef) (string, error) {
	b, err := json.Marshal(ref)
	if err != nil {
		return "", fmt.Errorf("ingestion: error marshaling remote ref: %w", err)
	}

	return string(b), nil
}

// PathInfo is the client-supplied metadata accompanying an uploaded NAR
// body (the UploadPathNarInfo header of spec §4.5).
type PathInfo struct {
	CacheID       int64
	StorePathHash string
	StorePath     string
	References    []string
	System        *string
	Deriver       *string
	Sigs          []string
	CA            *string
	NARHash       string // "sha256:<base32>", client-claimed
	NARSize       int64  // client-claimed
	CreatedBy     *string
}

// Kind distinguishes a fresh upload from one fully satisfied by dedup.
type Kind string

const (
	KindUploaded     Kind = "Uploaded"
	KindDeduplicated Kind = "Deduplicated"
)

// Result is returned to the caller after a successful ingestion.
type Result struct {
	Kind             Kind
	FileSize         int64
	FracDeduplicated float64
}

// Ingestor wires the chunker, per-chunk compression codec, storage backend,
// and database store together into the upload pipeline.
type Ingestor struct {
	store   *database.Store
	backend storage.Backend
	chunker chunker.Chunker
	codec   compress.Codec
	level   int
	log     zerolog.Logger
}

// Config configures an Ingestor.
type Config struct {
	MinChunkSize uint32
	AvgChunkSize uint32
	MaxChunkSize uint32
	Codec        compress.Codec
	Level        int
}

// New constructs an Ingestor. Zero-valued chunk sizes in cfg fall back to
// chunker.Default{Min,Avg,Max}Size.
func New(store *database.Store, backend storage.Backend, cfg Config, log zerolog.Logger) (*Ingestor, error) {
	min, avg, max := cfg.MinChunkSize, cfg.AvgChunkSize, cfg.MaxChunkSize
	if min == 0 && avg == 0 && max == 0 {
		min, avg, max = chunker.DefaultMinSize, chunker.DefaultAvgSize, chunker.DefaultMaxSize
	}

	c, err := chunker.NewCDCChunker(min, avg, max)
	if err != nil {
		return nil, fmt.Errorf("ingestion: error constructing chunker: %w", err)
	}

	return &Ingestor{store: store, backend: backend, chunker: c, codec: cfg.Codec, level: cfg.Level, log: log}, nil
}

// chunkOutcome records one chunk's resolved row and whether it was
// dedup-acquired (and thus must be released) or freshly created.
type chunkOutcome struct {
	chunk    *database.Chunk
	acquired bool
	ref      *storage.RemoteRef // only set for freshly created chunks, for cleanup-on-error
}

// Ingest runs the full pipeline described in spec §4.5 over transport-
// decompressed body r, persisting chunks and the resulting NAR/Object rows.
// It always releases every holder it acquired before returning, whether it
// succeeds or fails, and it deletes any backend file or database row it
// created itself on any error (the cleanup sentinel of step 6).
func (g *Ingestor) Ingest(ctx context.Context, info PathInfo, r io.Reader) (*Result, error) {
	h := hasher.New(r)

	outcomes, totalSize, dedupSize, err := g.chunkAndPersist(ctx, h)
	if err != nil {
		return nil, err
	}

	defer g.releaseAll(ctx, outcomes)

	result, err := h.Result()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, fmt.Errorf("ingestion: hasher not finalized: %w", err))
	}

	// Nix's NarHash convention is base32, not hex: this is the value clients
	// supply and the value embedded in the narinfo document's NarHash field.
	observedHash := "sha256:" + signing.Base32(result.Sum[:])
	//nolint:gosec // NAR sizes are well under int64 range in practice
	observedSize := int64(result.Size)

	if observedHash != info.NARHash || observedSize != info.NARSize {
		g.cleanup(ctx, outcomes)

		return nil, apierror.RequestError(fmt.Sprintf(
			"nar hash/size mismatch: observed %s/%d, claimed %s/%d",
			observedHash, observedSize, info.NARHash, info.NARSize))
	}

	nar, err := g.store.InsertPendingNAR(ctx, observedHash, observedSize, string(g.codec), len(outcomes))
	if err != nil {
		g.cleanup(ctx, outcomes)

		return nil, apierror.Database(err)
	}

	for i, oc := range outcomes {
		if err := g.store.InsertChunkRef(ctx, nar.ID, i, &oc.chunk.ID, oc.chunk.ChunkHash, oc.chunk.Compression); err != nil {
			g.cleanup(ctx, outcomes)

			return nil, apierror.Database(err)
		}
	}

	if err := g.store.MarkNARValid(ctx, nar.ID, true); err != nil {
		g.cleanup(ctx, outcomes)

		return nil, apierror.Database(err)
	}

	if _, err := g.replaceObject(ctx, info, nar.ID); err != nil {
		return nil, err
	}

	kind := KindUploaded

	var fracDedup float64

	if totalSize > 0 {
		fracDedup = float64(dedupSize) / float64(totalSize)
	}

	if dedupSize == totalSize && totalSize > 0 {
		kind = KindDeduplicated
	}

	return &Result{Kind: kind, FileSize: totalSize, FracDeduplicated: fracDedup}, nil
}

// chunkAndPersist runs steps 3-6 of spec §4.5: hash, chunk, dedup-acquire or
// compress-and-store each chunk in stream order.
func (g *Ingestor) chunkAndPersist(ctx context.Context, r io.Reader) ([]chunkOutcome, int64, int64, error) {
	chunksCh, errCh := g.chunker.Chunk(ctx, r)

	var (
		outcomes  []chunkOutcome
		total     int64
		dedupSize int64
	)

	for c := range chunksCh {
		oc, err := g.persistChunk(ctx, c)
		if err != nil {
			g.cleanup(ctx, outcomes)
			g.releaseAll(ctx, outcomes)

			return nil, 0, 0, err
		}

		total += int64(c.Size)
		if oc.acquired {
			dedupSize += int64(c.Size)
		}

		outcomes = append(outcomes, oc)
	}

	if err := <-errCh; err != nil {
		g.cleanup(ctx, outcomes)
		g.releaseAll(ctx, outcomes)

		return nil, 0, 0, apierror.Wrap(apierror.KindInternal, fmt.Errorf("ingestion: chunker failed: %w", err))
	}

	return outcomes, total, dedupSize, nil
}

// persistChunk implements step 5: acquire-or-store one chunk.
func (g *Ingestor) persistChunk(ctx context.Context, c chunker.Chunk) (chunkOutcome, error) {
	chunkHash := "sha256:" + c.Hash

	if acquired, err := g.store.AcquireValidChunkByHash(ctx, chunkHash); err != nil {
		return chunkOutcome{}, apierror.Database(err)
	} else if acquired != nil {
		return chunkOutcome{chunk: acquired, acquired: true}, nil
	}

	ref := g.backend.MakeRef(uuid.NewString())
	refJSON, err := refToJSON(ref)
	if err != nil {
		return chunkOutcome{}, apierror.Wrap(apierror.KindInternal, err)
	}

	pending, err := g.store.InsertPendingChunk(ctx, chunkHash, int64(c.Size), string(g.codec), refJSON, ref.Key)
	if err != nil {
		return chunkOutcome{}, apierror.Database(err)
	}

	fileHash, fileSize, err := g.compressAndUpload(ctx, ref, c.Data)
	if err != nil {
		return chunkOutcome{}, apierror.Storage(err)
	}

	if err := g.store.MarkChunkValid(ctx, pending.ID, fileHash, fileSize); err != nil {
		return chunkOutcome{}, apierror.Database(err)
	}

	pending.FileHash, pending.FileSize = &fileHash, &fileSize

	return chunkOutcome{chunk: pending, acquired: false, ref: &ref}, nil
}

// compressAndUpload compresses data with the configured codec and streams it
// to the backend, returning the compressed file's hash and size.
func (g *Ingestor) compressAndUpload(ctx context.Context, ref storage.RemoteRef, data []byte) (string, int64, error) {
	pr, pw := io.Pipe()

	go func() {
		w, err := compress.NewWriter(g.codec, pw, g.level)
		if err != nil {
			pw.CloseWithError(err) //nolint:errcheck

			return
		}

		if _, err := w.Write(data); err != nil {
			w.Close() //nolint:errcheck
			pw.CloseWithError(err) //nolint:errcheck

			return
		}

		pw.CloseWithError(w.Close())
	}()

	h := hasher.New(pr)

	n, err := g.backend.Upload(ctx, ref, h)
	if err != nil {
		return "", 0, fmt.Errorf("ingestion: error uploading chunk: %w", err)
	}

	result, err := h.Result()
	if err != nil {
		return "", 0, fmt.Errorf("ingestion: error finalizing chunk hash: %w", err)
	}

	return hex.EncodeToString(result.Sum[:]), n, nil
}

// replaceObject performs step 9: the transactional Object replace.
func (g *Ingestor) replaceObject(ctx context.Context, info PathInfo, narID int64) (*database.Object, error) {
	obj := &database.Object{
		CacheID:       info.CacheID,
		NARID:         narID,
		StorePathHash: info.StorePathHash,
		StorePath:     info.StorePath,
		References:    info.References,
		System:        info.System,
		Deriver:       info.Deriver,
		Sigs:          info.Sigs,
		CA:            info.CA,
		CreatedBy:     info.CreatedBy,
	}

	out, err := g.store.ReplaceObject(ctx, obj)
	if err != nil {
		return nil, apierror.Database(err)
	}

	return out, nil
}

// releaseAll decrements every acquired holder; it never fails the caller's
// outcome, it only logs.
func (g *Ingestor) releaseAll(ctx context.Context, outcomes []chunkOutcome) {
	for _, oc := range outcomes {
		if !oc.acquired {
			continue
		}

		if err := g.store.ReleaseChunkHolder(ctx, oc.chunk.ID); err != nil {
			g.log.Error().Err(err).Int64("chunk_id", oc.chunk.ID).Msg("error releasing chunk holder")
		}
	}
}

// cleanup is the step-6 sentinel: delete any freshly-created chunk's backend
// file and row. Acquired (deduped) chunks are left untouched; their holder
// is still released by releaseAll via the caller's defer.
func (g *Ingestor) cleanup(ctx context.Context, outcomes []chunkOutcome) {
	for _, oc := range outcomes {
		if oc.acquired || oc.ref == nil {
			continue
		}

		if err := g.backend.Delete(ctx, *oc.ref); err != nil {
			g.log.Error().Err(err).Str("key", oc.ref.Key).Msg("error cleaning up orphaned chunk file")
		}

		if _, err := g.store.TombstoneChunk(ctx, oc.chunk.ID); err != nil {
			g.log.Error().Err(err).Int64("chunk_id", oc.chunk.ID).Msg("error tombstoning orphaned chunk")

			continue
		}

		if err := g.store.DeleteChunk(ctx, oc.chunk.ID); err != nil {
			g.log.Error().Err(err).Int64("chunk_id", oc.chunk.ID).Msg("error deleting orphaned chunk row")
		}
	}
}

// WholeNARDedup implements the variant of spec §4.5: when the whole NAR's
// hash already exists as a Valid NAR, the body may be discarded once its
// hash and size are confirmed, and the new Object simply points at the
// existing NAR. Returns (nil, nil) if no such NAR exists, so the caller
// falls back to the chunked path.
func (g *Ingestor) WholeNARDedup(ctx context.Context, info PathInfo, r io.Reader) (*Result, error) {
	nar, err := g.store.AcquireValidNARByHash(ctx, info.NARHash)
	if err != nil {
		return nil, apierror.Database(err)
	}

	if nar == nil {
		return nil, nil //nolint:nilnil // "no existing whole-nar match" is a valid fallback signal
	}

	defer func() {
		if err := g.store.ReleaseNARHolder(ctx, nar.ID); err != nil {
			g.log.Error().Err(err).Int64("nar_id", nar.ID).Msg("error releasing nar holder")
		}
	}()

	sum := sha256.New()

	size, err := io.Copy(sum, r)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, fmt.Errorf("ingestion: error draining body for whole-nar dedup: %w", err))
	}

	observedHash := "sha256:" + signing.Base32(sum.Sum(nil))
	if observedHash != info.NARHash || size != info.NARSize {
		return nil, apierror.RequestError(fmt.Sprintf(
			"nar hash/size mismatch: observed %s/%d, claimed %s/%d", observedHash, size, info.NARHash, info.NARSize))
	}

	if nar.NARSize != info.NARSize {
		return nil, apierror.RequestError("nar size does not match existing nar")
	}

	if _, err := g.replaceObject(ctx, info, nar.ID); err != nil {
		return nil, err
	}

	return &Result{Kind: KindDeduplicated, FileSize: size, FracDeduplicated: 1}, nil
}
