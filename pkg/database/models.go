package database

import "time"

// NARState is the lifecycle state of a NAR row.
type NARState string

const (
	NARStatePendingUpload NARState = "pending_upload"
	NARStateValid         NARState = "valid"
	NARStateDeleted       NARState = "deleted"
)

// ChunkState is the lifecycle state of a Chunk row.
type ChunkState string

const (
	ChunkStatePendingUpload          ChunkState = "pending_upload"
	ChunkStateValid                  ChunkState = "valid"
	ChunkStateConfirmedDeduplicated  ChunkState = "confirmed_deduplicated"
	ChunkStateDeleted                ChunkState = "deleted"
)

// Cache is a named tenant: its own signing keypair, visibility, and
// retention policy. Soft-deleted caches (DeletedAt set) are invisible to
// lookups but keep their name reserved until hard-deleted.
type Cache struct {
	ID                 int64
	Name               string
	SigningPublicKey   string
	SigningSecretKey   string
	IsPublic           bool
	StoreDir           string
	Priority           int
	UpstreamCacheKeyNames []string
	RetentionPeriodSecs *int64
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

// NAR is one uploaded (or deduplicated) archive's metadata. It is not
// globally unique by hash: concurrent uploads may create duplicate Valid
// rows for the same content, which a later pass may collapse.
type NAR struct {
	ID               int64
	State            NARState
	NARHash          string // "sha256:<base32>", Nix's conventional NarHash encoding
	NARSize          int64
	Compression      string
	NumChunks        int
	CompletenessHint bool
	HoldersCount     int
	CreatedAt        time.Time
}

// Chunk is the unit of deduplication: a content-defined slice of a NAR's
// uncompressed bytes, stored compressed under an opaque backend reference.
type Chunk struct {
	ID            int64
	State         ChunkState
	ChunkHash     string // "sha256:<hex>" of uncompressed bytes
	ChunkSize     int64
	FileHash      *string // sha256 of the compressed bytes, set once Valid
	FileSize      *int64
	Compression   string
	RemoteFileRef string
	RemoteFileID  string // unique backend key, e.g. a UUID
	HoldersCount  int
	CreatedAt     time.Time
}

// ChunkRef binds a NAR to one of its chunks at a given sequence position.
// ChunkID is nulled out (ON DELETE SET NULL) when the chunk is reaped; a
// non-null ChunkID count below the NAR's NumChunks makes the NAR incomplete.
type ChunkRef struct {
	ID        int64
	NARID     int64
	Seq       int
	ChunkID   *int64
	ChunkHash string
	Compression string
}

// Object is one cache's record of a store path: which NAR realizes its
// content, and the narinfo fields not already carried by the NAR.
type Object struct {
	ID              int64
	CacheID         int64
	NARID           int64
	StorePathHash   string // 32 chars, restricted base-32
	StorePath       string
	References      []string // base names, not full paths
	System          *string
	Deriver         *string
	Sigs            []string
	CA              *string
	CreatedAt       time.Time
	LastAccessedAt  *time.Time
	CreatedBy       *string
}

// Pin is a named, immutable reference to a store path that excludes it
// from retention GC.
type Pin struct {
	ID        int64
	CacheID   int64
	Name      string
	StorePath string
}
