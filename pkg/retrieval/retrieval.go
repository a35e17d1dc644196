// Package retrieval implements the read side of the cache (spec §4.6):
// resolving a cache-scoped store-path hash to a signed narinfo document,
// and streaming the NAR bytes it describes back from the chunk store with
// a bounded look-ahead prefetch.
package retrieval

import (
	"context"
	"fmt"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
)

// Resolver wires the database store to narinfo construction and NAR
// streaming.
type Resolver struct {
	store   *database.Store
	backend storage.Backend
}

// New returns a Resolver.
func New(store *database.Store, backend storage.Backend) *Resolver {
	return &Resolver{store: store, backend: backend}
}

// Resolved bundles the three rows a narinfo/nar request needs.
type Resolved struct {
	Cache  *database.Cache
	Object *database.Object
	NAR    *database.NAR
}

// Resolve looks up (cache, storePathHash) and returns the rows needed to
// serve either the narinfo document or the NAR stream, downgrading
// NoSuchCache/NoSuchObject per the caller-supplied discoverable flag.
func (res *Resolver) Resolve(ctx context.Context, cacheName, storePathHash string, discoverable bool) (*Resolved, error) {
	cache, err := res.store.GetCacheByName(ctx, cacheName)
	if err != nil {
		return nil, apierror.NoSuchCache(cacheName).WithDiscoverable(discoverable)
	}

	obj, err := res.store.GetObject(ctx, cache.ID, storePathHash)
	if err != nil {
		return nil, apierror.NoSuchObject(storePathHash).WithDiscoverable(discoverable)
	}

	nar, err := res.store.GetNARByID(ctx, obj.NARID)
	if err != nil {
		return nil, apierror.Database(err)
	}

	return &Resolved{Cache: cache, Object: obj, NAR: nar}, nil
}

// BuildNarInfo constructs the narinfo document for a resolved object. If the
// object carries no signature yet, it is signed with the cache's keypair and
// the signature is attached (spec §4.6: "if the document lacks a signature,
// sign its fingerprint").
func BuildNarInfo(r *Resolved) (*narinfo.NarInfo, error) {
	ni := &narinfo.NarInfo{
		StorePath:   r.Object.StorePath,
		URL:         "nar/" + r.Object.StorePathHash + ".nar",
		Compression: "none",
		// Served NARs are always compression=none, so the file (transport)
		// hash/size spec §4.6 requires equal the uncompressed NarHash/NarSize.
		FileHash: r.NAR.NARHash,
		//nolint:gosec // NAR sizes are well under uint64 range in practice
		FileSize: uint64(r.NAR.NARSize),
		NarHash:  r.NAR.NARHash,
		//nolint:gosec // NAR sizes are well under uint64 range in practice
		NarSize:    uint64(r.NAR.NARSize),
		References: r.Object.References,
	}

	if r.Object.System != nil {
		ni.System = *r.Object.System
	}

	if r.Object.Deriver != nil {
		ni.Deriver = *r.Object.Deriver
	}

	if r.Object.CA != nil {
		ni.CA = *r.Object.CA
	}

	for _, s := range r.Object.Sigs {
		sig, err := signature.ParseSignature(s)
		if err != nil {
			return nil, fmt.Errorf("retrieval: error parsing stored signature %q: %w", s, err)
		}

		ni.Signatures = append(ni.Signatures, sig)
	}

	if len(ni.Signatures) == 0 {
		keypair, err := signing.ParseKeypair(r.Cache.SigningSecretKey)
		if err != nil {
			return nil, fmt.Errorf("retrieval: error parsing cache signing key: %w", err)
		}

		sigStr := keypair.Sign(ni.Fingerprint())

		sig, err := signature.ParseSignature(sigStr)
		if err != nil {
			return nil, fmt.Errorf("retrieval: error parsing freshly computed signature: %w", err)
		}

		ni.Signatures = append(ni.Signatures, sig)
	}

	return ni, nil
}
