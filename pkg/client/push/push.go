// Package push implements the client push session of spec §4.8: static and
// streaming plans that compute closures, query missing paths against the
// server, and dispatch uploads to a bounded worker pool. It is grounded on
// the teacher's batched-query client shape (pkg/nixcacheindex.Client) and
// uses golang.org/x/sync/errgroup the same way the teacher's cache package
// bounds concurrent upstream fetches.
package push

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/attic-go/attic/pkg/client/api"
	"github.com/attic-go/attic/pkg/client/nixstore"
	"github.com/attic-go/attic/pkg/compress"
)

// quietTimeout and ceilingTimeout bound the streaming plan's batching
// window (spec §4.8: "2-second quiet timeout... 10-second hard ceiling").
const (
	quietTimeout   = 2 * time.Second
	ceilingTimeout = 10 * time.Second
)

var storePathHashRx = regexp.MustCompile(`^/nix/store/([0-9a-df-np-sv-z]{32})-`)

// storePathHash extracts the 32-character hash prefix from a store path.
func storePathHash(storePath string) (string, error) {
	m := storePathHashRx.FindStringSubmatch(storePath)
	if m == nil {
		return "", fmt.Errorf("push: %q is not a store path", storePath)
	}

	return m[1], nil
}

// Result is reported for every path the session attempted to upload.
type Result struct {
	StorePath string
	Err       error
	Uploaded  *api.UploadResult
}

// Config configures a Session.
type Config struct {
	Cache string
	// WorkerCount bounds in-flight uploads (spec §5 "Backpressure").
	WorkerCount int
	// Codec transport-compresses uploaded NAR bodies; compress.None
	// disables transport compression.
	Codec compress.Codec
	// UpstreamCacheKeyNames, when non-empty, causes paths signed by any
	// of these upstream keys to be filtered out of the plan (spec §4.8
	// step "optionally filters out paths signed by upstream cache
	// keys"); matching is by signature key-name prefix.
	UpstreamCacheKeyNames []string
	// SkipClosure disables client-side closure computation; the caller
	// is responsible for supplying a closed set of roots.
	SkipClosure bool
}

// Session runs a push plan against one cache. It is safe to call Queue and
// Flush from one goroutine at a time; results are delivered on Results.
type Session struct {
	cfg   Config
	api   *api.Client
	store nixstore.Store
	log   zerolog.Logger

	results chan Result

	knownMu sync.Mutex
	known   map[string]struct{} // store path hashes already confirmed present

	queue      chan string
	flushDone  chan struct{}
	terminated chan struct{}
}

// New returns a Session. Call Run to start the streaming-plan batcher
// before sending on Queue, or call RunStatic for a one-shot static plan.
func New(cfg Config, apiClient *api.Client, store nixstore.Store, log zerolog.Logger) *Session {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	return &Session{
		cfg:        cfg,
		api:        apiClient,
		store:      store,
		log:        log,
		results:    make(chan Result, cfg.WorkerCount*2),
		known:      make(map[string]struct{}),
		queue:      make(chan string, 256),
		flushDone:  make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// Results returns the channel on which upload outcomes are delivered.
func (s *Session) Results() <-chan Result { return s.results }

// RunStatic runs the static plan (spec §4.8) against a fixed list of roots
// and blocks until every queued upload completes.
func (s *Session) RunStatic(ctx context.Context, roots []string) error {
	defer close(s.results)

	paths, err := s.resolveClosure(ctx, roots)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.cfg.WorkerCount)

	if err := s.planAndUpload(ctx, paths, g, sem); err != nil {
		return err
	}

	return g.Wait()
}

// Queue enqueues one store path for the streaming plan (spec §4.8). Run
// must already be running in a separate goroutine.
func (s *Session) Queue(storePath string) { s.queue <- storePath }

// Run drives the streaming plan: it batches paths queued via Queue using
// the quiet/ceiling timers, running the static plan logic on each batch,
// until Terminate is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.results)

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.cfg.WorkerCount)

	var batch []string

	var quiet, ceiling *time.Timer

	resetQuiet := func() {
		if quiet != nil {
			quiet.Stop()
		}

		quiet = time.NewTimer(quietTimeout)
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		paths := batch
		batch = nil

		if ceiling != nil {
			ceiling.Stop()
			ceiling = nil
		}

		return s.planAndUpload(ctx, paths, g, sem)
	}

	for {
		var quietC, ceilingC <-chan time.Time
		if quiet != nil {
			quietC = quiet.C
		}

		if ceiling != nil {
			ceilingC = ceiling.C
		}

		select {
		case p, ok := <-s.queue:
			if !ok {
				if err := flush(); err != nil {
					return err
				}

				return g.Wait()
			}

			batch = append(batch, p)
			resetQuiet()

			if ceiling == nil {
				ceiling = time.NewTimer(ceilingTimeout)
			}

		case <-quietC:
			if err := flush(); err != nil {
				return err
			}

		case <-ceilingC:
			if err := flush(); err != nil {
				return err
			}

		case <-s.flushDone:
			if err := flush(); err != nil {
				return err
			}

		case <-s.terminated:
			if err := flush(); err != nil {
				return err
			}

			return g.Wait()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush forces an immediate batch boundary without waiting for either
// streaming timer.
func (s *Session) Flush() { s.flushDone <- struct{}{} }

// Terminate closes the queue; Run flushes any pending batch, waits for
// in-flight uploads to finish (spec §4.8: "on terminate, in-flight uploads
// run to completion before results are returned"), then returns.
func (s *Session) Terminate() {
	close(s.queue)
	close(s.terminated)
}

func (s *Session) resolveClosure(ctx context.Context, roots []string) ([]string, error) {
	if s.cfg.SkipClosure {
		return roots, nil
	}

	paths, err := s.store.Closure(ctx, roots)
	if err != nil {
		return nil, fmt.Errorf("push: error computing closure: %w", err)
	}

	return paths, nil
}

// planAndUpload runs steps (b)-(e) of the static plan over paths: fetch
// path info, filter by upstream signature and the known-paths set, ask the
// server which hashes are missing, then queue the remainder to workers.
func (s *Session) planAndUpload(ctx context.Context, paths []string, g *errgroup.Group, sem chan struct{}) error {
	infos := make(map[string]*nixstore.PathInfo, len(paths))
	hashes := make([]string, 0, len(paths))

	for _, p := range paths {
		hash, err := storePathHash(p)
		if err != nil {
			return err
		}

		if s.isKnown(hash) {
			continue
		}

		info, err := s.store.PathInfo(ctx, p)
		if err != nil {
			return fmt.Errorf("push: error fetching path info for %q: %w", p, err)
		}

		if s.signedByUpstream(info) {
			continue
		}

		infos[hash] = info
		hashes = append(hashes, hash)
	}

	if len(hashes) == 0 {
		return nil
	}

	missing, err := s.api.GetMissingPaths(ctx, s.cfg.Cache, hashes)
	if err != nil {
		return fmt.Errorf("push: error querying missing paths: %w", err)
	}

	missingSet := make(map[string]struct{}, len(missing))
	for _, h := range missing {
		missingSet[h] = struct{}{}
	}

	for _, hash := range hashes {
		if _, isMissing := missingSet[hash]; !isMissing {
			s.markKnown(hash)

			continue
		}

		info := infos[hash]

		sem <- struct{}{}

		g.Go(func() error {
			defer func() { <-sem }()

			s.uploadOne(ctx, info)

			return nil
		})
	}

	return nil
}

// uploadOne uploads a single path and reports its outcome on Results;
// per spec §4.8 "failures are reported per-path; other workers continue",
// so errors never abort the group.
func (s *Session) uploadOne(ctx context.Context, info *nixstore.PathInfo) {
	body, err := s.store.NARStream(ctx, info.StorePath)
	if err != nil {
		s.results <- Result{StorePath: info.StorePath, Err: fmt.Errorf("push: error opening nar stream: %w", err)}

		return
	}
	defer body.Close() //nolint:errcheck

	narInfo := api.UploadPathNarInfo{
		Cache:         s.cfg.Cache,
		StorePathHash: info.StorePathHash,
		StorePath:     info.StorePath,
		References:    info.References,
		Sigs:          info.Sigs,
		NARHash:       info.NARHash,
		NARSize:       info.NARSize,
	}

	if info.System != "" {
		narInfo.System = &info.System
	}

	if info.Deriver != "" {
		narInfo.Deriver = &info.Deriver
	}

	if info.CA != "" {
		narInfo.CA = &info.CA
	}

	result, err := s.api.UploadPath(ctx, narInfo, body, s.cfg.Codec)
	if err != nil {
		s.results <- Result{StorePath: info.StorePath, Err: err}

		return
	}

	s.markKnown(info.StorePathHash)
	s.results <- Result{StorePath: info.StorePath, Uploaded: result}
}

func (s *Session) signedByUpstream(info *nixstore.PathInfo) bool {
	if len(s.cfg.UpstreamCacheKeyNames) == 0 {
		return false
	}

	for _, sig := range info.Sigs {
		name, _, ok := strings.Cut(sig, ":")
		if !ok {
			continue
		}

		for _, upstream := range s.cfg.UpstreamCacheKeyNames {
			if name == upstream {
				return true
			}
		}
	}

	return false
}

func (s *Session) isKnown(hash string) bool {
	s.knownMu.Lock()
	defer s.knownMu.Unlock()

	_, ok := s.known[hash]

	return ok
}

func (s *Session) markKnown(hash string) {
	s.knownMu.Lock()
	defer s.knownMu.Unlock()

	s.known[hash] = struct{}{}
}
