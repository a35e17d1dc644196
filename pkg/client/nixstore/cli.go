package nixstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var storePathHashRx = regexp.MustCompile(`^/nix/store/([0-9a-df-np-sv-z]{32})-`)

func storePathHash(storePath string) (string, error) {
	m := storePathHashRx.FindStringSubmatch(storePath)
	if m == nil {
		return "", fmt.Errorf("nixstore: %q is not a store path", storePath)
	}

	return m[1], nil
}

// CLIStore implements Store by shelling out to the nix-store/nix CLI. This
// is the Go-idiomatic stand-in for the FFI binding the original client uses
// to talk to the store library directly (spec §1 treats the store as
// opaque); there is no cgo-free Go binding for it, so the CLI is the
// supported boundary.
type CLIStore struct {
	// BinDir, if set, is prepended to PATH lookups for "nix" and
	// "nix-store" (mainly for tests with a fake binary).
	BinDir string
}

func (s *CLIStore) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if s.BinDir != "" {
		if p, err := exec.LookPath(filepath.Join(s.BinDir, name)); err == nil {
			name = p
		}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if s.BinDir != "" {
		cmd.Env = append(cmd.Environ(), "PATH="+s.BinDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	return cmd
}

// Closure shells out to `nix-store -qR` for every root and unions the
// results.
func (s *CLIStore) Closure(ctx context.Context, roots []string) ([]string, error) {
	seen := make(map[string]struct{})

	var out []string

	for _, root := range roots {
		cmd := s.command(ctx, "nix-store", "-qR", root)

		var stdout bytes.Buffer

		cmd.Stdout = &stdout

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("nixstore: nix-store -qR %q: %w", root, err)
		}

		for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
			if line == "" {
				continue
			}

			if _, ok := seen[line]; ok {
				continue
			}

			seen[line] = struct{}{}

			out = append(out, line)
		}
	}

	return out, nil
}

// pathInfoJSON is the shape of one entry of `nix path-info --json`.
type pathInfoJSON struct {
	Path       string   `json:"path"`
	NarHash    string   `json:"narHash"`
	NarSize    int64    `json:"narSize"`
	References []string `json:"references"`
	Deriver    string   `json:"deriver"`
	CA         string   `json:"ca"`
	Signatures []string `json:"signatures"`
	Valid      bool     `json:"valid"`
}

// PathInfo shells out to `nix path-info --json` for one store path.
func (s *CLIStore) PathInfo(ctx context.Context, storePath string) (*PathInfo, error) {
	cmd := s.command(ctx, "nix", "path-info", "--json", storePath)

	var stdout bytes.Buffer

	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nixstore: nix path-info --json %q: %w", storePath, err)
	}

	var entries []pathInfoJSON
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return nil, fmt.Errorf("nixstore: error parsing path-info output: %w", err)
	}

	if len(entries) != 1 {
		return nil, fmt.Errorf("nixstore: expected exactly one path-info entry for %q, got %d", storePath, len(entries))
	}

	e := entries[0]
	hash, err := storePathHash(e.Path)
	if err != nil {
		return nil, err
	}

	return &PathInfo{
		StorePath:     e.Path,
		StorePathHash: hash,
		References:    e.References,
		Deriver:       e.Deriver,
		CA:            e.CA,
		Sigs:          e.Signatures,
		NARHash:       e.NarHash,
		NARSize:       e.NarSize,
	}, nil
}

// NARStream shells out to `nix-store --dump`, streaming its stdout.
func (s *CLIStore) NARStream(ctx context.Context, storePath string) (io.ReadCloser, error) {
	cmd := s.command(ctx, "nix-store", "--dump", storePath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("nixstore: error opening nix-store --dump pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("nixstore: error starting nix-store --dump: %w", err)
	}

	return &cmdReadCloser{ReadCloser: stdout, cmd: cmd}, nil
}

// cmdReadCloser waits for the backing process on Close so callers never
// leak it, while letting Read proceed straight from the pipe.
type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	closeErr := c.ReadCloser.Close()
	waitErr := c.cmd.Wait()

	if closeErr != nil {
		return closeErr
	}

	return waitErr
}
