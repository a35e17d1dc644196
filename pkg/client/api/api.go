// Package api implements the client-side counterpart of the server's
// private HTTP API (spec §6): authenticated get-missing-paths and
// upload-path calls against a single cache.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/attic-go/attic/pkg/compress"
)

// Client calls one attic-server's private API, authenticating every
// request with a single capability token bearer.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New returns a Client. endpoint is the server's base URL, with no
// trailing slash.
func New(endpoint, token string) *Client {
	return &Client{endpoint: endpoint, token: token, http: &http.Client{}}
}

// MissingPaths is the request/response pair of POST /_api/v1/get-missing-paths.
type MissingPaths struct {
	Cache           string
	StorePathHashes []string
}

type missingPathsRequestBody struct {
	Cache           string   `json:"cache"`
	StorePathHashes []string `json:"store_path_hashes"`
}

type missingPathsResponseBody struct {
	MissingPaths []string `json:"missing_paths"`
}

// GetMissingPaths asks the server which of the given store-path hashes it
// does not already have for the given cache.
func (c *Client) GetMissingPaths(ctx context.Context, cache string, hashes []string) ([]string, error) {
	body, err := json.Marshal(missingPathsRequestBody{Cache: cache, StorePathHashes: hashes})
	if err != nil {
		return nil, fmt.Errorf("api: error marshaling get-missing-paths request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/_api/v1/get-missing-paths", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: error calling get-missing-paths: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out missingPathsResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: error decoding get-missing-paths response: %w", err)
	}

	return out.MissingPaths, nil
}

// UploadPathNarInfo is the X-Attic-Nar-Info header payload of PUT
// /_api/v1/upload-path.
type UploadPathNarInfo struct {
	Cache         string   `json:"cache"`
	StorePathHash string   `json:"store_path_hash"`
	StorePath     string   `json:"store_path"`
	References    []string `json:"references"`
	System        *string  `json:"system,omitempty"`
	Deriver       *string  `json:"deriver,omitempty"`
	Sigs          []string `json:"sigs,omitempty"`
	CA            *string  `json:"ca,omitempty"`
	NARHash       string   `json:"nar_hash"`
	NARSize       int64    `json:"nar_size"`
}

// UploadResult mirrors the server's uploadPathResponse.
type UploadResult struct {
	Kind             string  `json:"kind"`
	FileSize         int64   `json:"file_size"`
	FracDeduplicated float64 `json:"frac_deduplicated"`
}

// UploadPath streams a NAR body to the server, transport-compressing it
// with codec first (compress.None skips compression entirely).
func (c *Client) UploadPath(ctx context.Context, info UploadPathNarInfo, nar io.Reader, codec compress.Codec) (*UploadResult, error) {
	headerJSON, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("api: error marshaling upload-path narinfo: %w", err)
	}

	body := nar

	if codec != compress.None {
		pr, pw := io.Pipe()

		go func() {
			w, err := compress.NewWriter(codec, pw, 0)
			if err != nil {
				pw.CloseWithError(err) //nolint:errcheck

				return
			}

			if _, err := io.Copy(w, nar); err != nil {
				pw.CloseWithError(err) //nolint:errcheck

				return
			}

			pw.CloseWithError(w.Close()) //nolint:errcheck
		}()

		body = pr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+"/_api/v1/upload-path", body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-Attic-Nar-Info", string(headerJSON))

	if codec != compress.None {
		req.Header.Set("Content-Encoding", string(codec))
	}

	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: error calling upload-path: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: error decoding upload-path response: %w", err)
	}

	return &out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	return fmt.Errorf("api: server returned %s: %s", resp.Status, string(b))
}
