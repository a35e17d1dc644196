// Package token implements stateless capability bearer tokens: JWT-shaped
// bearers carrying a pattern-to-permission map that gates every mutating
// cache operation. Tokens are never persisted; each request re-validates and
// re-resolves permissions from the bearer alone.
package token

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingExpiry is returned when a token has no "exp" claim.
	ErrMissingExpiry = errors.New("token: missing required exp claim")

	// ErrIssuerMismatch is returned when the configured issuer does not match the token's.
	ErrIssuerMismatch = errors.New("token: issuer mismatch")

	// ErrAudienceMismatch is returned when none of the configured audiences match the token's.
	ErrAudienceMismatch = errors.New("token: audience mismatch")

	// ErrUnsupportedSigningMethod is returned when the token's alg is not HS256 or RS256.
	ErrUnsupportedSigningMethod = errors.New("token: unsupported signing method")
)

// Permission is the set of capability bits a token grants for one cache.
type Permission struct {
	Pull                    bool
	Push                    bool
	Delete                  bool
	CreateCache             bool
	ConfigureCache          bool
	ConfigureCacheRetention bool
	DestroyCache            bool
}

// CanDiscover reports whether any bit is set. Per the discoverability rule
// (spec §4.3), a caller with zero bits for a cache cannot distinguish
// "not found" from "forbidden".
func (p Permission) CanDiscover() bool {
	return p.Pull || p.Push || p.Delete || p.CreateCache ||
		p.ConfigureCache || p.ConfigureCacheRetention || p.DestroyCache
}

// UnmarshalJSON accepts the short wire keys r/w/d/cc/cfg/cfgr/dc.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var raw struct {
		Pull                    bool `json:"r"`
		Push                    bool `json:"w"`
		Delete                  bool `json:"d"`
		CreateCache             bool `json:"cc"`
		ConfigureCache          bool `json:"cfg"`
		ConfigureCacheRetention bool `json:"cfgr"`
		DestroyCache            bool `json:"dc"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Pull = raw.Pull
	p.Push = raw.Push
	p.Delete = raw.Delete
	p.CreateCache = raw.CreateCache
	p.ConfigureCache = raw.ConfigureCache
	p.ConfigureCacheRetention = raw.ConfigureCacheRetention
	p.DestroyCache = raw.DestroyCache

	return nil
}

// MarshalJSON emits the short wire keys r/w/d/cc/cfg/cfgr/dc.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Pull                    bool `json:"r"`
		Push                    bool `json:"w"`
		Delete                  bool `json:"d"`
		CreateCache             bool `json:"cc"`
		ConfigureCache          bool `json:"cfg"`
		ConfigureCacheRetention bool `json:"cfgr"`
		DestroyCache            bool `json:"dc"`
	}{
		p.Pull, p.Push, p.Delete, p.CreateCache,
		p.ConfigureCache, p.ConfigureCacheRetention, p.DestroyCache,
	})
}

// patternEntry binds a CacheNamePattern to its granted Permission, preserving
// the order patterns appeared in the token so wildcard resolution can scan
// them in insertion order as spec §4.3 requires.
type patternEntry struct {
	pattern string
	perm    Permission
}

// Token is the decoded, resolved view of a capability bearer.
type Token struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  *time.Time
	Issuer    string
	Audiences []string

	entries []patternEntry
}

// Config configures how tokens are validated.
type Config struct {
	// HMACKey, when non-nil, validates HS256-signed tokens.
	HMACKey []byte
	// RSAPublicKey, when non-nil, validates RS256-signed tokens. Only the
	// public key is ever accepted; the server never holds an RSA private key.
	RSAPublicKey *rsa.PublicKey
	// RequiredIssuer, when non-empty, must match the token's "iss" claim.
	RequiredIssuer string
	// RequiredAudience, when non-empty, must appear in the token's "aud" claim.
	RequiredAudience string
}

// Validate decodes and verifies a JWT-shaped capability bearer against cfg.
func Validate(raw string, cfg Config) (*Token, error) {
	keyFunc := func(tok *jwt.Token) (any, error) {
		switch tok.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if cfg.HMACKey == nil {
				return nil, ErrUnsupportedSigningMethod
			}

			return cfg.HMACKey, nil
		case *jwt.SigningMethodRSA:
			if cfg.RSAPublicKey == nil {
				return nil, ErrUnsupportedSigningMethod
			}

			return cfg.RSAPublicKey, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedSigningMethod, tok.Method.Alg())
		}
	}

	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(raw, claims, keyFunc,
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	if !parsed.Valid {
		return nil, ErrMissingExpiry
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrMissingExpiry
	}

	t := &Token{ExpiresAt: exp.Time}

	if sub, ok := claims["sub"].(string); ok {
		t.Subject = sub
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tm := iat.Time
		t.IssuedAt = &tm
	}

	if iss, ok := claims["iss"].(string); ok {
		t.Issuer = iss
	}

	t.Audiences = audienceStrings(claims["aud"])

	if cfg.RequiredIssuer != "" && t.Issuer != cfg.RequiredIssuer {
		return nil, ErrIssuerMismatch
	}

	if cfg.RequiredAudience != "" && !containsString(t.Audiences, cfg.RequiredAudience) {
		return nil, ErrAudienceMismatch
	}

	entries, err := decodeCachesOrdered(claims["caches"])
	if err != nil {
		return nil, err
	}

	t.entries = entries

	return t, nil
}

func audienceStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))

		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}

// decodeCachesOrdered decodes the "caches" claim while preserving key
// insertion order, which encoding/json's map decoding would otherwise lose.
func decodeCachesOrdered(v any) ([]patternEntry, error) {
	if v == nil {
		return nil, nil
	}

	// MapClaims was produced by unmarshaling the whole token payload into a
	// map already, so we re-marshal just this claim to get back raw JSON we
	// can stream token-by-token in original order.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("token: error re-marshaling caches claim: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("token: error decoding caches claim: %w", err)
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("token: caches claim must be an object")
	}

	var entries []patternEntry

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("token: error decoding caches claim key: %w", err)
		}

		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("token: caches claim key must be a string")
		}

		var perm Permission
		if err := dec.Decode(&perm); err != nil {
			return nil, fmt.Errorf("token: error decoding permission for %q: %w", key, err)
		}

		entries = append(entries, patternEntry{pattern: key, perm: perm})
	}

	return entries, nil
}

// PermissionForCache resolves the permission granted for a given cache name.
// Exact-string patterns take priority; otherwise patterns are scanned in
// insertion order and the first successful wildcard match wins. If nothing
// matches, the all-false default is returned.
func (t *Token) PermissionForCache(name string) Permission {
	for _, e := range t.entries {
		if e.pattern == name {
			return e.perm
		}
	}

	for _, e := range t.entries {
		if strings.Contains(e.pattern, "*") && MatchPattern(e.pattern, name) {
			return e.perm
		}
	}

	return Permission{}
}

// MatchPattern reports whether a CacheNamePattern (a cache name with '*'
// wildcards) matches a concrete cache name.
func MatchPattern(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}

	if !strings.HasSuffix(name, parts[len(parts)-1]) {
		return false
	}

	remaining := name[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(remaining, part)
		if idx < 0 {
			return false
		}

		remaining = remaining[idx+len(part):]
	}

	return true
}
