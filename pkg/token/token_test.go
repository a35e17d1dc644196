package token_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/token"
)

const hmacSecret = "test-signing-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	s, err := tok.SignedString([]byte(hmacSecret))
	require.NoError(t, err)

	return s
}

func TestValidateExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	raw := signToken(t, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := token.Validate(raw, token.Config{HMACKey: []byte(hmacSecret)})
	assert.Error(t, err)
}

func TestValidateMissingExpiryRejected(t *testing.T) {
	t.Parallel()

	raw := signToken(t, jwt.MapClaims{"sub": "test"})

	_, err := token.Validate(raw, token.Config{HMACKey: []byte(hmacSecret)})
	assert.Error(t, err)
}

func TestPermissionResolution(t *testing.T) {
	t.Parallel()

	raw := signToken(t, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(time.Hour).Unix(),
		"caches": map[string]any{
			"cache-rw": map[string]any{"r": true, "w": true},
			"cache-ro": map[string]any{"r": true},
			"team-*":   map[string]any{"r": true, "w": true, "cc": true},
		},
	})

	tok, err := token.Validate(raw, token.Config{HMACKey: []byte(hmacSecret)})
	require.NoError(t, err)

	rw := tok.PermissionForCache("cache-rw")
	assert.True(t, rw.Pull)
	assert.True(t, rw.Push)
	assert.False(t, rw.Delete)

	ro := tok.PermissionForCache("cache-ro")
	assert.True(t, ro.Pull)
	assert.False(t, ro.Push)

	team := tok.PermissionForCache("team-xyz")
	assert.True(t, team.Pull)
	assert.True(t, team.Push)
	assert.True(t, team.CreateCache)

	forbidden := tok.PermissionForCache("forbidden")
	assert.False(t, forbidden.CanDiscover())
}

func TestExactPatternTakesPriorityOverWildcard(t *testing.T) {
	t.Parallel()

	raw := signToken(t, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(time.Hour).Unix(),
		"caches": map[string]any{
			"*":          map[string]any{"r": true},
			"team-admin": map[string]any{"r": true, "w": true, "d": true},
		},
	})

	tok, err := token.Validate(raw, token.Config{HMACKey: []byte(hmacSecret)})
	require.NoError(t, err)

	perm := tok.PermissionForCache("team-admin")
	assert.True(t, perm.Delete)
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	assert.True(t, token.MatchPattern("team-*", "team-"))
	assert.True(t, token.MatchPattern("team-*", "team-abc"))
	assert.False(t, token.MatchPattern("team-*", "abc-team"))
	assert.True(t, token.MatchPattern("*", "anything-valid"))
}

func TestIssuerAndAudienceEnforced(t *testing.T) {
	t.Parallel()

	raw := signToken(t, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iss": "https://issuer.example",
		"aud": []string{"attic"},
	})

	_, err := token.Validate(raw, token.Config{
		HMACKey:        []byte(hmacSecret),
		RequiredIssuer: "https://other.example",
	})
	assert.ErrorIs(t, err, token.ErrIssuerMismatch)

	_, err = token.Validate(raw, token.Config{
		HMACKey:          []byte(hmacSecret),
		RequiredAudience: "not-attic",
	})
	assert.ErrorIs(t, err, token.ErrAudienceMismatch)

	tok, err := token.Validate(raw, token.Config{
		HMACKey:          []byte(hmacSecret),
		RequiredIssuer:   "https://issuer.example",
		RequiredAudience: "attic",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example", tok.Issuer)
}
