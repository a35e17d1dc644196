package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/token"
)

type ctxKey int

const ctxKeyToken ctxKey = iota

// bearerFromHeader extracts the raw JWT from either "Bearer <jwt>" or
// "Basic <base64(user:jwt)>" (username ignored, spec §6).
func bearerFromHeader(h string) (string, bool) {
	switch {
	case strings.HasPrefix(h, "Bearer "):
		return strings.TrimPrefix(h, "Bearer "), true
	case strings.HasPrefix(h, "Basic "):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h, "Basic "))
		if err != nil {
			return "", false
		}

		_, jwt, found := strings.Cut(string(raw), ":")
		if !found {
			return "", false
		}

		return jwt, true
	default:
		return "", false
	}
}

// authenticate validates the Authorization header and attaches the decoded
// token to the request context. Missing/invalid/expired tokens are
// rejected uniformly as Unauthorized, per spec §8 scenario 5.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerFromHeader(r.Header.Get("Authorization"))
		if !ok {
			apierror.Render(&s.log, w, r, apierror.Unauthorized("missing or malformed authorization header"))

			return
		}

		tok, err := token.Validate(raw, s.tokenConfig)
		if err != nil {
			apierror.Render(&s.log, w, r, apierror.Unauthorized(err.Error()))

			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyToken, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Bit accessors for requirePermission, one per capability in token.Permission.
func pullBit(p token.Permission) bool                   { return p.Pull }
func pushBit(p token.Permission) bool                   { return p.Push }
func deleteBit(p token.Permission) bool                 { return p.Delete }
func createCacheBit(p token.Permission) bool            { return p.CreateCache }
func configureCacheBit(p token.Permission) bool         { return p.ConfigureCache }
func configureCacheRetentionBit(p token.Permission) bool { return p.ConfigureCacheRetention }
func destroyCacheBit(p token.Permission) bool           { return p.DestroyCache }

func tokenFromContext(ctx context.Context) *token.Token {
	tok, _ := ctx.Value(ctxKeyToken).(*token.Token)

	return tok
}

// permForCache resolves the caller's permission for a concrete cache name.
func permForCache(r *http.Request, cacheName string) token.Permission {
	return tokenFromContext(r.Context()).PermissionForCache(cacheName)
}

// applyPublicPullGrant implements spec §4.3's "If the cache is public, the
// pull bit is implicitly set after resolution": a cache row is consulted by
// name, and Pull is OR'd in when it is public. A lookup failure (including
// the cache not existing) leaves perm untouched; the handler's own cache
// resolution is what reports NoSuchCache.
func (s *Server) applyPublicPullGrant(ctx context.Context, cacheName string, perm token.Permission) token.Permission {
	cache, err := s.store.GetCacheByName(ctx, cacheName)
	if err != nil {
		return perm
	}

	if cache.IsPublic {
		perm.Pull = true
	}

	return perm
}

// requirePermission wraps next so it only runs when the caller holds bit
// for the cache named by the "cache" URL param. Otherwise it renders
// PermissionDenied, downgraded to a generic Unauthorized when the caller
// holds no bit at all for that cache (spec §4.3's discovery downgrade).
func (s *Server) requirePermission(bit func(token.Permission) bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cacheName := chi.URLParam(r, "cache")
		perm := s.applyPublicPullGrant(r.Context(), cacheName, permForCache(r, cacheName))

		if !bit(perm) {
			apierror.Render(&s.log, w, r, apierror.PermissionDenied("missing required permission for cache "+cacheName).WithDiscoverable(perm.CanDiscover()))

			return
		}

		next(w, r)
	}
}
