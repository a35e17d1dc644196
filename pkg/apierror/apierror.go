// Package apierror implements the server's error taxonomy: every handler
// returns one of these kinds, and a central renderer maps it to an HTTP
// status and a machine-readable JSON body, applying the discovery-permission
// downgrade and internal-error sanitization described in spec §7.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// Kind names one entry of the error taxonomy.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindUnauthorized          Kind = "Unauthorized"
	KindNoSuchCache           Kind = "NoSuchCache"
	KindNoSuchObject          Kind = "NoSuchObject"
	KindCacheAlreadyExists    Kind = "CacheAlreadyExists"
	KindInvalidCompression    Kind = "InvalidCompressionType"
	KindIncompleteNar         Kind = "IncompleteNar"
	KindRequestError          Kind = "RequestError"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindNoDiscoveryPermission Kind = "NoDiscoveryPermission"
	KindDatabaseError         Kind = "DatabaseError"
	KindStorageError          Kind = "StorageError"
	KindManifestSerialization Kind = "ManifestSerializationError"
	KindInternal              Kind = "InternalServerError"
)

// statusFor is the taxonomy's HTTP status mapping (spec §7). Kinds whose
// status depends on discovery permission (NoSuchCache, NoSuchObject,
// PermissionDenied) are resolved by Render, not looked up here directly.
var statusFor = map[Kind]int{
	KindNotFound:              http.StatusNotFound,
	KindUnauthorized:          http.StatusUnauthorized,
	KindNoSuchCache:           http.StatusNotFound,
	KindNoSuchObject:          http.StatusNotFound,
	KindCacheAlreadyExists:    http.StatusBadRequest,
	KindInvalidCompression:    http.StatusBadRequest,
	KindIncompleteNar:         http.StatusServiceUnavailable,
	KindRequestError:          http.StatusBadRequest,
	KindPermissionDenied:      http.StatusForbidden,
	KindNoDiscoveryPermission: http.StatusUnauthorized,
	KindDatabaseError:         http.StatusInternalServerError,
	KindStorageError:          http.StatusInternalServerError,
	KindManifestSerialization: http.StatusInternalServerError,
	KindInternal:              http.StatusInternalServerError,
}

// sanitizedKinds collapses to KindInternal in the client-facing body; the
// original kind and error are still logged server-side.
var sanitizedKinds = map[Kind]bool{
	KindDatabaseError:         true,
	KindStorageError:          true,
	KindManifestSerialization: true,
	KindInternal:              true,
}

// Error is the error value handlers construct and return. Discoverable
// marks whether the caller has any permission bit set for the resource in
// question; when false, NoSuchCache/NoSuchObject/PermissionDenied are all
// downgraded to a generic Unauthorized at render time so a forbidden
// request is indistinguishable from one naming a cache that does not exist.
type Error struct {
	Kind        Kind
	Message     string
	Discoverable bool
	cause       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}

	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind. Discoverable defaults to true;
// call WithDiscoverable(false) for resources gated by per-cache permission.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Discoverable: true}
}

// Wrap constructs an Error of the given kind carrying cause as its
// underlying error, preserved for logging but never serialized to clients.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Discoverable: true, cause: cause}
}

// WithDiscoverable sets the discovery-permission flag and returns the
// receiver, for chaining at construction.
func (e *Error) WithDiscoverable(d bool) *Error {
	e.Discoverable = d

	return e
}

// NotFound, Unauthorized, etc. are constructors for the common kinds used
// throughout the server and client packages.
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func RequestError(message string) *Error { return New(KindRequestError, message) }

func NoSuchCache(name string) *Error {
	return New(KindNoSuchCache, "no such cache: "+name)
}

func NoSuchObject(storePathHash string) *Error {
	return New(KindNoSuchObject, "no such object: "+storePathHash)
}

func PermissionDenied(message string) *Error {
	return New(KindPermissionDenied, message)
}

func IncompleteNar(storePathHash string) *Error {
	return New(KindIncompleteNar, "nar is incomplete: "+storePathHash)
}

func Database(err error) *Error { return Wrap(KindDatabaseError, err) }
func Storage(err error) *Error  { return Wrap(KindStorageError, err) }

// body is the JSON shape rendered to clients.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Render writes err as an HTTP response, applying the discovery downgrade
// and the internal-error sanitization. Non-*Error values are treated as
// internal errors. Errors sanitized or downgraded are still logged with
// their true kind and cause.
func Render(log *zerolog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := asAPIError(err)
	if !ok {
		apiErr = Wrap(KindInternal, err)
	}

	kind := apiErr.Kind
	status := statusFor[kind]

	if !apiErr.Discoverable && (kind == KindNoSuchCache || kind == KindNoSuchObject || kind == KindPermissionDenied) {
		kind = KindUnauthorized
		status = statusFor[KindUnauthorized]
	}

	event := log.Error()
	if apiErr.cause != nil {
		event = event.Err(apiErr.cause)
	}

	event.Str("kind", string(apiErr.Kind)).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	renderedMessage := apiErr.Message
	if sanitizedKinds[apiErr.Kind] {
		kind = KindInternal
		status = statusFor[KindInternal]
		renderedMessage = ""
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = writeJSON(w, body{Error: string(kind), Message: renderedMessage})
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func asAPIError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}
