package apierror_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/apierror"
)

func TestRenderDiscoveryDowngrade(t *testing.T) {
	t.Parallel()

	log := zerolog.Nop()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/demo/x.narinfo", nil)

	err := apierror.NoSuchCache("demo").WithDiscoverable(false)
	apierror.Render(&log, w, r, err)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"Unauthorized"`)
}

func TestRenderDiscoverableNotFoundStaysNotFound(t *testing.T) {
	t.Parallel()

	log := zerolog.Nop()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/demo/x.narinfo", nil)

	apierror.Render(&log, w, r, apierror.NoSuchCache("demo"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"NoSuchCache"`)
}

func TestRenderSanitizesInternalErrors(t *testing.T) {
	t.Parallel()

	log := zerolog.Nop()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/demo/x.narinfo", nil)

	apierror.Render(&log, w, r, apierror.Database(errors.New("connection refused to 10.0.0.5:5432")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"InternalServerError"`)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := apierror.Storage(cause)

	require.ErrorIs(t, err, cause)
}
