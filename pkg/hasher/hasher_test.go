package hasher_test

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/hasher"
)

// oneByteReader forces Read to be called one byte at a time, then returns a
// zero-length read (but not EOF) once before actually returning EOF — a
// spurious short read the wrapper must tolerate.
type oneByteReader struct {
	data     []byte
	pos      int
	spurious bool
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		if !r.spurious {
			r.spurious = true

			return 0, nil
		}

		return 0, io.EOF
	}

	p[0] = r.data[r.pos]
	r.pos++

	return 1, nil
}

func TestHasherMatchesSingleShot(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	h := hasher.New(&oneByteReader{data: data})

	out, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	res, err := h.Result()
	require.NoError(t, err)

	want := sha256.Sum256(data)
	assert.Equal(t, want, res.Sum)
	assert.Equal(t, uint64(len(data)), res.Size)
}

func TestHasherMatchesSingleShotBuffered(t *testing.T) {
	t.Parallel()

	data := make([]byte, 64*1024+7)
	_, err := rand.Read(data)
	require.NoError(t, err)

	h := hasher.New(bufio.NewReaderSize(bytes.NewReader(data), 4096))

	out, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	res, err := h.Result()
	require.NoError(t, err)

	want := sha256.Sum256(data)
	assert.Equal(t, want, res.Sum)
}

func TestHasherResultNotReadyBeforeDrain(t *testing.T) {
	t.Parallel()

	h := hasher.New(bytes.NewReader([]byte("hello")))

	_, err := h.Result()
	assert.ErrorIs(t, err, hasher.ErrNotReady)

	buf := make([]byte, 2)

	_, err = h.Read(buf)
	require.NoError(t, err)

	_, err = h.Result()
	assert.ErrorIs(t, err, hasher.ErrNotReady)
}
