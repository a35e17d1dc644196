package compress_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/compress"
)

func TestRoundTripAllCodecs(t *testing.T) {
	t.Parallel()

	data := make([]byte, 64*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	for _, codec := range []compress.Codec{compress.None, compress.Zstd, compress.Brotli, compress.Xz, compress.Lzip} {
		t.Run(string(codec)+"-empty-name", func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			w, err := compress.NewWriter(codec, &buf, 0)
			require.NoError(t, err)

			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := compress.NewReader(codec, &buf)
			require.NoError(t, err)
			defer r.Close()

			out, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestParseCodecRejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := compress.ParseCodec("lz4-but-not-really")
	assert.ErrorIs(t, err, compress.ErrInvalidCompressionType)
}
