// Package compress implements the per-chunk and transport-level compression
// codecs the server supports: none, zstd, brotli, xz, and lzip for transport
// decompression. It is the one place codec selection is validated, so every
// caller shares the same InvalidCompressionType error.
package compress

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Codec names a supported compression algorithm.
type Codec string

const (
	None   Codec = ""
	Zstd   Codec = "zstd"
	Brotli Codec = "brotli"
	Xz     Codec = "xz"
	// Lzip is accepted only as a transport Content-Encoding to decompress,
	// never as a storage-level codec the server chooses for new chunks.
	Lzip Codec = "lzip"
)

// ErrInvalidCompressionType is returned for any codec name the server does
// not recognize.
var ErrInvalidCompressionType = errors.New("compress: invalid compression type")

// ParseCodec validates a codec name as used in configuration and narinfo
// Compression fields.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case None, Zstd, Brotli, Xz, Lzip:
		return Codec(s), nil
	case "none":
		return None, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCompressionType, s)
	}
}

// NewWriter wraps w so that bytes written to the result are compressed with
// codec before being written to w. level is a codec-specific quality knob;
// zero selects each codec's default. The caller must Close the writer to
// flush trailing compressed bytes.
func NewWriter(codec Codec, w io.Writer, level int) (io.WriteCloser, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Zstd:
		opts := []zstd.EOption{}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		}

		enc, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating zstd writer: %w", err)
		}

		return enc, nil
	case Brotli:
		if level <= 0 {
			level = brotli.DefaultCompression
		}

		return brotli.NewWriterLevel(w, level), nil
	case Xz:
		enc, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating xz writer: %w", err)
		}

		return enc, nil
	case Lzip:
		enc, err := lzip.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating lzip writer: %w", err)
		}

		return enc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCompressionType, codec)
	}
}

// NewReader wraps r so that reads from the result yield decompressed bytes
// per codec.
func NewReader(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating zstd reader: %w", err)
		}

		return zstdReadCloser{dec}, nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case Xz:
		dec, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating xz reader: %w", err)
		}

		return io.NopCloser(dec), nil
	case Lzip:
		dec, err := lzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: error creating lzip reader: %w", err)
		}

		return io.NopCloser(dec), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCompressionType, codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()

	return nil
}
