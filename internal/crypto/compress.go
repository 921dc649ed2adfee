package crypto

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// ErrCorruptArchive marks a stream that is not valid for its declared
// codec.
var ErrCorruptArchive = errors.New("corrupt archive stream")

// Codec names accepted by NewCompressor and NewDecompressor.
const (
	CodecNone   = "none"
	CodecGzip   = "gzip"
	CodecBrotli = "brotli"
)

// NewCompressor wraps w in a compressing transform for the given codec.
// CodecNone is an identity passthrough. Close flushes the codec footer
// but does not close the underlying writer.
func NewCompressor(w io.Writer, codec string, level int) (io.WriteCloser, error) {
	switch codec {
	case CodecNone, "":
		return nopWriteCloser{w}, nil
	case CodecGzip:
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("gzip level %d: %w", level, err)
		}
		return zw, nil
	case CodecBrotli:
		return brotli.NewWriterLevel(w, level), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

// NewDecompressor wraps r in the inverse transform. Reads from the
// returned reader fail with an error wrapping ErrCorruptArchive if the
// stream is not valid for the codec.
func NewDecompressor(r io.Reader, codec string) (io.ReadCloser, error) {
	switch codec {
	case CodecNone, "":
		return io.NopCloser(r), nil
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		return corruptTaggingReader{zr}, nil
	case CodecBrotli:
		return corruptTaggingReader{io.NopCloser(brotli.NewReader(r))}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// corruptTaggingReader rewraps codec decode errors so callers can detect
// malformed archives with errors.Is(err, ErrCorruptArchive).
type corruptTaggingReader struct{ rc io.ReadCloser }

func (c corruptTaggingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return n, err
}

func (c corruptTaggingReader) Close() error { return c.rc.Close() }
