package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const sparseBlockSize = 64 << 10

var zeroBlock [sparseBlockSize]byte

// SparseCopy copies src to dst preserving holes: zero-filled blocks are
// seeked over instead of written, so a mostly-empty disk image does not
// materialize on the scratch volume. Returns the logical size copied.
func SparseCopy(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	buf := make([]byte, sparseBlockSize)
	var written int64
	for {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			if bytes.Equal(buf[:n], zeroBlock[:n]) {
				if _, err := out.Seek(int64(n), io.SeekCurrent); err != nil {
					return written, fmt.Errorf("seek over hole: %w", err)
				}
			} else if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write %s: %w", dst, werr)
			}
			written += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read %s: %w", src, err)
		}
	}

	// Fix up the logical size in case the file ends in a hole.
	if err := out.Truncate(written); err != nil {
		return written, fmt.Errorf("truncate %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", dst, err)
	}
	return written, nil
}
