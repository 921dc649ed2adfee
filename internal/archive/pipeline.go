// Package archive implements the chunked archive pipeline: disk image in,
// ordered checksummed chunks out, and the inverse reassembly.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/edvin/vmbackup/internal/crypto"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/storage"
	"github.com/edvin/vmbackup/internal/vm"
)

// ErrIntegrity marks a post-upload or pre-restore re-hash mismatch.
var ErrIntegrity = errors.New("integrity check failed")

// uploadParallelism bounds concurrent chunk uploads within one backup.
const uploadParallelism = 4

// ProgressFunc receives percentage updates (0-100) as chunk transfers
// complete. Implementations must tolerate out-of-order calls; the
// pipeline guarantees the reported value is computed from a monotonic
// byte counter.
type ProgressFunc func(percent int)

// WarnFunc receives structured warnings for best-effort degradations so
// the orchestrator can surface them on the operation record.
type WarnFunc func(msg string)

// Pipeline turns disk images into chunked archives and back. It fills
// fields into the metadata record handed to it but never persists it;
// that stays with the orchestrator.
type Pipeline struct {
	store       storage.Backend
	vms         vm.Controller
	logger      zerolog.Logger
	scratchRoot string

	passphrase       string
	compressionLevel int

	// verifyAfterUpload re-downloads every chunk after upload and
	// re-hashes it before a backup may be marked verified.
	verifyAfterUpload bool
	// verifyBeforeRestore re-hashes downloaded chunks before the target
	// disk image is overwritten.
	verifyBeforeRestore bool
}

type Options struct {
	ScratchRoot         string
	Passphrase          string
	CompressionLevel    int
	VerifyAfterUpload   bool
	VerifyBeforeRestore bool
}

func NewPipeline(logger zerolog.Logger, store storage.Backend, vms vm.Controller, opts Options) *Pipeline {
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = 6
	}
	return &Pipeline{
		store:               store,
		vms:                 vms,
		logger:              logger.With().Str("component", "archive").Logger(),
		scratchRoot:         opts.ScratchRoot,
		passphrase:          opts.Passphrase,
		compressionLevel:    opts.CompressionLevel,
		verifyAfterUpload:   opts.VerifyAfterUpload,
		verifyBeforeRestore: opts.VerifyBeforeRestore,
	}
}

// scratchDir returns the per-backup scratch namespace so concurrent
// pipelines never collide.
func (p *Pipeline) scratchDir(backupID string) string {
	return filepath.Join(p.scratchRoot, backupID)
}

// encryptWriter wraps w in the transform for the requested scheme.
func encryptWriter(w io.Writer, scheme, passphrase string) (io.WriteCloser, error) {
	switch scheme {
	case model.EncryptionAES256:
		return crypto.NewEncryptWriter(w, passphrase)
	case model.EncryptionAge:
		return crypto.NewAgeEncryptWriter(w, passphrase)
	default:
		return nil, fmt.Errorf("unknown encryption scheme %q", scheme)
	}
}

// decryptReader wraps r in the inverse transform for the scheme recorded
// on the backup.
func decryptReader(r io.Reader, scheme, passphrase string) (io.Reader, error) {
	switch scheme {
	case model.EncryptionNone, "":
		return r, nil
	case model.EncryptionAES256:
		return crypto.NewDecryptReader(r, passphrase)
	case model.EncryptionAES256CBC:
		return crypto.NewLegacyCBCReader(r, passphrase)
	case model.EncryptionAge:
		return crypto.NewAgeDecryptReader(r, passphrase)
	default:
		return nil, fmt.Errorf("unknown encryption scheme %q", scheme)
	}
}

// cleanupChunks best-effort deletes every chunk recorded or uploaded for
// the backup, logging individual failures.
func (p *Pipeline) cleanupChunks(ctx context.Context, backupID string, chunkIDs []string) {
	for _, id := range chunkIDs {
		if err := p.store.Delete(ctx, ChunkKey(backupID, id)); err != nil {
			p.logger.Warn().Err(err).Str("chunk", id).Msg("failed to delete chunk during cleanup")
		}
	}
}

func removeScratch(logger zerolog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove scratch dir")
	}
}
