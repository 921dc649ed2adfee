package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/vmbackup/internal/crypto"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/platform"
	"github.com/edvin/vmbackup/internal/vm"
)

// Backup runs the forward pipeline for the given metadata record: disk
// copy, compress, encrypt, chunk, upload, verify. It fills Size, Chunks,
// Checksum and IntegrityVerified on b. On error all uploaded chunks and
// scratch files are cleaned up; the caller owns persisting b. When
// b.StopVM is set the VM is shut down for the disk copy and started
// again before the call returns, whether the pipeline succeeded or not.
func (p *Pipeline) Backup(ctx context.Context, b *model.Backup, progress ProgressFunc, warn WarnFunc) (err error) {
	scratch := p.scratchDir(b.ID)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer removeScratch(p.logger, scratch)

	diskPath, err := p.vms.DiskPath(ctx, b.VMName)
	if err != nil {
		return fmt.Errorf("resolve disk path for %s: %w", b.VMName, err)
	}

	if b.StopVM {
		state, serr := p.vms.Status(ctx, b.VMName)
		if serr != nil {
			return fmt.Errorf("query state of %s: %w", b.VMName, serr)
		}
		if state == vm.StateRunning {
			if serr := p.vms.Stop(ctx, b.VMName); serr != nil {
				return fmt.Errorf("stop %s before backup: %w", b.VMName, serr)
			}
			defer func() {
				startErr := p.vms.Start(context.WithoutCancel(ctx), b.VMName)
				if startErr == nil {
					return
				}
				p.logger.Error().Err(startErr).Str("vm", b.VMName).Msg("restart after backup failed")
				if err == nil {
					err = fmt.Errorf("start %s after backup: %w", b.VMName, startErr)
				}
			}()
		}
	} else {
		// Point-in-time snapshot is best-effort: not every backend
		// supports it, and its absence degrades consistency, not
		// correctness. A stopped disk needs no snapshot at all.
		snapshot := platform.NewName("snap_")
		if err := p.vms.CreateSnapshot(ctx, b.VMName, snapshot); err != nil {
			reason := err.Error()
			b.SnapshotSkipped = true
			b.SnapshotSkipReason = reason
			if warn != nil {
				warn("snapshot skipped: " + reason)
			}
			p.logger.Warn().Err(err).Str("vm", b.VMName).Msg("proceeding without point-in-time snapshot")
		} else {
			defer func() {
				if err := p.vms.DeleteSnapshot(context.WithoutCancel(ctx), b.VMName, snapshot); err != nil {
					p.logger.Warn().Err(err).Str("vm", b.VMName).Str("snapshot", snapshot).Msg("failed to delete snapshot")
				}
			}()
		}
	}

	imageCopy := filepath.Join(scratch, "disk.img")
	if _, err := SparseCopy(imageCopy, diskPath); err != nil {
		return fmt.Errorf("copy disk image: %w", err)
	}

	archivePath := filepath.Join(scratch, "archive")
	if err := p.buildArchive(b, archivePath, imageCopy, warn); err != nil {
		return err
	}

	checksum, err := crypto.DigestFile(archivePath)
	if err != nil {
		return fmt.Errorf("archive checksum: %w", err)
	}
	b.Checksum = checksum

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	b.Size = info.Size()

	chunks, err := p.uploadChunks(ctx, b, archivePath, progress)
	if err != nil {
		p.cleanupChunks(context.WithoutCancel(ctx), b.ID, chunkIDs(chunks))
		return err
	}
	b.Chunks = chunks

	if p.verifyAfterUpload {
		if err := p.verifyUploaded(ctx, b); err != nil {
			// A failed verify must not leave the chunk set behind; the
			// record it would describe is unusable.
			p.cleanupChunks(context.WithoutCancel(ctx), b.ID, chunkIDs(b.Chunks))
			b.Chunks = nil
			return err
		}
		b.IntegrityVerified = true
	} else {
		p.logger.Info().Str("backup", b.ID).Msg("integrity check disabled, backup left unverified")
	}

	return nil
}

func chunkIDs(chunks []model.Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	return ids
}

// buildArchive streams the image copy through the compression and
// encryption transforms into one archive file. A requested encryption
// with no configured key degrades to an unencrypted archive, surfaced on
// the record rather than silently.
func (p *Pipeline) buildArchive(b *model.Backup, archivePath, imagePath string, warn WarnFunc) error {
	if b.Encryption != model.EncryptionNone && p.passphrase == "" {
		b.Encryption = model.EncryptionNone
		b.EncryptionSkipped = true
		if warn != nil {
			warn("encryption requested but no key configured, archive stored unencrypted")
		}
		p.logger.Warn().Str("backup", b.ID).Msg("encryption requested but no key configured, proceeding unencrypted")
	}

	in, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image copy: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	var sink io.Writer = out
	var enc io.WriteCloser
	if b.Encryption != model.EncryptionNone {
		enc, err = encryptWriter(out, b.Encryption, p.passphrase)
		if err != nil {
			return fmt.Errorf("init encryption: %w", err)
		}
		sink = enc
	}

	comp, err := crypto.NewCompressor(sink, b.Compression, p.compressionLevel)
	if err != nil {
		return fmt.Errorf("init compression: %w", err)
	}

	if _, err := io.Copy(comp, in); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := comp.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finish encryption: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// uploadChunks splits the archive into fixed-size chunks and uploads
// them. Uploads run in parallel; ordering correctness comes from the
// recorded index, never from upload completion order.
func (p *Pipeline) uploadChunks(ctx context.Context, b *model.Backup, archivePath string, progress ProgressFunc) ([]model.Chunk, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 << 20
	}
	total := b.Size
	count := int((total + chunkSize - 1) / chunkSize)
	if count == 0 {
		count = 1
	}

	var (
		mu       sync.Mutex
		chunks   = make([]model.Chunk, 0, count)
		uploaded atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallelism)

	for index := 0; index < count; index++ {
		offset := int64(index) * chunkSize
		size := chunkSize
		if offset+size > total {
			size = total - offset
		}

		g.Go(func() error {
			id := ChunkID(b.ID, index)

			sum, err := crypto.Digest(io.NewSectionReader(f, offset, size))
			if err != nil {
				return fmt.Errorf("chunk %s checksum: %w", id, err)
			}

			if err := p.store.Put(gctx, ChunkKey(b.ID, id), io.NewSectionReader(f, offset, size)); err != nil {
				return fmt.Errorf("upload chunk %s: %w", id, err)
			}

			mu.Lock()
			chunks = append(chunks, model.Chunk{ID: id, Index: index, Size: size, Checksum: sum})
			mu.Unlock()

			if progress != nil && total > 0 {
				done := uploaded.Add(size)
				progress(int(done * 100 / total))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Return what was recorded so the caller can clean up.
		mu.Lock()
		defer mu.Unlock()
		return chunks, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// verifyUploaded re-downloads every chunk, re-hashes it against the
// recorded checksum, and checks the concatenation against the archive
// checksum.
func (p *Pipeline) verifyUploaded(ctx context.Context, b *model.Backup) error {
	whole := sha256.New()
	for _, c := range b.Chunks {
		rc, err := p.store.Get(ctx, ChunkKey(b.ID, c.ID))
		if err != nil {
			return fmt.Errorf("verify chunk %s: %w", c.ID, err)
		}

		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(h, whole), rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("verify chunk %s: %w", c.ID, err)
		}
		if n != c.Size {
			return fmt.Errorf("%w: chunk %s size %d, recorded %d", ErrIntegrity, c.ID, n, c.Size)
		}
		if sum := hex.EncodeToString(h.Sum(nil)); sum != c.Checksum {
			return fmt.Errorf("%w: chunk %s hash mismatch", ErrIntegrity, c.ID)
		}
	}
	if sum := hex.EncodeToString(whole.Sum(nil)); sum != b.Checksum {
		return fmt.Errorf("%w: archive hash mismatch", ErrIntegrity)
	}
	return nil
}
