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

	"github.com/edvin/vmbackup/internal/crypto"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/vm"
)

// Restore reassembles the archive for b and writes it over the disk of
// targetVM. The VM is stopped for the overwrite and started again
// afterwards; a VM that was already stopped stays stopped. Reassembly
// order comes from the recorded chunk indexes, not from list or download
// order.
func (p *Pipeline) Restore(ctx context.Context, b *model.Backup, targetVM string, progress ProgressFunc) error {
	scratch := p.scratchDir(b.ID + "-restore")
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer removeScratch(p.logger, scratch)

	archivePath := filepath.Join(scratch, "archive")
	if err := p.downloadArchive(ctx, b, archivePath, progress); err != nil {
		return err
	}

	imagePath := filepath.Join(scratch, "disk.img")
	if err := p.unpackArchive(b, archivePath, imagePath); err != nil {
		return err
	}

	diskPath, err := p.vms.DiskPath(ctx, targetVM)
	if err != nil {
		return fmt.Errorf("resolve disk path for %s: %w", targetVM, err)
	}

	state, err := p.vms.Status(ctx, targetVM)
	if err != nil {
		return fmt.Errorf("query state of %s: %w", targetVM, err)
	}
	wasRunning := state == vm.StateRunning
	if wasRunning {
		if err := p.vms.Stop(ctx, targetVM); err != nil {
			return fmt.Errorf("stop %s: %w", targetVM, err)
		}
		// The VM must come back up whether the overwrite succeeds or
		// not; a failed write leaves the old image partially intact and
		// a stopped guest helps nobody.
		defer func() {
			if startErr := p.vms.Start(context.WithoutCancel(ctx), targetVM); startErr != nil {
				p.logger.Error().Err(startErr).Str("vm", targetVM).Msg("restart after restore failed")
			}
		}()
	}

	if _, err := SparseCopy(diskPath, imagePath); err != nil {
		return fmt.Errorf("write disk image: %w", err)
	}
	return nil
}

// downloadArchive fetches every chunk in index order and concatenates
// them into one archive file, re-hashing each chunk and the whole
// stream when pre-restore verification is enabled.
func (p *Pipeline) downloadArchive(ctx context.Context, b *model.Backup, archivePath string, progress ProgressFunc) error {
	chunks := make([]model.Chunk, len(b.Chunks))
	copy(chunks, b.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	out, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	whole := sha256.New()
	var done int64
	for _, c := range chunks {
		rc, err := p.store.Get(ctx, ChunkKey(b.ID, c.ID))
		if err != nil {
			return fmt.Errorf("download chunk %s: %w", c.ID, err)
		}

		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(out, h, whole), rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("download chunk %s: %w", c.ID, err)
		}

		if p.verifyBeforeRestore {
			if n != c.Size {
				return fmt.Errorf("%w: chunk %s size %d, recorded %d", ErrIntegrity, c.ID, n, c.Size)
			}
			if sum := hex.EncodeToString(h.Sum(nil)); sum != c.Checksum {
				return fmt.Errorf("%w: chunk %s hash mismatch", ErrIntegrity, c.ID)
			}
		}

		if progress != nil && b.Size > 0 {
			done += n
			progress(int(done * 100 / b.Size))
		}
	}

	if p.verifyBeforeRestore && b.Checksum != "" {
		if sum := hex.EncodeToString(whole.Sum(nil)); sum != b.Checksum {
			return fmt.Errorf("%w: archive hash mismatch", ErrIntegrity)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// unpackArchive runs the archive back through decryption and
// decompression into a raw disk image.
func (p *Pipeline) unpackArchive(b *model.Backup, archivePath, imagePath string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	var src io.Reader = in
	if b.Encryption != model.EncryptionNone && b.Encryption != "" {
		if p.passphrase == "" {
			return fmt.Errorf("backup %s is encrypted: %w", b.ID, crypto.ErrNoKey)
		}
		src, err = decryptReader(in, b.Encryption, p.passphrase)
		if err != nil {
			return fmt.Errorf("init decryption: %w", err)
		}
	}

	dec, err := crypto.NewDecompressor(src, b.Compression)
	if err != nil {
		return fmt.Errorf("init decompression: %w", err)
	}
	defer dec.Close()

	out, err := os.OpenFile(imagePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return fmt.Errorf("unpack archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	return nil
}
