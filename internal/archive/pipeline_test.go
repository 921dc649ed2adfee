package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/storage"
	"github.com/edvin/vmbackup/internal/vm"
)

func testPipeline(t *testing.T, vms vm.Controller, opts Options) (*Pipeline, *storage.Local) {
	t.Helper()
	store, err := storage.NewLocal(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = filepath.Join(t.TempDir(), "scratch")
	}
	return NewPipeline(zerolog.Nop(), store, vms, opts), store
}

// writeDiskImage creates a disk image with random data bracketing a
// large zero region, the shape backups actually see.
func writeDiskImage(t *testing.T, path string, dataSize int) []byte {
	t.Helper()
	data := make([]byte, dataSize)
	_, err := rand.Read(data[:dataSize/3])
	require.NoError(t, err)
	_, err = rand.Read(data[2*dataSize/3:])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return data
}

func newTestBackup(compression, encryption string, chunkSize int64) *model.Backup {
	return &model.Backup{
		ID:          "bk-test-0001",
		VMName:      "web-01",
		Type:        model.BackupTypeManual,
		Compression: compression,
		Encryption:  encryption,
		ChunkSize:   chunkSize,
		Status:      model.BackupStatusCreating,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		compression string
		encryption  string
		passphrase  string
	}{
		{"plain", model.CompressionNone, model.EncryptionNone, ""},
		{"gzip_aes", model.CompressionGzip, model.EncryptionAES256, "round trip key"},
		{"brotli_age", model.CompressionBrotli, model.EncryptionAge, "round trip key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			srcDisk := filepath.Join(dir, "src.img")
			want := writeDiskImage(t, srcDisk, 512<<10)

			vms := new(mockController)
			vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil).Once()
			vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil).Once()
			vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil).Once()

			p, _ := testPipeline(t, vms, Options{
				Passphrase:          tc.passphrase,
				VerifyAfterUpload:   true,
				VerifyBeforeRestore: true,
			})

			b := newTestBackup(tc.compression, tc.encryption, 128<<10)
			require.NoError(t, p.Backup(context.Background(), b, nil, nil))

			assert.True(t, b.IntegrityVerified)
			assert.NotEmpty(t, b.Checksum)
			assert.Greater(t, b.Size, int64(0))
			assert.NotEmpty(t, b.Chunks)
			assert.False(t, b.SnapshotSkipped)
			assert.False(t, b.EncryptionSkipped)

			// Restore onto a stopped VM: disk gets overwritten, no
			// start or stop issued.
			dstDisk := filepath.Join(dir, "dst.img")
			vms.On("DiskPath", mock.Anything, "web-02").Return(dstDisk, nil).Once()
			vms.On("Status", mock.Anything, "web-02").Return(vm.StateStopped, nil).Once()

			require.NoError(t, p.Restore(context.Background(), b, "web-02", nil))

			got, err := os.ReadFile(dstDisk)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			vms.AssertExpectations(t)
			vms.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
			vms.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
		})
	}
}

func TestBackupChunking(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 300<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, store := testPipeline(t, vms, Options{VerifyAfterUpload: true})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	wantChunks := int((b.Size + b.ChunkSize - 1) / b.ChunkSize)
	require.Len(t, b.Chunks, wantChunks)
	require.Greater(t, wantChunks, 1)

	var total int64
	for i, c := range b.Chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, ChunkID(b.ID, i), c.ID)
		assert.Len(t, c.Checksum, 64)
		total += c.Size

		ok, err := store.Exists(context.Background(), ChunkKey(b.ID, c.ID))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, b.Size, total)
}

func TestBackupReportsProgress(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 256<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{})

	var last int
	progress := func(pct int) {
		if pct > last {
			last = pct
		}
	}

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 32<<10)
	require.NoError(t, p.Backup(context.Background(), b, progress, nil))
	assert.Equal(t, 100, last)
}

func TestBackupSnapshotUnsupported(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(vm.ErrSnapshotUnsupported)

	p, _ := testPipeline(t, vms, Options{})

	var warnings []string
	warn := func(msg string) { warnings = append(warnings, msg) }

	b := newTestBackup(model.CompressionGzip, model.EncryptionNone, 128<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, warn))

	assert.True(t, b.SnapshotSkipped)
	assert.NotEmpty(t, b.SnapshotSkipReason)
	assert.NotEmpty(t, warnings)
	vms.AssertNotCalled(t, "DeleteSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackupEncryptionSkippedWithoutKey(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	want := writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{VerifyBeforeRestore: true})

	var warnings []string
	b := newTestBackup(model.CompressionGzip, model.EncryptionAES256, 128<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, func(msg string) {
		warnings = append(warnings, msg)
	}))

	assert.True(t, b.EncryptionSkipped)
	assert.Equal(t, model.EncryptionNone, b.Encryption)
	assert.NotEmpty(t, warnings)

	// The record says unencrypted, so the keyless pipeline can restore.
	dstDisk := filepath.Join(dir, "dst.img")
	vms.On("DiskPath", mock.Anything, "web-03").Return(dstDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-03").Return(vm.StateStopped, nil).Once()
	require.NoError(t, p.Restore(context.Background(), b, "web-03", nil))

	got, err := os.ReadFile(dstDisk)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRestoreDetectsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 128<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, mock.Anything).Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, store := testPipeline(t, vms, Options{VerifyBeforeRestore: true})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 32<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))
	require.NotEmpty(t, b.Chunks)

	// Flip the stored bytes of the second chunk.
	victim := b.Chunks[1]
	err := store.Put(context.Background(), ChunkKey(b.ID, victim.ID), bytes.NewReader(make([]byte, victim.Size)))
	require.NoError(t, err)

	err = p.Restore(context.Background(), b, "web-01", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	vms.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestRestoreRestartsRunningVM(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 128<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	dstDisk := filepath.Join(dir, "dst.img")
	vms.On("DiskPath", mock.Anything, "web-04").Return(dstDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-04").Return(vm.StateRunning, nil).Once()
	vms.On("Stop", mock.Anything, "web-04").Return(nil).Once()
	vms.On("Start", mock.Anything, "web-04").Return(nil).Once()

	require.NoError(t, p.Restore(context.Background(), b, "web-04", nil))
	vms.AssertExpectations(t)
}

func TestRestoreRestartsVMWhenWriteFails(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	// A disk path in a nonexistent directory makes the overwrite fail
	// after the VM was stopped.
	vms.On("DiskPath", mock.Anything, "web-05").Return(filepath.Join(dir, "missing", "dst.img"), nil).Once()
	vms.On("Status", mock.Anything, "web-05").Return(vm.StateRunning, nil).Once()
	vms.On("Stop", mock.Anything, "web-05").Return(nil).Once()
	vms.On("Start", mock.Anything, "web-05").Return(nil).Once()

	err := p.Restore(context.Background(), b, "web-05", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write disk image")
	vms.AssertExpectations(t)
}

func TestBackupScratchCleanedUp(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 32<<10)
	scratch := filepath.Join(dir, "scratch")

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{ScratchRoot: scratch})

	b := newTestBackup(model.CompressionGzip, model.EncryptionNone, 128<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	_, err := os.Stat(filepath.Join(scratch, b.ID))
	assert.True(t, os.IsNotExist(err))
}

// corruptingBackend zeroes the payload of one chunk at upload time and
// records every key it accepted.
type corruptingBackend struct {
	storage.Backend
	target string

	mu   sync.Mutex
	keys []string
}

func (c *corruptingBackend) Put(ctx context.Context, key string, r io.Reader) error {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()

	if strings.HasSuffix(key, c.target) {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return c.Backend.Put(ctx, key, bytes.NewReader(make([]byte, len(data))))
	}
	return c.Backend.Put(ctx, key, r)
}

func (c *corruptingBackend) putKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

// failingBackend rejects every upload.
type failingBackend struct {
	storage.Backend
}

func (f *failingBackend) Put(ctx context.Context, key string, r io.Reader) error {
	return errors.New("backend unavailable")
}

func TestBackupStopsVMWhenRequested(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 128<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-01").Return(vm.StateRunning, nil).Once()
	vms.On("Stop", mock.Anything, "web-01").Return(nil).Once()
	vms.On("Start", mock.Anything, "web-01").Return(nil).Once()

	p, _ := testPipeline(t, vms, Options{VerifyAfterUpload: true})

	b := newTestBackup(model.CompressionGzip, model.EncryptionNone, 64<<10)
	b.StopVM = true
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	assert.True(t, b.IntegrityVerified)
	assert.False(t, b.SnapshotSkipped)
	vms.AssertExpectations(t)
	vms.AssertNotCalled(t, "CreateSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackupStopVMLeavesStoppedVMAlone(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-01").Return(vm.StateStopped, nil).Once()

	p, _ := testPipeline(t, vms, Options{})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	b.StopVM = true
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))

	vms.AssertExpectations(t)
	vms.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
	vms.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	vms.AssertNotCalled(t, "CreateSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackupRestartsVMWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-01").Return(vm.StateRunning, nil).Once()
	vms.On("Stop", mock.Anything, "web-01").Return(nil).Once()
	vms.On("Start", mock.Anything, "web-01").Return(nil).Once()

	local, err := storage.NewLocal(filepath.Join(dir, "store"))
	require.NoError(t, err)
	p := NewPipeline(zerolog.Nop(), &failingBackend{Backend: local}, vms, Options{
		ScratchRoot: filepath.Join(dir, "scratch"),
	})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	b.StopVM = true
	err = p.Backup(context.Background(), b, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload chunk")
	vms.AssertExpectations(t)
}

func TestBackupStartFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 64<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-01").Return(vm.StateRunning, nil).Once()
	vms.On("Stop", mock.Anything, "web-01").Return(nil).Once()
	vms.On("Start", mock.Anything, "web-01").Return(vm.ErrCommand).Once()

	p, _ := testPipeline(t, vms, Options{})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	b.StopVM = true
	err := p.Backup(context.Background(), b, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrCommand)
	vms.AssertExpectations(t)
}

func TestBackupDetectsCorruptUpload(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	writeDiskImage(t, srcDisk, 160<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	local, err := storage.NewLocal(filepath.Join(dir, "store"))
	require.NoError(t, err)
	cb := &corruptingBackend{Backend: local, target: ChunkID("bk-test-0001", 1)}
	p := NewPipeline(zerolog.Nop(), cb, vms, Options{
		ScratchRoot:       filepath.Join(dir, "scratch"),
		VerifyAfterUpload: true,
	})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 32<<10)
	err = p.Backup(context.Background(), b, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, b.IntegrityVerified)
	assert.Empty(t, b.Chunks)

	// The failed verify must not leave the chunk set behind.
	keys := cb.putKeys()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		ok, err := local.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, ok, "chunk %s survived failed verify", key)
	}
}

func TestRestoreReassemblyIgnoresChunkOrder(t *testing.T) {
	dir := t.TempDir()
	srcDisk := filepath.Join(dir, "src.img")
	want := writeDiskImage(t, srcDisk, 300<<10)

	vms := new(mockController)
	vms.On("DiskPath", mock.Anything, "web-01").Return(srcDisk, nil)
	vms.On("CreateSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)
	vms.On("DeleteSnapshot", mock.Anything, "web-01", mock.Anything).Return(nil)

	p, _ := testPipeline(t, vms, Options{VerifyBeforeRestore: true})

	b := newTestBackup(model.CompressionNone, model.EncryptionNone, 64<<10)
	require.NoError(t, p.Backup(context.Background(), b, nil, nil))
	require.Greater(t, len(b.Chunks), 2)

	// Scramble the recorded order; reassembly must key off Index alone.
	for i, j := 0, len(b.Chunks)-1; i < j; i, j = i+1, j-1 {
		b.Chunks[i], b.Chunks[j] = b.Chunks[j], b.Chunks[i]
	}

	dstDisk := filepath.Join(dir, "dst.img")
	vms.On("DiskPath", mock.Anything, "web-02").Return(dstDisk, nil).Once()
	vms.On("Status", mock.Anything, "web-02").Return(vm.StateStopped, nil).Once()
	require.NoError(t, p.Restore(context.Background(), b, "web-02", nil))

	got, err := os.ReadFile(dstDisk)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
