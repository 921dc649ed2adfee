package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/edvin/vmbackup/internal/model"
)

// FileStore keeps one <id>.json document per backup under a directory.
// Writes go through a temp file and rename so a crash never leaves a
// truncated record.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(ctx context.Context, b *model.Backup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.ID == "" || strings.ContainsAny(b.ID, "/\\") {
		return fmt.Errorf("invalid backup id %q", b.ID)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup %s: %w", b.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".save-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write backup %s: %w", b.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup %s: %w", b.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(b.ID)); err != nil {
		return fmt.Errorf("finalize backup %s: %w", b.ID, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*model.Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", id, err)
	}
	var b model.Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", id, err)
	}
	return &b, nil
}

func (s *FileStore) List(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read metadata dir: %w", err)
	}

	backups := make([]*model.Backup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", name, err)
		}
		var b model.Backup
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", name, err)
		}
		if filter.Matches(&b) {
			backups = append(backups, &b)
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read metadata dir: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
