package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bagbot/internal/types"
)

// Store persists the pending job list. Save replaces the previous contents
// wholesale.
type Store interface {
	Save(ctx context.Context, records []types.JobRecord) error
	Load(ctx context.Context) ([]types.JobRecord, error)
}

// FileStore keeps jobs as a JSON array of {date, userID} objects.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// Save writes records through a temp file and rename so a crash mid-write
// never leaves a truncated job list.
func (f *FileStore) Save(_ context.Context, records []types.JobRecord) error {
	if records == nil {
		records = []types.JobRecord{}
	}
	content, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".jobs-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Load reads the job list. A missing file is an empty list.
func (f *FileStore) Load(_ context.Context) ([]types.JobRecord, error) {
	content, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	if len(content) == 0 {
		return nil, nil
	}

	var records []types.JobRecord
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, fmt.Errorf("decode jobs file %s: %w", f.path, err)
	}
	return records, nil
}

var _ Store = (*FileStore)(nil)
