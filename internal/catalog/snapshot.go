package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"bagbot/internal/types"
)

const compressedSuffix = ".zst"

type snapshot struct {
	RefreshedAt time.Time           `json:"refreshedAt"`
	Items       []types.CatalogItem `json:"items"`
}

// writeSnapshot replaces path atomically with the encoded snapshot.
func writeSnapshot(path string, snap snapshot) error {
	if snap.Items == nil {
		snap.Items = []types.CatalogItem{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode catalog snapshot: %w", err)
	}

	if strings.HasSuffix(path, compressedSuffix) {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".catalog-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	return os.Rename(tmpName, path)
}

// readSnapshot loads the snapshot at path. ok is false when the file does not
// exist or is empty.
func readSnapshot(path string) (snap snapshot, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot{}, false, nil
	}
	if err != nil {
		return snapshot{}, false, fmt.Errorf("read catalog snapshot: %w", err)
	}
	if len(data) == 0 {
		return snapshot{}, false, nil
	}

	if strings.HasSuffix(path, compressedSuffix) {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return snapshot{}, false, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return snapshot{}, false, fmt.Errorf("zstd decompression failed: %w", err)
		}
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, false, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	return snap, true, nil
}
