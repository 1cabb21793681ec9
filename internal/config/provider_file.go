package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileSecretProvider resolves secret references by reading files, matching
// the container convention of mounting secrets under /run/secrets.
type FileSecretProvider struct{}

// NewFileSecretProvider creates a new FileSecretProvider.
func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{}
}

// Resolve reads each path and returns its contents with the trailing newline
// trimmed. A missing file is an error because the operator explicitly pointed
// at it.
func (p *FileSecretProvider) Resolve(ctx context.Context, paths []string) (map[string]string, error) {
	result := make(map[string]string, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file %s: %w", path, err)
		}
		result[path] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
