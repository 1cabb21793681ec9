package config

import "context"

// SecretProvider resolves secret references (file paths, in the default
// provider) to plaintext values. Only references that resolve are present in
// the returned map.
type SecretProvider interface {
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}
