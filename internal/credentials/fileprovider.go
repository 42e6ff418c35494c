package credentials

import (
	"context"
	"os"
	"strings"
	"time"
)

// FileProvider is a minimal Provider backed by a single expiry-timestamp
// file on disk. Real deployments supply their own Provider wired to
// whatever actually issues the underlying credential (OAuth device flow,
// vendor API key rotation, a secrets manager); FileProvider exists so the
// gateway has at least one concrete, runnable default rather than none.
type FileProvider struct {
	path string
	ttl  time.Duration
}

// NewFileProvider creates a FileProvider. A missing file is treated as
// expired, so the first EnsureFresh call always performs a refresh.
func NewFileProvider(path string, ttl time.Duration) *FileProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FileProvider{path: path, ttl: ttl}
}

// IsExpired reports whether the stored expiry timestamp is missing,
// unparsable, or in the past.
func (p *FileProvider) IsExpired(_ context.Context) (bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	expiry, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return true, nil
	}
	return !time.Now().Before(expiry), nil
}

// Refresh writes a new expiry timestamp ttl in the future.
func (p *FileProvider) Refresh(_ context.Context) error {
	expiry := time.Now().Add(p.ttl).Format(time.RFC3339)
	return os.WriteFile(p.path, []byte(expiry+"\n"), 0o600)
}
