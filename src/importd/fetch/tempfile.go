package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// newTempFile creates a nonce-prefixed file under dir so concurrent workers
// never collide.
func newTempFile(dir, suggestedName string) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory %s: %w", dir, err)
	}
	nonce := uuid.NewString()[:8]
	ext := filepath.Ext(suggestedName)
	pattern := fmt.Sprintf("import-%s-*%s", nonce, ext)
	return os.CreateTemp(dir, pattern)
}
