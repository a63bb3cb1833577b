package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MediaStore writes images into a local directory served under a base URL.
// It stands in for real object storage in local deployments.
type MediaStore struct {
	dir     string
	baseURL string
}

// NewMediaStore creates the directory if needed.
func NewMediaStore(dir, baseURL string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MediaStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes the bytes and returns the addressable URL.
func (s *MediaStore) Put(_ context.Context, filename string, data []byte) (string, error) {
	// Keep the name flat; filenames are generated ids, never user input.
	name := filepath.Base(filename)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return s.baseURL + "/" + name, nil
}
