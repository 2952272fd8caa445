package segmentation

import (
	"fmt"
	"os"
	"path/filepath"
)

// CacheDir returns the model cache directory, honoring XDG_CACHE_HOME.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "blurcam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cache", "blurcam")
	}
	return filepath.Join(home, ".cache", "blurcam")
}

// ModelPath resolves the cached ONNX model file. The daemon never downloads
// the model itself; a missing model is a transient error surfaced when the
// first consumer attaches, and retried on the next attach.
func ModelPath() (string, error) {
	path := filepath.Join(CacheDir(), "model.onnx")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("segmentation model not found at %s: %w", path, err)
	}
	return path, nil
}
