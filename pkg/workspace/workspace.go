package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	rootDirName = ".nectar"
	dirPerm     = 0o700
)

// DefaultDir is ~/.nectar.
func DefaultDir() (string, error) {
	base, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve user home dir: %w", err)
	}
	return filepath.Join(base, rootDirName), nil
}

// EnsureDir creates dir (or DefaultDir when dir is empty) and returns its
// absolute path.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return "", err
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return "", fmt.Errorf("unable to create data dir: %w", err)
	}
	return abs, nil
}
