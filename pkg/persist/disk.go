package persist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	lockFileName = ".persist.lock"
	fileSuffix   = ".yaml"

	dirPerm  = 0o700
	filePerm = 0o600
)

var (
	ErrInvalidKey = errors.New("invalid persistent map key")
	ErrLocked     = errors.New("persist dir is locked by another process")
)

type diskMap struct {
	Entries map[string]uint32 `yaml:"entries"`
}

// Disk stores each map as a YAML file in a directory it holds an exclusive
// lock on for its lifetime.
type Disk struct {
	lockFile *os.File
	dir      string
	mu       sync.Mutex
}

func OpenDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create persist dir: %w", err)
	}

	lf, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open persist lock: %w", err)
	}

	if err := lockFile(lf); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("lock persist dir: %w", err)
	}

	return &Disk{dir: dir, lockFile: lf}, nil
}

func (d *Disk) Close() error {
	if d == nil || d.lockFile == nil {
		return nil
	}
	if err := unlockFile(d.lockFile); err != nil {
		_ = d.lockFile.Close()
		return err
	}
	return d.lockFile.Close()
}

func (d *Disk) Load(key string) (map[string]uint32, bool, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]uint32{}, true, nil
	}

	var st diskMap
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if st.Entries == nil {
		st.Entries = map[string]uint32{}
	}

	return st.Entries, true, nil
}

func (d *Disk) Save(key string, m map[string]uint32) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}

	b, err := yaml.Marshal(diskMap{Entries: m})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := renameio.WriteFile(path, b, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (d *Disk) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.dir, key+fileSuffix), nil
}
