package setup

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
)

// FileExt is the extension of persisted setup files.
const FileExt = ".yaml"

// ErrInvalidKey is returned for keys that cannot be used as a file name.
var ErrInvalidKey = errors.New("setup: invalid key")

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidKey reports whether key can name a setup.
func ValidKey(key string) bool {
	return validKey.MatchString(key)
}

// FileStore persists setups as one YAML file per setup in a directory.
// The setup key is the file name without extension.
type FileStore struct {
	dir string
}

// NewFileStore returns a store over dir. The directory is created on the
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory the store reads from.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, key+FileExt), nil
}

// Keys lists the keys of all persisted setups, sorted. A missing directory
// holds no setups.
func (f *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("setup: list %s: %w", f.dir, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, FileExt) {
			continue
		}
		if key := strings.TrimSuffix(name, FileExt); ValidKey(key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Load reads and resolves one setup.
func (f *FileStore) Load(r *plugin.Registry, key string) (Setup, error) {
	path, err := f.path(key)
	if err != nil {
		return Setup{}, err
	}
	node, err := config.LoadFile(path)
	if err != nil {
		return Setup{}, err
	}
	s, err := Load(r, node)
	if err != nil {
		return Setup{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadAll reads every persisted setup. Any broken setup fails the whole
// load.
func (f *FileStore) LoadAll(r *plugin.Registry) (map[string]Setup, error) {
	keys, err := f.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Setup, len(keys))
	for _, key := range keys {
		s, err := f.Load(r, key)
		if err != nil {
			return nil, err
		}
		out[key] = s
	}
	return out, nil
}

// Save writes s under key, replacing any previous file atomically.
func (f *FileStore) Save(key string, s Setup) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	node := config.New()
	if err := Save(s, node); err != nil {
		return err
	}
	return config.SaveFile(path, node)
}

// Delete removes the file of key. Deleting a missing setup is a no-op.
func (f *FileStore) Delete(key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("setup: delete %s: %w", path, err)
	}
	return nil
}

// LoadInto loads every persisted setup into reg. One-shot setups that have
// already run are skipped. It returns the number of setups loaded and
// skipped.
func (f *FileStore) LoadInto(r *plugin.Registry, reg *Registry) (loaded, skipped int, err error) {
	setups, err := f.LoadAll(r)
	if err != nil {
		return 0, 0, err
	}
	for _, key := range slices.Sorted(maps.Keys(setups)) {
		s := setups[key]
		if s.Done() {
			skipped++
			continue
		}
		reg.Store(key, s)
		loaded++
	}
	return loaded, skipped, nil
}
