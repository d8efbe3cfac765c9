// Package local implements the local filesystem target. Every virtual path
// is percent-encoded into a relative path below a storage folder, so any
// virtual path can be stored on any OS without collisions.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

// ID is the plugin id of the local target.
var ID = plugin.ID{Capability: plugin.CapabilityTarget, Key: "local"}

const keyStorageFolder = "storageFolder"

var (
	// ErrPathEscapesRoot is returned when a virtual path would resolve to a
	// location outside the storage folder. Nothing is touched on disk.
	ErrPathEscapesRoot = errors.New("local target: path escapes storage folder")

	// ErrEmptyPath is returned when storing a chunk whose path maps onto the
	// storage folder itself.
	ErrEmptyPath = errors.New("local target: chunk path may not be empty")

	// ErrNotConfigured is returned when the target is used before a storage
	// folder was set.
	ErrNotConfigured = errors.New("local target: no storage folder configured")
)

// Provider returns the plugin provider for the local target.
func Provider() plugin.Provider {
	return plugin.Single(ID, func() plugin.Plugin { return &Target{} })
}

// Target stores chunks under a root directory.
type Target struct {
	root string
}

// New returns a target rooted at folder.
func New(folder string) (*Target, error) {
	t := &Target{}
	if err := t.setRoot(folder); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) PluginID() plugin.ID { return ID }

// Root returns the resolved storage folder.
func (t *Target) Root() string { return t.root }

func (t *Target) LoadConfiguration(node *config.Node) error {
	folder, err := node.RequireString(keyStorageFolder)
	if err != nil {
		return err
	}
	return t.setRoot(folder)
}

func (t *Target) SaveConfiguration(node *config.Node) error {
	node.Set(keyStorageFolder, t.root)
	return nil
}

// setRoot makes folder absolute and resolves symlinks in it when it exists,
// so containment checks compare like with like.
func (t *Target) setRoot(folder string) error {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("local target: storage folder %q: %w", folder, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local target: storage folder %q: %w", folder, err)
	}
	t.root = abs
	return nil
}

// storagePath maps a virtual path onto the filesystem. Both checks are
// purely lexical and run before any filesystem access. Dot parts that stay
// below the root are stored escaped, so "/a/./b" and "/a/b" stay distinct.
func (t *Target) storagePath(p vpath.Path) (string, error) {
	if t.root == "" {
		return "", ErrNotConfigured
	}
	if p.ClimbsAboveRoot() {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, p)
	}
	encoded := vpath.EncodeSafe(p.String())
	full := filepath.Join(t.root, filepath.FromSlash(encoded))
	rel, err := filepath.Rel(t.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, p)
	}
	return full, nil
}

// decode turns a file below the root back into its virtual path.
func (t *Target) decode(full string) (vpath.Path, error) {
	rel, err := filepath.Rel(t.root, full)
	if err != nil {
		return vpath.Path{}, err
	}
	decoded, err := vpath.DecodeSafe(filepath.ToSlash(rel))
	if err != nil {
		return vpath.Path{}, fmt.Errorf("local target: decode %s: %w", rel, err)
	}
	return vpath.Root.ResolveString(decoded)
}

// Retrieve returns a lazy chunk over the stored file, or nil if nothing
// regular is stored at p.
func (t *Target) Retrieve(_ context.Context, p vpath.Path) (backup.Chunk, error) {
	full, err := t.storagePath(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("local target: stat %s: %w", full, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	return backup.FileChunk(p, full, info.Size()), nil
}

// List yields every stored path.
func (t *Target) List(ctx context.Context) iter.Seq2[vpath.Path, error] {
	return t.walk(ctx, t.root, "")
}

// ListPrefix yields stored paths starting with prefix. The parent directory
// of the prefix is walked and results are filtered by the encoded prefix,
// so a partial final segment matches. A prefix outside the root lists
// nothing.
func (t *Target) ListPrefix(ctx context.Context, prefix vpath.Path) iter.Seq2[vpath.Path, error] {
	if prefix.IsEmpty() || prefix.Equal(vpath.Root) {
		return t.List(ctx)
	}
	full, err := t.storagePath(prefix)
	if err != nil {
		if errors.Is(err, ErrPathEscapesRoot) {
			return func(func(vpath.Path, error) bool) {}
		}
		return func(yield func(vpath.Path, error) bool) { yield(vpath.Path{}, err) }
	}
	return t.walk(ctx, filepath.Dir(full), full)
}

// walk yields the regular files below dir whose full path starts with
// prefix. A missing dir yields nothing.
func (t *Target) walk(ctx context.Context, dir, prefix string) iter.Seq2[vpath.Path, error] {
	return func(yield func(vpath.Path, error) bool) {
		if t.root == "" {
			yield(vpath.Path{}, ErrNotConfigured)
			return
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return
		}
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(vpath.Path{}, ctxErr)
				return filepath.SkipAll
			}
			if err != nil {
				if !yield(vpath.Path{}, err) {
					return filepath.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() || !strings.HasPrefix(path, prefix) {
				return nil
			}
			if strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			if !yield(t.decode(path)) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// tempPrefix starts with a byte EncodeSafe always escapes, so it never
// collides with a stored chunk.
const tempPrefix = "~secretary-"

// Store writes the chunk content to its storage path, creating parent
// directories. Content is written to a temporary file first and renamed
// into place.
func (t *Target) Store(ctx context.Context, chunk backup.Chunk) error {
	full, err := t.storagePath(chunk.Path())
	if err != nil {
		return err
	}
	if full == t.root {
		return ErrEmptyPath
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("local target: create %s: %w", dir, err)
	}

	src, err := chunk.Open()
	if err != nil {
		return fmt.Errorf("local target: open chunk %s: %w", chunk.Path(), err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("local target: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("local target: write %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local target: write %s: %w", full, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("local target: rename into %s: %w", full, err)
	}
	return nil
}

var _ backup.Target = (*Target)(nil)
