// Package local implements the local filesystem source: a set of root paths
// walked recursively, minus anything matching an exclude glob.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/docker"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/status"
)

// ID is the plugin id of the local source.
var ID = plugin.ID{Capability: plugin.CapabilitySource, Key: "local"}

const (
	keySourceFiles = "sourceFiles"
	keyExcludes    = "excludes"
)

// VolumeResolver maps a Docker volume name to its host path.
type VolumeResolver interface {
	Mountpoint(ctx context.Context, name string) (string, error)
}

// Provider returns the plugin provider for the local source. resolver may
// be nil, in which case "docker-volume://" entries are reported and skipped.
func Provider(resolver VolumeResolver) plugin.Provider {
	return plugin.Single(ID, func() plugin.Plugin { return New(resolver) })
}

// Source walks local paths.
type Source struct {
	volumes VolumeResolver

	sourceFiles []string
	excludes    []string
}

// New returns an unconfigured source.
func New(volumes VolumeResolver) *Source {
	return &Source{volumes: volumes}
}

func (s *Source) PluginID() plugin.ID { return ID }

// SetSourceFiles replaces the root paths. Duplicates are dropped.
func (s *Source) SetSourceFiles(files []string) {
	s.sourceFiles = sortedSet(files)
}

// SetExcludes replaces the exclude globs.
func (s *Source) SetExcludes(patterns []string) error {
	patterns = sortedSet(patterns)
	for _, p := range patterns {
		// validate up front so a bad glob is a load-time error
		if _, err := doublestar.Match(p, "/"); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	s.excludes = patterns
	return nil
}

func (s *Source) LoadConfiguration(node *config.Node) error {
	files, err := node.Strings(keySourceFiles)
	if err != nil {
		return err
	}
	excludes, err := node.Strings(keyExcludes)
	if err != nil {
		return err
	}
	s.SetSourceFiles(files)
	if err := s.SetExcludes(excludes); err != nil {
		return fmt.Errorf("%s: %w", node.Path(keyExcludes), err)
	}
	return nil
}

func (s *Source) SaveConfiguration(node *config.Node) error {
	node.Set(keySourceFiles, slices.Clone(s.sourceFiles))
	node.Set(keyExcludes, slices.Clone(s.excludes))
	return nil
}

// ProvideFiles walks every configured root in sorted order and yields the
// absolute path of each regular file not matched by an exclude. Missing
// roots are reported at WARN level and skipped.
func (s *Source) ProvideFiles(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reporter := status.FromContext(ctx)
		for _, entry := range s.sourceFiles {
			root, ok := s.resolveRoot(ctx, entry, reporter)
			if !ok {
				continue
			}
			if !s.walk(ctx, root, yield) {
				return
			}
		}
	}
}

func (s *Source) resolveRoot(ctx context.Context, entry string, reporter *status.Reporter) (string, bool) {
	root := entry
	if name, ok := docker.VolumeName(entry); ok {
		if s.volumes == nil {
			reporter.Warn(fmt.Sprintf("Cannot resolve '%s': docker support is disabled", entry), nil)
			return "", false
		}
		mp, err := s.volumes.Mountpoint(ctx, name)
		if err != nil {
			reporter.Warn(fmt.Sprintf("Cannot resolve '%s'", entry), err)
			return "", false
		}
		root = mp
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		reporter.Warn(fmt.Sprintf("Source path is invalid: '%s'", entry), err)
		return "", false
	}
	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			reporter.Warn(fmt.Sprintf("Source path is missing: '%s'", entry), nil)
		} else {
			reporter.Warn(fmt.Sprintf("Source path is unreadable: '%s'", entry), err)
		}
		return "", false
	}
	return abs, true
}

// walk yields the files below root. It returns false once the consumer
// stopped or a fatal error was yielded.
func (s *Source) walk(ctx context.Context, root string, yield func(string, error) bool) bool {
	keepGoing := true
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield(path, ctxErr)
			keepGoing = false
			return filepath.SkipAll
		}
		if err != nil {
			if !yield(path, err) || backup.IsFatal(err) {
				keepGoing = false
				return filepath.SkipAll
			}
			return nil
		}
		if s.excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !yield(path, nil) {
			keepGoing = false
			return filepath.SkipAll
		}
		return nil
	})
	return keepGoing
}

func (s *Source) excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, slashed); ok {
			return true
		}
	}
	return false
}

func sortedSet(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

var _ backup.Source = (*Source)(nil)
