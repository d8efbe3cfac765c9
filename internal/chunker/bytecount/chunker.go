// Package bytecount implements the fixed-size chunker. Files are split into
// windows of chunkSize bytes, or passed through whole when chunkSize is
// "file_size".
package bytecount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/status"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

// ID is the plugin id of the byte-count chunker.
var ID = plugin.ID{Capability: plugin.CapabilityChunker, Key: "bytecount"}

const (
	keyChunkSize = "chunkSize"

	// WholeFile is the chunkSize value that disables splitting.
	WholeFile = "file_size"

	// DefaultChunkSize is used when no chunkSize is configured.
	DefaultChunkSize int64 = 1 << 30
)

// ErrNotRegular is reported for whole-file chunking of anything but a
// regular file.
var ErrNotRegular = errors.New("bytecount: not a regular file")

// Provider returns the plugin provider for the byte-count chunker.
func Provider() plugin.Provider {
	return plugin.Single(ID, func() plugin.Plugin { return New(DefaultChunkSize) })
}

// Chunker splits files into fixed-size chunks.
type Chunker struct {
	// size is the window length in bytes; 0 means whole file.
	size int64
}

// New returns a chunker with the given window size. A size of 0 or less
// yields one chunk per file.
func New(size int64) *Chunker {
	if size < 0 {
		size = 0
	}
	return &Chunker{size: size}
}

// NewWholeFile returns a chunker that never splits.
func NewWholeFile() *Chunker {
	return &Chunker{}
}

func (c *Chunker) PluginID() plugin.ID { return ID }

// ChunkSize returns the window size, or 0 in whole-file mode.
func (c *Chunker) ChunkSize() int64 { return c.size }

func (c *Chunker) LoadConfiguration(node *config.Node) error {
	raw, ok, err := node.String(keyChunkSize)
	if err != nil || !ok {
		return err
	}
	size, err := ParseChunkSize(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", node.Path(keyChunkSize), err)
	}
	c.size = size
	return nil
}

func (c *Chunker) SaveConfiguration(node *config.Node) error {
	if c.size == 0 {
		node.Set(keyChunkSize, WholeFile)
	} else {
		node.Set(keyChunkSize, strconv.FormatInt(c.size, 10))
	}
	return nil
}

// ParseChunkSize parses a byte count such as "1048576" or "64MiB", or the
// WholeFile sentinel, which is returned as 0.
func ParseChunkSize(s string) (int64, error) {
	if s == WholeFile {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", s, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("invalid chunk size %q: must be between 1 byte and 1TiB", s)
	}
	return int64(n), nil
}

// Chunk implements backup.Chunker. A file that cannot be read is reported
// at ERROR level and skipped, unless the failure is fatal, in which case it
// is yielded and the sequence ends.
func (c *Chunker) Chunk(ctx context.Context, files iter.Seq2[string, error], _ backup.InputTarget) iter.Seq2[backup.Chunk, error] {
	return func(yield func(backup.Chunk, error) bool) {
		reporter := status.FromContext(ctx)
		for file, err := range files {
			if err == nil {
				err = ctx.Err()
			}
			if err == nil {
				var stopped bool
				stopped, err = c.chunkFile(ctx, file, yield)
				if stopped {
					return
				}
			}
			if err == nil {
				continue
			}
			reporter.Error(fmt.Sprintf("Error processing file '%s'", file), err)
			if backup.IsFatal(err) {
				yield(nil, err)
				return
			}
		}
	}
}

// chunkFile yields the chunks of one file. stopped is true when the consumer
// ended the sequence.
func (c *Chunker) chunkFile(ctx context.Context, file string, yield func(backup.Chunk, error) bool) (stopped bool, err error) {
	path, err := vpath.FromFilePath(file)
	if err != nil {
		return false, err
	}

	if c.size == 0 {
		info, err := os.Stat(file)
		if err != nil {
			return false, err
		}
		if !info.Mode().IsRegular() {
			return false, fmt.Errorf("%w: %s", ErrNotRegular, file)
		}
		return !yield(backup.FileChunk(path, file, info.Size()), nil), nil
	}

	f, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer f.Close()

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		window, err := io.ReadAll(io.LimitReader(f, c.size))
		if err != nil {
			return false, err
		}
		if len(window) == 0 {
			return false, nil
		}
		chunkPath, err := path.WithBaseSuffix("#chunk" + strconv.Itoa(index))
		if err != nil {
			return false, err
		}
		if !yield(backup.BytesChunk(chunkPath, window), nil) {
			return true, nil
		}
		if int64(len(window)) < c.size {
			return false, nil
		}
	}
}

var _ backup.Chunker = (*Chunker)(nil)
