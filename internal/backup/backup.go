// Package backup defines the capability interfaces that plugins implement
// (Source, Chunker, Target) and the Chunk unit that flows between them.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

// Chunk is one transferable unit of content bound to a destination path.
// Content is not read until Open is called.
type Chunk interface {
	Path() vpath.Path
	Open() (io.ReadCloser, error)
}

// Sized is implemented by chunks that know their length up front.
type Sized interface {
	Size() int64
}

// Source enumerates the real filesystem paths to back up. Every call to
// ProvideFiles starts a fresh enumeration.
type Source interface {
	plugin.Plugin
	ProvideFiles(ctx context.Context) iter.Seq2[string, error]
}

// Chunker turns files into chunks. Chunks of one file are yielded in
// ascending offset order. Recoverable per-file failures are reported to the
// status reporter in ctx and skipped; errors yielded from the sequence are
// the ones the chunker could not absorb.
type Chunker interface {
	plugin.Plugin
	Chunk(ctx context.Context, files iter.Seq2[string, error], target InputTarget) iter.Seq2[Chunk, error]
}

// InputTarget is the read side of a Target.
type InputTarget interface {
	// Retrieve returns nil and no error if nothing is stored at path.
	Retrieve(ctx context.Context, path vpath.Path) (Chunk, error)
	List(ctx context.Context) iter.Seq2[vpath.Path, error]
	// ListPrefix lists stored paths starting with prefix, including partial
	// final segment matches.
	ListPrefix(ctx context.Context, prefix vpath.Path) iter.Seq2[vpath.Path, error]
}

// Target stores chunks.
type Target interface {
	plugin.Plugin
	InputTarget
	Store(ctx context.Context, chunk Chunk) error
}

type bytesChunk struct {
	path vpath.Path
	data []byte
}

// BytesChunk returns a chunk over an in-memory buffer. It may be opened any
// number of times.
func BytesChunk(path vpath.Path, data []byte) Chunk {
	return bytesChunk{path: path, data: data}
}

func (c bytesChunk) Path() vpath.Path { return c.path }

func (c bytesChunk) Size() int64 { return int64(len(c.data)) }

// Open returns a reader that also implements io.Seeker.
func (c bytesChunk) Open() (io.ReadCloser, error) {
	return bytesReadCloser{bytes.NewReader(c.data)}, nil
}

type bytesReadCloser struct {
	*bytes.Reader
}

func (bytesReadCloser) Close() error { return nil }

type fileChunk struct {
	path vpath.Path
	file string
	size int64
}

// FileChunk returns a chunk that opens file on demand. Each Open reopens the
// file from the start. size is advisory; pass -1 if unknown.
func FileChunk(path vpath.Path, file string, size int64) Chunk {
	return fileChunk{path: path, file: file, size: size}
}

func (c fileChunk) Path() vpath.Path { return c.path }

func (c fileChunk) Size() int64 { return c.size }

func (c fileChunk) Open() (io.ReadCloser, error) {
	f, err := os.Open(c.file)
	if err != nil {
		return nil, fmt.Errorf("open chunk source %s: %w", c.file, err)
	}
	return f, nil
}

// ReadAll opens c and reads its entire content.
func ReadAll(c Chunk) ([]byte, error) {
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
