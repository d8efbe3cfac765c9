// Package pipeline executes one backup run: files from a Source are cut into
// chunks by a Chunker and written to a Target by a bounded set of
// concurrent stores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/status"
)

// DefaultConcurrency is the number of chunk stores allowed in flight.
const DefaultConcurrency = 40

// ErrAlreadyRun is returned when Run is called twice on one Pipeline.
var ErrAlreadyRun = errors.New("pipeline: already run")

// State is the lifecycle position of a run.
type State string

const (
	StateIdle        State = "idle"
	StateEnumerating State = "enumerating"
	// StateStoring means every chunk has been handed out and the run waits
	// for in-flight stores to finish.
	StateStoring   State = "storing"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Result summarises a run.
type Result struct {
	State        State
	FilesSeen    int64
	ChunksStored int64
	BytesStored  int64
	Duration     time.Duration
}

// Pipeline runs a single backup. It is not reusable.
type Pipeline struct {
	source  backup.Source
	chunker backup.Chunker
	target  backup.Target

	concurrency int
	clock       clock.Clock
	logger      *zap.Logger

	mu    sync.Mutex
	state State

	filesSeen    atomic.Int64
	chunksStored atomic.Int64
	bytesStored  atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds the number of concurrent stores. Values below one
// are ignored.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New returns an idle pipeline over the three plugins.
func New(source backup.Source, chunker backup.Chunker, target backup.Target, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:      source,
		chunker:     chunker,
		target:      target,
		concurrency: DefaultConcurrency,
		clock:       clock.WallClock,
		logger:      zap.NewNop(),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Snapshot returns the progress so far.
func (p *Pipeline) Snapshot() Result {
	return Result{
		State:        p.State(),
		FilesSeen:    p.filesSeen.Load(),
		ChunksStored: p.chunksStored.Load(),
		BytesStored:  p.bytesStored.Load(),
	}
}

// Run performs the backup. Progress and per-file failures go to the status
// reporter carried by ctx. Non-fatal chunking errors are reported at ERROR
// level and skipped. A fatal chunking error, a failed store or ctx ending
// aborts the run and is returned.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return p.Snapshot(), ErrAlreadyRun
	}
	p.state = StateEnumerating
	p.mu.Unlock()

	start := p.clock.Now()
	err := p.run(ctx)

	res := p.Snapshot()
	res.Duration = p.clock.Now().Sub(start)
	if err != nil {
		res.State = StateAborted
		p.setState(StateAborted)
		p.logger.Warn("run aborted",
			zap.Int64("files", res.FilesSeen),
			zap.Int64("chunks", res.ChunksStored),
			zap.Error(err),
		)
		return res, err
	}
	res.State = StateCompleted
	p.setState(StateCompleted)
	p.logger.Info("run completed",
		zap.Int64("files", res.FilesSeen),
		zap.Int64("chunks", res.ChunksStored),
		zap.Int64("bytes", res.BytesStored),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context) error {
	reporter := status.FromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	files := backup.TapSeq(p.source.ProvideFiles(gctx), func(file string) {
		p.filesSeen.Add(1)
		reporter.Info(fmt.Sprintf("Processing file: '%s'", file))
	})

	var abort error
	for chunk, err := range p.chunker.Chunk(gctx, files, p.target) {
		if err != nil {
			if backup.IsFatal(err) {
				abort = err
				break
			}
			reporter.Error("Error chunking files", err)
			continue
		}
		if gctx.Err() != nil {
			break
		}
		// blocks while the limit is reached
		g.Go(func() error {
			return p.store(gctx, chunk, reporter)
		})
	}
	p.setState(StateStoring)

	storeErr := g.Wait()
	switch {
	case storeErr != nil:
		return storeErr
	case abort != nil:
		return abort
	}
	// the group context is cancelled by Wait, so check the caller's
	return ctx.Err()
}

func (p *Pipeline) store(ctx context.Context, chunk backup.Chunk, reporter *status.Reporter) error {
	counted := newCountingChunk(chunk)
	if err := p.target.Store(ctx, counted); err != nil {
		// stores cancelled by a sibling's failure are not errors of their own
		if !errors.Is(err, context.Canceled) || ctx.Err() == nil {
			reporter.Error(fmt.Sprintf("Error storing chunk '%s'", chunk.Path()), err)
		}
		return fmt.Errorf("store %s: %w", chunk.Path(), err)
	}
	p.chunksStored.Add(1)
	p.bytesStored.Add(storedBytes(counted))
	return nil
}

// countingChunk measures how much of an unsized chunk the target read.
// Sized chunks are passed through untouched so targets can still see their
// concrete reader type.
type countingChunk struct {
	backup.Chunk
	read atomic.Int64
}

func newCountingChunk(c backup.Chunk) backup.Chunk {
	if _, ok := c.(backup.Sized); ok {
		return c
	}
	return &countingChunk{Chunk: c}
}

func (c *countingChunk) Open() (io.ReadCloser, error) {
	rc, err := c.Chunk.Open()
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc, n: &c.read}, nil
}

type countingReader struct {
	io.ReadCloser
	n *atomic.Int64
}

func (r *countingReader) Read(b []byte) (int, error) {
	n, err := r.ReadCloser.Read(b)
	r.n.Add(int64(n))
	return n, err
}

func storedBytes(c backup.Chunk) int64 {
	if s, ok := c.(backup.Sized); ok {
		return s.Size()
	}
	if cc, ok := c.(*countingChunk); ok {
		return cc.read.Load()
	}
	return 0
}
