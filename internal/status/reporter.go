// Package status collects the leveled progress and error messages produced
// during a backup run. Reports are kept in insertion order and mirrored to
// the process logger.
package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a report.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Report is one status message.
type Report struct {
	Level   Level
	Message string
	Cause   error
	Time    time.Time
}

// Reporter is an append-only, concurrency-safe sink for reports.
type Reporter struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	reports []Report
}

// NewReporter returns a Reporter that mirrors every report to logger.
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{logger: logger, now: time.Now}
}

// Report appends a report. cause may be nil.
func (r *Reporter) Report(level Level, message string, cause error) {
	rep := Report{Level: level, Message: message, Cause: cause, Time: r.now()}

	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()

	fields := make([]zap.Field, 0, 1)
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Log(level.zapLevel(), message, fields...)
}

func (r *Reporter) Info(message string) {
	r.Report(LevelInfo, message, nil)
}

func (r *Reporter) Warn(message string, cause error) {
	r.Report(LevelWarn, message, cause)
}

func (r *Reporter) Error(message string, cause error) {
	r.Report(LevelError, message, cause)
}

// Reports returns a snapshot of all reports so far.
func (r *Reporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

// Count returns the number of reports at level.
func (r *Reporter) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.Level == level {
			n++
		}
	}
	return n
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type ctxKey struct{}

// WithReporter attaches r to ctx. Plugins find it with FromContext.
func WithReporter(ctx context.Context, r *Reporter) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the reporter attached to ctx. Without one, reports go
// to a throwaway reporter.
func FromContext(ctx context.Context) *Reporter {
	if r, ok := ctx.Value(ctxKey{}).(*Reporter); ok {
		return r
	}
	return NewReporter(nil)
}
