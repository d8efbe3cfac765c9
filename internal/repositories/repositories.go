// Package repositories persists run history.
package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/octylFractal/backup-secretary/internal/db"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ListOptions pages and filters list queries. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
	// SetupKey restricts the result to one setup when non-empty.
	SetupKey string
}

// RunOutcome is what a finished run reports back.
type RunOutcome struct {
	Status       string
	State        string
	EndedAt      time.Time
	FilesSeen    int64
	ChunksStored int64
	BytesStored  int64
	Error        string
}

// RunRepository stores runs and their logs.
type RunRepository interface {
	Create(ctx context.Context, run *db.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error)
	Finish(ctx context.Context, id uuid.UUID, outcome RunOutcome) error
	List(ctx context.Context, opts ListOptions) ([]db.Run, int64, error)
	// LatestBySetup returns the most recent run of each setup, keyed by setup.
	LatestBySetup(ctx context.Context) (map[string]db.Run, error)

	BulkCreateLogs(ctx context.Context, logs []db.RunLog) error
	GetLogs(ctx context.Context, runID uuid.UUID) ([]db.RunLog, error)
}
