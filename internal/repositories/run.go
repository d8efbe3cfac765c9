package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/octylFractal/backup-secretary/internal/db"
)

type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by database.
func NewRunRepository(database *gorm.DB) RunRepository {
	return &gormRunRepository{db: database}
}

func (r *gormRunRepository) Create(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByID returns ErrNotFound for an unknown id.
func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// Finish records the outcome of a run. Only the outcome columns are written.
func (r *gormRunRepository) Finish(ctx context.Context, id uuid.UUID, o RunOutcome) error {
	ended := o.EndedAt.UTC()
	res := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        o.Status,
			"state":         o.State,
			"ended_at":      &ended,
			"files_seen":    o.FilesSeen,
			"chunks_stored": o.ChunksStored,
			"bytes_stored":  o.BytesStored,
			"error":         o.Error,
		})
	if res.Error != nil {
		return fmt.Errorf("runs: finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a page of runs, newest first, and the total matching count.
func (r *gormRunRepository) List(ctx context.Context, opts ListOptions) ([]db.Run, int64, error) {
	scope := func(tx *gorm.DB) *gorm.DB {
		if opts.SetupKey != "" {
			tx = tx.Where("setup_key = ?", opts.SetupKey)
		}
		return tx
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Run{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Scopes(scope).Order("started_at DESC").Order("id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var runs []db.Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}
	return runs, total, nil
}

func (r *gormRunRepository) LatestBySetup(ctx context.Context) (map[string]db.Run, error) {
	var runs []db.Run
	latest := r.db.Model(&db.Run{}).Select("setup_key, MAX(started_at) AS started_at").Group("setup_key")
	if err := r.db.WithContext(ctx).
		Select("runs.*").
		Joins("JOIN (?) AS latest ON latest.setup_key = runs.setup_key AND latest.started_at = runs.started_at", latest).
		Order("runs.id").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: latest by setup: %w", err)
	}
	out := make(map[string]db.Run, len(runs))
	for _, run := range runs {
		out[run.SetupKey] = run
	}
	return out, nil
}

// BulkCreateLogs inserts logs in one statement batch. An empty slice is a
// no-op.
func (r *gormRunRepository) BulkCreateLogs(ctx context.Context, logs []db.RunLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&logs, 500).Error; err != nil {
		return fmt.Errorf("runs: bulk create logs: %w", err)
	}
	return nil
}

// GetLogs returns the logs of a run in report order.
func (r *gormRunRepository) GetLogs(ctx context.Context, runID uuid.UUID) ([]db.RunLog, error) {
	var logs []db.RunLog
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("runs: get logs: %w", err)
	}
	return logs, nil
}
