package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Model is embedded by every model. It must stay exported for gorm to
// map its fields. IDs are UUID v7 so they sort by creation time.
type Model struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (r *Model) BeforeCreate(*gorm.DB) error {
	if r.ID != uuid.Nil {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// Run is one execution of a setup. Status moves from running to
// succeeded or failed exactly once.
type Run struct {
	Model
	SetupKey     string     `gorm:"not null;index" json:"setup_key"`
	TriggeredBy  string     `gorm:"not null" json:"triggered_by"`
	Status       string     `gorm:"not null;index" json:"status"`
	State        string     `gorm:"not null" json:"state"`
	StartedAt    time.Time  `gorm:"not null" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	FilesSeen    int64      `gorm:"not null;default:0" json:"files_seen"`
	ChunksStored int64      `gorm:"not null;default:0" json:"chunks_stored"`
	BytesStored  int64      `gorm:"not null;default:0" json:"bytes_stored"`
	Error        string     `gorm:"type:text;not null;default:''" json:"error,omitempty"`
}

// RunLog is one status report of a run. Logs are written in bulk when the
// run ends.
type RunLog struct {
	Model
	RunID     uuid.UUID `gorm:"type:text;not null;index" json:"run_id"`
	Level     string    `gorm:"not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Cause     string    `gorm:"type:text;not null;default:''" json:"cause,omitempty"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}
