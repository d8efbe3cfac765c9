package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/db"
	"github.com/octylFractal/backup-secretary/internal/repositories"
)

type runHandler struct {
	runs   repositories.RunRepository
	logger *zap.Logger
}

type runResponse struct {
	ID           string     `json:"id"`
	SetupKey     string     `json:"setup"`
	TriggeredBy  string     `json:"triggered_by"`
	Status       string     `json:"status"`
	State        string     `json:"state,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	FilesSeen    int64      `json:"files_seen"`
	ChunksStored int64      `json:"chunks_stored"`
	BytesStored  int64      `json:"bytes_stored"`
	Error        string     `json:"error,omitempty"`
}

func toRunResponse(r db.Run) runResponse {
	return runResponse{
		ID:           r.ID.String(),
		SetupKey:     r.SetupKey,
		TriggeredBy:  r.TriggeredBy,
		Status:       r.Status,
		State:        r.State,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		FilesSeen:    r.FilesSeen,
		ChunksStored: r.ChunksStored,
		BytesStored:  r.BytesStored,
		Error:        r.Error,
	}
}

type runLogResponse struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// List handles GET /api/v1/runs.
func (h *runHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, total, err := h.runs.List(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		internal(w)
		return
	}
	items := make([]runResponse, len(runs))
	for i, run := range runs {
		items[i] = toRunResponse(run)
	}
	ok(w, map[string]any{"items": items, "total": total})
}

// Get handles GET /api/v1/runs/{id}.
func (h *runHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, valid := pathUUID(w, r, "id")
	if !valid {
		return
	}
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			notFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.String("id", id.String()), zap.Error(err))
		internal(w)
		return
	}
	ok(w, toRunResponse(*run))
}

// Logs handles GET /api/v1/runs/{id}/logs.
func (h *runHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, valid := pathUUID(w, r, "id")
	if !valid {
		return
	}
	if _, err := h.runs.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			notFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.String("id", id.String()), zap.Error(err))
		internal(w)
		return
	}
	logs, err := h.runs.GetLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get run logs", zap.String("id", id.String()), zap.Error(err))
		internal(w)
		return
	}
	items := make([]runLogResponse, len(logs))
	for i, l := range logs {
		items[i] = runLogResponse{Level: l.Level, Message: l.Message, Cause: l.Cause, Timestamp: l.Timestamp}
	}
	ok(w, map[string]any{"items": items, "total": len(items)})
}
