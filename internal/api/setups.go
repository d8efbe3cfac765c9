package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/repositories"
	"github.com/octylFractal/backup-secretary/internal/scheduler"
	"github.com/octylFractal/backup-secretary/internal/setup"
)

type setupHandler struct {
	setups  *setup.Registry
	trigger Trigger
	runs    repositories.RunRepository
	logger  *zap.Logger
}

type setupResponse struct {
	Key            string         `json:"key"`
	Source         string         `json:"source"`
	Chunker        string         `json:"chunker"`
	Target         string         `json:"target"`
	NextBackupTime time.Time      `json:"next_backup_time"`
	ScheduleTime   string         `json:"schedule_time,omitempty"`
	LastBackupTime *time.Time     `json:"last_backup_time,omitempty"`
	Running        bool           `json:"running"`
	Hooks          *hooksResponse `json:"hooks,omitempty"`
	Plugins        map[string]any `json:"plugins,omitempty"`
	LastRun        *runResponse   `json:"last_run,omitempty"`
}

type hooksResponse struct {
	PreBackup  string `json:"pre_backup,omitempty"`
	PostBackup string `json:"post_backup,omitempty"`
}

func (h *setupHandler) toResponse(key string, s setup.Setup) setupResponse {
	resp := setupResponse{
		Key:            key,
		Source:         s.Source.PluginID().Key,
		Chunker:        s.Chunker.PluginID().Key,
		Target:         s.Target.PluginID().Key,
		NextBackupTime: s.NextBackupTime,
		LastBackupTime: s.LastBackupTime,
	}
	if s.ScheduleTime != nil {
		resp.ScheduleTime = s.ScheduleTime.String()
	}
	if h.trigger != nil {
		resp.Running = h.trigger.IsRunning(key)
	}
	return resp
}

// List handles GET /api/v1/setups.
func (h *setupHandler) List(w http.ResponseWriter, r *http.Request) {
	items := []setupResponse{}
	for key := range h.setups.List() {
		if s, ok := h.setups.Retrieve(key); ok {
			items = append(items, h.toResponse(key, s))
		}
	}
	ok(w, map[string]any{"items": items, "total": len(items)})
}

// Get handles GET /api/v1/setups/{key}. Plugin settings whose name looks
// like a credential are redacted.
func (h *setupHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s, found := h.setups.Retrieve(key)
	if !found {
		notFound(w)
		return
	}

	resp := h.toResponse(key, s)
	if s.Hooks != (setup.Hooks{}) {
		resp.Hooks = &hooksResponse{PreBackup: s.Hooks.PreBackup, PostBackup: s.Hooks.PostBackup}
	}

	resp.Plugins = make(map[string]any, 3)
	for role, p := range map[string]plugin.Plugin{"source": s.Source, "chunker": s.Chunker, "target": s.Target} {
		c, isConfigurable := p.(plugin.Configurable)
		if !isConfigurable {
			continue
		}
		node := config.New()
		if err := c.SaveConfiguration(node); err != nil {
			h.logger.Error("failed to render plugin configuration",
				zap.String("setup", key), zap.String("role", role), zap.Error(err))
			internal(w)
			return
		}
		resp.Plugins[role] = redact(node.Map())
	}

	if h.runs != nil {
		latest, err := h.runs.LatestBySetup(r.Context())
		if err != nil {
			h.logger.Error("failed to load latest runs", zap.Error(err))
			internal(w)
			return
		}
		if run, found := latest[key]; found {
			rr := toRunResponse(run)
			resp.LastRun = &rr
		}
	}
	ok(w, resp)
}

// TriggerNow handles POST /api/v1/setups/{key}/trigger.
func (h *setupHandler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if h.trigger == nil {
		fail(w, http.StatusServiceUnavailable, "scheduler is not running", "unavailable")
		return
	}
	err := h.trigger.TriggerNow(r.Context(), key)
	switch {
	case errors.Is(err, scheduler.ErrUnknownSetup):
		notFound(w)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		conflict(w, "a backup of this setup is already running")
	case err != nil:
		h.logger.Error("failed to trigger setup", zap.String("setup", key), zap.Error(err))
		internal(w)
	default:
		h.logger.Info("backup triggered", zap.String("setup", key))
		accepted(w, map[string]string{"key": key})
	}
}

const redacted = "***"

var secretWords = []string{"secret", "password", "token", "credential"}

func redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		lower := strings.ToLower(k)
		secret := false
		for _, w := range secretWords {
			if strings.Contains(lower, w) {
				secret = true
				break
			}
		}
		switch {
		case secret:
			out[k] = redacted
		case isMap(v):
			out[k] = redact(v.(map[string]any))
		default:
			out[k] = v
		}
	}
	return out
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
