// Package api serves the HTTP interface: setups and their manual trigger,
// run history, plugins, health and Prometheus metrics. JSON bodies use a
// {"data": ...} or {"error": {...}} envelope.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/octylFractal/backup-secretary/internal/repositories"
)

type envelope map[string]any

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{"data": data})
}

func accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{"data": data})
}

func fail(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, envelope{"error": apiError{Message: message, Code: code}})
}

func badRequest(w http.ResponseWriter, message string) {
	fail(w, http.StatusBadRequest, message, "bad_request")
}

func notFound(w http.ResponseWriter) {
	fail(w, http.StatusNotFound, "resource not found", "not_found")
}

func conflict(w http.ResponseWriter, message string) {
	fail(w, http.StatusConflict, message, "conflict")
}

func internal(w http.ResponseWriter) {
	fail(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// pathUUID parses the URL parameter name, answering 400 when it is not a
// UUID.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid "+name+": must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// listOptions reads limit (default 20, at most 100), offset and setup from
// the query string.
func listOptions(r *http.Request) repositories.ListOptions {
	q := r.URL.Query()
	opts := repositories.ListOptions{Limit: 20, SetupKey: q.Get("setup")}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, 100)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	return opts
}
