package api

import (
	"net/http"

	"github.com/octylFractal/backup-secretary/internal/plugin"
)

type pluginHandler struct {
	plugins *plugin.Registry
}

// List handles GET /api/v1/plugins, grouping plugin keys by capability.
func (h *pluginHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, c := range h.plugins.Capabilities() {
		keys := []string{}
		for _, id := range h.plugins.IDs(c) {
			keys = append(keys, id.Key)
		}
		out[string(c)] = keys
	}
	ok(w, out)
}
