package api

import (
	"net/http"
	"time"

	"mss/internal/buildinfo"
)

// DebugJSON handles GET /debug/info: build, effective config with secrets
// masked, and registry size.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":         buildinfo.Info(),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"config":        s.cfg.Redacted(),
		"ready":         s.ready.Load(),
		"subscriptions": s.Registry.Len(),
	}
	writeJSON(w, http.StatusOK, info)
}
