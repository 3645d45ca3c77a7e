package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// HealthHandler serves the unauthenticated health probes.
//
//   - Liveness: is the server process responding?
//   - Readiness: are the metadata database, the versioned store, and the
//     raw object store all reachable?
type HealthHandler struct {
	store *store.Store
	vos   *lakefs.Client
	ros   *s3.Client
}

// NewHealthHandler creates a health handler over the three backends.
func NewHealthHandler(st *store.Store, vos *lakefs.Client, ros *s3.Client) *HealthHandler {
	return &HealthHandler{store: st, vos: vos, ros: ros}
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]string{"status": "ok", "service": "kohakuhub"})
}

// BackendHealth is one backend's probe result.
type BackendHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Readiness handles GET /health/ready. It answers 503 with per-backend
// detail as soon as any backend stops responding.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"database", h.store.Ping},
		{"versioned-store", h.vos.Healthcheck},
		{"raw-store", h.ros.Healthcheck},
	}

	backends := make([]BackendHealth, 0, len(checks))
	healthy := true
	for _, c := range checks {
		start := time.Now()
		err := c.probe(ctx)

		b := BackendHealth{Name: c.name, Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			b.Status = "unhealthy"
			b.Error = err.Error()
			healthy = false
		}
		backends = append(backends, b)
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	WriteJSON(w, status, map[string]any{"status": overall, "backends": backends})
}
