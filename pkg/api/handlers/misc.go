package handlers

import (
	"errors"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// MiscHandler serves the small informational endpoints: version,
// validation helpers, and trending.
type MiscHandler struct {
	store    *store.Store
	stats    *stats.Service
	siteName string
	version  string
}

// NewMiscHandler creates a MiscHandler.
func NewMiscHandler(st *store.Store, statsSvc *stats.Service, siteName, version string) *MiscHandler {
	return &MiscHandler{store: st, stats: statsSvc, siteName: siteName, version: version}
}

// Version handles GET /api/version.
func (h *MiscHandler) Version(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]string{
		"api":     "kohakuhub",
		"version": h.version,
		"name":    h.siteName,
	})
}

type validateYAMLRequest struct {
	Content string `json:"content" validate:"required"`
}

// ValidateYAML handles POST /api/validate-yaml. Clients use it to check
// repo card front matter before committing.
func (h *MiscHandler) ValidateYAML(w http.ResponseWriter, r *http.Request) {
	var req validateYAMLRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	var doc any
	if err := yaml.Unmarshal([]byte(req.Content), &doc); err != nil {
		WriteJSONOK(w, map[string]any{"valid": false, "errors": []string{err.Error()}})
		return
	}
	WriteJSONOK(w, map[string]any{"valid": true, "errors": []string{}})
}

type checkNameRequest struct {
	Name string `json:"name" validate:"required"`

	// Type is "user" or "repo"; repo names are checked for syntax only
	// since availability depends on the namespace.
	Type string `json:"type,omitempty" validate:"omitempty,oneof=user repo"`
}

// CheckName handles POST /api/validate/check-name.
func (h *MiscHandler) CheckName(w http.ResponseWriter, r *http.Request) {
	var req checkNameRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Type == "user" {
		if err := names.ValidateUsername(req.Name); err != nil {
			WriteJSONOK(w, map[string]any{"valid": false, "available": false, "error": err.Error()})
			return
		}
		_, err := h.store.GetAccountByNormalizedName(r.Context(), req.Name)
		switch {
		case errors.Is(err, models.ErrUserNotFound):
			WriteJSONOK(w, map[string]any{"valid": true, "available": true})
		case err != nil:
			WriteError(w, r, err)
		default:
			WriteJSONOK(w, map[string]any{"valid": true, "available": false, "error": "name already taken"})
		}
		return
	}

	if err := names.ValidateRepoName(req.Name); err != nil {
		WriteJSONOK(w, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	WriteJSONOK(w, map[string]any{"valid": true})
}

type trendingEntry struct {
	ID        string  `json:"id"`
	RepoType  string  `json:"repoType"`
	Downloads int64   `json:"downloads"`
	Likes     int64   `json:"likes"`
	Score     float64 `json:"score"`
}

// Trending handles GET /api/trending?type=...&limit=...
func (h *MiscHandler) Trending(w http.ResponseWriter, r *http.Request) {
	repoType := ""
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := parseRepoType(raw)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		repoType = string(t)
	}

	ranked, err := h.stats.Trending(r.Context(), repoType, queryInt(r, "limit", 10))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	entries := make([]trendingEntry, 0, len(ranked))
	for _, t := range ranked {
		entries = append(entries, trendingEntry{
			ID:        t.Repo.FullID,
			RepoType:  t.Repo.RepoType,
			Downloads: t.Downloads,
			Likes:     t.Repo.LikesCount,
			Score:     t.Score,
		})
	}
	WriteJSONOK(w, map[string]any{"trending": entries})
}
