package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// LFSHandler serves the git-lfs surface: batch negotiation under
// {repo}.git/info/lfs plus the hub's verify and multipart-completion
// callbacks that the negotiated actions point back at.
type LFSHandler struct {
	store   *store.Store
	auth    *auth.Service
	lfs     *lfs.Engine
	metrics *metrics.Metrics
}

// NewLFSHandler creates an LFSHandler.
func NewLFSHandler(st *store.Store, authSvc *auth.Service, engine *lfs.Engine, m *metrics.Metrics) *LFSHandler {
	return &LFSHandler{store: st, auth: authSvc, lfs: engine, metrics: m}
}

// Batch handles POST /{namespace}/{repo}.git/info/lfs/objects/batch.
func (h *LFSHandler) Batch(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repoFromGitPath(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req lfs.BatchRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	id := requestIdentity(r)
	switch req.Operation {
	case "upload":
		err = h.auth.CheckRepoWrite(r.Context(), id.User, repo)
	default:
		err = h.auth.CheckRepoRead(r.Context(), id.User, repo)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}

	resp, err := h.lfs.Batch(r.Context(), repo, &req, !id.Anonymous())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.countBatch(req.Operation, resp)

	w.Header().Set("Content-Type", lfs.MediaType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Verify handles POST /{namespace}/{repo}.git/info/lfs/verify. Clients
// call it after the last byte of a basic-transfer upload landed.
func (h *LFSHandler) Verify(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repoFromGitPath(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoWrite(r.Context(), requestIdentity(r).User, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	var req struct {
		OID  string `json:"oid" validate:"required"`
		Size int64  `json:"size"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.lfs.Verify(r.Context(), req.OID, req.Size); err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", lfs.MediaType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "verified"})
}

// CompleteMultipart handles POST
// /{namespace}/{repo}.git/info/lfs/complete-multipart?uploadId=...,
// the href a multipart batch action hands out.
func (h *LFSHandler) CompleteMultipart(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repoFromGitPath(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoWrite(r.Context(), requestIdentity(r).User, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		WriteError(w, r, fmt.Errorf("%w: missing uploadId", models.ErrBadRequest))
		return
	}

	var req struct {
		OID   string             `json:"oid"`
		Parts []s3.CompletedPart `json:"parts" validate:"required,min=1"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.lfs.CompleteMultipart(r.Context(), uploadID, req.OID, req.Parts); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

// repoFromGitPath resolves the repository addressed by a .git/info/lfs
// route. The {repo} parameter still carries the ".git" suffix.
func (h *LFSHandler) repoFromGitPath(r *http.Request) (*models.Repository, error) {
	repoType, err := repoTypeParam(r)
	if err != nil {
		return nil, err
	}
	namespace := chi.URLParam(r, "namespace")
	name := strings.TrimSuffix(chi.URLParam(r, "repo"), ".git")
	return h.store.GetRepository(r.Context(), repoType, namespace, name)
}

// countBatch feeds the per-action object counters.
func (h *LFSHandler) countBatch(operation string, resp *lfs.BatchResponse) {
	counts := map[string]int{}
	for _, obj := range resp.Objects {
		if obj.Error != nil {
			continue
		}
		switch {
		case len(obj.Actions) == 0:
			counts["none"]++
		case obj.Actions["download"] != nil:
			counts["download"]++
		case obj.Actions["upload"] != nil && obj.Actions["upload"].Header["chunk_size"] != "":
			counts["multipart"]++
		default:
			counts["upload"]++
		}
	}
	for action, n := range counts {
		h.metrics.ObserveLFSBatch(operation, action, n)
	}
}
