package handlers

import (
	"net/http"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/commits"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
)

// CommitHandler serves commit application and preupload negotiation.
type CommitHandler struct {
	store    *store.Store
	auth     *auth.Service
	commits  *commits.Engine
	lfs      *lfs.Engine
	metrics  *metrics.Metrics
	baseURL  string
	maxBytes int64
}

// NewCommitHandler creates a commit handler. maxBytes bounds the NDJSON
// request body.
func NewCommitHandler(st *store.Store, authSvc *auth.Service, engine *commits.Engine, lfsEngine *lfs.Engine, m *metrics.Metrics, baseURL string, maxBytes int64) *CommitHandler {
	return &CommitHandler{
		store:    st,
		auth:     authSvc,
		commits:  engine,
		lfs:      lfsEngine,
		metrics:  m,
		baseURL:  baseURL,
		maxBytes: maxBytes,
	}
}

type commitResponse struct {
	CommitURL     string `json:"commitUrl"`
	CommitOID     string `json:"commitOid"`
	CommitMessage string `json:"commitMessage,omitempty"`
	Success       bool   `json:"success"`
}

// Commit handles POST
// /api/{repoType}/{namespace}/{repo}/commit/{revision}. The body is an
// NDJSON stream: a header line followed by operation lines.
func (h *CommitHandler) Commit(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	repo, err := repoFromRequest(r, h.store)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoWrite(r.Context(), user, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	branch := revisionParam(r)
	req, err := commits.ParseRequest(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	start := time.Now()
	result, err := h.commits.Commit(r.Context(), repo, branch, user, req)
	h.metrics.ObserveCommit(repo.RepoType, err, time.Since(start))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "Commit applied",
		"repo", repo.FullID,
		"branch", branch,
		"commit", result.CommitID,
		"ops", len(req.Ops),
		"by", user.Username,
	)

	if result.ReconcilePending {
		w.Header().Set("X-Reconcile-Pending", "1")
	}
	WriteJSONOK(w, commitResponse{
		CommitURL:     repoURL(h.baseURL, repo) + "/commit/" + result.CommitID,
		CommitOID:     result.CommitID,
		CommitMessage: req.Header.Summary,
		Success:       true,
	})
}

type preuploadFile struct {
	Path   string `json:"path" validate:"required"`
	Size   int64  `json:"size"`
	Sample string `json:"sample,omitempty"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files" validate:"required,dive"`
}

type preuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
}

// Preupload handles POST
// /api/{repoType}/{namespace}/{repo}/preupload/{revision}. It tells the
// client which files must go through LFS before it starts uploading.
func (h *CommitHandler) Preupload(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	repo, err := repoFromRequest(r, h.store)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoWrite(r.Context(), user, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	var req preuploadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	results := make([]preuploadResult, 0, len(req.Files))
	for _, f := range req.Files {
		mode := "regular"
		if h.lfs.Eligible(repo, f.Path, f.Size) {
			mode = "lfs"
		}
		results = append(results, preuploadResult{Path: f.Path, UploadMode: mode})
	}
	WriteJSONOK(w, map[string]any{"files": results})
}
