package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/resolve"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
)

// ResolveHandler serves file resolution redirects, reconstruction
// manifests, and xet read tokens.
type ResolveHandler struct {
	store    *store.Store
	auth     *auth.Service
	resolve  *resolve.Engine
	fallback *fallback.Proxy
	stats    *stats.Service
	metrics  *metrics.Metrics
	baseURL  string
}

// NewResolveHandler creates a resolve handler. fb may be nil when the
// fallback proxy is disabled.
func NewResolveHandler(st *store.Store, authSvc *auth.Service, engine *resolve.Engine, fb *fallback.Proxy, statsSvc *stats.Service, m *metrics.Metrics, baseURL string) *ResolveHandler {
	return &ResolveHandler{
		store:    st,
		auth:     authSvc,
		resolve:  engine,
		fallback: fb,
		stats:    statsSvc,
		metrics:  m,
		baseURL:  baseURL,
	}
}

// Resolve handles GET|HEAD
// /{repoType}/{namespace}/{repo}/resolve/{revision}/{path}. Hits
// redirect to a presigned URL; local misses relay upstream when the
// fallback proxy is configured.
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "repo")
	revision := revisionParam(r)
	filePath := wildcardPath(r)
	id := requestIdentity(r)

	repo, err := h.store.GetRepository(r.Context(), repoType, namespace, name)
	if err == nil {
		if permErr := h.auth.CheckRepoRead(r.Context(), id.User, repo); permErr != nil {
			WriteError(w, r, permErr)
			return
		}

		var res *resolve.Resolution
		res, err = h.resolve.Resolve(r.Context(), repo, revision, filePath)
		if err == nil {
			h.redirect(w, r, repo, res)
			return
		}
	}

	if h.fallback != nil && isLocalMiss(err) {
		if relayErr := h.fallback.Relay(w, r, repoType, namespace, name, tokenOverlay(id)); relayErr != nil {
			h.metrics.ObserveResolve(string(repoType), "miss")
			WriteError(w, r, relayErr)
			return
		}
		h.metrics.ObserveResolve(string(repoType), "fallback")
		return
	}

	h.metrics.ObserveResolve(string(repoType), "miss")
	WriteError(w, r, err)
}

// redirect writes the 302 with the hub's download headers and records
// the download.
func (h *ResolveHandler) redirect(w http.ResponseWriter, r *http.Request, repo *models.Repository, res *resolve.Resolution) {
	w.Header().Set("X-Repo-Commit", res.CommitID)
	w.Header().Set("ETag", strconv.Quote(res.SHA256))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	if res.LFS {
		w.Header().Set("X-Linked-Size", strconv.FormatInt(res.Size, 10))
		w.Header().Set("X-Linked-Etag", strconv.Quote(res.SHA256))
	}
	w.Header().Set("Location", res.URL)
	w.WriteHeader(http.StatusFound)

	h.metrics.ObserveResolve(repo.RepoType, "local")
	if r.Method == http.MethodGet {
		h.recordDownload(r, repo)
	}
}

func (h *ResolveHandler) recordDownload(r *http.Request, repo *models.Repository) {
	id := requestIdentity(r)
	if err := h.stats.RecordDownload(r.Context(), repo, clientSessionID(r), !id.Anonymous()); err != nil {
		logger.WarnCtx(r.Context(), "Failed to record download",
			"repo", repo.FullID, "error", err)
		return
	}
	h.metrics.ObserveDownloadSession()
}

// Reconstruction handles GET /cas/reconstructions/{sha256}: the chunked
// manifest for content-addressed retrieval.
func (h *ResolveHandler) Reconstruction(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	canRead := func(ctx context.Context, repo *models.Repository) error {
		return h.auth.CheckRepoRead(ctx, id.User, repo)
	}

	manifest, err := h.resolve.Reconstruction(r.Context(), chi.URLParam(r, "sha256"), canRead)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, manifest)
}

// XetToken handles GET
// /api/{repoType}/{namespace}/{repo}/xet-read-token/{revision}/{path}.
// The payload travels in headers; the body is an empty JSON object.
func (h *ResolveHandler) XetToken(w http.ResponseWriter, r *http.Request) {
	repo, err := repoFromRequest(r, h.store)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoRead(r.Context(), requestIdentity(r).User, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	signer := h.resolve.Xet()
	if signer == nil {
		WriteError(w, r, fmt.Errorf("%w: xet tokens are not enabled", models.ErrEntryNotFound))
		return
	}

	token, expires, err := signer.Mint(repo, revisionParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("X-Xet-Cas-Url", h.baseURL+"/cas")
	w.Header().Set("X-Xet-Access-Token", token)
	w.Header().Set("X-Xet-Token-Expiration", strconv.FormatInt(expires.Unix(), 10))
	WriteJSONOK(w, map[string]any{})
}

// isLocalMiss reports whether err is the kind of absence the fallback
// proxy exists to paper over.
func isLocalMiss(err error) bool {
	return errors.Is(err, models.ErrRepoNotFound) ||
		errors.Is(err, models.ErrRevisionNotFound) ||
		errors.Is(err, models.ErrEntryNotFound)
}
