package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/repos"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// RepoHandler serves repository lifecycle, listing, metadata, and
// settings endpoints.
type RepoHandler struct {
	store    *store.Store
	repos    *repos.Service
	auth     *auth.Service
	fallback *fallback.Proxy
	stats    *stats.Service
	baseURL  string
}

// NewRepoHandler creates a repository handler. fb may be nil when the
// fallback proxy is disabled.
func NewRepoHandler(st *store.Store, svc *repos.Service, authSvc *auth.Service, fb *fallback.Proxy, statsSvc *stats.Service, baseURL string) *RepoHandler {
	return &RepoHandler{
		store:    st,
		repos:    svc,
		auth:     authSvc,
		fallback: fb,
		stats:    statsSvc,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

type createRepoRequest struct {
	Type         string `json:"type" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Organization string `json:"organization"`
	Private      bool   `json:"private"`
}

type createRepoResponse struct {
	URL      string `json:"url"`
	Endpoint string `json:"endpoint"`
}

// Create handles POST /api/repos/create.
func (h *RepoHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createRepoRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	repoType, err := parseRepoType(req.Type)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	namespace := req.Organization
	if namespace == "" {
		namespace = user.Username
	}
	owner, err := h.auth.CheckNamespaceWrite(r.Context(), user, namespace)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	repo, err := h.repos.Create(r.Context(), owner, repoType, req.Name, req.Private)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "Repository created",
		"repo", repo.FullID, "type", repo.RepoType, "private", repo.Private, "by", user.Username)

	WriteJSON(w, http.StatusOK, createRepoResponse{
		URL:      h.repoURL(repo),
		Endpoint: h.baseURL,
	})
}

type deleteRepoRequest struct {
	Type         string `json:"type" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Organization string `json:"organization"`
}

// Delete handles DELETE /api/repos/delete.
func (h *RepoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req deleteRepoRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	repoType, err := parseRepoType(req.Type)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	namespace := req.Organization
	if namespace == "" {
		namespace = user.Username
	}

	repo, err := h.store.GetRepository(r.Context(), repoType, namespace, req.Name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoAdmin(r.Context(), user, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := h.repos.Delete(r.Context(), repo); err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "Repository deleted",
		"repo", repo.FullID, "type", repo.RepoType, "by", user.Username)

	WriteJSONOK(w, map[string]any{"success": true})
}

// List handles GET /api/{repoType}. Results merge local rows with
// upstream listings when the fallback proxy is configured, local first.
func (h *RepoHandler) List(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	id := requestIdentity(r)
	author := r.URL.Query().Get("author")
	limit := queryInt(r, "limit", 50)

	var upstream []fallback.Listing
	upstreamDone := make(chan struct{})
	if h.fallback != nil {
		go func(ctx context.Context) {
			defer close(upstreamDone)
			upstream = h.fallback.ListUpstream(ctx, repoType, author, r.URL.Query(), tokenOverlay(id))
		}(r.Context())
	} else {
		close(upstreamDone)
	}

	local, err := h.store.ListRepositories(r.Context(), store.RepoFilter{
		RepoType:             repoType,
		Author:               author,
		Search:               r.URL.Query().Get("search"),
		Limit:                limit,
		IncludePrivateOwners: h.privateScopeIDs(r.Context(), id),
	})
	<-upstreamDone
	if err != nil {
		WriteError(w, r, err)
		return
	}

	entries := make([]fallback.Listing, 0, len(local))
	for _, repo := range local {
		entries = append(entries, listingEntry(repo))
	}
	WriteJSONOK(w, fallback.MergeListings(entries, upstream))
}

// Info handles GET /api/{repoType}/{namespace}/{repo} and its
// /revision/{revision} variant.
func (h *RepoHandler) Info(w http.ResponseWriter, r *http.Request) {
	repo := h.localRepo(w, r)
	if repo == nil {
		return
	}

	info, err := h.repos.Info(r.Context(), repo, revisionParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSONOK(w, infoResponse(info))
}

// Tree handles GET /api/{repoType}/{namespace}/{repo}/tree/{revision}/*.
func (h *RepoHandler) Tree(w http.ResponseWriter, r *http.Request) {
	repo := h.localRepo(w, r)
	if repo == nil {
		return
	}

	page, err := h.repos.Tree(r.Context(), repo, revisionParam(r), wildcardPath(r), repos.TreeOptions{
		Recursive: queryBool(r, "recursive"),
		Expand:    queryBool(r, "expand"),
		Cursor:    r.URL.Query().Get("cursor"),
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if page.NextCursor != "" {
		next := *r.URL
		q := next.Query()
		q.Set("cursor", page.NextCursor)
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"next\"", next.RequestURI()))
	}
	WriteJSONOK(w, page.Entries)
}

type commitEntry struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Authors []commitAuthor  `json:"authors"`
	Date    models.WireTime `json:"date"`
}

type commitAuthor struct {
	User string `json:"user"`
}

// CommitLog handles GET
// /api/{repoType}/{namespace}/{repo}/commits/{revision}, newest first,
// paginated by after=<commit id>.
func (h *RepoHandler) CommitLog(w http.ResponseWriter, r *http.Request) {
	repo := h.localRepo(w, r)
	if repo == nil {
		return
	}

	branch := revisionParam(r)
	afterID := int64(0)
	if after := r.URL.Query().Get("after"); after != "" {
		anchor, err := h.store.GetCommit(r.Context(), repo.ID, after)
		if err != nil {
			WriteError(w, r, fmt.Errorf("%w: unknown after commit %q", models.ErrBadRequest, after))
			return
		}
		afterID = anchor.ID
	}

	commits, err := h.repos.CommitLog(r.Context(), repo, branch, afterID, queryInt(r, "limit", 50))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	entries := make([]commitEntry, 0, len(commits))
	for _, c := range commits {
		entries = append(entries, commitEntry{
			ID:      c.CommitID,
			Title:   c.Message,
			Message: c.Description,
			Authors: []commitAuthor{{User: c.Username}},
			Date:    models.Wire(c.CreatedAt),
		})
	}
	WriteJSONOK(w, entries)
}

type refEntry struct {
	Name         string `json:"name"`
	Ref          string `json:"ref"`
	TargetCommit string `json:"targetCommit"`
}

// Refs handles GET /api/{repoType}/{namespace}/{repo}/refs.
func (h *RepoHandler) Refs(w http.ResponseWriter, r *http.Request) {
	repo := h.localRepo(w, r)
	if repo == nil {
		return
	}

	branches, err := h.repos.Branches(r.Context(), repo)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	refs := make([]refEntry, 0, len(branches))
	for _, b := range branches {
		refs = append(refs, refEntry{
			Name:         b.Name,
			Ref:          "refs/heads/" + b.Name,
			TargetCommit: b.CommitID,
		})
	}
	WriteJSONOK(w, map[string]any{"branches": refs, "tags": []refEntry{}})
}

// Stats handles GET /api/{repoType}/{namespace}/{repo}/stats.
func (h *RepoHandler) Stats(w http.ResponseWriter, r *http.Request) {
	repo, err := repoFromRequest(r, h.store)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoRead(r.Context(), requestIdentity(r).User, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	days, err := h.stats.RepoStats(r.Context(), repo, queryInt(r, "days", 30))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{
		"id":        repo.FullID,
		"downloads": repo.Downloads,
		"days":      days,
	})
}

type repoSettingsRequest struct {
	Private           *bool     `json:"private"`
	QuotaBytes        *int64    `json:"quotaBytes"`
	ClearQuota        bool      `json:"clearQuota"`
	LFSThresholdBytes *int64    `json:"lfsThresholdBytes"`
	LFSKeepVersions   *int      `json:"lfsKeepVersions"`
	LFSSuffixRules    *[]string `json:"lfsSuffixRules"`
}

// UpdateSettings handles PUT /api/{repoType}/{namespace}/{repo}/settings.
func (h *RepoHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	repo, err := repoFromRequest(r, h.store)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckRepoAdmin(r.Context(), user, repo); err != nil {
		WriteError(w, r, err)
		return
	}

	var req repoSettingsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	settings := store.RepoSettings{
		Private:           req.Private,
		QuotaBytes:        req.QuotaBytes,
		ClearQuota:        req.ClearQuota,
		LFSThresholdBytes: req.LFSThresholdBytes,
		LFSKeepVersions:   req.LFSKeepVersions,
	}
	if req.LFSSuffixRules != nil {
		raw, err := json.Marshal(*req.LFSSuffixRules)
		if err != nil {
			WriteError(w, r, fmt.Errorf("%w: bad suffix rules", models.ErrBadRequest))
			return
		}
		rules := string(raw)
		settings.LFSSuffixRules = &rules
	}

	if err := h.repos.UpdateSettings(r.Context(), repo, settings); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

type branchRequest struct {
	StartingPoint string `json:"startingPoint"`
}

// CreateBranch handles POST
// /api/{repoType}/{namespace}/{repo}/branch/{branch}.
func (h *RepoHandler) CreateBranch(w http.ResponseWriter, r *http.Request) {
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

	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r, fmt.Errorf("%w: malformed JSON body", models.ErrBadRequest))
		return
	}

	if err := h.repos.CreateBranch(r.Context(), repo, chi.URLParam(r, "branch"), req.StartingPoint); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"success": true})
}

// DeleteBranch handles DELETE
// /api/{repoType}/{namespace}/{repo}/branch/{branch}.
func (h *RepoHandler) DeleteBranch(w http.ResponseWriter, r *http.Request) {
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

	if err := h.repos.DeleteBranch(r.Context(), repo, chi.URLParam(r, "branch")); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

// localRepo loads the addressed repository and checks read permission.
// On a local miss with the fallback proxy enabled, GET and HEAD requests
// are relayed upstream instead. A nil return means the response has
// already been written, whether relayed or failed.
func (h *RepoHandler) localRepo(w http.ResponseWriter, r *http.Request) *models.Repository {
	repoType, err := repoTypeParam(r)
	if err != nil {
		WriteError(w, r, err)
		return nil
	}
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "repo")
	id := requestIdentity(r)

	repo, err := h.store.GetRepository(r.Context(), repoType, namespace, name)
	if err == nil {
		if permErr := h.auth.CheckRepoRead(r.Context(), id.User, repo); permErr != nil {
			WriteError(w, r, permErr)
			return nil
		}
		return repo
	}
	if !errors.Is(err, models.ErrRepoNotFound) {
		WriteError(w, r, err)
		return nil
	}

	if h.fallback == nil || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		WriteError(w, r, err)
		return nil
	}
	if relayErr := h.fallback.Relay(w, r, repoType, namespace, name, tokenOverlay(id)); relayErr != nil {
		WriteError(w, r, relayErr)
	}
	return nil
}

func (h *RepoHandler) privateScopeIDs(ctx context.Context, id *auth.Identity) []int64 {
	if id.Anonymous() {
		return nil
	}
	ids := []int64{id.User.ID}
	memberships, err := h.store.ListUserOrgs(ctx, id.User.ID)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to list orgs for private scoping",
			"user", id.User.Username, "error", err)
		return ids
	}
	for _, m := range memberships {
		ids = append(ids, m.OrgID)
	}
	return ids
}

func (h *RepoHandler) repoURL(repo *models.Repository) string {
	return repoURL(h.baseURL, repo)
}

func listingEntry(repo *models.Repository) fallback.Listing {
	return fallback.Listing{
		"id":           repo.FullID,
		"author":       repo.Namespace,
		"private":      repo.Private,
		"downloads":    repo.Downloads,
		"likes":        repo.LikesCount,
		"createdAt":    models.Wire(repo.CreatedAt),
		"lastModified": models.Wire(repo.UpdatedAt),
		"_source":      "local",
	}
}

type repoSibling struct {
	RFilename string `json:"rfilename"`
}

type repoInfoResponse struct {
	ID            string          `json:"id"`
	ModelID       string          `json:"modelId,omitempty"`
	Author        string          `json:"author"`
	SHA           string          `json:"sha"`
	Private       bool            `json:"private"`
	Gated         bool            `json:"gated"`
	Disabled      bool            `json:"disabled"`
	Downloads     int64           `json:"downloads"`
	Likes         int64           `json:"likes"`
	Tags          []string        `json:"tags"`
	Siblings      []repoSibling   `json:"siblings"`
	CreatedAt     models.WireTime `json:"createdAt"`
	LastModified  models.WireTime `json:"lastModified"`
	DefaultBranch string          `json:"defaultBranch"`
	UsedStorage   int64           `json:"usedStorage"`
}

func infoResponse(info *repos.Info) repoInfoResponse {
	repo := info.Repo
	siblings := make([]repoSibling, 0, len(info.Siblings))
	for _, path := range info.Siblings {
		siblings = append(siblings, repoSibling{RFilename: path})
	}

	out := repoInfoResponse{
		ID:            repo.FullID,
		Author:        repo.Namespace,
		SHA:           info.SHA,
		Private:       repo.Private,
		Downloads:     repo.Downloads,
		Likes:         repo.LikesCount,
		Tags:          []string{},
		Siblings:      siblings,
		CreatedAt:     models.Wire(repo.CreatedAt),
		LastModified:  models.Wire(info.LastModified),
		DefaultBranch: models.DefaultBranch,
		UsedStorage:   repo.UsedBytes,
	}
	if repo.Type() == names.RepoTypeModel {
		out.ModelID = repo.FullID
	}
	return out
}
