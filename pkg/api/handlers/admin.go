package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/commits"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// AdminHandler serves the /api/admin surface. The router guards every
// route with the admin token middleware; handlers assume the caller is
// the operator.
type AdminHandler struct {
	store   *store.Store
	quota   *quota.Accountant
	commits *commits.Engine
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(st *store.Store, acct *quota.Accountant, eng *commits.Engine) *AdminHandler {
	return &AdminHandler{store: st, quota: acct, commits: eng}
}

type recalculateRequest struct {
	// Username recalculates both buckets of a user or org.
	Username string `json:"username,omitempty"`

	// The repo triple recalculates a single repository.
	RepoType  string `json:"repo_type,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// RecalculateQuota handles POST /api/admin/quota/recalculate. It rebuilds
// usage counters from the versioned store instead of trusting the running
// totals.
func (h *AdminHandler) RecalculateQuota(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Username != "" {
		owner, err := h.store.GetAccountByNormalizedName(r.Context(), req.Username)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		privateUsed, publicUsed, err := h.quota.RecalculateOwner(r.Context(), owner.ID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		logger.InfoCtx(r.Context(), "Quota recalculated", "owner", owner.Username,
			"privateUsed", privateUsed, "publicUsed", publicUsed)
		WriteJSONOK(w, map[string]any{
			"username":    owner.Username,
			"privateUsed": privateUsed,
			"publicUsed":  publicUsed,
		})
		return
	}

	repoType, err := parseRepoType(req.RepoType)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	repo, err := h.store.GetRepository(r.Context(), repoType, req.Namespace, req.Name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	used, err := h.quota.RecalculateRepo(r.Context(), repo.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logger.InfoCtx(r.Context(), "Repo quota recalculated", "repo", repo.FullID, "usedBytes", used)
	WriteJSONOK(w, map[string]any{"repo": repo.FullID, "usedBytes": used})
}

type createInvitationRequest struct {
	ExpiresDays int  `json:"expires_days,omitempty" validate:"omitempty,gt=0"`
	MaxUsage    *int `json:"max_usage,omitempty"`
}

// CreateInvitation handles POST /api/admin/invitations. Admin-minted
// invitations grant account registration; org joins are minted by org
// admins on the org routes.
func (h *AdminHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		WriteError(w, r, err)
		return
	}
	ttl := defaultInvitationTTL
	if req.ExpiresDays > 0 {
		ttl = time.Duration(req.ExpiresDays) * 24 * time.Hour
	}
	inv := &models.Invitation{
		Token:      token,
		Action:     models.InvitationActionRegister,
		Parameters: "{}",
		ExpiresAt:  time.Now().UTC().Add(ttl),
		MaxUsage:   req.MaxUsage,
	}
	if err := h.store.CreateInvitation(r.Context(), inv); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"token":     inv.Token,
		"action":    inv.Action,
		"expiresAt": models.Wire(inv.ExpiresAt),
	})
}

// ListInvitations handles GET /api/admin/invitations.
func (h *AdminHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListInvitations(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"invitations": rows})
}

// DeleteInvitation handles DELETE /api/admin/invitations/{id}.
func (h *AdminHandler) DeleteInvitation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: malformed invitation id", models.ErrBadRequest))
		return
	}
	if err := h.store.DeleteInvitation(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

type reconcileRequest struct {
	RepoType  string `json:"repo_type" validate:"required"`
	Namespace string `json:"namespace" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Branch    string `json:"branch,omitempty"`
}

// Reconcile handles POST /api/admin/reconcile: replay commits the
// versioned store holds but the metadata database is missing.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	repoType, err := parseRepoType(req.RepoType)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	repo, err := h.store.GetRepository(r.Context(), repoType, req.Namespace, req.Name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = models.DefaultBranch
	}

	replayed, err := h.commits.Reconcile(r.Context(), repo, branch)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logger.InfoCtx(r.Context(), "Reconcile finished", "repo", repo.FullID, "branch", branch, "replayed", replayed)
	WriteJSONOK(w, map[string]any{"repo": repo.FullID, "branch": branch, "replayed": replayed})
}

type sqlRequest struct {
	Query string `json:"query" validate:"required"`
}

// SQL handles POST /api/admin/sql, the read-only console.
func (h *AdminHandler) SQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	result, err := h.store.ReadOnlyQuery(r.Context(), req.Query)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, result)
}
