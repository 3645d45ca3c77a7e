package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// defaultInvitationTTL applies when the creator names no expiry.
const defaultInvitationTTL = 7 * 24 * time.Hour

// OrgHandler serves organization management: creation, membership, and
// join invitations.
type OrgHandler struct {
	store    *store.Store
	auth     *auth.Service
	defaults AccountDefaults
}

// NewOrgHandler creates an OrgHandler.
func NewOrgHandler(st *store.Store, svc *auth.Service, defaults AccountDefaults) *OrgHandler {
	return &OrgHandler{store: st, auth: svc, defaults: defaults}
}

func (h *OrgHandler) orgFromRequest(r *http.Request) (*models.User, error) {
	return h.store.GetOrganization(r.Context(), chi.URLParam(r, "org"))
}

type createOrgRequest struct {
	Name     string `json:"name" validate:"required"`
	FullName string `json:"fullname,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Website  string `json:"website,omitempty"`
}

// Create handles POST /api/organizations. The creator becomes the org's
// super-admin.
func (h *OrgHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createOrgRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	org := &models.User{
		Username:          req.Name,
		FullName:          req.FullName,
		Bio:               req.Bio,
		Website:           req.Website,
		IsActive:          true,
		PrivateQuotaBytes: quotaOrNil(h.defaults.OrgPrivateQuotaBytes),
		PublicQuotaBytes:  quotaOrNil(h.defaults.OrgPublicQuotaBytes),
	}
	if err := h.store.CreateOrganization(r.Context(), org, user.ID); err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "Organization created", "org", org.Username, "creator", user.Username)
	WriteJSON(w, http.StatusCreated, map[string]any{"success": true, "name": org.Username})
}

type orgInfoResponse struct {
	Name       string          `json:"name"`
	Fullname   string          `json:"fullname"`
	Bio        string          `json:"bio,omitempty"`
	Website    string          `json:"website,omitempty"`
	Avatar     string          `json:"avatar,omitempty"`
	CreatedAt  models.WireTime `json:"createdAt"`
	NumMembers int             `json:"numMembers"`
}

// Info handles GET /api/organizations/{org}.
func (h *OrgHandler) Info(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	members, err := h.store.ListOrgMembers(r.Context(), org.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, orgInfoResponse{
		Name:       org.Username,
		Fullname:   org.FullName,
		Bio:        org.Bio,
		Website:    org.Website,
		Avatar:     org.Avatar,
		CreatedAt:  models.Wire(org.CreatedAt),
		NumMembers: len(members),
	})
}

type memberEntry struct {
	User     string `json:"user"`
	Fullname string `json:"fullname,omitempty"`
	Role     string `json:"role"`
}

// ListMembers handles GET /api/organizations/{org}/members.
func (h *OrgHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	members, err := h.store.ListOrgMembers(r.Context(), org.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	entries := make([]memberEntry, 0, len(members))
	for _, m := range members {
		if m.User == nil {
			continue
		}
		entries = append(entries, memberEntry{User: m.User.Username, Fullname: m.User.FullName, Role: m.Role})
	}
	WriteJSONOK(w, map[string]any{"members": entries})
}

type addMemberRequest struct {
	Username string `json:"username" validate:"required"`
	Role     string `json:"role,omitempty"`
}

// AddMember handles POST /api/organizations/{org}/members.
func (h *OrgHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req addMemberRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	role := models.OrgRole(req.Role)
	if req.Role == "" {
		role = models.RoleMember
	}

	need := models.RoleAdmin
	if role.AtLeast(models.RoleAdmin) {
		// Granting admin or above takes a super-admin.
		need = models.RoleSuperAdmin
	}
	if err := h.auth.CheckOrgRole(r.Context(), user, org, need); err != nil {
		WriteError(w, r, err)
		return
	}

	target, err := h.store.GetUser(r.Context(), req.Username)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.store.AddOrgMember(r.Context(), org.ID, target.ID, role); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"success": true})
}

type updateMemberRequest struct {
	Role string `json:"role" validate:"required"`
}

// UpdateMember handles PUT /api/organizations/{org}/members/{username}.
func (h *OrgHandler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	target, err := h.store.GetUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req updateMemberRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	role := models.OrgRole(req.Role)

	need := models.RoleAdmin
	if role.AtLeast(models.RoleAdmin) || h.memberAtLeast(r, org, target, models.RoleAdmin) {
		// Touching admin-level membership either way takes a super-admin.
		need = models.RoleSuperAdmin
	}
	if err := h.auth.CheckOrgRole(r.Context(), user, org, need); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := h.store.UpdateOrgMemberRole(r.Context(), org.ID, target.ID, role); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

// RemoveMember handles DELETE /api/organizations/{org}/members/{username}.
// Members may remove themselves; removing anyone else takes an admin, and
// removing an admin takes a super-admin.
func (h *OrgHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	target, err := h.store.GetUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if user.ID != target.ID {
		need := models.RoleAdmin
		if h.memberAtLeast(r, org, target, models.RoleAdmin) {
			need = models.RoleSuperAdmin
		}
		if err := h.auth.CheckOrgRole(r.Context(), user, org, need); err != nil {
			WriteError(w, r, err)
			return
		}
	}

	if err := h.store.RemoveOrgMember(r.Context(), org.ID, target.ID); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

func (h *OrgHandler) memberAtLeast(r *http.Request, org, user *models.User, role models.OrgRole) bool {
	m, err := h.store.GetMembership(r.Context(), user.ID, org.ID)
	if err != nil {
		return false
	}
	return m.OrgRole().AtLeast(role)
}

type userOrgEntry struct {
	Name      string `json:"name"`
	Fullname  string `json:"fullname,omitempty"`
	RoleInOrg string `json:"roleInOrg"`
}

// UserOrgs handles GET /api/users/{username}/orgs.
func (h *OrgHandler) UserOrgs(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	memberships, err := h.store.ListUserOrgs(r.Context(), user.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	orgs := make([]userOrgEntry, 0, len(memberships))
	for _, m := range memberships {
		if m.Org == nil {
			continue
		}
		orgs = append(orgs, userOrgEntry{Name: m.Org.Username, Fullname: m.Org.FullName, RoleInOrg: m.Role})
	}
	WriteJSONOK(w, map[string]any{"orgs": orgs})
}

// joinOrgParams is the invitation parameter payload for join_org.
type joinOrgParams struct {
	OrgID int64  `json:"org_id"`
	Role  string `json:"role"`
}

type createOrgInvitationRequest struct {
	Role        string `json:"role,omitempty"`
	ExpiresDays int    `json:"expires_days,omitempty" validate:"omitempty,gt=0"`
	MaxUsage    *int   `json:"max_usage,omitempty"`
}

// CreateInvitation handles POST /api/organizations/{org}/invitations.
// The token admits holders as members of the org when accepted.
func (h *OrgHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	org, err := h.orgFromRequest(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.auth.CheckOrgRole(r.Context(), user, org, models.RoleAdmin); err != nil {
		WriteError(w, r, err)
		return
	}

	var req createOrgInvitationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	role := models.OrgRole(req.Role)
	if req.Role == "" {
		role = models.RoleMember
	}
	if !role.IsValid() || role.AtLeast(models.RoleAdmin) {
		WriteError(w, r, fmt.Errorf("%w: invitations may grant visitor or member, got %q", models.ErrBadRequest, req.Role))
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		WriteError(w, r, err)
		return
	}
	params, _ := json.Marshal(joinOrgParams{OrgID: org.ID, Role: string(role)})

	ttl := defaultInvitationTTL
	if req.ExpiresDays > 0 {
		ttl = time.Duration(req.ExpiresDays) * 24 * time.Hour
	}
	inv := &models.Invitation{
		Token:      token,
		Action:     models.InvitationActionJoinOrg,
		Parameters: string(params),
		CreatedBy:  &user.ID,
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

type acceptInvitationRequest struct {
	Token string `json:"token" validate:"required"`
}

// AcceptInvitation handles POST /api/invitations/accept. Redemption and
// the granted action run in one transaction so a failed grant does not
// burn a use.
func (h *OrgHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req acceptInvitationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	var orgName string
	err := h.store.WithTransaction(r.Context(), func(tx *store.Store) error {
		inv, err := tx.ConsumeInvitation(r.Context(), req.Token, &user.ID)
		if err != nil {
			return err
		}
		if inv.Action != models.InvitationActionJoinOrg {
			return fmt.Errorf("%w: invitation is redeemed at registration", models.ErrInvitationUnavailable)
		}

		var params joinOrgParams
		if err := json.Unmarshal([]byte(inv.Parameters), &params); err != nil {
			return fmt.Errorf("%w: malformed invitation parameters", models.ErrBadRequest)
		}
		org, err := tx.GetUserByID(r.Context(), params.OrgID)
		if err != nil {
			return err
		}
		orgName = org.Username
		return tx.AddOrgMember(r.Context(), org.ID, user.ID, models.OrgRole(params.Role))
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "Invitation accepted", "username", user.Username, "org", orgName)
	WriteJSONOK(w, map[string]any{"success": true, "org": orgName})
}
