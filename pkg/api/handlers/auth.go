package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/mail"
)

// verificationTTL is how long an email verification link stays valid.
const verificationTTL = 24 * time.Hour

// AccountDefaults are the storage quotas stamped onto new accounts.
// Zero means unlimited and stores NULL.
type AccountDefaults struct {
	UserPrivateQuotaBytes int64
	UserPublicQuotaBytes  int64
	OrgPrivateQuotaBytes  int64
	OrgPublicQuotaBytes   int64
}

func quotaOrNil(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// AuthHandler serves registration, sessions, API tokens, and whoami.
type AuthHandler struct {
	store    *store.Store
	auth     *auth.Service
	mail     mail.Sender
	defaults AccountDefaults
	baseURL  string
	siteName string
	version  string
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(st *store.Store, svc *auth.Service, sender mail.Sender, defaults AccountDefaults, baseURL, siteName, version string) *AuthHandler {
	return &AuthHandler{
		store:    st,
		auth:     svc,
		mail:     sender,
		defaults: defaults,
		baseURL:  baseURL,
		siteName: siteName,
		version:  version,
	}
}

type registerRequest struct {
	Username        string `json:"username" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	InvitationToken string `json:"invitation_token,omitempty"`
}

// Register handles POST /api/auth/register. An invitation token, when
// supplied, is redeemed in the same transaction that creates the user so
// a one-shot invitation cannot admit two accounts.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	user := &models.User{
		Username:          req.Username,
		Email:             &req.Email,
		PasswordHash:      &hash,
		IsActive:          true,
		PrivateQuotaBytes: quotaOrNil(h.defaults.UserPrivateQuotaBytes),
		PublicQuotaBytes:  quotaOrNil(h.defaults.UserPublicQuotaBytes),
	}

	err = h.store.WithTransaction(r.Context(), func(tx *store.Store) error {
		if err := tx.CreateUser(r.Context(), user); err != nil {
			return err
		}
		if req.InvitationToken == "" {
			return nil
		}
		inv, err := tx.ConsumeInvitation(r.Context(), req.InvitationToken, &user.ID)
		if err != nil {
			return err
		}
		if inv.Action != models.InvitationActionRegister {
			return fmt.Errorf("%w: invitation does not grant registration", models.ErrInvitationUnavailable)
		}
		return nil
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logger.InfoCtx(r.Context(), "User registered", "username", user.Username)
	h.sendVerification(r.Context(), user)
	WriteJSON(w, http.StatusCreated, map[string]any{"success": true, "name": user.Username})
}

// sendVerification creates the email confirmation token and hands the
// message to the sender. Failures are logged, not surfaced: the account
// exists either way and verification can be re-requested.
func (h *AuthHandler) sendVerification(ctx context.Context, user *models.User) {
	token, err := auth.GenerateToken()
	if err != nil {
		logger.WarnCtx(ctx, "Failed to mint verification token", "username", user.Username, "error", err)
		return
	}
	data, _ := json.Marshal(map[string]int64{"user_id": user.ID})
	ct := &models.ConfirmationToken{
		Token:      token,
		ActionType: models.ConfirmationActionVerifyEmail,
		ActionData: string(data),
		ExpiresAt:  time.Now().UTC().Add(verificationTTL),
	}
	if err := h.store.CreateConfirmationToken(ctx, ct); err != nil {
		logger.WarnCtx(ctx, "Failed to store verification token", "username", user.Username, "error", err)
		return
	}

	link := mail.VerificationLink(h.baseURL, token)
	msg := mail.VerificationMessage(*user.Email, user.Username, link, h.siteName)
	if err := h.mail.Send(ctx, msg); err != nil {
		logger.WarnCtx(ctx, "Failed to send verification mail", "username", user.Username, "error", err)
	}
}

// VerifyEmail handles GET /api/auth/verify-email?token=...
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteError(w, r, fmt.Errorf("%w: missing token", models.ErrBadRequest))
		return
	}

	ct, err := h.store.ConsumeConfirmationToken(r.Context(), token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if ct.ActionType != models.ConfirmationActionVerifyEmail {
		WriteError(w, r, fmt.Errorf("%w: token does not verify an email", models.ErrBadRequest))
		return
	}

	var data struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(ct.ActionData), &data); err != nil {
		WriteError(w, r, fmt.Errorf("%w: malformed confirmation payload", models.ErrBadRequest))
		return
	}
	if err := h.store.SetEmailVerified(r.Context(), data.UserID); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true, "message": "email verified"})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /api/auth/login and sets the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	_, cookieValue, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	http.SetCookie(w, h.auth.SessionCookie(cookieValue))
	WriteJSONOK(w, map[string]any{"success": true})
}

// Logout handles POST /api/auth/logout. Logging out without a session is
// not an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.SessionCookieName); err == nil {
		if err := h.auth.Logout(r.Context(), c.Value); err != nil {
			logger.WarnCtx(r.Context(), "Failed to delete session", "error", err)
		}
	}
	http.SetCookie(w, h.auth.ClearSessionCookie())
	WriteJSONOK(w, map[string]any{"success": true})
}

type createTokenRequest struct {
	Name string `json:"name" validate:"required"`
}

// CreateToken handles POST /api/auth/tokens. The plaintext token appears
// in this response and nowhere else.
func (h *AuthHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createTokenRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	plaintext, row, err := h.auth.CreateToken(r.Context(), user.ID, req.Name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"id":    row.ID,
		"name":  row.Name,
		"token": plaintext,
	})
}

type tokenEntry struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	LastUsed  *models.WireTime `json:"lastUsed,omitempty"`
	CreatedAt models.WireTime  `json:"createdAt"`
}

// ListTokens handles GET /api/auth/tokens. Hashes never leave the store.
func (h *AuthHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	rows, err := h.store.ListUserTokens(r.Context(), user.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	entries := make([]tokenEntry, 0, len(rows))
	for _, t := range rows {
		e := tokenEntry{ID: t.ID, Name: t.Name, CreatedAt: models.Wire(t.CreatedAt)}
		if t.LastUsed != nil {
			wt := models.Wire(*t.LastUsed)
			e.LastUsed = &wt
		}
		entries = append(entries, e)
	}
	WriteJSONOK(w, map[string]any{"tokens": entries})
}

// RevokeToken handles DELETE /api/auth/tokens/{tokenID}.
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	tokenID, err := strconv.ParseInt(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: malformed token id", models.ErrBadRequest))
		return
	}
	if err := h.store.DeleteToken(r.Context(), user.ID, tokenID); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, map[string]any{"success": true})
}

type whoamiOrg struct {
	Name      string `json:"name"`
	RoleInOrg string `json:"roleInOrg"`
}

type whoamiAccessToken struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type whoamiAuth struct {
	Type        string             `json:"type"`
	AccessToken *whoamiAccessToken `json:"accessToken,omitempty"`
}

type whoamiSite struct {
	Name    string `json:"name"`
	API     string `json:"api"`
	Version string `json:"version"`
}

type whoamiResponse struct {
	Type          string      `json:"type"`
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Fullname      string      `json:"fullname"`
	Email         string      `json:"email"`
	EmailVerified bool        `json:"emailVerified"`
	Orgs          []whoamiOrg `json:"orgs"`
	Auth          whoamiAuth  `json:"auth"`
	Site          whoamiSite  `json:"site"`
}

// Whoami handles GET /api/whoami-v2.
func (h *AuthHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	memberships, err := h.store.ListUserOrgs(r.Context(), user.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	orgs := make([]whoamiOrg, 0, len(memberships))
	for _, m := range memberships {
		if m.Org == nil {
			continue
		}
		orgs = append(orgs, whoamiOrg{Name: m.Org.Username, RoleInOrg: m.Role})
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}

	authInfo := whoamiAuth{Type: "session"}
	if id := requestIdentity(r); id.TokenID != nil {
		authInfo = whoamiAuth{
			Type: "access_token",
			AccessToken: &whoamiAccessToken{
				DisplayName: h.tokenDisplayName(r.Context(), user.ID, *id.TokenID),
				Role:        "write",
			},
		}
	}

	WriteJSONOK(w, whoamiResponse{
		Type:          "user",
		ID:            strconv.FormatInt(user.ID, 10),
		Name:          user.Username,
		Fullname:      user.FullName,
		Email:         email,
		EmailVerified: user.EmailVerified,
		Orgs:          orgs,
		Auth:          authInfo,
		Site:          whoamiSite{Name: h.siteName, API: "kohakuhub", Version: h.version},
	})
}

func (h *AuthHandler) tokenDisplayName(ctx context.Context, userID, tokenID int64) string {
	rows, err := h.store.ListUserTokens(ctx, userID)
	if err != nil {
		return ""
	}
	for _, t := range rows {
		if t.ID == tokenID {
			return t.Name
		}
	}
	return ""
}
