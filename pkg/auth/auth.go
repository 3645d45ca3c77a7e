// Package auth authenticates requests and decides repository permissions.
//
// Two credential kinds are accepted in parallel: API tokens carried in the
// Authorization header and browser sessions carried in the kohaku_session
// cookie. The Authorization header uses a composite format that can also
// smuggle per-request tokens for upstream hubs; see ParseAuthorization.
//
// Plaintext tokens are never stored. Both tokens and session secrets are
// hashed with SHA3-512 before they touch the database, and lookups compare
// hashes, so a leaked database does not leak credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// Identity is the authenticated principal attached to a request. User is nil
// for anonymous requests; ExternalTokens may be present either way because
// the composite header allows upstream tokens without a hub credential.
type Identity struct {
	User *models.User

	// TokenID is set when the request authenticated with an API token.
	TokenID *int64

	// ExternalTokens maps upstream hub URLs to tokens supplied by the
	// client for this request only.
	ExternalTokens map[string]string
}

// Anonymous reports whether no hub credential was presented.
func (id *Identity) Anonymous() bool {
	return id == nil || id.User == nil
}

// Username returns the authenticated username or "" for anonymous requests.
func (id *Identity) Username() string {
	if id.Anonymous() {
		return ""
	}
	return id.User.Username
}

type contextKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the identity attached to the context, or nil when the
// request never passed through the authenticator.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// Service authenticates credentials against the metadata store and answers
// permission questions.
type Service struct {
	store        *store.Store
	sessionTTL   time.Duration
	cookieSecure bool
}

// NewService creates an auth service. expiresDays bounds session lifetime.
func NewService(st *store.Store, expiresDays int, cookieSecure bool) *Service {
	if expiresDays <= 0 {
		expiresDays = 30
	}
	return &Service{
		store:        st,
		sessionTTL:   time.Duration(expiresDays) * 24 * time.Hour,
		cookieSecure: cookieSecure,
	}
}

// Authenticate resolves the request's credentials to an identity.
//
// Requests without credentials come back as an anonymous identity, not an
// error. Requests that present a credential that does not check out fail
// with ErrUnauthorized: a mistyped token must never silently degrade to
// anonymous access.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	token, external := ParseAuthorization(r.Header.Get("Authorization"))

	if token != "" {
		id, err := s.authenticateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		id.ExternalTokens = external
		return id, nil
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		id, err := s.authenticateSession(ctx, cookie.Value)
		if err != nil {
			return nil, err
		}
		id.ExternalTokens = external
		return id, nil
	}

	return &Identity{ExternalTokens: external}, nil
}

func (s *Service) authenticateToken(ctx context.Context, token string) (*Identity, error) {
	row, err := s.store.GetTokenByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, models.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
		}
		return nil, err
	}
	if row.User == nil || !row.User.IsActive {
		return nil, models.ErrUserInactive
	}

	// Best-effort bookkeeping; a failed timestamp update must not fail auth.
	if err := s.store.UpdateLastUsed(ctx, row.ID, time.Now().UTC()); err != nil {
		logger.WarnCtx(ctx, "Failed to update token last_used", "token_name", row.Name, "error", err)
	}

	return &Identity{User: row.User, TokenID: &row.ID}, nil
}

func (s *Service) authenticateSession(ctx context.Context, cookieValue string) (*Identity, error) {
	sessionID, secret, ok := ParseSessionCookie(cookieValue)
	if !ok {
		return nil, fmt.Errorf("%w: malformed session cookie", models.ErrUnauthorized)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session expired", models.ErrUnauthorized)
		}
		return nil, err
	}
	if !SecureCompare(HashToken(secret), session.SecretHash) {
		return nil, fmt.Errorf("%w: invalid session secret", models.ErrUnauthorized)
	}
	if session.User == nil || !session.User.IsActive {
		return nil, models.ErrUserInactive
	}

	return &Identity{User: session.User}, nil
}

// Login validates credentials and opens a session. It returns the session
// row and the cookie value, which embeds the plaintext secret and exists
// only in the response.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Session, string, error) {
	user, err := s.store.ValidateCredentials(ctx, username, password)
	if err != nil {
		return nil, "", err
	}

	secret, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	session := &models.Session{
		SessionID:  uuid.NewString(),
		UserID:     user.ID,
		SecretHash: HashToken(secret),
		ExpiresAt:  time.Now().UTC().Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, "", err
	}

	logger.InfoCtx(ctx, "User logged in", "username", username)
	return session, session.SessionID + ":" + secret, nil
}

// Logout deletes the session named by the cookie value. Unknown sessions are
// not an error; logging out twice is fine.
func (s *Service) Logout(ctx context.Context, cookieValue string) error {
	sessionID, _, ok := ParseSessionCookie(cookieValue)
	if !ok {
		return nil
	}
	err := s.store.DeleteSession(ctx, sessionID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil
	}
	return err
}

// SessionCookie builds the session cookie for a login response.
func (s *Service) SessionCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.sessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie builds the expired cookie for a logout response.
func (s *Service) ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// CreateToken mints a new API token for the user. The plaintext is returned
// exactly once; only its hash is stored.
func (s *Service) CreateToken(ctx context.Context, userID int64, name string) (string, *models.Token, error) {
	plaintext, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}
	row := &models.Token{
		UserID:    userID,
		TokenHash: HashToken(plaintext),
		Name:      name,
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return "", nil, err
	}
	return plaintext, row, nil
}
