package handlers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSONBody decodes and validates a JSON request body.
// Returns true if successful, false if the error response was already
// written.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, fmt.Errorf("%w: malformed JSON body", models.ErrBadRequest))
		return false
	}
	if err := validate.Struct(v); err != nil {
		WriteError(w, r, err)
		return false
	}
	return true
}

// requestIdentity returns the identity the authenticator attached, which
// may be anonymous. Safe on requests that never passed the middleware.
func requestIdentity(r *http.Request) *auth.Identity {
	if id := auth.IdentityFrom(r.Context()); id != nil {
		return id
	}
	return &auth.Identity{}
}

// requireUser returns the authenticated user, writing a 401 when the
// request is anonymous.
func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id := requestIdentity(r)
	if id.Anonymous() {
		WriteError(w, r, fmt.Errorf("%w: authentication required", models.ErrUnauthorized))
		return nil, false
	}
	return id.User, true
}

// tokenOverlay builds the fallback token overlay for the request's
// identity.
func tokenOverlay(id *auth.Identity) fallback.TokenOverlay {
	var overlay fallback.TokenOverlay
	if id == nil {
		return overlay
	}
	if id.User != nil {
		overlay.UserID = id.User.ID
	}
	overlay.RequestTokens = id.ExternalTokens
	return overlay
}

// parseRepoType wraps the names parser so unknown types classify as a
// client error.
func parseRepoType(s string) (names.RepoType, error) {
	t, err := names.ParseRepoType(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", models.ErrInvalidRepoType, err)
	}
	return t, nil
}

// repoTypeParam parses the {repoType} URL parameter. Routes without the
// parameter are the unprefixed model shape hub clients use.
func repoTypeParam(r *http.Request) (names.RepoType, error) {
	raw := chi.URLParam(r, "repoType")
	if raw == "" {
		return names.RepoTypeModel, nil
	}
	return parseRepoType(raw)
}

// repoFromRequest loads the repository addressed by the
// {repoType}/{namespace}/{repo} route parameters.
func repoFromRequest(r *http.Request, st *store.Store) (*models.Repository, error) {
	repoType, err := repoTypeParam(r)
	if err != nil {
		return nil, err
	}
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "repo")
	return st.GetRepository(r.Context(), repoType, namespace, name)
}

// revisionParam returns the decoded {revision} URL parameter. Clients
// may send a fully qualified head ref; the branch name is what the
// storage layers speak.
func revisionParam(r *http.Request) string {
	raw := chi.URLParam(r, "revision")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return strings.TrimPrefix(raw, "refs/heads/")
}

// wildcardPath returns the decoded tail matched by a /* route. Escaped
// request paths reach the router raw, so the tail is unescaped here.
func wildcardPath(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool parses a boolean query parameter. Absent or malformed values
// are false.
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// repoURL is the canonical externally visible URL of a repository.
// Models live at the root; other types under their plural segment.
func repoURL(baseURL string, repo *models.Repository) string {
	if repo.Type() == names.RepoTypeModel {
		return baseURL + "/" + repo.FullID
	}
	return baseURL + "/" + repo.Type().Plural() + "/" + repo.FullID
}

// clientSessionID identifies the caller for download deduplication: the
// session cookie when present, the client IP otherwise.
func clientSessionID(r *http.Request) string {
	if c, err := r.Cookie(auth.SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
