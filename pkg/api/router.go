package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/api/handlers"
	hubmw "github.com/kohakuhub/kohakuhub/pkg/api/middleware"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/commits"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/repos"
	"github.com/kohakuhub/kohakuhub/pkg/hub/resolve"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/mail"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// Deps carries the assembled services the router wires into handlers.
// Everything is constructed once at startup; the router holds no state
// of its own.
type Deps struct {
	Store    *store.Store
	Auth     *auth.Service
	Repos    *repos.Service
	Commits  *commits.Engine
	Resolve  *resolve.Engine
	LFS      *lfs.Engine
	Fallback *fallback.Proxy
	Stats    *stats.Service
	Quota    *quota.Accountant
	Mail     mail.Sender
	Metrics  *metrics.Metrics
	VOS      *lakefs.Client
	ROS      *s3.Client

	// BaseURL is the externally reachable address of this hub, used
	// for URLs echoed back to clients (commit URLs, LFS hrefs).
	BaseURL  string
	SiteName string
	Version  string

	// MaxCommitBytes caps the NDJSON commit payload size.
	MaxCommitBytes int64

	// AccountDefaults seeds quota limits on new users and orgs.
	AccountDefaults handlers.AccountDefaults

	// AdminEnabled gates the /api/admin surface; AdminToken is the
	// shared secret checked by the admin middleware.
	AdminEnabled bool
	AdminToken   string
}

// NewRouter builds the chi router with the full hub route table.
//
// Three route families share the mux:
//   - /api/** — the JSON management API (repos, commits, auth, orgs, admin)
//   - hub wire paths at the root — resolve, LFS batch, CAS reconstruction,
//     shaped to match what HuggingFace clients request
//   - operational endpoints — /health and /metrics, outside authentication
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(hubmw.Metrics(deps.Metrics))
	}

	// Unmatched routes follow the same wire contract as handler errors:
	// empty body, X-Error-Code header.
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteErrorCode(w, http.StatusNotFound, handlers.CodeEntryNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteErrorCode(w, http.StatusMethodNotAllowed, handlers.CodeBadRequest, "method not allowed")
	})

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.VOS, deps.ROS)
	repoHandler := handlers.NewRepoHandler(deps.Store, deps.Repos, deps.Auth, deps.Fallback, deps.Stats, deps.BaseURL)
	commitHandler := handlers.NewCommitHandler(deps.Store, deps.Auth, deps.Commits, deps.LFS, deps.Metrics, deps.BaseURL, deps.MaxCommitBytes)
	resolveHandler := handlers.NewResolveHandler(deps.Store, deps.Auth, deps.Resolve, deps.Fallback, deps.Stats, deps.Metrics, deps.BaseURL)
	lfsHandler := handlers.NewLFSHandler(deps.Store, deps.Auth, deps.LFS, deps.Metrics)
	authHandler := handlers.NewAuthHandler(deps.Store, deps.Auth, deps.Mail, deps.AccountDefaults, deps.BaseURL, deps.SiteName, deps.Version)
	orgHandler := handlers.NewOrgHandler(deps.Store, deps.Auth, deps.AccountDefaults)
	adminHandler := handlers.NewAdminHandler(deps.Store, deps.Quota, deps.Commits)
	miscHandler := handlers.NewMiscHandler(deps.Store, deps.Stats, deps.SiteName, deps.Version)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	// Everything below resolves the caller's identity from the session
	// cookie or bearer token; handlers enforce their own permissions.
	r.Group(func(r chi.Router) {
		r.Use(hubmw.Identify(deps.Auth))

		r.Route("/api", func(r chi.Router) {
			r.Get("/version", miscHandler.Version)
			r.Post("/validate-yaml", miscHandler.ValidateYAML)
			r.Post("/validate/check-name", miscHandler.CheckName)
			r.Get("/trending", miscHandler.Trending)
			r.Get("/whoami-v2", authHandler.Whoami)

			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", authHandler.Register)
				r.Get("/verify-email", authHandler.VerifyEmail)
				r.Post("/login", authHandler.Login)
				r.Post("/logout", authHandler.Logout)
				r.Get("/tokens", authHandler.ListTokens)
				r.Post("/tokens", authHandler.CreateToken)
				r.Delete("/tokens/{tokenID}", authHandler.RevokeToken)
			})

			r.Route("/organizations", func(r chi.Router) {
				r.Post("/", orgHandler.Create)
				r.Route("/{org}", func(r chi.Router) {
					r.Get("/", orgHandler.Info)
					r.Get("/members", orgHandler.ListMembers)
					r.Post("/members", orgHandler.AddMember)
					r.Put("/members/{username}", orgHandler.UpdateMember)
					r.Delete("/members/{username}", orgHandler.RemoveMember)
					r.Post("/invitations", orgHandler.CreateInvitation)
				})
			})
			r.Post("/invitations/accept", orgHandler.AcceptInvitation)
			r.Get("/users/{username}/orgs", orgHandler.UserOrgs)

			r.Post("/repos/create", repoHandler.Create)
			r.Delete("/repos/delete", repoHandler.Delete)

			r.Get("/{repoType:models|datasets|spaces}", repoHandler.List)
			r.Route("/{repoType:models|datasets|spaces}/{namespace}/{repo}", func(r chi.Router) {
				r.Get("/", repoHandler.Info)
				r.Get("/revision/{revision}", repoHandler.Info)
				r.Get("/tree/{revision}", repoHandler.Tree)
				r.Get("/tree/{revision}/*", repoHandler.Tree)
				r.Get("/commits/{revision}", repoHandler.CommitLog)
				r.Get("/refs", repoHandler.Refs)
				r.Get("/stats", repoHandler.Stats)
				r.Put("/settings", repoHandler.UpdateSettings)
				r.Post("/branch/{branch}", repoHandler.CreateBranch)
				r.Delete("/branch/{branch}", repoHandler.DeleteBranch)
				r.Post("/commit/{revision}", commitHandler.Commit)
				r.Post("/preupload/{revision}", commitHandler.Preupload)
				r.Get("/xet-read-token/{revision}/*", resolveHandler.XetToken)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(hubmw.RequireAdmin(deps.AdminEnabled, deps.AdminToken))
				r.Post("/quota/recalculate", adminHandler.RecalculateQuota)
				r.Get("/invitations", adminHandler.ListInvitations)
				r.Post("/invitations", adminHandler.CreateInvitation)
				r.Delete("/invitations/{id}", adminHandler.DeleteInvitation)
				r.Post("/reconcile", adminHandler.Reconcile)
				r.Post("/sql", adminHandler.SQL)
			})
		})

		r.Get("/cas/reconstructions/{sha256}", resolveHandler.Reconstruction)

		// Download and git-LFS wire paths. The {repo} segment keeps the
		// ".git" suffix git clients append; the LFS handler strips it.
		r.Route("/{repoType:models|datasets|spaces}/{namespace}/{repo}", func(r chi.Router) {
			r.Get("/resolve/{revision}/*", resolveHandler.Resolve)
			r.Head("/resolve/{revision}/*", resolveHandler.Resolve)
			r.Post("/info/lfs/objects/batch", lfsHandler.Batch)
			r.Post("/info/lfs/verify", lfsHandler.Verify)
			r.Post("/info/lfs/complete-multipart", lfsHandler.CompleteMultipart)
		})

		// Models are addressed without a type prefix on the wire.
		r.Route("/{namespace}/{repo}", func(r chi.Router) {
			r.Get("/resolve/{revision}/*", resolveHandler.Resolve)
			r.Head("/resolve/{revision}/*", resolveHandler.Resolve)
			r.Post("/info/lfs/objects/batch", lfsHandler.Batch)
			r.Post("/info/lfs/verify", lfsHandler.Verify)
			r.Post("/info/lfs/complete-multipart", lfsHandler.CompleteMultipart)
		})
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
