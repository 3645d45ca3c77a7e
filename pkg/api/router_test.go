package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/repos"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/mail"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

// fakeVOS is a minimal in-memory versioned store covering the lifecycle
// calls the repo routes make.
type fakeVOS struct {
	repos map[string]*fakeVOSRepo
}

type fakeVOSRepo struct {
	branches map[string]string
	commits  map[string]lakefs.CommitRecord
}

func newFakeVOS() *fakeVOS {
	return &fakeVOS{repos: map[string]*fakeVOSRepo{}}
}

func (v *fakeVOS) CreateRepo(_ context.Context, repo, defaultBranch string) (*lakefs.Repo, error) {
	if _, ok := v.repos[repo]; ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoExists)
	}
	v.repos[repo] = &fakeVOSRepo{
		branches: map[string]string{defaultBranch: "root"},
		commits:  map[string]lakefs.CommitRecord{"root": {ID: "root"}},
	}
	return &lakefs.Repo{ID: repo, DefaultBranch: defaultBranch}, nil
}

func (v *fakeVOS) DeleteRepo(_ context.Context, repo string) error {
	delete(v.repos, repo)
	return nil
}

func (v *fakeVOS) GetBranch(_ context.Context, repo, branch string) (*lakefs.Branch, error) {
	r, ok := v.repos[repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	commitID, ok := r.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", repo, branch, models.ErrRevisionNotFound)
	}
	return &lakefs.Branch{ID: branch, CommitID: commitID}, nil
}

func (v *fakeVOS) ListBranches(_ context.Context, repo, after string, amount int) (*lakefs.BranchPage, error) {
	r, ok := v.repos[repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	names := make([]string, 0, len(r.branches))
	for name := range r.branches {
		names = append(names, name)
	}
	sort.Strings(names)

	page := &lakefs.BranchPage{}
	for _, name := range names {
		if after != "" && name <= after {
			continue
		}
		page.Results = append(page.Results, lakefs.Branch{ID: name, CommitID: r.branches[name]})
	}
	return page, nil
}

func (v *fakeVOS) CreateBranch(_ context.Context, repo, branch, sourceRef string) error {
	r, ok := v.repos[repo]
	if !ok {
		return fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	commitID, ok := r.branches[sourceRef]
	if !ok {
		return fmt.Errorf("%s@%s: %w", repo, sourceRef, models.ErrRevisionNotFound)
	}
	r.branches[branch] = commitID
	return nil
}

func (v *fakeVOS) DeleteBranch(_ context.Context, repo, branch string) error {
	r, ok := v.repos[repo]
	if !ok {
		return fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	delete(r.branches, branch)
	return nil
}

func (v *fakeVOS) GetCommit(_ context.Context, repo, commitID string) (*lakefs.CommitRecord, error) {
	r, ok := v.repos[repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	rec, ok := r.commits[commitID]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", repo, commitID, models.ErrRevisionNotFound)
	}
	return &rec, nil
}

func (v *fakeVOS) ListObjects(_ context.Context, repo, ref, prefix, after, delimiter string, amount int) (*lakefs.ObjectPage, error) {
	if _, ok := v.repos[repo]; !ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	return &lakefs.ObjectPage{}, nil
}

type testHub struct {
	router  http.Handler
	store   *store.Store
	auth    *auth.Service
	baseURL string
}

func newTestHub(t *testing.T, mutate func(*Deps)) *testHub {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authSvc := auth.NewService(st, 7, false)
	acct := quota.New(st)

	deps := Deps{
		Store:          st,
		Auth:           authSvc,
		Repos:          repos.New(st, newFakeVOS(), acct, nil),
		Stats:          stats.New(st, nil),
		Quota:          acct,
		Mail:           mail.NewStdout(io.Discard),
		BaseURL:        "http://hub.test",
		SiteName:       "KohakuHub Test",
		Version:        "test",
		MaxCommitBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testHub{
		router:  NewRouter(deps),
		store:   st,
		auth:    authSvc,
		baseURL: deps.BaseURL,
	}
}

func (h *testHub) do(t *testing.T, method, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// registerUser creates an account over the wire and mints an API token
// for it directly through the auth service.
func (h *testHub) registerUser(t *testing.T, username string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "sekrit-enough",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status = %d, body %s", username, rec.Code, rec.Body)
	}

	user, err := h.store.GetUser(context.Background(), username)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", username, err)
	}
	plaintext, _, err := h.auth.CreateToken(context.Background(), user.ID, "test")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return plaintext
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	hub := newTestHub(t, nil)

	rec := hub.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf(`status = %q, want "ok"`, body["status"])
	}
}

func TestErrorContractOnUnknownRoute(t *testing.T) {
	hub := newTestHub(t, nil)

	rec := hub.do(t, http.MethodGet, "/api/definitely-not-a-route", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "EntryNotFound" {
		t.Errorf("X-Error-Code = %q, want EntryNotFound", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("error body = %q, want empty", rec.Body)
	}
}

func TestRepoNotFoundHeaders(t *testing.T) {
	hub := newTestHub(t, nil)

	rec := hub.do(t, http.MethodGet, "/api/models/ghost/nothing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "RepoNotFound" {
		t.Errorf("X-Error-Code = %q, want RepoNotFound", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("error body = %q, want empty", rec.Body)
	}
}

func TestWhoamiRequiresCredentials(t *testing.T) {
	hub := newTestHub(t, nil)

	rec := hub.do(t, http.MethodGet, "/api/whoami-v2", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "Unauthorized" {
		t.Errorf("X-Error-Code = %q, want Unauthorized", got)
	}
}

func TestRegisterLoginWhoami(t *testing.T) {
	hub := newTestHub(t, nil)
	hub.registerUser(t, "alice")

	login := hub.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "sekrit-enough",
	}, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body %s", login.Code, login.Body)
	}
	cookies := login.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}

	who := hub.do(t, http.MethodGet, "/api/whoami-v2", nil, func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	})
	if who.Code != http.StatusOK {
		t.Fatalf("whoami: status = %d, body %s", who.Code, who.Body)
	}
	var body struct {
		Name string `json:"name"`
		Auth struct {
			Type string `json:"type"`
		} `json:"auth"`
	}
	decodeBody(t, who, &body)
	if body.Name != "alice" {
		t.Errorf("whoami name = %q, want alice", body.Name)
	}
	if body.Auth.Type != "session" {
		t.Errorf("auth type = %q, want session", body.Auth.Type)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	hub := newTestHub(t, nil)
	hub.registerUser(t, "alice")

	rec := hub.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRepoLifecycleOverWire(t *testing.T) {
	hub := newTestHub(t, nil)
	token := hub.registerUser(t, "alice")

	create := hub.do(t, http.MethodPost, "/api/repos/create", map[string]any{
		"type": "model",
		"name": "bert",
	}, bearer(token))
	if create.Code != http.StatusOK {
		t.Fatalf("create: status = %d, body %s", create.Code, create.Body)
	}
	var created struct {
		URL      string `json:"url"`
		Endpoint string `json:"endpoint"`
	}
	decodeBody(t, create, &created)
	if created.URL != hub.baseURL+"/alice/bert" {
		t.Errorf("create url = %q", created.URL)
	}

	dup := hub.do(t, http.MethodPost, "/api/repos/create", map[string]any{
		"type": "model",
		"name": "bert",
	}, bearer(token))
	if dup.Code != http.StatusConflict {
		t.Errorf("duplicate create: status = %d, want 409", dup.Code)
	}
	if got := dup.Header().Get("X-Error-Code"); got != "RepoExists" {
		t.Errorf("duplicate X-Error-Code = %q, want RepoExists", got)
	}

	info := hub.do(t, http.MethodGet, "/api/models/alice/bert", nil, nil)
	if info.Code != http.StatusOK {
		t.Fatalf("info: status = %d, body %s", info.Code, info.Body)
	}
	var infoBody struct {
		ID      string `json:"id"`
		SHA     string `json:"sha"`
		Private bool   `json:"private"`
	}
	decodeBody(t, info, &infoBody)
	if infoBody.ID != "alice/bert" {
		t.Errorf("info id = %q, want alice/bert", infoBody.ID)
	}
	if infoBody.SHA == "" {
		t.Error("info sha is empty")
	}

	refs := hub.do(t, http.MethodGet, "/api/models/alice/bert/refs", nil, nil)
	if refs.Code != http.StatusOK {
		t.Fatalf("refs: status = %d, body %s", refs.Code, refs.Body)
	}
	var refsBody struct {
		Branches []struct {
			Name string `json:"name"`
			Ref  string `json:"ref"`
		} `json:"branches"`
	}
	decodeBody(t, refs, &refsBody)
	if len(refsBody.Branches) != 1 || refsBody.Branches[0].Name != models.DefaultBranch {
		t.Errorf("refs = %+v, want single %s branch", refsBody.Branches, models.DefaultBranch)
	}
}

func TestCreateRepoRequiresAuth(t *testing.T) {
	hub := newTestHub(t, nil)

	rec := hub.do(t, http.MethodPost, "/api/repos/create", map[string]any{
		"type": "model",
		"name": "bert",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPrivateRepoReadsAsNotFound(t *testing.T) {
	hub := newTestHub(t, nil)
	token := hub.registerUser(t, "alice")

	create := hub.do(t, http.MethodPost, "/api/repos/create", map[string]any{
		"type":    "model",
		"name":    "secret",
		"private": true,
	}, bearer(token))
	if create.Code != http.StatusOK {
		t.Fatalf("create: status = %d, body %s", create.Code, create.Body)
	}

	// Anonymous reads of private repos are indistinguishable from absent
	// repos so names cannot be probed.
	anon := hub.do(t, http.MethodGet, "/api/models/alice/secret", nil, nil)
	if anon.Code != http.StatusNotFound {
		t.Errorf("anonymous read: status = %d, want 404", anon.Code)
	}
	if got := anon.Header().Get("X-Error-Code"); got != "RepoNotFound" {
		t.Errorf("anonymous X-Error-Code = %q, want RepoNotFound", got)
	}

	owner := hub.do(t, http.MethodGet, "/api/models/alice/secret", nil, bearer(token))
	if owner.Code != http.StatusOK {
		t.Errorf("owner read: status = %d, want 200", owner.Code)
	}
}

func TestAdminRoutesGated(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		hub := newTestHub(t, nil)
		rec := hub.do(t, http.MethodGet, "/api/admin/invitations", nil, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		hub := newTestHub(t, func(d *Deps) {
			d.AdminEnabled = true
			d.AdminToken = "operator-secret"
		})
		rec := hub.do(t, http.MethodGet, "/api/admin/invitations", nil, func(r *http.Request) {
			r.Header.Set("X-Admin-Token", "nope")
		})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("recalculate quota", func(t *testing.T) {
		hub := newTestHub(t, func(d *Deps) {
			d.AdminEnabled = true
			d.AdminToken = "operator-secret"
		})
		hub.registerUser(t, "alice")

		rec := hub.do(t, http.MethodPost, "/api/admin/quota/recalculate", map[string]string{
			"username": "alice",
		}, func(r *http.Request) {
			r.Header.Set("X-Admin-Token", "operator-secret")
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var body struct {
			Username string `json:"username"`
		}
		decodeBody(t, rec, &body)
		if body.Username != "alice" {
			t.Errorf("username = %q, want alice", body.Username)
		}
	})
}
