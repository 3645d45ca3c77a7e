package fallback

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
	"github.com/kohakuhub/kohakuhub/pkg/seal"
)

func newTestProxy(t *testing.T, sourcesJSON string) (*Proxy, *store.Store) {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache, err := ttlcache.Open(ttlcache.Config{Path: ":memory:", TTL: 5 * time.Minute, MaxEntries: 100})
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	sealer, err := seal.New(hex.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatalf("failed to build sealer: %v", err)
	}

	p, err := New(st, sealer, cache, Config{SourcesJSON: sourcesJSON, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p, st
}

func TestSourcesMergeAndPriority(t *testing.T) {
	ctx := context.Background()

	upstream := `[{"name":"env-hf","url":"https://hf.example","source_type":"huggingface","priority":50}]`
	p, st := newTestProxy(t, upstream)

	// Global DB source with better priority and a namespace-scoped one.
	if err := st.CreateFallbackSource(ctx, &models.FallbackSource{
		Namespace: "", URL: "https://global.example", Name: "global",
		SourceType: models.SourceTypeKohakuHub, Priority: 10, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateFallbackSource: %v", err)
	}
	if err := st.CreateFallbackSource(ctx, &models.FallbackSource{
		Namespace: "alice", URL: "https://alice.example", Name: "alice-mirror",
		SourceType: models.SourceTypeKohakuHub, Priority: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateFallbackSource: %v", err)
	}

	sources, err := p.Sources(ctx, "alice", TokenOverlay{})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("got %d sources, want 3", len(sources))
	}
	if sources[0].Name != "alice-mirror" || sources[1].Name != "global" || sources[2].Name != "env-hf" {
		t.Errorf("priority order wrong: %s, %s, %s", sources[0].Name, sources[1].Name, sources[2].Name)
	}

	// Another namespace does not see alice's source.
	sources, err = p.Sources(ctx, "bob", TokenOverlay{})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("bob sees %d sources, want 2", len(sources))
	}
}

func TestSourcesDedupByURL(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProxy(t, `[{"name":"env","url":"https://dup.example","priority":50}]`)

	if err := st.CreateFallbackSource(ctx, &models.FallbackSource{
		URL: "https://dup.example", Name: "db-better", Priority: 5,
		SourceType: models.SourceTypeHuggingFace, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateFallbackSource: %v", err)
	}

	sources, err := p.Sources(ctx, "", TokenOverlay{})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("got %d sources, want 1 after dedup", len(sources))
	}
	if sources[0].Name != "db-better" {
		t.Errorf("dedup kept %q, want the lower priority entry", sources[0].Name)
	}
}

func TestSourcesTokenOverlay(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProxy(t, "")

	adminToken, err := p.sealer.Seal("admin-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := st.CreateFallbackSource(ctx, &models.FallbackSource{
		URL: "https://up.example", Name: "up", Priority: 1,
		SourceType: models.SourceTypeHuggingFace, EncryptedToken: adminToken, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateFallbackSource: %v", err)
	}

	// Admin token only.
	sources, err := p.Sources(ctx, "", TokenOverlay{})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if sources[0].Token != "admin-token" {
		t.Errorf("Token = %q, want admin-token", sources[0].Token)
	}

	// Stored per-user override beats the admin token.
	email := "u@example.com"
	hash := "$2a$10$fakehashfakehashfakehash"
	user := &models.User{Username: "u", Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userToken, _ := p.sealer.Seal("user-token")
	if err := st.SetUserExternalToken(ctx, &models.UserExternalToken{
		UserID: user.ID, URL: "https://up.example", EncryptedToken: userToken,
	}); err != nil {
		t.Fatalf("SetUserExternalToken: %v", err)
	}
	sources, err = p.Sources(ctx, "", TokenOverlay{UserID: user.ID})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if sources[0].Token != "user-token" {
		t.Errorf("Token = %q, want user-token", sources[0].Token)
	}

	// Request-scoped token beats both.
	sources, err = p.Sources(ctx, "", TokenOverlay{
		UserID:        user.ID,
		RequestTokens: map[string]string{"https://up.example": "request-token"},
	})
	if err != nil {
		t.Fatalf("Sources() failed: %v", err)
	}
	if sources[0].Token != "request-token" {
		t.Errorf("Token = %q, want request-token", sources[0].Token)
	}
}

func TestRelayTriesNextOn404(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"alice/bert"}`))
	}))
	defer second.Close()

	p, _ := newTestProxy(t, `[
		{"name":"first","url":"`+first.URL+`","source_type":"kohakuhub","priority":1},
		{"name":"second","url":"`+second.URL+`","source_type":"kohakuhub","priority":2}
	]`)

	req := httptest.NewRequest(http.MethodGet, "/api/models/alice/bert", nil)
	rec := httptest.NewRecorder()
	if err := p.Relay(rec, req, names.RepoTypeModel, "alice", "bert", TokenOverlay{}); err != nil {
		t.Fatalf("Relay() failed: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Source"); got != "second" {
		t.Errorf("X-Source = %q, want second", got)
	}
	if got := rec.Header().Get("X-Source-Status"); got != "200" {
		t.Errorf("X-Source-Status = %q, want 200", got)
	}
	if !strings.Contains(rec.Body.String(), "alice/bert") {
		t.Errorf("body not relayed: %q", rec.Body.String())
	}
}

func TestRelayGivesUpOnClient4xx(t *testing.T) {
	gated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer gated.Close()
	never := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("second source must not be consulted after a client 4xx")
	}))
	defer never.Close()

	p, _ := newTestProxy(t, `[
		{"name":"gated","url":"`+gated.URL+`","source_type":"kohakuhub","priority":1},
		{"name":"never","url":"`+never.URL+`","source_type":"kohakuhub","priority":2}
	]`)

	req := httptest.NewRequest(http.MethodGet, "/api/models/alice/bert", nil)
	rec := httptest.NewRecorder()
	err := p.Relay(rec, req, names.RepoTypeModel, "alice", "bert", TokenOverlay{})

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", upstream.Status)
	}
}

func TestRelayPassesRedirectThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://cdn.example/blob")
		w.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	p, _ := newTestProxy(t, `[{"name":"origin","url":"`+origin.URL+`","source_type":"kohakuhub","priority":1}]`)

	req := httptest.NewRequest(http.MethodGet, "/models/alice/bert/resolve/main/weights.bin", nil)
	rec := httptest.NewRecorder()
	if err := p.Relay(rec, req, names.RepoTypeModel, "alice", "bert", TokenOverlay{}); err != nil {
		t.Fatalf("Relay() failed: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302 passed through", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://cdn.example/blob" {
		t.Errorf("Location = %q, want the upstream CDN", got)
	}
}

func TestRelayCachesNegativeVerdict(t *testing.T) {
	hits := 0
	miss := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer miss.Close()

	p, _ := newTestProxy(t, `[{"name":"miss","url":"`+miss.URL+`","source_type":"kohakuhub","priority":1}]`)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/models/alice/ghost", nil)
		rec := httptest.NewRecorder()
		err := p.Relay(rec, req, names.RepoTypeModel, "alice", "ghost", TokenOverlay{})
		if err == nil {
			t.Fatal("Relay() should fail for a repo nobody has")
		}
		if i == 0 && !errors.Is(err, models.ErrEntryNotFound) {
			t.Errorf("first miss err = %v, want ErrEntryNotFound", err)
		}
		if i > 0 && !errors.Is(err, models.ErrRepoNotFound) {
			t.Errorf("cached miss err = %v, want ErrRepoNotFound", err)
		}
	}
	if hits != 1 {
		t.Errorf("upstream consulted %d times, want 1 (negative verdict cached)", hits)
	}
}

func TestRelayRewritesHFModelPath(t *testing.T) {
	var gotPath string
	hf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer hf.Close()

	p, _ := newTestProxy(t, `[{"name":"hf","url":"`+hf.URL+`","source_type":"huggingface","priority":1}]`)

	req := httptest.NewRequest(http.MethodGet, "/models/alice/bert/resolve/main/config.json", nil)
	rec := httptest.NewRecorder()
	if err := p.Relay(rec, req, names.RepoTypeModel, "alice", "bert", TokenOverlay{}); err != nil {
		t.Fatalf("Relay() failed: %v", err)
	}
	if gotPath != "/alice/bert/resolve/main/config.json" {
		t.Errorf("upstream path = %q, want type prefix stripped", gotPath)
	}
}

func TestProbeCachesPositive(t *testing.T) {
	hits := 0
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"id":"alice/bert"}`))
	}))
	defer up.Close()

	p, _ := newTestProxy(t, `[{"name":"up","url":"`+up.URL+`","source_type":"kohakuhub","priority":1}]`)
	ctx := context.Background()

	sources, err := p.Sources(ctx, "alice", TokenOverlay{})
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := p.Probe(ctx, names.RepoTypeModel, "alice", "bert", sources)
		if err != nil {
			t.Fatalf("Probe() failed: %v", err)
		}
		if !res.Exists || res.SourceName != "up" {
			t.Errorf("probe result = %+v, want exists via up", res)
		}
	}
	if hits != 1 {
		t.Errorf("upstream consulted %d times, want 1", hits)
	}
}

func TestListUpstreamTagsEntries(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			t.Errorf("list path = %q, want /api/models", r.URL.Path)
		}
		if r.URL.Query().Get("author") != "alice" {
			t.Errorf("author query not forwarded: %q", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":"alice/remote-only"}]`))
	}))
	defer up.Close()

	p, _ := newTestProxy(t, `[{"name":"up","url":"`+up.URL+`","source_type":"kohakuhub","priority":1}]`)

	query := url.Values{"author": {"alice"}}
	entries := p.ListUpstream(context.Background(), names.RepoTypeModel, "alice", query, TokenOverlay{})
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["_source"] != "up" {
		t.Errorf("_source = %v, want up", entries[0]["_source"])
	}
}
