package stats

import (
	"context"
	"testing"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dedup, err := ttlcache.Open(ttlcache.Config{Path: ":memory:", TTL: 48 * time.Hour})
	if err != nil {
		t.Fatalf("failed to open dedup cache: %v", err)
	}
	t.Cleanup(func() { dedup.Close() })

	return New(st, dedup), st
}

func mustCreateRepo(t *testing.T, st *store.Store, name string) *models.Repository {
	t.Helper()
	email := name + "@example.com"
	hash := "$2a$10$fakehashfakehashfakehash"
	user := &models.User{Username: "owner-" + name, Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	repo := &models.Repository{
		RepoType:  string(names.RepoTypeModel),
		Namespace: user.Username,
		Name:      name,
		OwnerID:   user.ID,
	}
	if err := st.CreateRepository(context.Background(), repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	return repo
}

func TestRecordDownloadDedupsSessions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	repo := mustCreateRepo(t, st, "dedup")

	for i := 0; i < 3; i++ {
		if err := svc.RecordDownload(ctx, repo, "session-a", true); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}
	if err := svc.RecordDownload(ctx, repo, "session-b", false); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	days, err := svc.RepoStats(ctx, repo, 1)
	if err != nil {
		t.Fatalf("RepoStats: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("RepoStats returned %d days, want 1", len(days))
	}
	today := days[0]
	if today.DownloadSessions != 2 {
		t.Errorf("DownloadSessions = %d, want 2", today.DownloadSessions)
	}
	if today.AuthenticatedDownloads != 3 {
		t.Errorf("AuthenticatedDownloads = %d, want 3", today.AuthenticatedDownloads)
	}
	if today.AnonymousDownloads != 1 {
		t.Errorf("AnonymousDownloads = %d, want 1", today.AnonymousDownloads)
	}

	got, err := st.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}
	if got.Downloads != 2 {
		t.Errorf("lifetime downloads = %d, want 2 (one per session)", got.Downloads)
	}
}

func TestRepoStatsBackfillsMissingDays(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	repo := mustCreateRepo(t, st, "backfill")

	// Only two days in the window have rows.
	now := time.Now().UTC()
	twoDaysAgo := store.Today(now.AddDate(0, 0, -2))
	if err := st.BumpDailyStats(ctx, repo.ID, twoDaysAgo, store.StatsDelta{NewSession: true, Authenticated: true}); err != nil {
		t.Fatalf("BumpDailyStats: %v", err)
	}
	if err := svc.RecordDownload(ctx, repo, "s", false); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	days, err := svc.RepoStats(ctx, repo, 7)
	if err != nil {
		t.Fatalf("RepoStats: %v", err)
	}
	if len(days) != 7 {
		t.Fatalf("RepoStats returned %d days, want 7", len(days))
	}

	// Oldest first, every day present, gaps zero-filled.
	for i := 1; i < len(days); i++ {
		if days[i-1].Date >= days[i].Date {
			t.Errorf("days out of order: %s before %s", days[i-1].Date, days[i].Date)
		}
	}
	nonZero := 0
	for _, d := range days {
		if d.DownloadSessions > 0 {
			nonZero++
		}
	}
	if nonZero != 2 {
		t.Errorf("want exactly 2 non-zero days, got %d", nonZero)
	}
	if days[6].Date != store.Today(now) {
		t.Errorf("last day = %s, want today %s", days[6].Date, store.Today(now))
	}
}

func TestTrendingOrdersByDecayedScore(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	hot := mustCreateRepo(t, st, "hot")
	cool := mustCreateRepo(t, st, "cool")
	cold := mustCreateRepo(t, st, "cold")

	now := time.Now().UTC()
	today := store.Today(now)
	sixDaysAgo := store.Today(now.AddDate(0, 0, -6))

	// hot: 10 sessions today. cool: 10 sessions six days ago, so the
	// same raw count decays to a lower score. cold: nothing.
	for i := 0; i < 10; i++ {
		if err := st.BumpDailyStats(ctx, hot.ID, today, store.StatsDelta{NewSession: true}); err != nil {
			t.Fatalf("BumpDailyStats: %v", err)
		}
		if err := st.BumpDailyStats(ctx, cool.ID, sixDaysAgo, store.StatsDelta{NewSession: true}); err != nil {
			t.Fatalf("BumpDailyStats: %v", err)
		}
	}

	ranked, err := svc.Trending(ctx, string(names.RepoTypeModel), 10)
	if err != nil {
		t.Fatalf("Trending: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("Trending returned %d repos, want 2 (cold has no score)", len(ranked))
	}
	if ranked[0].Repo.ID != hot.ID {
		t.Errorf("top repo = %s, want %s", ranked[0].Repo.FullID, hot.FullID)
	}
	if ranked[1].Repo.ID != cool.ID {
		t.Errorf("second repo = %s, want %s", ranked[1].Repo.FullID, cool.FullID)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("scores not decayed: %f <= %f", ranked[0].Score, ranked[1].Score)
	}
	if ranked[0].Downloads != 10 {
		t.Errorf("window downloads = %d, want 10", ranked[0].Downloads)
	}
	_ = cold
}

func TestTrendingSkipsPrivateRepos(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	repo := mustCreateRepo(t, st, "secret")
	private := true
	if err := st.UpdateRepositorySettings(ctx, repo.ID, store.RepoSettings{Private: &private}); err != nil {
		t.Fatalf("UpdateRepositorySettings: %v", err)
	}
	if err := st.BumpDailyStats(ctx, repo.ID, store.Today(time.Now()), store.StatsDelta{NewSession: true}); err != nil {
		t.Fatalf("BumpDailyStats: %v", err)
	}

	ranked, err := svc.Trending(ctx, "", 10)
	if err != nil {
		t.Fatalf("Trending: %v", err)
	}
	if len(ranked) != 0 {
		t.Errorf("private repo should not trend, got %d entries", len(ranked))
	}
}

func TestTrendingFiltersByType(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	model := mustCreateRepo(t, st, "amodel")

	email := "d@example.com"
	hash := "$2a$10$fakehashfakehashfakehash"
	user := &models.User{Username: "dsowner", Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dataset := &models.Repository{
		RepoType:  string(names.RepoTypeDataset),
		Namespace: user.Username,
		Name:      "adataset",
		OwnerID:   user.ID,
	}
	if err := st.CreateRepository(ctx, dataset); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	today := store.Today(time.Now())
	for _, id := range []int64{model.ID, dataset.ID} {
		if err := st.BumpDailyStats(ctx, id, today, store.StatsDelta{NewSession: true}); err != nil {
			t.Fatalf("BumpDailyStats: %v", err)
		}
	}

	ranked, err := svc.Trending(ctx, string(names.RepoTypeDataset), 10)
	if err != nil {
		t.Fatalf("Trending: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Repo.ID != dataset.ID {
		t.Errorf("type filter failed: got %d entries", len(ranked))
	}
}

func TestRecordDownloadWithoutSessionAlwaysCounts(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	repo := mustCreateRepo(t, st, "nosession")

	// An empty session id cannot dedup; each event is a new session.
	for i := 0; i < 2; i++ {
		if err := svc.RecordDownload(ctx, repo, "", false); err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}

	days, err := svc.RepoStats(ctx, repo, 1)
	if err != nil {
		t.Fatalf("RepoStats: %v", err)
	}
	if days[0].DownloadSessions != 2 {
		t.Errorf("DownloadSessions = %d, want 2", days[0].DownloadSessions)
	}
}
