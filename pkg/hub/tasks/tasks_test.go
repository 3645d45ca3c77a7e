package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// fakeROS backs both the LFS engine and the reapers in memory.
type fakeROS struct {
	objects map[string]s3.ObjectInfo
	aborted []string
	deleted []string
}

func newFakeROS() *fakeROS {
	return &fakeROS{objects: map[string]s3.ObjectInfo{}}
}

func (f *fakeROS) put(key string, age time.Duration) {
	f.objects[key] = s3.ObjectInfo{Key: key, LastModified: time.Now().UTC().Add(-age)}
}

func (f *fakeROS) List(_ context.Context, prefix string, _ int) ([]s3.ObjectInfo, error) {
	var out []s3.ObjectInfo
	for key, info := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, info)
		}
	}
	return out, nil
}

func (f *fakeROS) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeROS) Head(_ context.Context, key string) (*s3.ObjectInfo, error) {
	info, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, s3.ErrObjectNotFound)
	}
	return &info, nil
}

func (f *fakeROS) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeROS) PresignGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://ros.local/get/" + key, nil
}

func (f *fakeROS) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://ros.local/put/" + key, nil
}

func (f *fakeROS) MultipartCreate(_ context.Context, key string) (string, error) {
	return "upload-" + key, nil
}

func (f *fakeROS) PresignUploadPart(_ context.Context, _, uploadID string, partNumber int32, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://ros.local/part/%s/%d", uploadID, partNumber), nil
}

func (f *fakeROS) MultipartComplete(_ context.Context, key, _ string, _ []s3.CompletedPart) error {
	f.objects[key] = s3.ObjectInfo{Key: key, LastModified: time.Now().UTC()}
	return nil
}

func (f *fakeROS) MultipartAbort(_ context.Context, _, uploadID string) error {
	f.aborted = append(f.aborted, uploadID)
	return nil
}

func (f *fakeROS) PresignExpiry() time.Duration { return time.Hour }

func newTestRunner(t *testing.T) (*Runner, *store.Store, *fakeROS) {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dedup, err := ttlcache.Open(ttlcache.Config{Path: ":memory:", TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to open dedup cache: %v", err)
	}
	t.Cleanup(func() { dedup.Close() })

	ros := newFakeROS()
	runner := New(st, ros,
		lfs.New(st, ros, "https://hub.local", 1<<20),
		nil, // commit engine unused by the jobs under test
		quota.New(st),
		stats.New(st, dedup),
		nil,
		Options{StagingTTL: time.Hour, LFSKeepVersions: 2, StatsRetentionDays: 30},
	)
	return runner, st, ros
}

func mustCreateUser(t *testing.T, st *store.Store, username string) *models.User {
	t.Helper()
	email := username + "@example.com"
	hash := "$2a$10$fakehashfakehashfakehash"
	user := &models.User{Username: username, Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return user
}

func mustCreateRepo(t *testing.T, st *store.Store, owner *models.User, name string) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		RepoType:  "model",
		Namespace: owner.Username,
		Name:      name,
		OwnerID:   owner.ID,
	}
	if err := st.CreateRepository(context.Background(), repo); err != nil {
		t.Fatalf("CreateRepository(%s): %v", name, err)
	}
	return repo
}

func TestSweepSessionsRemovesExpired(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	ctx := context.Background()
	user := mustCreateUser(t, st, "alice")

	now := time.Now().UTC()
	for _, s := range []*models.Session{
		{SessionID: "expired", UserID: user.ID, SecretHash: "h", ExpiresAt: now.Add(-time.Hour)},
		{SessionID: "live", UserID: user.ID, SecretHash: "h", ExpiresAt: now.Add(time.Hour)},
	} {
		if err := st.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s): %v", s.SessionID, err)
		}
	}
	if err := st.CreateConfirmationToken(ctx, &models.ConfirmationToken{
		Token: "stale", ActionType: "verify_email", ActionData: "{}", ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateConfirmationToken: %v", err)
	}

	if err := runner.sweepSessions(ctx); err != nil {
		t.Fatalf("sweepSessions: %v", err)
	}

	if _, err := st.GetSession(ctx, "live"); err != nil {
		t.Errorf("live session removed: %v", err)
	}
	if _, err := st.GetSession(ctx, "expired"); err == nil {
		t.Error("expired session survived the sweep")
	}
	var tokens int64
	if err := st.DB().Model(&models.ConfirmationToken{}).Count(&tokens).Error; err != nil {
		t.Fatalf("count confirmation tokens: %v", err)
	}
	if tokens != 0 {
		t.Errorf("confirmation tokens remaining = %d, want 0", tokens)
	}
}

func TestSweepStagingAbortsStaleUploads(t *testing.T) {
	runner, st, ros := newTestRunner(t)
	ctx := context.Background()
	user := mustCreateUser(t, st, "alice")
	repo := mustCreateRepo(t, st, user, "weights")

	for id, age := range map[string]time.Duration{"stale": 2 * time.Hour, "fresh": time.Minute} {
		up := &models.StagingUpload{
			UploadID:     id,
			RepositoryID: repo.ID,
			Key:          "lfs/aa/bb/" + id,
			Size:         10,
			SHA256:       "aabb",
		}
		if err := st.CreateStagingUpload(ctx, up); err != nil {
			t.Fatalf("CreateStagingUpload(%s): %v", id, err)
		}
		err := st.DB().Model(&models.StagingUpload{}).
			Where("upload_id = ?", id).
			Update("created_at", time.Now().UTC().Add(-age)).Error
		if err != nil {
			t.Fatalf("age upload %s: %v", id, err)
		}
	}

	if err := runner.sweepStaging(ctx); err != nil {
		t.Fatalf("sweepStaging: %v", err)
	}

	if _, err := st.GetStagingUpload(ctx, "stale"); err == nil {
		t.Error("stale upload row survived the sweep")
	}
	if _, err := st.GetStagingUpload(ctx, "fresh"); err != nil {
		t.Errorf("fresh upload reaped: %v", err)
	}
	if len(ros.aborted) != 1 || ros.aborted[0] != "stale" {
		t.Errorf("aborted uploads = %v, want [stale]", ros.aborted)
	}
}

func TestSweepStagingDeletesOrphanedBlobs(t *testing.T) {
	runner, st, ros := newTestRunner(t)
	ctx := context.Background()
	user := mustCreateUser(t, st, "alice")
	repo := mustCreateRepo(t, st, user, "weights")

	committed := "1111111111111111111111111111111111111111111111111111111111111111"
	orphan := "2222222222222222222222222222222222222222222222222222222222222222"

	if err := st.UpsertFile(ctx, &models.File{
		RepositoryID: repo.ID, Branch: "main", PathInRepo: "model.bin",
		SHA256: committed, Size: 10,
	}); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	ros.put("staging/vos/main/"+committed, 3*time.Hour)
	ros.put("staging/vos/main/"+orphan, 3*time.Hour)
	ros.put("staging/vos/main/recent-partial", 3*time.Hour) // not a sha key
	ros.put("lfs/aa/bb/aabb", 3*time.Hour)                  // outside the prefix

	if err := runner.sweepStaging(ctx); err != nil {
		t.Fatalf("sweepStaging: %v", err)
	}

	if len(ros.deleted) != 1 || ros.deleted[0] != "staging/vos/main/"+orphan {
		t.Errorf("deleted = %v, want only the orphaned blob", ros.deleted)
	}
}

func TestSweepLFSKeepsReferencedBlobs(t *testing.T) {
	runner, st, ros := newTestRunner(t)
	ctx := context.Background()
	user := mustCreateUser(t, st, "alice")
	repo := mustCreateRepo(t, st, user, "weights")

	referenced := "3333333333333333333333333333333333333333333333333333333333333333"
	orphan := "4444444444444444444444444444444444444444444444444444444444444444"

	for _, sha := range []string{referenced, orphan} {
		if err := st.RecordLFSObject(ctx, sha, 100); err != nil {
			t.Fatalf("RecordLFSObject(%s): %v", sha, err)
		}
		err := st.DB().Model(&models.LFSObjectHistory{}).
			Where("sha256 = ?", sha).
			Update("last_seen_at", time.Now().UTC().Add(-30*24*time.Hour)).Error
		if err != nil {
			t.Fatalf("age history row: %v", err)
		}
		ros.put(lfs.KeyForOID(sha), 30*24*time.Hour)
	}
	if err := st.UpsertFile(ctx, &models.File{
		RepositoryID: repo.ID, Branch: "main", PathInRepo: "model.safetensors",
		SHA256: referenced, Size: 100, LFS: true,
	}); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	if err := runner.sweepLFS(ctx); err != nil {
		t.Fatalf("sweepLFS: %v", err)
	}

	if ok, _ := ros.Exists(ctx, lfs.KeyForOID(referenced)); !ok {
		t.Error("referenced blob was deleted")
	}
	if ok, _ := ros.Exists(ctx, lfs.KeyForOID(orphan)); ok {
		t.Error("orphaned blob survived the sweep")
	}
	if _, err := st.GetLFSObject(ctx, orphan); err == nil {
		t.Error("orphaned history row survived the sweep")
	}
	if _, err := st.GetLFSObject(ctx, referenced); err != nil {
		t.Errorf("referenced history row removed: %v", err)
	}
}

func TestRolloverStatsPrunesOldRows(t *testing.T) {
	runner, st, _ := newTestRunner(t)
	ctx := context.Background()
	user := mustCreateUser(t, st, "alice")
	repo := mustCreateRepo(t, st, user, "weights")

	old := time.Now().UTC().AddDate(0, 0, -60).Format("2006-01-02")
	recent := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	for _, date := range []string{old, recent} {
		if err := st.BumpDailyStats(ctx, repo.ID, date, store.StatsDelta{NewSession: true}); err != nil {
			t.Fatalf("BumpDailyStats(%s): %v", date, err)
		}
	}

	if err := runner.rolloverStats(ctx); err != nil {
		t.Fatalf("rolloverStats: %v", err)
	}

	var dates []string
	if err := st.DB().Model(&models.DailyRepoStats{}).
		Where("repository_id = ?", repo.ID).
		Order("date").
		Pluck("date", &dates).Error; err != nil {
		t.Fatalf("list stats dates: %v", err)
	}
	for _, d := range dates {
		if d == old {
			t.Errorf("row from %s survived a 30-day retention window", old)
		}
	}
	found := false
	for _, d := range dates {
		if d == recent {
			found = true
		}
	}
	if !found {
		t.Errorf("recent row %s was pruned, have %v", recent, dates)
	}
}

func TestRunnerStartStop(t *testing.T) {
	runner, _, _ := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)
	runner.Start(ctx) // second call is a no-op

	done := make(chan struct{})
	go func() {
		runner.Stop(5 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
}
