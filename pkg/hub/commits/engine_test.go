package commits

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/lock"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

// fakeVOS is an in-memory versioned store: branches point at commits,
// commits hold full path snapshots, and staged writes sit in a working
// set until Commit folds them in.
type fakeVOS struct {
	tips      map[string]string // "repo/branch" → commit id
	staged    map[string]map[string]*lakefs.ObjectStat
	deleted   map[string]map[string]bool
	snapshots map[string]map[string]*lakefs.ObjectStat // commit id → tree
	commits   map[string]*lakefs.CommitRecord
	serial    int

	// commitErr is returned (and cleared) by the next Commit call.
	commitErr error
}

func newFakeVOS() *fakeVOS {
	return &fakeVOS{
		tips:      map[string]string{},
		staged:    map[string]map[string]*lakefs.ObjectStat{},
		deleted:   map[string]map[string]bool{},
		snapshots: map[string]map[string]*lakefs.ObjectStat{},
		commits:   map[string]*lakefs.CommitRecord{},
	}
}

// initRepo creates the branch with an empty root commit, the state a
// fresh repository starts from.
func (f *fakeVOS) initRepo(repo, branch string) {
	f.serial++
	id := fmt.Sprintf("root-%d", f.serial)
	f.snapshots[id] = map[string]*lakefs.ObjectStat{}
	f.commits[id] = &lakefs.CommitRecord{ID: id, Message: "Repository created", CreationDate: time.Now().Unix()}
	f.tips[repo+"/"+branch] = id
}

// view resolves ref (branch name or commit id) to a path → stat map.
// Branch views include the uncommitted working set.
func (f *fakeVOS) view(repo, ref string) (map[string]*lakefs.ObjectStat, error) {
	if tip, ok := f.tips[repo+"/"+ref]; ok {
		branchKey := repo + "/" + ref
		merged := map[string]*lakefs.ObjectStat{}
		for p, obj := range f.snapshots[tip] {
			merged[p] = obj
		}
		for p := range f.deleted[branchKey] {
			delete(merged, p)
		}
		for p, obj := range f.staged[branchKey] {
			merged[p] = obj
		}
		return merged, nil
	}
	if snap, ok := f.snapshots[ref]; ok {
		return snap, nil
	}
	return nil, models.ErrRevisionNotFound
}

func (f *fakeVOS) GetBranch(_ context.Context, repo, branch string) (*lakefs.Branch, error) {
	tip, ok := f.tips[repo+"/"+branch]
	if !ok {
		return nil, models.ErrRevisionNotFound
	}
	return &lakefs.Branch{ID: branch, CommitID: tip}, nil
}

func (f *fakeVOS) GetCommit(_ context.Context, _, commitID string) (*lakefs.CommitRecord, error) {
	rec, ok := f.commits[commitID]
	if !ok {
		return nil, models.ErrRevisionNotFound
	}
	return rec, nil
}

func (f *fakeVOS) StatObject(_ context.Context, repo, ref, path string) (*lakefs.ObjectStat, error) {
	view, err := f.view(repo, ref)
	if err != nil {
		return nil, err
	}
	obj, ok := view[path]
	if !ok {
		return nil, models.ErrEntryNotFound
	}
	return obj, nil
}

func (f *fakeVOS) StageObject(_ context.Context, repo, branch, path string, stage lakefs.StageRequest) (*lakefs.ObjectStat, error) {
	branchKey := repo + "/" + branch
	if f.staged[branchKey] == nil {
		f.staged[branchKey] = map[string]*lakefs.ObjectStat{}
	}
	obj := &lakefs.ObjectStat{
		Path:            path,
		PathType:        "object",
		PhysicalAddress: stage.PhysicalAddress,
		Checksum:        stage.Checksum,
		SizeBytes:       stage.SizeBytes,
	}
	f.staged[branchKey][path] = obj
	delete(f.deleted[branchKey], path)
	return obj, nil
}

func (f *fakeVOS) DeleteObject(_ context.Context, repo, branch, path string) error {
	view, err := f.view(repo, branch)
	if err != nil {
		return err
	}
	if _, ok := view[path]; !ok {
		return models.ErrEntryNotFound
	}
	branchKey := repo + "/" + branch
	if f.deleted[branchKey] == nil {
		f.deleted[branchKey] = map[string]bool{}
	}
	f.deleted[branchKey][path] = true
	delete(f.staged[branchKey], path)
	return nil
}

func (f *fakeVOS) Commit(_ context.Context, repo, branch, message string, metadata map[string]string) (*lakefs.CommitRecord, error) {
	if f.commitErr != nil {
		err := f.commitErr
		f.commitErr = nil
		return nil, err
	}

	branchKey := repo + "/" + branch
	tip, ok := f.tips[branchKey]
	if !ok {
		return nil, models.ErrRevisionNotFound
	}

	next := map[string]*lakefs.ObjectStat{}
	for p, obj := range f.snapshots[tip] {
		next[p] = obj
	}
	for p := range f.deleted[branchKey] {
		delete(next, p)
	}
	for p, obj := range f.staged[branchKey] {
		next[p] = obj
	}

	f.serial++
	id := fmt.Sprintf("c%d", f.serial)
	rec := &lakefs.CommitRecord{
		ID:           id,
		Message:      message,
		Committer:    metadata["author"],
		CreationDate: time.Now().Unix(),
		Parents:      []string{tip},
		Metadata:     metadata,
	}
	f.snapshots[id] = next
	f.commits[id] = rec
	f.tips[branchKey] = id
	delete(f.staged, branchKey)
	delete(f.deleted, branchKey)
	return rec, nil
}

func (f *fakeVOS) LogCommits(_ context.Context, repo, ref, _ string, _ int) (*lakefs.CommitPage, error) {
	start := ref
	if tip, ok := f.tips[repo+"/"+ref]; ok {
		start = tip
	}
	rec, ok := f.commits[start]
	if !ok {
		return nil, models.ErrRevisionNotFound
	}

	page := &lakefs.CommitPage{}
	for {
		page.Results = append(page.Results, *rec)
		if len(rec.Parents) == 0 {
			break
		}
		rec = f.commits[rec.Parents[0]]
	}
	return page, nil
}

func (f *fakeVOS) ListObjects(_ context.Context, repo, ref, prefix, _, _ string, _ int) (*lakefs.ObjectPage, error) {
	view, err := f.view(repo, ref)
	if err != nil {
		return nil, err
	}

	var paths []string
	for p := range view {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	page := &lakefs.ObjectPage{}
	for _, p := range paths {
		page.Results = append(page.Results, *view[p])
	}
	return page, nil
}

// fakeBlobs is an in-memory raw object store.
type fakeBlobs struct {
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) URI(key string) string { return "s3://hub-test/" + key }

type testEnv struct {
	engine *Engine
	store  *store.Store
	vos    *fakeVOS
	ros    *fakeBlobs
	repo   *models.Repository
	user   *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hash := "$2a$04$fakehashfakehashfakehash"
	email := "alice@example.com"
	user := &models.User{Username: "alice", Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(ctx, user); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}

	repo := &models.Repository{RepoType: "model", Namespace: "alice", Name: "bert", OwnerID: user.ID}
	if err := st.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("Failed to seed repo: %v", err)
	}

	vos := newFakeVOS()
	vos.initRepo(repo.VOSName(), "main")
	ros := newFakeBlobs()

	lfsEngine := lfs.New(st, nil, "http://hub.local", 10<<20)
	engine := New(st, vos, ros, lfsEngine, quota.New(st), lock.NewMemoryLocker())
	return &testEnv{engine: engine, store: st, vos: vos, ros: ros, repo: repo, user: user}
}

func shaOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func fileOp(path, content string) Operation {
	return Operation{Kind: OpFile, Path: path, Content: []byte(content)}
}

func (env *testEnv) commit(t *testing.T, summary string, ops ...Operation) *Result {
	t.Helper()
	req := &Request{Header: Header{Summary: summary}, Ops: ops}
	res, err := env.engine.Commit(context.Background(), env.repo, "main", env.user, req)
	if err != nil {
		t.Fatalf("Commit(%s): %v", summary, err)
	}
	return res
}

func (env *testEnv) usedBytes(t *testing.T) int64 {
	t.Helper()
	repo, err := env.store.GetRepositoryByID(context.Background(), env.repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}
	return repo.UsedBytes
}

// putLFS drops an uploaded LFS object into the raw store and returns
// its oid.
func (env *testEnv) putLFS(t *testing.T, content string) string {
	t.Helper()
	oid := shaOf(content)
	env.ros.objects[lfs.KeyForOID(oid)] = []byte(content)
	return oid
}

func TestCommitInlineFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.commit(t, "initial import", fileOp("README.md", "hello world"), fileOp("sub/data.txt", "1,2,3\n"))
	if res.ReconcilePending {
		t.Fatal("recording should have succeeded")
	}

	row, err := env.store.GetFile(ctx, env.repo.ID, "main", "README.md")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if row.SHA256 != shaOf("hello world") || row.Size != 11 || row.LFS {
		t.Errorf("file row = %+v", row)
	}

	rec, err := env.store.GetCommit(ctx, env.repo.ID, res.CommitID)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if rec.Username != "alice" || rec.Message != "initial import" {
		t.Errorf("commit row = %+v", rec)
	}

	if used := env.usedBytes(t); used != 11+6 {
		t.Errorf("used bytes = %d, want 17", used)
	}

	// The inline payload landed under the staging prefix and the
	// versioned tip sees it with its sha as the checksum.
	stagingKey := fmt.Sprintf("staging/%s/main/%s", env.repo.VOSName(), shaOf("hello world"))
	if string(env.ros.objects[stagingKey]) != "hello world" {
		t.Error("staging object missing or wrong")
	}
	stat, err := env.vos.StatObject(ctx, env.repo.VOSName(), "main", "README.md")
	if err != nil {
		t.Fatalf("StatObject: %v", err)
	}
	if stat.Checksum != shaOf("hello world") {
		t.Errorf("versioned checksum = %q", stat.Checksum)
	}
}

func TestCommitOverwriteAdjustsUsage(t *testing.T) {
	env := newTestEnv(t)

	env.commit(t, "add", fileOp("a.txt", "four"))
	if used := env.usedBytes(t); used != 4 {
		t.Fatalf("used = %d, want 4", used)
	}

	env.commit(t, "grow", fileOp("a.txt", "sixteen sixteen!"))
	if used := env.usedBytes(t); used != 16 {
		t.Errorf("used = %d, want 16", used)
	}
}

func TestCommitLFSDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	content := strings.Repeat("w", 1000)
	oid := env.putLFS(t, content)

	env.commit(t, "add model", Operation{Kind: OpLFSFile, Path: "model.bin", OID: oid, Size: 1000})
	if used := env.usedBytes(t); used != 1000 {
		t.Fatalf("used = %d, want 1000", used)
	}
	row, err := env.store.GetFile(ctx, env.repo.ID, "main", "model.bin")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !row.LFS || row.SHA256 != oid {
		t.Errorf("file row = %+v", row)
	}
	if _, err := env.store.GetLFSObject(ctx, oid); err != nil {
		t.Errorf("LFS history row missing: %v", err)
	}

	// A second reference to the same sha costs nothing.
	env.commit(t, "alias model", Operation{Kind: OpLFSFile, Path: "model2.bin", OID: oid, Size: 1000})
	if used := env.usedBytes(t); used != 1000 {
		t.Errorf("used after alias = %d, want 1000", used)
	}

	// Dropping one of two references releases nothing.
	env.commit(t, "drop alias", Operation{Kind: OpDeletedFile, Path: "model2.bin"})
	if used := env.usedBytes(t); used != 1000 {
		t.Errorf("used after first delete = %d, want 1000", used)
	}

	// Dropping the last reference releases the size.
	env.commit(t, "drop model", Operation{Kind: OpDeletedFile, Path: "model.bin"})
	if used := env.usedBytes(t); used != 0 {
		t.Errorf("used after last delete = %d, want 0", used)
	}
}

func TestCommitRejectsOversizeInline(t *testing.T) {
	env := newTestEnv(t)

	// Tighten the repo threshold so a small payload trips it.
	threshold := int64(8)
	if err := env.store.UpdateRepositorySettings(context.Background(), env.repo.ID, store.RepoSettings{LFSThresholdBytes: &threshold}); err != nil {
		t.Fatalf("UpdateRepositorySettings: %v", err)
	}
	repo, err := env.store.GetRepositoryByID(context.Background(), env.repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}

	req := &Request{Header: Header{Summary: "too big"}, Ops: []Operation{fileOp("big.bin", "sixteen bytes!!!")}}
	_, err = env.engine.Commit(context.Background(), repo, "main", env.user, req)
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestCommitLFSNotUploaded(t *testing.T) {
	env := newTestEnv(t)

	req := &Request{Header: Header{Summary: "phantom"}, Ops: []Operation{
		{Kind: OpLFSFile, Path: "model.bin", OID: strings.Repeat("a", 64), Size: 10},
	}}
	_, err := env.engine.Commit(context.Background(), env.repo, "main", env.user, req)
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestCommitParentAssertion(t *testing.T) {
	env := newTestEnv(t)

	first := env.commit(t, "first", fileOp("a.txt", "one"))

	stale := &Request{
		Header: Header{Summary: "stale", ParentCommit: "root-1"},
		Ops:    []Operation{fileOp("b.txt", "two")},
	}
	_, err := env.engine.Commit(context.Background(), env.repo, "main", env.user, stale)
	if !errors.Is(err, models.ErrCommitConflict) {
		t.Fatalf("err = %v, want commit conflict", err)
	}

	fresh := &Request{
		Header: Header{Summary: "fresh", ParentCommit: first.CommitID},
		Ops:    []Operation{fileOp("b.txt", "two")},
	}
	if _, err := env.engine.Commit(context.Background(), env.repo, "main", env.user, fresh); err != nil {
		t.Errorf("Commit with matching parent: %v", err)
	}
}

func TestCommitConflictRetries(t *testing.T) {
	env := newTestEnv(t)

	env.vos.commitErr = models.ErrCommitConflict
	res := env.commit(t, "racy", fileOp("a.txt", "one"))
	if res.CommitID == "" {
		t.Error("retry should have produced a commit")
	}

	// With a pinned parent the conflict is the client's to resolve.
	env.vos.commitErr = models.ErrCommitConflict
	tip, err := env.vos.GetBranch(context.Background(), env.repo.VOSName(), "main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	pinned := &Request{
		Header: Header{Summary: "pinned", ParentCommit: tip.CommitID},
		Ops:    []Operation{fileOp("b.txt", "two")},
	}
	_, err = env.engine.Commit(context.Background(), env.repo, "main", env.user, pinned)
	if !errors.Is(err, models.ErrCommitConflict) {
		t.Errorf("err = %v, want commit conflict", err)
	}
}

func TestCommitDeleteFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.commit(t, "layout",
		fileOp("dir/a.txt", "aaaa"),
		fileOp("dir/sub/b.txt", "bbbb"),
		fileOp("keep.txt", "kk"))
	if used := env.usedBytes(t); used != 10 {
		t.Fatalf("used = %d, want 10", used)
	}

	env.commit(t, "drop dir", Operation{Kind: OpDeletedFolder, Path: "dir"})

	for _, path := range []string{"dir/a.txt", "dir/sub/b.txt"} {
		if _, err := env.store.GetFile(ctx, env.repo.ID, "main", path); !errors.Is(err, models.ErrEntryNotFound) {
			t.Errorf("GetFile(%s) = %v, want not found", path, err)
		}
		if _, err := env.vos.StatObject(ctx, env.repo.VOSName(), "main", path); !errors.Is(err, models.ErrEntryNotFound) {
			t.Errorf("StatObject(%s) = %v, want not found", path, err)
		}
	}
	if _, err := env.store.GetFile(ctx, env.repo.ID, "main", "keep.txt"); err != nil {
		t.Errorf("keep.txt should survive: %v", err)
	}
	if used := env.usedBytes(t); used != 2 {
		t.Errorf("used = %d, want 2", used)
	}
}

func TestCommitDeleteFolderSweepsPendingAdds(t *testing.T) {
	env := newTestEnv(t)

	// The add and the folder deletion ride the same commit; the
	// deletion wins because it comes later.
	env.commit(t, "seed", fileOp("dir/old.txt", "xx"))
	env.commit(t, "replace dir",
		fileOp("dir/new.txt", "yyyy"),
		Operation{Kind: OpDeletedFolder, Path: "dir"})

	ctx := context.Background()
	for _, path := range []string{"dir/old.txt", "dir/new.txt"} {
		if _, err := env.store.GetFile(ctx, env.repo.ID, "main", path); !errors.Is(err, models.ErrEntryNotFound) {
			t.Errorf("GetFile(%s) = %v, want not found", path, err)
		}
	}
	if used := env.usedBytes(t); used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
}

func TestCommitCopyFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.commit(t, "seed", fileOp("orig.txt", "copy me"))
	env.commit(t, "copy", Operation{Kind: OpCopyFile, Path: "copy.txt", SrcPath: "orig.txt"})

	row, err := env.store.GetFile(ctx, env.repo.ID, "main", "copy.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if row.SHA256 != shaOf("copy me") || row.Size != 7 || row.LFS {
		t.Errorf("copy row = %+v", row)
	}
	if used := env.usedBytes(t); used != 14 {
		t.Errorf("used = %d, want 14", used)
	}
}

func TestCommitCopyLFSFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	oid := env.putLFS(t, strings.Repeat("z", 500))

	env.commit(t, "seed", Operation{Kind: OpLFSFile, Path: "weights.bin", OID: oid, Size: 500})
	env.commit(t, "copy", Operation{Kind: OpCopyFile, Path: "weights2.bin", SrcPath: "weights.bin"})

	row, err := env.store.GetFile(ctx, env.repo.ID, "main", "weights2.bin")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !row.LFS || row.SHA256 != oid || row.Size != 500 {
		t.Errorf("copy row = %+v", row)
	}

	// Same sha, same repo: the copy is free.
	if used := env.usedBytes(t); used != 500 {
		t.Errorf("used = %d, want 500", used)
	}
}

func TestCommitCopyMissingSource(t *testing.T) {
	env := newTestEnv(t)

	req := &Request{Header: Header{Summary: "copy"}, Ops: []Operation{
		{Kind: OpCopyFile, Path: "copy.txt", SrcPath: "ghost.txt"},
	}}
	_, err := env.engine.Commit(context.Background(), env.repo, "main", env.user, req)
	if !errors.Is(err, models.ErrEntryNotFound) {
		t.Errorf("err = %v, want entry not found", err)
	}
}

func TestCommitQuotaRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limit := int64(4)
	if err := env.store.UpdateRepositorySettings(ctx, env.repo.ID, store.RepoSettings{QuotaBytes: &limit}); err != nil {
		t.Fatalf("UpdateRepositorySettings: %v", err)
	}

	req := &Request{Header: Header{Summary: "too big"}, Ops: []Operation{fileOp("a.txt", "12345")}}
	_, err := env.engine.Commit(ctx, env.repo, "main", env.user, req)
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}

	// The rejection happened before anything moved.
	if len(env.ros.objects) != 0 {
		t.Error("staging keys written despite quota rejection")
	}
	tip, err := env.vos.GetBranch(ctx, env.repo.VOSName(), "main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if !strings.HasPrefix(tip.CommitID, "root-") {
		t.Errorf("branch moved to %s", tip.CommitID)
	}
}

func TestCommitRequiresSummaryAndChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	noSummary := &Request{Ops: []Operation{fileOp("a.txt", "x")}}
	if _, err := env.engine.Commit(ctx, env.repo, "main", env.user, noSummary); !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("missing summary: err = %v", err)
	}

	noOps := &Request{Header: Header{Summary: "s"}}
	if _, err := env.engine.Commit(ctx, env.repo, "main", env.user, noOps); !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("no operations: err = %v", err)
	}

	// Deleting a path that never existed plans to nothing.
	ghostDelete := &Request{Header: Header{Summary: "s"}, Ops: []Operation{{Kind: OpDeletedFile, Path: "ghost.txt"}}}
	if _, err := env.engine.Commit(ctx, env.repo, "main", env.user, ghostDelete); !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("empty plan: err = %v", err)
	}
}

func TestReconcileReplaysMissingCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vosName := env.repo.VOSName()

	env.commit(t, "recorded", fileOp("a.txt", "aaaa"))

	// A commit that landed in the versioned store without its metadata,
	// as if the hub crashed between phases.
	_, err := env.vos.StageObject(ctx, vosName, "main", "b.txt", lakefs.StageRequest{
		PhysicalAddress: env.ros.URI("staging/" + vosName + "/main/" + shaOf("bbbb")),
		Checksum:        shaOf("bbbb"),
		SizeBytes:       4,
	})
	if err != nil {
		t.Fatalf("StageObject: %v", err)
	}
	lost, err := env.vos.Commit(ctx, vosName, "main", "lost commit", map[string]string{"author": "alice"})
	if err != nil {
		t.Fatalf("vos.Commit: %v", err)
	}

	pending, err := env.engine.NeedsReconcile(ctx, env.repo, "main")
	if err != nil {
		t.Fatalf("NeedsReconcile: %v", err)
	}
	if !pending {
		t.Fatal("branch should need reconcile")
	}

	replayed, err := env.engine.Reconcile(ctx, env.repo, "main")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed = %d, want 1", replayed)
	}

	rec, err := env.store.GetCommit(ctx, env.repo.ID, lost.ID)
	if err != nil {
		t.Fatalf("GetCommit after reconcile: %v", err)
	}
	if rec.Username != "alice" || rec.Message != "lost commit" {
		t.Errorf("replayed commit = %+v", rec)
	}

	row, err := env.store.GetFile(ctx, env.repo.ID, "main", "b.txt")
	if err != nil {
		t.Fatalf("GetFile after reconcile: %v", err)
	}
	if row.SHA256 != shaOf("bbbb") || row.Size != 4 {
		t.Errorf("replayed row = %+v", row)
	}

	if used := env.usedBytes(t); used != 8 {
		t.Errorf("used = %d, want 8", used)
	}

	pending, err = env.engine.NeedsReconcile(ctx, env.repo, "main")
	if err != nil {
		t.Fatalf("NeedsReconcile: %v", err)
	}
	if pending {
		t.Error("branch should be clean after reconcile")
	}
}

func TestNeedsReconcileFreshRepo(t *testing.T) {
	env := newTestEnv(t)

	pending, err := env.engine.NeedsReconcile(context.Background(), env.repo, "main")
	if err != nil {
		t.Fatalf("NeedsReconcile: %v", err)
	}
	if pending {
		t.Error("a repo at its root commit should not need reconcile")
	}
}
