package repos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

type fakeRepo struct {
	branches map[string]string
	commits  map[string]lakefs.CommitRecord
	objects  []lakefs.ObjectStat
}

type fakeVOS struct {
	repos      map[string]*fakeRepo
	failCreate bool
	creates    int
	deleted    []string
}

func newFakeVOS() *fakeVOS {
	return &fakeVOS{repos: map[string]*fakeRepo{}}
}

func (v *fakeVOS) CreateRepo(_ context.Context, repo, defaultBranch string) (*lakefs.Repo, error) {
	if v.failCreate {
		return nil, fmt.Errorf("injected create failure: %w", models.ErrUpstream)
	}
	if _, ok := v.repos[repo]; ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoExists)
	}
	v.creates++
	v.repos[repo] = &fakeRepo{
		branches: map[string]string{defaultBranch: "root"},
		commits:  map[string]lakefs.CommitRecord{"root": {ID: "root"}},
	}
	return &lakefs.Repo{ID: repo, DefaultBranch: defaultBranch}, nil
}

func (v *fakeVOS) DeleteRepo(_ context.Context, repo string) error {
	delete(v.repos, repo)
	v.deleted = append(v.deleted, repo)
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
	sorted := make([]string, 0, len(r.branches))
	for name := range r.branches {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	page := &lakefs.BranchPage{}
	for _, name := range sorted {
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
		if _, isCommit := r.commits[sourceRef]; !isCommit {
			return fmt.Errorf("%s@%s: %w", repo, sourceRef, models.ErrRevisionNotFound)
		}
		commitID = sourceRef
	}
	r.branches[branch] = commitID
	return nil
}

func (v *fakeVOS) DeleteBranch(_ context.Context, repo, branch string) error {
	r, ok := v.repos[repo]
	if !ok {
		return fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	if _, ok := r.branches[branch]; !ok {
		return fmt.Errorf("%s@%s: %w", repo, branch, models.ErrRevisionNotFound)
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
	r, ok := v.repos[repo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	}
	if amount <= 0 {
		amount = 1000
	}

	sorted := append([]lakefs.ObjectStat(nil), r.objects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var results []lakefs.ObjectStat
	seenDirs := map[string]bool{}
	for _, obj := range sorted {
		if !strings.HasPrefix(obj.Path, prefix) {
			continue
		}
		entry := obj
		if delimiter != "" {
			rest := strings.TrimPrefix(obj.Path, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				dir := prefix + rest[:idx+1]
				if seenDirs[dir] {
					continue
				}
				seenDirs[dir] = true
				entry = lakefs.ObjectStat{Path: dir, PathType: "common_prefix"}
			}
		}
		if after != "" && entry.Path <= after {
			continue
		}
		results = append(results, entry)
	}

	page := &lakefs.ObjectPage{}
	if len(results) > amount {
		page.Results = results[:amount]
		page.Pagination = lakefs.Pagination{HasMore: true, NextOffset: results[amount-1].Path}
	} else {
		page.Results = results
	}
	return page, nil
}

type fakeReconciler struct {
	behind     bool
	reconciled int
}

func (f *fakeReconciler) NeedsReconcile(context.Context, *models.Repository, string) (bool, error) {
	return f.behind, nil
}

func (f *fakeReconciler) Reconcile(context.Context, *models.Repository, string) (int, error) {
	f.behind = false
	f.reconciled++
	return 1, nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeVOS, *models.User) {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	email := "alice@example.com"
	hash := "$2a$10$fakehashfakehashfakehash"
	user := &models.User{Username: "alice", Email: &email, PasswordHash: &hash, IsActive: true}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	vos := newFakeVOS()
	return New(st, vos, quota.New(st), nil), st, vos, user
}

func mustCreate(t *testing.T, svc *Service, owner *models.User, name string, private bool) *models.Repository {
	t.Helper()
	repo, err := svc.Create(context.Background(), owner, names.RepoTypeModel, name, private)
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return repo
}

func TestCreateRepositoryCreatesBacking(t *testing.T) {
	svc, st, vos, user := newTestService(t)
	ctx := context.Background()

	repo := mustCreate(t, svc, user, "bert", false)

	if _, err := st.GetRepository(ctx, names.RepoTypeModel, "alice", "bert"); err != nil {
		t.Fatalf("repo row missing after create: %v", err)
	}
	if _, ok := vos.repos[repo.VOSName()]; !ok {
		t.Errorf("versioned repo %s missing after create", repo.VOSName())
	}

	_, err := svc.Create(ctx, user, names.RepoTypeModel, "bert", false)
	if !errors.Is(err, models.ErrRepoExists) {
		t.Errorf("duplicate create err = %v, want ErrRepoExists", err)
	}
	if vos.creates != 1 {
		t.Errorf("versioned creates = %d, want 1 (conflict decided before the store call)", vos.creates)
	}
}

func TestCreateRollsBackRowWhenBackingFails(t *testing.T) {
	svc, st, vos, user := newTestService(t)
	ctx := context.Background()
	vos.failCreate = true

	if _, err := svc.Create(ctx, user, names.RepoTypeModel, "bert", false); err == nil {
		t.Fatal("Create succeeded despite versioned-store failure")
	}
	_, err := st.GetRepository(ctx, names.RepoTypeModel, "alice", "bert")
	if !errors.Is(err, models.ErrRepoNotFound) {
		t.Errorf("repo row err = %v, want ErrRepoNotFound after rollback", err)
	}
}

func TestCreateReplacesStaleBackingRepo(t *testing.T) {
	svc, _, vos, user := newTestService(t)

	stale := &models.Repository{RepoType: "model", Namespace: "alice", Name: "bert", FullID: "alice/bert"}
	vosName := stale.VOSName()
	vos.repos[vosName] = &fakeRepo{branches: map[string]string{"old": "dead"}}

	repo := mustCreate(t, svc, user, "bert", false)

	if len(vos.deleted) != 1 || vos.deleted[0] != vosName {
		t.Errorf("stale repo not replaced, deletes = %v", vos.deleted)
	}
	if _, ok := vos.repos[repo.VOSName()].branches[models.DefaultBranch]; !ok {
		t.Errorf("recreated repo is missing the default branch")
	}
}

func TestDeleteReleasesOwnerUsage(t *testing.T) {
	svc, st, vos, user := newTestService(t)
	ctx := context.Background()

	repo := mustCreate(t, svc, user, "bert", false)
	if err := st.SetRepoUsedBytes(ctx, repo.ID, 500); err != nil {
		t.Fatalf("SetRepoUsedBytes: %v", err)
	}
	if err := st.AddOwnerUsedBytes(ctx, user.ID, 500, false); err != nil {
		t.Fatalf("AddOwnerUsedBytes: %v", err)
	}
	repo, err := st.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}

	if err := svc.Delete(ctx, repo); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := st.GetRepository(ctx, names.RepoTypeModel, "alice", "bert"); !errors.Is(err, models.ErrRepoNotFound) {
		t.Errorf("repo row err = %v, want ErrRepoNotFound", err)
	}
	if _, ok := vos.repos[repo.VOSName()]; ok {
		t.Errorf("versioned repo still present after delete")
	}
	owner, err := st.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if owner.PublicUsedBytes != 0 {
		t.Errorf("owner public used = %d, want 0", owner.PublicUsedBytes)
	}
}

func TestUpdateSettingsMovesUsageBetweenBuckets(t *testing.T) {
	svc, st, _, user := newTestService(t)
	ctx := context.Background()

	repo := mustCreate(t, svc, user, "bert", false)
	if err := st.SetRepoUsedBytes(ctx, repo.ID, 300); err != nil {
		t.Fatalf("SetRepoUsedBytes: %v", err)
	}
	if err := st.AddOwnerUsedBytes(ctx, user.ID, 300, false); err != nil {
		t.Fatalf("AddOwnerUsedBytes: %v", err)
	}
	repo, err := st.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}

	private := true
	if err := svc.UpdateSettings(ctx, repo, store.RepoSettings{Private: &private}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	owner, err := st.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if owner.PublicUsedBytes != 0 || owner.PrivateUsedBytes != 300 {
		t.Errorf("owner buckets = public %d private %d, want 0/300",
			owner.PublicUsedBytes, owner.PrivateUsedBytes)
	}
	fresh, err := st.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}
	if !fresh.Private {
		t.Errorf("repo still public after settings update")
	}
}

func TestUpdateSettingsRejectsMalformedSuffixRules(t *testing.T) {
	svc, _, _, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)

	rules := `"*.safetensors"`
	err := svc.UpdateSettings(context.Background(), repo, store.RepoSettings{LFSSuffixRules: &rules})
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest for non-array rules", err)
	}
}

func TestDeleteBranchDropsFilesAndRecalculates(t *testing.T) {
	svc, st, vos, user := newTestService(t)
	ctx := context.Background()

	repo := mustCreate(t, svc, user, "bert", false)
	if err := svc.CreateBranch(ctx, repo, "dev", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	seed := []*models.File{
		{RepositoryID: repo.ID, Branch: "main", PathInRepo: "a.bin", SHA256: strings.Repeat("aa", 32), Size: 100, LFS: true},
		{RepositoryID: repo.ID, Branch: "dev", PathInRepo: "b.bin", SHA256: strings.Repeat("bb", 32), Size: 50},
	}
	for _, f := range seed {
		if err := st.UpsertFile(ctx, f); err != nil {
			t.Fatalf("UpsertFile(%s): %v", f.PathInRepo, err)
		}
	}
	if err := st.SetRepoUsedBytes(ctx, repo.ID, 150); err != nil {
		t.Fatalf("SetRepoUsedBytes: %v", err)
	}
	if err := st.AddOwnerUsedBytes(ctx, user.ID, 150, false); err != nil {
		t.Fatalf("AddOwnerUsedBytes: %v", err)
	}

	if err := svc.DeleteBranch(ctx, repo, "dev"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	if _, ok := vos.repos[repo.VOSName()].branches["dev"]; ok {
		t.Errorf("branch dev still present in the versioned store")
	}
	fresh, err := st.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepositoryByID: %v", err)
	}
	if fresh.UsedBytes != 100 {
		t.Errorf("repo used = %d, want 100 after dropping the dev-only file", fresh.UsedBytes)
	}
	owner, err := st.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if owner.PublicUsedBytes != 100 {
		t.Errorf("owner public used = %d, want 100", owner.PublicUsedBytes)
	}
}

func TestDeleteDefaultBranchRefused(t *testing.T) {
	svc, _, _, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)

	err := svc.DeleteBranch(context.Background(), repo, models.DefaultBranch)
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestCreateBranchRejectsBadNames(t *testing.T) {
	svc, _, _, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)

	for _, name := range []string{"", "feat/x", "-lead", ".hidden", strings.Repeat("x", 256)} {
		err := svc.CreateBranch(context.Background(), repo, name, "")
		if !errors.Is(err, models.ErrBadRequest) {
			t.Errorf("CreateBranch(%q) err = %v, want ErrBadRequest", name, err)
		}
	}
}

func seedTreeObjects(vos *fakeVOS, repo *models.Repository) {
	r := vos.repos[repo.VOSName()]
	r.branches["main"] = "tip1"
	r.commits["tip1"] = lakefs.CommitRecord{
		ID:           "tip1",
		Message:      "add weights\n\nfull checkpoint",
		CreationDate: 1700000000,
		Parents:      []string{"root"},
	}
	r.objects = []lakefs.ObjectStat{
		{Path: "config.json", PathType: "object", PhysicalAddress: "s3://hub/staging/x/cfg", Checksum: strings.Repeat("11", 32), SizeBytes: 42},
		{Path: "sub/a.txt", PathType: "object", PhysicalAddress: "s3://hub/staging/x/a", Checksum: strings.Repeat("22", 32), SizeBytes: 7},
		{Path: "sub/b.txt", PathType: "object", PhysicalAddress: "s3://hub/staging/x/b", Checksum: strings.Repeat("33", 32), SizeBytes: 8},
		{Path: "weights.bin", PathType: "object", PhysicalAddress: "s3://hub/lfs/ab/cd/" + strings.Repeat("ab", 32), Checksum: strings.Repeat("ab", 32), SizeBytes: 100},
	}
}

func TestTreeListsDirectoryLevel(t *testing.T) {
	svc, _, vos, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)
	seedTreeObjects(vos, repo)

	page, err := svc.Tree(context.Background(), repo, "main", "", TreeOptions{})
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(page.Entries), page.Entries)
	}

	byPath := map[string]TreeEntry{}
	for _, e := range page.Entries {
		byPath[e.Path] = e
	}
	if byPath["sub"].Type != "directory" {
		t.Errorf("sub entry type = %q, want directory", byPath["sub"].Type)
	}
	weights := byPath["weights.bin"]
	if weights.LFS == nil {
		t.Fatalf("weights.bin missing LFS pointer info")
	}
	if weights.LFS.OID != strings.Repeat("ab", 32) || weights.LFS.Size != 100 {
		t.Errorf("LFS pointer = %+v, want oid ab..ab size 100", weights.LFS)
	}
	if weights.LFS.PointerSize != 128 {
		t.Errorf("PointerSize = %d, want 128", weights.LFS.PointerSize)
	}
	if byPath["config.json"].LFS != nil {
		t.Errorf("config.json unexpectedly marked LFS")
	}
}

func TestTreeRecursiveAndExpand(t *testing.T) {
	svc, _, vos, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)
	seedTreeObjects(vos, repo)

	page, err := svc.Tree(context.Background(), repo, "main", "", TreeOptions{Recursive: true, Expand: true})
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(page.Entries) != 4 {
		t.Fatalf("got %d entries, want 4 files", len(page.Entries))
	}
	for _, e := range page.Entries {
		if e.Type != "file" {
			t.Errorf("recursive listing produced %q entry %s", e.Type, e.Path)
		}
		if e.LastCommit == nil {
			t.Fatalf("entry %s missing lastCommit with expand", e.Path)
		}
		if e.LastCommit.ID != "tip1" || e.LastCommit.Title != "add weights" {
			t.Errorf("lastCommit = %+v, want tip1 / add weights", e.LastCommit)
		}
	}
}

func TestTreePaginatesWithCursor(t *testing.T) {
	svc, _, vos, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)
	seedTreeObjects(vos, repo)

	ctx := context.Background()
	first, err := svc.Tree(ctx, repo, "main", "", TreeOptions{Recursive: true, Limit: 3})
	if err != nil {
		t.Fatalf("Tree page 1: %v", err)
	}
	if len(first.Entries) != 3 || first.NextCursor == "" {
		t.Fatalf("page 1 = %d entries, cursor %q; want 3 entries and a cursor",
			len(first.Entries), first.NextCursor)
	}

	second, err := svc.Tree(ctx, repo, "main", "", TreeOptions{Recursive: true, Limit: 3, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("Tree page 2: %v", err)
	}
	if len(second.Entries) != 1 || second.NextCursor != "" {
		t.Fatalf("page 2 = %d entries, cursor %q; want 1 entry and no cursor",
			len(second.Entries), second.NextCursor)
	}
	if second.Entries[0].Path != "weights.bin" {
		t.Errorf("page 2 entry = %s, want weights.bin", second.Entries[0].Path)
	}
}

func TestTreeMissingDirectory(t *testing.T) {
	svc, _, vos, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)
	seedTreeObjects(vos, repo)

	_, err := svc.Tree(context.Background(), repo, "main", "no-such-dir", TreeOptions{})
	if !errors.Is(err, models.ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestInfoListsSiblings(t *testing.T) {
	svc, _, vos, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)
	seedTreeObjects(vos, repo)

	info, err := svc.Info(context.Background(), repo, "")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.SHA != "tip1" {
		t.Errorf("SHA = %q, want tip1", info.SHA)
	}
	want := []string{"config.json", "sub/a.txt", "sub/b.txt", "weights.bin"}
	if len(info.Siblings) != len(want) {
		t.Fatalf("siblings = %v, want %v", info.Siblings, want)
	}
	for i, path := range want {
		if info.Siblings[i] != path {
			t.Errorf("siblings[%d] = %q, want %q", i, info.Siblings[i], path)
		}
	}
}

func TestCommitLogRepairsGap(t *testing.T) {
	svc, st, _, user := newTestService(t)
	ctx := context.Background()

	repo := mustCreate(t, svc, user, "bert", false)
	rec := &fakeReconciler{behind: true}
	svc.reconciler = rec

	if err := st.CreateCommit(ctx, &models.Commit{
		CommitID:     "c1",
		RepositoryID: repo.ID,
		RepoType:     repo.RepoType,
		Branch:       "main",
		Message:      "init",
	}); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	commits, err := svc.CommitLog(ctx, repo, "main", 0, 10)
	if err != nil {
		t.Fatalf("CommitLog: %v", err)
	}
	if rec.reconciled != 1 {
		t.Errorf("reconciler ran %d times, want 1", rec.reconciled)
	}
	if len(commits) != 1 || commits[0].CommitID != "c1" {
		t.Errorf("commits = %+v, want the single recorded commit", commits)
	}

	if _, err := svc.CommitLog(ctx, repo, "main", 0, 10); err != nil {
		t.Fatalf("CommitLog after repair: %v", err)
	}
	if rec.reconciled != 1 {
		t.Errorf("reconciler reran on a healthy branch")
	}
}

func TestCommitLogUnknownBranch(t *testing.T) {
	svc, _, _, user := newTestService(t)
	repo := mustCreate(t, svc, user, "bert", false)

	_, err := svc.CommitLog(context.Background(), repo, "ghost", 0, 10)
	if !errors.Is(err, models.ErrRevisionNotFound) {
		t.Errorf("err = %v, want ErrRevisionNotFound", err)
	}
}
