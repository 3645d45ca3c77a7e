package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

func newTestAccountant(t *testing.T) (*Accountant, *store.Store) {
	t.Helper()
	st, err := store.New(&store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func seedOwnerAndRepo(t *testing.T, st *store.Store, privateQuota *int64, repoQuota *int64, private bool) (*models.User, *models.Repository) {
	t.Helper()
	ctx := context.Background()

	hash := "$2a$04$fakehashfakehashfakehash"
	email := "owner@example.com"
	owner := &models.User{
		Username:          "owner",
		Email:             &email,
		PasswordHash:      &hash,
		IsActive:          true,
		PrivateQuotaBytes: privateQuota,
	}
	if err := st.CreateUser(ctx, owner); err != nil {
		t.Fatalf("Failed to create owner: %v", err)
	}

	repo := &models.Repository{
		RepoType:   "model",
		Namespace:  "owner",
		Name:       "repo",
		Private:    private,
		OwnerID:    owner.ID,
		QuotaBytes: repoQuota,
	}
	if err := st.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("Failed to create repo: %v", err)
	}
	return owner, repo
}

func TestCheckAndReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("within quota applies delta", func(t *testing.T) {
		acct, st := newTestAccountant(t)
		ownerQuota, repoQuota := int64(1000), int64(500)
		owner, repo := seedOwnerAndRepo(t, st, &ownerQuota, &repoQuota, true)

		err := st.WithTransaction(ctx, func(tx *store.Store) error {
			return acct.CheckAndReserve(ctx, tx, repo.ID, 400)
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		fresh, _ := st.GetRepositoryByID(ctx, repo.ID)
		if fresh.UsedBytes != 400 {
			t.Errorf("Expected repo used 400, got %d", fresh.UsedBytes)
		}
		freshOwner, _ := st.GetUserByID(ctx, owner.ID)
		if freshOwner.PrivateUsedBytes != 400 {
			t.Errorf("Expected private used 400, got %d", freshOwner.PrivateUsedBytes)
		}
		if freshOwner.PublicUsedBytes != 0 {
			t.Errorf("Expected public bucket untouched, got %d", freshOwner.PublicUsedBytes)
		}
	})

	t.Run("repo cap exceeded", func(t *testing.T) {
		acct, st := newTestAccountant(t)
		repoQuota := int64(100)
		_, repo := seedOwnerAndRepo(t, st, nil, &repoQuota, true)

		err := st.WithTransaction(ctx, func(tx *store.Store) error {
			return acct.CheckAndReserve(ctx, tx, repo.ID, 101)
		})
		if !errors.Is(err, models.ErrQuotaExceeded) {
			t.Errorf("Expected ErrQuotaExceeded, got %v", err)
		}

		fresh, _ := st.GetRepositoryByID(ctx, repo.ID)
		if fresh.UsedBytes != 0 {
			t.Errorf("Expected rollback to leave usage at 0, got %d", fresh.UsedBytes)
		}
	})

	t.Run("owner bucket exceeded", func(t *testing.T) {
		acct, st := newTestAccountant(t)
		ownerQuota := int64(100)
		_, repo := seedOwnerAndRepo(t, st, &ownerQuota, nil, true)

		err := st.WithTransaction(ctx, func(tx *store.Store) error {
			return acct.CheckAndReserve(ctx, tx, repo.ID, 150)
		})
		if !errors.Is(err, models.ErrQuotaExceeded) {
			t.Errorf("Expected ErrQuotaExceeded, got %v", err)
		}
	})

	t.Run("nil quota is unlimited", func(t *testing.T) {
		acct, st := newTestAccountant(t)
		_, repo := seedOwnerAndRepo(t, st, nil, nil, false)

		err := st.WithTransaction(ctx, func(tx *store.Store) error {
			return acct.CheckAndReserve(ctx, tx, repo.ID, 1<<40)
		})
		if err != nil {
			t.Errorf("Expected unbounded reserve to succeed, got %v", err)
		}
	})

	t.Run("free always succeeds and floors at zero", func(t *testing.T) {
		acct, st := newTestAccountant(t)
		ownerQuota := int64(10)
		owner, repo := seedOwnerAndRepo(t, st, &ownerQuota, nil, true)

		err := st.WithTransaction(ctx, func(tx *store.Store) error {
			return acct.CheckAndReserve(ctx, tx, repo.ID, -500)
		})
		if err != nil {
			t.Fatalf("Expected free to succeed, got %v", err)
		}
		freshOwner, _ := st.GetUserByID(ctx, owner.ID)
		if freshOwner.PrivateUsedBytes != 0 {
			t.Errorf("Expected usage floored at 0, got %d", freshOwner.PrivateUsedBytes)
		}
	})
}

func TestRecalculate(t *testing.T) {
	ctx := context.Background()
	acct, st := newTestAccountant(t)
	owner, repo := seedOwnerAndRepo(t, st, nil, nil, true)

	files := []*models.File{
		{RepositoryID: repo.ID, Branch: "main", PathInRepo: "README.md", SHA256: "r", Size: 10},
		{RepositoryID: repo.ID, Branch: "main", PathInRepo: "w.bin", SHA256: "lfs1", Size: 1000, LFS: true},
		{RepositoryID: repo.ID, Branch: "dev", PathInRepo: "w.bin", SHA256: "lfs1", Size: 1000, LFS: true},
		{RepositoryID: repo.ID, Branch: "main", PathInRepo: "old.bin", SHA256: "x", Size: 77, IsDeleted: true},
	}
	for _, f := range files {
		if err := st.UpsertFile(ctx, f); err != nil {
			t.Fatalf("Failed to seed file: %v", err)
		}
	}

	used, err := acct.RecalculateRepo(ctx, repo.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if used != 1010 {
		t.Errorf("Expected usage 1010 (10 regular + 1000 deduped LFS), got %d", used)
	}

	privateUsed, publicUsed, err := acct.RecalculateOwner(ctx, owner.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if privateUsed != 1010 || publicUsed != 0 {
		t.Errorf("Expected buckets (1010, 0), got (%d, %d)", privateUsed, publicUsed)
	}

	freshOwner, _ := st.GetUserByID(ctx, owner.ID)
	if freshOwner.PrivateUsedBytes != 1010 {
		t.Errorf("Expected persisted private usage 1010, got %d", freshOwner.PrivateUsedBytes)
	}
}
