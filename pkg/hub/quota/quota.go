// Package quota tracks storage usage per repository and per owner.
//
// Every owner (user or organization) has two budgets, private and public,
// and every repository can carry its own cap on top. Usage counts live
// files; LFS objects are deduplicated per repository, so the same sha256
// referenced from three branches costs its size once.
//
// The commit engine calls CheckAndReserve inside its transaction with the
// signed byte delta of the commit. Totals drift only if a crash splits a
// commit from its bookkeeping; RecalculateRepo and RecalculateOwner rebuild
// them from the file index and run periodically and on admin demand.
package quota

import (
	"context"
	"fmt"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

// Accountant answers quota questions against the metadata store.
type Accountant struct {
	store *store.Store
}

// New creates an accountant bound to the store.
func New(st *store.Store) *Accountant {
	return &Accountant{store: st}
}

// Usage computes the byte usage of a live file set: regular files sum per
// row, LFS files sum once per distinct sha256.
func Usage(files []*models.File) int64 {
	var total int64
	lfsSizes := make(map[string]int64)
	for _, f := range files {
		if f.IsDeleted {
			continue
		}
		if f.LFS {
			lfsSizes[f.SHA256] = f.Size
		} else {
			total += f.Size
		}
	}
	for _, size := range lfsSizes {
		total += size
	}
	return total
}

// Check verifies that delta bytes would fit within the repo cap and the
// owner's visibility bucket without reserving anything. The commit engine
// calls it before staging so an over-quota commit is rejected before any
// bytes move; the binding check happens again inside the transaction.
func (a *Accountant) Check(ctx context.Context, st *store.Store, repoID int64, delta int64) error {
	if delta <= 0 {
		return nil
	}
	_, err := a.verify(ctx, st, repoID, delta)
	return err
}

// CheckAndReserve verifies that delta bytes fit within the repo cap and the
// owner's visibility bucket, then applies the delta to both rows. tx must be
// the transaction-bound store of the calling commit so the reservation
// commits or rolls back with the rest of the commit's rows.
//
// Frees (delta <= 0) always succeed. A nil quota means unbounded.
func (a *Accountant) CheckAndReserve(ctx context.Context, tx *store.Store, repoID int64, delta int64) error {
	if delta == 0 {
		return nil
	}

	repo, err := a.verify(ctx, tx, repoID, delta)
	if err != nil {
		return err
	}

	if err := tx.AddRepoUsedBytes(ctx, repoID, delta); err != nil {
		return err
	}
	return tx.AddOwnerUsedBytes(ctx, repo.OwnerID, delta, repo.Private)
}

// verify re-reads the repo and owner rows and checks delta against their
// budgets. Frees pass unconditionally.
func (a *Accountant) verify(ctx context.Context, st *store.Store, repoID int64, delta int64) (*models.Repository, error) {
	repo, err := st.GetRepositoryByID(ctx, repoID)
	if err != nil {
		return nil, err
	}
	owner, err := st.GetUserByID(ctx, repo.OwnerID)
	if err != nil {
		return nil, err
	}

	if delta > 0 {
		if repo.QuotaBytes != nil && repo.UsedBytes+delta > *repo.QuotaBytes {
			return nil, fmt.Errorf("%w: repo %s would use %d of %d bytes",
				models.ErrQuotaExceeded, repo.FullID, repo.UsedBytes+delta, *repo.QuotaBytes)
		}

		bucketQuota, bucketUsed := owner.PublicQuotaBytes, owner.PublicUsedBytes
		bucket := "public"
		if repo.Private {
			bucketQuota, bucketUsed = owner.PrivateQuotaBytes, owner.PrivateUsedBytes
			bucket = "private"
		}
		if bucketQuota != nil && bucketUsed+delta > *bucketQuota {
			return nil, fmt.Errorf("%w: %s %s storage would use %d of %d bytes",
				models.ErrQuotaExceeded, owner.Username, bucket, bucketUsed+delta, *bucketQuota)
		}
	}
	return repo, nil
}

// RecalculateRepo rebuilds one repo's usage from its live files and writes
// it back. Returns the fresh total.
func (a *Accountant) RecalculateRepo(ctx context.Context, repoID int64) (int64, error) {
	files, err := a.store.ListRepoLiveFiles(ctx, repoID)
	if err != nil {
		return 0, err
	}
	used := Usage(files)
	if err := a.store.SetRepoUsedBytes(ctx, repoID, used); err != nil {
		return 0, err
	}
	return used, nil
}

// RecalculateOwner rebuilds every repo of the owner and then the owner's two
// usage buckets. Returns the fresh bucket totals.
func (a *Accountant) RecalculateOwner(ctx context.Context, ownerID int64) (privateUsed, publicUsed int64, err error) {
	repos, err := a.store.ListOwnerRepositories(ctx, ownerID)
	if err != nil {
		return 0, 0, err
	}

	for _, repo := range repos {
		used, err := a.RecalculateRepo(ctx, repo.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("recalculating %s: %w", repo.FullID, err)
		}
		if repo.Private {
			privateUsed += used
		} else {
			publicUsed += used
		}
	}

	if err := a.store.SetOwnerUsedBytes(ctx, ownerID, privateUsed, publicUsed); err != nil {
		return 0, 0, err
	}

	logger.InfoCtx(ctx, "Recalculated owner usage",
		"owner_id", ownerID, "private_used", privateUsed, "public_used", publicUsed, "repos", len(repos))
	return privateUsed, publicUsed, nil
}
