package commits

import (
	"context"
	"errors"
	"fmt"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

const (
	// maxReconcileCommits bounds how far back a reconcile will walk. A
	// longer gap means the metadata store lost more than a crashed
	// recording step and needs an operator.
	maxReconcileCommits = 100

	logPageSize  = 100
	listPageSize = 1000
)

// NeedsReconcile reports whether the branch tip landed in the versioned
// store without its metadata rows.
func (e *Engine) NeedsReconcile(ctx context.Context, repo *models.Repository, branch string) (bool, error) {
	tip, err := e.vos.GetBranch(ctx, repo.VOSName(), branch)
	if err != nil {
		if errors.Is(err, models.ErrRepoNotFound) || errors.Is(err, models.ErrRevisionNotFound) {
			return false, nil
		}
		return false, err
	}
	if tip.CommitID == "" {
		return false, nil
	}

	rec, err := e.vos.GetCommit(ctx, repo.VOSName(), tip.CommitID)
	if err != nil {
		return false, err
	}
	if len(rec.Parents) == 0 {
		// The import commit every fresh repository starts from.
		return false, nil
	}

	_, err = e.store.GetCommit(ctx, repo.ID, tip.CommitID)
	if errors.Is(err, models.ErrRevisionNotFound) {
		return true, nil
	}
	return false, err
}

// Reconcile replays versioned-store commits that are missing their
// metadata rows, oldest first, then rebuilds the repo and owner usage
// totals. Returns how many commits were replayed.
func (e *Engine) Reconcile(ctx context.Context, repo *models.Repository, branch string) (int, error) {
	missing, err := e.missingCommits(ctx, repo, branch)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := e.replayCommit(ctx, repo, branch, missing[i]); err != nil {
			return 0, fmt.Errorf("replaying commit %s: %w", missing[i].ID, err)
		}
	}

	if _, err := e.quota.RecalculateRepo(ctx, repo.ID); err != nil {
		return 0, err
	}
	if _, _, err := e.quota.RecalculateOwner(ctx, repo.OwnerID); err != nil {
		return 0, err
	}

	logger.InfoCtx(ctx, "Reconciled branch from versioned store",
		"repo", repo.FullID, "branch", branch, "commits", len(missing))
	return len(missing), nil
}

// missingCommits walks the branch log newest first and collects commits
// without a metadata row, stopping at the first recorded commit or the
// repository's root.
func (e *Engine) missingCommits(ctx context.Context, repo *models.Repository, branch string) ([]lakefs.CommitRecord, error) {
	var missing []lakefs.CommitRecord
	after := ""
	for {
		page, err := e.vos.LogCommits(ctx, repo.VOSName(), branch, after, logPageSize)
		if err != nil {
			if errors.Is(err, models.ErrRepoNotFound) || errors.Is(err, models.ErrRevisionNotFound) {
				return nil, nil
			}
			return nil, err
		}

		for _, rec := range page.Results {
			if len(rec.Parents) == 0 {
				return missing, nil
			}
			_, err := e.store.GetCommit(ctx, repo.ID, rec.ID)
			if err == nil {
				return missing, nil
			}
			if !errors.Is(err, models.ErrRevisionNotFound) {
				return nil, err
			}
			missing = append(missing, rec)
			if len(missing) > maxReconcileCommits {
				return nil, fmt.Errorf("branch %s of %s is missing more than %d commits, refusing to reconcile automatically",
					branch, repo.FullID, maxReconcileCommits)
			}
		}

		if !page.Pagination.HasMore {
			return missing, nil
		}
		after = page.Pagination.NextOffset
	}
}

// replayCommit derives one commit's file changes by diffing its snapshot
// against its first parent and writes the metadata rows the recording
// step would have written.
func (e *Engine) replayCommit(ctx context.Context, repo *models.Repository, branch string, rec lakefs.CommitRecord) error {
	current, err := e.snapshot(ctx, repo.VOSName(), rec.ID)
	if err != nil {
		return err
	}
	parent, err := e.snapshot(ctx, repo.VOSName(), rec.Parents[0])
	if err != nil {
		return err
	}

	return e.store.WithTransaction(ctx, func(tx *store.Store) error {
		for path, obj := range current {
			if old, ok := parent[path]; ok && old.Checksum == obj.Checksum && old.SizeBytes == obj.SizeBytes {
				continue
			}
			isLFS := isLFSAddress(obj.PhysicalAddress)
			row := &models.File{
				RepositoryID: repo.ID,
				Branch:       branch,
				PathInRepo:   path,
				SHA256:       obj.Checksum,
				Size:         obj.SizeBytes,
				LFS:          isLFS,
			}
			if err := tx.UpsertFile(ctx, row); err != nil {
				return err
			}
			if isLFS {
				if err := tx.RecordLFSObject(ctx, obj.Checksum, obj.SizeBytes); err != nil {
					return err
				}
			}
		}

		for path := range parent {
			if _, ok := current[path]; ok {
				continue
			}
			err := tx.MarkFileDeleted(ctx, repo.ID, branch, path)
			if err != nil && !errors.Is(err, models.ErrEntryNotFound) {
				return err
			}
		}

		return tx.CreateCommit(ctx, &models.Commit{
			CommitID:     rec.ID,
			RepositoryID: repo.ID,
			RepoType:     repo.RepoType,
			Branch:       branch,
			Username:     rec.Metadata["author"],
			Message:      rec.Message,
		})
	})
}

// snapshot lists every object reachable from ref, keyed by path.
func (e *Engine) snapshot(ctx context.Context, vosName, ref string) (map[string]lakefs.ObjectStat, error) {
	objects := map[string]lakefs.ObjectStat{}
	after := ""
	for {
		page, err := e.vos.ListObjects(ctx, vosName, ref, "", after, "", listPageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Results {
			if obj.PathType == "common_prefix" {
				continue
			}
			objects[obj.Path] = obj
		}
		if !page.Pagination.HasMore {
			return objects, nil
		}
		after = page.Pagination.NextOffset
	}
}
