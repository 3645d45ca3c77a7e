// Package commits turns NDJSON commit requests into versioned-store
// commits plus matching metadata rows.
//
// A commit runs in four phases under a per-branch advisory lock: parse
// and plan (resolve every operation against the branch tip), stage
// (upload inline payloads and stage every surviving path), commit the
// versioned store, then record (file rows, commit row, quota) in one
// metadata transaction. The versioned commit is the source of truth; if
// the recording transaction fails afterwards the result is flagged so
// callers surface the pending reconcile instead of an error.
package commits

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/lock"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

// VOS is the slice of the versioned object store the engine drives.
type VOS interface {
	GetBranch(ctx context.Context, repo, branch string) (*lakefs.Branch, error)
	GetCommit(ctx context.Context, repo, commitID string) (*lakefs.CommitRecord, error)
	StatObject(ctx context.Context, repo, ref, path string) (*lakefs.ObjectStat, error)
	StageObject(ctx context.Context, repo, branch, path string, stage lakefs.StageRequest) (*lakefs.ObjectStat, error)
	DeleteObject(ctx context.Context, repo, branch, path string) error
	Commit(ctx context.Context, repo, branch, message string, metadata map[string]string) (*lakefs.CommitRecord, error)
	LogCommits(ctx context.Context, repo, ref, after string, amount int) (*lakefs.CommitPage, error)
	ListObjects(ctx context.Context, repo, ref, prefix, after, delimiter string, amount int) (*lakefs.ObjectPage, error)
}

// ROS is the slice of the raw object store the engine drives.
type ROS interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	URI(key string) string
}

// Engine applies commit requests.
type Engine struct {
	store  *store.Store
	vos    VOS
	ros    ROS
	lfs    *lfs.Engine
	quota  *quota.Accountant
	locker lock.Locker
}

// New creates a commit engine.
func New(st *store.Store, vos VOS, ros ROS, lfsEngine *lfs.Engine, acct *quota.Accountant, locker lock.Locker) *Engine {
	return &Engine{store: st, vos: vos, ros: ros, lfs: lfsEngine, quota: acct, locker: locker}
}

// Result reports the outcome of a commit. ReconcilePending means the
// versioned commit landed but the metadata transaction did not; the
// reconciler will replay it.
type Result struct {
	CommitID         string
	ReconcilePending bool
}

// Commit applies one parsed request to a branch. The branch lock is held
// across the whole cycle; a tip conflict from a concurrent writer gets
// one replan before surfacing as a conflict.
func (e *Engine) Commit(ctx context.Context, repo *models.Repository, branch string, author *models.User, req *Request) (*Result, error) {
	if req.Header.Summary == "" {
		return nil, fmt.Errorf("%w: commit summary is required", models.ErrBadRequest)
	}
	if len(req.Ops) == 0 {
		return nil, fmt.Errorf("%w: commit carries no operations", models.ErrBadRequest)
	}

	release, err := e.locker.Acquire(ctx, repo.ID, branch)
	if err != nil {
		return nil, err
	}
	defer release()

	commit, pl, err := e.attempt(ctx, repo, branch, author, req)
	if errors.Is(err, models.ErrCommitConflict) && req.Header.ParentCommit == "" {
		logger.WarnCtx(ctx, "Commit hit a concurrent tip move, replanning once",
			"repo", repo.FullID, "branch", branch)
		commit, pl, err = e.attempt(ctx, repo, branch, author, req)
	}
	if err != nil {
		return nil, err
	}

	return e.record(ctx, repo, branch, author, req, commit, pl)
}

// attempt plans against the current tip, stages, and commits the
// versioned store. Staged upload keys are removed on failure; staged
// paths on the branch are left for the next attempt to overwrite.
func (e *Engine) attempt(ctx context.Context, repo *models.Repository, branch string, author *models.User, req *Request) (*lakefs.CommitRecord, *plan, error) {
	vosName := repo.VOSName()

	tip, err := e.vos.GetBranch(ctx, vosName, branch)
	if err != nil {
		return nil, nil, err
	}
	if req.Header.ParentCommit != "" && req.Header.ParentCommit != tip.CommitID {
		return nil, nil, fmt.Errorf("%w: branch %s moved to %s", models.ErrCommitConflict, branch, tip.CommitID)
	}

	planner := newPlanner(e, repo, branch)
	for _, op := range req.Ops {
		if err := planner.apply(ctx, op); err != nil {
			return nil, nil, err
		}
	}
	if len(planner.order) == 0 {
		return nil, nil, fmt.Errorf("%w: commit produced no changes", models.ErrBadRequest)
	}

	pl, err := planner.settle(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Advisory pre-check so an over-quota commit fails before any bytes
	// move. The binding check runs inside the recording transaction.
	if err := e.quota.Check(ctx, e.store, repo.ID, pl.delta); err != nil {
		return nil, nil, err
	}

	staged, err := e.stage(ctx, vosName, branch, pl)
	if err != nil {
		e.discardStaged(ctx, staged)
		return nil, nil, err
	}

	commit, err := e.vos.Commit(ctx, vosName, branch, req.Header.Summary, commitMetadata(author))
	if err != nil {
		e.discardStaged(ctx, staged)
		return nil, nil, err
	}
	return commit, pl, nil
}

// stage applies the plan to the branch working tree: deletions first so a
// replaced directory cannot shadow new files, then uploads and stage
// calls for every surviving path. Returns the raw-store keys written so
// far for cleanup on failure.
func (e *Engine) stage(ctx context.Context, vosName, branch string, pl *plan) ([]string, error) {
	var staged []string
	for _, path := range pl.order {
		entry := pl.entries[path]
		if entry.deleted {
			if err := e.vos.DeleteObject(ctx, vosName, branch, path); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
				return staged, err
			}
			continue
		}

		if entry.content != nil {
			if err := e.ros.Put(ctx, entry.stagingKey, bytes.NewReader(entry.content), entry.size); err != nil {
				return staged, fmt.Errorf("uploading %s: %w", path, err)
			}
			staged = append(staged, entry.stagingKey)
		}

		_, err := e.vos.StageObject(ctx, vosName, branch, path, lakefs.StageRequest{
			PhysicalAddress: entry.physicalURI,
			Checksum:        entry.sha,
			SizeBytes:       entry.size,
		})
		if err != nil {
			return staged, fmt.Errorf("staging %s: %w", path, err)
		}
	}
	return staged, nil
}

func (e *Engine) discardStaged(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := e.ros.Delete(ctx, key); err != nil {
			logger.WarnCtx(ctx, "Failed to remove staged upload after aborted commit", "key", key, "error", err)
		}
	}
}

// record writes the metadata side of a landed versioned commit: file
// rows, the commit row, the quota reservation, and LFS history bumps.
// Failure here does not undo the versioned commit; the result is marked
// reconcile-pending instead.
func (e *Engine) record(ctx context.Context, repo *models.Repository, branch string, author *models.User, req *Request, commit *lakefs.CommitRecord, pl *plan) (*Result, error) {
	err := e.store.WithTransaction(ctx, func(tx *store.Store) error {
		for _, path := range pl.order {
			entry := pl.entries[path]
			row := &models.File{
				RepositoryID: repo.ID,
				Branch:       branch,
				PathInRepo:   path,
				SHA256:       entry.sha,
				Size:         entry.size,
				LFS:          entry.lfs,
				IsDeleted:    entry.deleted,
			}
			if err := tx.UpsertFile(ctx, row); err != nil {
				return err
			}
		}

		rec := &models.Commit{
			CommitID:     commit.ID,
			RepositoryID: repo.ID,
			RepoType:     repo.RepoType,
			Branch:       branch,
			Username:     authorName(author),
			Message:      req.Header.Summary,
			Description:  req.Header.Description,
		}
		if author != nil {
			rec.AuthorID = &author.ID
		}
		if err := tx.CreateCommit(ctx, rec); err != nil {
			return err
		}

		if err := e.quota.CheckAndReserve(ctx, tx, repo.ID, pl.delta); err != nil {
			return err
		}

		for sha, size := range pl.lfsSizes {
			if err := tx.RecordLFSObject(ctx, sha, size); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorCtx(ctx, "Commit landed in the versioned store but recording failed",
			"repo", repo.FullID, "branch", branch, "commit", commit.ID, "error", err)
		return &Result{CommitID: commit.ID, ReconcilePending: true}, nil
	}

	logger.InfoCtx(ctx, "Commit recorded",
		"repo", repo.FullID, "branch", branch, "commit", commit.ID,
		"paths", len(pl.order), "delta_bytes", pl.delta)
	return &Result{CommitID: commit.ID}, nil
}

func commitMetadata(author *models.User) map[string]string {
	return map[string]string{"author": authorName(author)}
}

func authorName(author *models.User) string {
	if author == nil {
		return "anonymous"
	}
	return author.Username
}
