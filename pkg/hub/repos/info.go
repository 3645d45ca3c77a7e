package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

const listPageSize = 1000

// Revision resolves a branch name or commit id to a commit. Branch names
// win when a commit id happens to collide.
func (s *Service) Revision(ctx context.Context, repo *models.Repository, revision string) (*lakefs.CommitRecord, error) {
	if revision == "" {
		revision = models.DefaultBranch
	}

	branch, err := s.vos.GetBranch(ctx, repo.VOSName(), revision)
	if err == nil {
		return s.vos.GetCommit(ctx, repo.VOSName(), branch.CommitID)
	}
	if !errors.Is(err, models.ErrRevisionNotFound) {
		return nil, err
	}
	return s.vos.GetCommit(ctx, repo.VOSName(), revision)
}

// Info is a repository snapshot at one revision.
type Info struct {
	Repo         *models.Repository
	SHA          string
	LastModified time.Time

	// Siblings lists every live file path at the revision.
	Siblings []string
}

// Info resolves the revision and lists the files reachable from it.
func (s *Service) Info(ctx context.Context, repo *models.Repository, revision string) (*Info, error) {
	commit, err := s.Revision(ctx, repo, revision)
	if err != nil {
		return nil, err
	}

	siblings, err := s.paths(ctx, repo.VOSName(), commit.ID)
	if err != nil {
		return nil, err
	}

	return &Info{
		Repo:         repo,
		SHA:          commit.ID,
		LastModified: time.Unix(commit.CreationDate, 0).UTC(),
		Siblings:     siblings,
	}, nil
}

// paths walks the full object listing at ref and returns the file paths.
func (s *Service) paths(ctx context.Context, vosName, ref string) ([]string, error) {
	var out []string
	after := ""
	for {
		page, err := s.vos.ListObjects(ctx, vosName, ref, "", after, "", listPageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Results {
			if obj.PathType == "common_prefix" {
				continue
			}
			out = append(out, obj.Path)
		}
		if !page.Pagination.HasMore {
			return out, nil
		}
		after = page.Pagination.NextOffset
	}
}

// CommitLog returns one page of a branch's recorded history, newest
// first. When the versioned store is ahead of the metadata index (the
// post-commit recording window), the gap is repaired before listing.
func (s *Service) CommitLog(ctx context.Context, repo *models.Repository, branch string, afterID int64, limit int) ([]*models.Commit, error) {
	if _, err := s.vos.GetBranch(ctx, repo.VOSName(), branch); err != nil {
		return nil, err
	}

	s.repairGap(ctx, repo, branch)
	return s.store.ListCommits(ctx, repo.ID, branch, afterID, limit)
}

// repairGap runs the reconciler when the branch tip has no metadata row.
// Failures are logged and the recorded history is served as-is.
func (s *Service) repairGap(ctx context.Context, repo *models.Repository, branch string) {
	if s.reconciler == nil {
		return
	}

	behind, err := s.reconciler.NeedsReconcile(ctx, repo, branch)
	if err != nil {
		logger.WarnCtx(ctx, "Commit gap check failed",
			"repo", repo.FullID, "branch", branch, "error", err)
		return
	}
	if !behind {
		return
	}

	replayed, err := s.reconciler.Reconcile(ctx, repo, branch)
	if err != nil {
		logger.WarnCtx(ctx, "Reconcile failed, serving the recorded history",
			"repo", repo.FullID, "branch", branch, "error", err)
		return
	}
	logger.InfoCtx(ctx, "Recovered commits missing from the metadata index",
		"repo", repo.FullID, "branch", branch, "commits", replayed)
}

// firstLine truncates a commit message to its summary line.
func firstLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return message[:idx]
	}
	return message
}
