// Package repos manages repository lifecycle: creation, deletion,
// settings, and branches.
//
// Every hub repository is backed by a versioned-store repository plus a
// metadata row; the service keeps the two in step. The metadata row is
// authoritative: a versioned repository without a row is invisible and
// gets replaced on the next create with the same name.
package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
)

const branchPageSize = 100

// VOS is the slice of the versioned object store the lifecycle drives.
type VOS interface {
	CreateRepo(ctx context.Context, repo, defaultBranch string) (*lakefs.Repo, error)
	DeleteRepo(ctx context.Context, repo string) error
	GetBranch(ctx context.Context, repo, branch string) (*lakefs.Branch, error)
	ListBranches(ctx context.Context, repo, after string, amount int) (*lakefs.BranchPage, error)
	CreateBranch(ctx context.Context, repo, branch, sourceRef string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
	GetCommit(ctx context.Context, repo, commitID string) (*lakefs.CommitRecord, error)
	ListObjects(ctx context.Context, repo, ref, prefix, after, delimiter string, amount int) (*lakefs.ObjectPage, error)
}

// Reconciler repairs the metadata index when the versioned store is
// ahead of it. The commit engine implements this.
type Reconciler interface {
	NeedsReconcile(ctx context.Context, repo *models.Repository, branch string) (bool, error)
	Reconcile(ctx context.Context, repo *models.Repository, branch string) (int, error)
}

// Service performs repository lifecycle operations.
type Service struct {
	store      *store.Store
	vos        VOS
	quota      *quota.Accountant
	reconciler Reconciler
}

// New creates a lifecycle service. reconciler may be nil; commit-gap
// repair on listing is then skipped.
func New(st *store.Store, vos VOS, acct *quota.Accountant, reconciler Reconciler) *Service {
	return &Service{store: st, vos: vos, quota: acct, reconciler: reconciler}
}

// Create makes a new repository owned by owner. The metadata row is
// written first so the uniqueness check decides conflicts; the backing
// versioned repository follows, and a failure there rolls the row back.
func (s *Service) Create(ctx context.Context, owner *models.User, repoType names.RepoType, name string, private bool) (*models.Repository, error) {
	repo := &models.Repository{
		RepoType:  string(repoType),
		Namespace: owner.Username,
		Name:      name,
		Private:   private,
		OwnerID:   owner.ID,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, err
	}

	if err := s.createBacking(ctx, repo); err != nil {
		if delErr := s.store.DeleteRepository(ctx, repo.ID); delErr != nil {
			logger.ErrorCtx(ctx, "Failed to roll back repo row after versioned-store create failed",
				"repo", repo.FullID, "error", delErr)
		}
		return nil, fmt.Errorf("creating versioned repository for %s: %w", repo.FullID, err)
	}

	logger.InfoCtx(ctx, "Repository created",
		"repo", repo.FullID, "type", repo.RepoType, "private", private, "vos_repo", repo.VOSName())
	return repo, nil
}

// createBacking creates the versioned repository. A name clash can only
// be a leftover from an unfinished delete (the hash suffix in the name
// rules out sanitization collisions), so the stale repository is
// replaced.
func (s *Service) createBacking(ctx context.Context, repo *models.Repository) error {
	vosName := repo.VOSName()
	_, err := s.vos.CreateRepo(ctx, vosName, models.DefaultBranch)
	if err == nil || !errors.Is(err, models.ErrRepoExists) {
		return err
	}

	logger.WarnCtx(ctx, "Replacing stale versioned repository left by an unfinished delete",
		"repo", repo.FullID, "vos_repo", vosName)
	if err := s.vos.DeleteRepo(ctx, vosName); err != nil {
		return err
	}
	_, err = s.vos.CreateRepo(ctx, vosName, models.DefaultBranch)
	return err
}

// Delete removes a repository: the versioned store first, then the
// metadata rows and the owner's usage in one transaction. A failure
// between the two leaves a row pointing at a missing versioned repo,
// which a retried delete clears.
func (s *Service) Delete(ctx context.Context, repo *models.Repository) error {
	if err := s.vos.DeleteRepo(ctx, repo.VOSName()); err != nil {
		return fmt.Errorf("deleting versioned repository for %s: %w", repo.FullID, err)
	}

	err := s.store.WithTransaction(ctx, func(tx *store.Store) error {
		if err := tx.AddOwnerUsedBytes(ctx, repo.OwnerID, -repo.UsedBytes, repo.Private); err != nil {
			return err
		}
		return tx.DeleteRepository(ctx, repo.ID)
	})
	if err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Repository deleted",
		"repo", repo.FullID, "type", repo.RepoType, "freed_bytes", repo.UsedBytes)
	return nil
}

// UpdateSettings applies the non-nil settings fields. Flipping the
// private flag moves the repo's usage between the owner's buckets so the
// quota invariant holds.
func (s *Service) UpdateSettings(ctx context.Context, repo *models.Repository, settings store.RepoSettings) error {
	if err := validateSettings(settings); err != nil {
		return err
	}

	flip := settings.Private != nil && *settings.Private != repo.Private
	return s.store.WithTransaction(ctx, func(tx *store.Store) error {
		if flip {
			if err := tx.AddOwnerUsedBytes(ctx, repo.OwnerID, -repo.UsedBytes, repo.Private); err != nil {
				return err
			}
			if err := tx.AddOwnerUsedBytes(ctx, repo.OwnerID, repo.UsedBytes, *settings.Private); err != nil {
				return err
			}
		}
		return tx.UpdateRepositorySettings(ctx, repo.ID, settings)
	})
}

func validateSettings(settings store.RepoSettings) error {
	if settings.QuotaBytes != nil && *settings.QuotaBytes < 0 {
		return fmt.Errorf("%w: quota_bytes must not be negative", models.ErrBadRequest)
	}
	if settings.LFSThresholdBytes != nil && *settings.LFSThresholdBytes <= 0 {
		return fmt.Errorf("%w: lfs_threshold_bytes must be positive", models.ErrBadRequest)
	}
	if settings.LFSKeepVersions != nil && *settings.LFSKeepVersions < 0 {
		return fmt.Errorf("%w: lfs_keep_versions must not be negative", models.ErrBadRequest)
	}
	if settings.LFSSuffixRules != nil {
		var rules []string
		if err := json.Unmarshal([]byte(*settings.LFSSuffixRules), &rules); err != nil {
			return fmt.Errorf("%w: lfs_suffix_rules must be a JSON array of patterns", models.ErrBadRequest)
		}
	}
	return nil
}

// branchNamePattern matches refs the versioned store accepts. Slashes are
// excluded so branch names survive URL routing.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func validateBranchName(branch string) error {
	if len(branch) > 255 || !branchNamePattern.MatchString(branch) {
		return fmt.Errorf("%w: invalid branch name %q", models.ErrBadRequest, branch)
	}
	return nil
}

// CreateBranch creates a branch from sourceRef (default branch when
// empty).
func (s *Service) CreateBranch(ctx context.Context, repo *models.Repository, branch, sourceRef string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	if sourceRef == "" {
		sourceRef = models.DefaultBranch
	}
	if err := s.vos.CreateBranch(ctx, repo.VOSName(), branch, sourceRef); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "Branch created", "repo", repo.FullID, "branch", branch, "source", sourceRef)
	return nil
}

// DeleteBranch removes a branch, drops its file index rows, and
// recalculates usage, since content only that branch referenced stops
// counting.
func (s *Service) DeleteBranch(ctx context.Context, repo *models.Repository, branch string) error {
	if branch == models.DefaultBranch {
		return fmt.Errorf("%w: cannot delete the default branch", models.ErrBadRequest)
	}
	if err := s.vos.DeleteBranch(ctx, repo.VOSName(), branch); err != nil {
		return err
	}

	dropped, err := s.store.DeleteBranchFiles(ctx, repo.ID, branch)
	if err != nil {
		return err
	}
	if _, err := s.quota.RecalculateRepo(ctx, repo.ID); err != nil {
		return err
	}
	if _, _, err := s.quota.RecalculateOwner(ctx, repo.OwnerID); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Branch deleted",
		"repo", repo.FullID, "branch", branch, "dropped_files", dropped)
	return nil
}

// BranchInfo is one branch and the commit it points at.
type BranchInfo struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
}

// Branches lists every branch of the repository.
func (s *Service) Branches(ctx context.Context, repo *models.Repository) ([]BranchInfo, error) {
	var out []BranchInfo
	after := ""
	for {
		page, err := s.vos.ListBranches(ctx, repo.VOSName(), after, branchPageSize)
		if err != nil {
			return nil, err
		}
		for _, b := range page.Results {
			out = append(out, BranchInfo{Name: b.ID, CommitID: b.CommitID})
		}
		if !page.Pagination.HasMore {
			return out, nil
		}
		after = page.Pagination.NextOffset
	}
}
