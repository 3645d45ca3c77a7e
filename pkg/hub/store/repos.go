package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// ============================================
// REPOSITORY OPERATIONS
// ============================================

// CreateRepository inserts a repository row. Name conflicts are checked on
// the normalized name within (repo_type, namespace), so "My_Repo" and
// "my-repo" collide.
func (s *Store) CreateRepository(ctx context.Context, repo *models.Repository) error {
	repo.FullID = repo.Namespace + "/" + repo.Name
	repo.NormalizedName = names.Normalize(repo.Name)
	if err := repo.Validate(); err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidRepoID, err)
	}
	return createUnique(s.db, ctx, repo, models.ErrRepoExists)
}

// GetRepository resolves (type, namespace, name) to a repo row.
func (s *Store) GetRepository(ctx context.Context, repoType names.RepoType, namespace, name string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.WithContext(ctx).
		Where("repo_type = ? AND namespace = ? AND name = ?", string(repoType), namespace, name).
		First(&repo).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrRepoNotFound)
	}
	return &repo, nil
}

func (s *Store) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return getByField[models.Repository](s.db, ctx, "id", id, models.ErrRepoNotFound)
}

// RepoFilter narrows ListRepositories.
type RepoFilter struct {
	RepoType names.RepoType
	// Author filters on namespace.
	Author string
	// Search is a case-insensitive substring match on full_id.
	Search string
	// Limit caps the result count (0 means server default of 50).
	Limit int
	// IncludePrivateOwners lists owner IDs whose private repos the caller
	// may see. Public repos are always included.
	IncludePrivateOwners []int64
}

// ListRepositories returns repos matching the filter, newest first.
func (s *Store) ListRepositories(ctx context.Context, f RepoFilter) ([]*models.Repository, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	q := s.db.WithContext(ctx).Model(&models.Repository{})
	if f.RepoType != "" {
		q = q.Where("repo_type = ?", string(f.RepoType))
	}
	if f.Author != "" {
		q = q.Where("namespace = ?", f.Author)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		q = q.Where("LOWER(full_id) LIKE ? ESCAPE '\\'", pattern)
	}
	if len(f.IncludePrivateOwners) > 0 {
		q = q.Where("private = ? OR owner_id IN ?", false, f.IncludePrivateOwners)
	} else {
		q = q.Where("private = ?", false)
	}

	var repos []*models.Repository
	if err := q.Order("created_at DESC").Limit(limit).Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

// ListAllRepositories returns every repository row, for maintenance
// sweeps. Callers must tolerate the result growing large.
func (s *Store) ListAllRepositories(ctx context.Context) ([]*models.Repository, error) {
	var repos []*models.Repository
	if err := s.db.WithContext(ctx).Order("id").Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

// ListRepositoriesByIDs returns the repos for the given IDs. Missing IDs
// are skipped, so the result may be shorter than the input.
func (s *Store) ListRepositoriesByIDs(ctx context.Context, ids []int64) ([]*models.Repository, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var repos []*models.Repository
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

// ListOwnerRepositories returns every repo owned by an account, private
// included.
func (s *Store) ListOwnerRepositories(ctx context.Context, ownerID int64) ([]*models.Repository, error) {
	var repos []*models.Repository
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&repos).Error
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// RepoSettings carries the updatable repository settings. Nil pointer
// fields are left untouched; ClearQuota and friends reset to inherit.
type RepoSettings struct {
	Private           *bool
	QuotaBytes        *int64
	ClearQuota        bool
	LFSThresholdBytes *int64
	LFSKeepVersions   *int
	LFSSuffixRules    *string // JSON array
}

// UpdateRepositorySettings applies the non-nil settings fields.
func (s *Store) UpdateRepositorySettings(ctx context.Context, repoID int64, settings RepoSettings) error {
	updates := map[string]any{}
	if settings.Private != nil {
		updates["private"] = *settings.Private
	}
	if settings.ClearQuota {
		updates["quota_bytes"] = nil
	} else if settings.QuotaBytes != nil {
		updates["quota_bytes"] = *settings.QuotaBytes
	}
	if settings.LFSThresholdBytes != nil {
		updates["lfs_threshold_bytes"] = *settings.LFSThresholdBytes
	}
	if settings.LFSKeepVersions != nil {
		updates["lfs_keep_versions"] = *settings.LFSKeepVersions
	}
	if settings.LFSSuffixRules != nil {
		updates["lfs_suffix_rules"] = *settings.LFSSuffixRules
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).
		Model(&models.Repository{}).
		Where("id = ?", repoID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrRepoNotFound
	}
	return nil
}

// DeleteRepository removes the repo row and everything hanging off it.
func (s *Store) DeleteRepository(ctx context.Context, repoID int64) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		for _, del := range []any{
			&models.File{},
			&models.Commit{},
			&models.StagingUpload{},
			&models.DailyRepoStats{},
		} {
			if err := tx.db.WithContext(ctx).Where("repository_id = ?", repoID).Delete(del).Error; err != nil {
				return err
			}
		}
		return deleteByField[models.Repository](tx.db, ctx, "id", repoID, models.ErrRepoNotFound)
	})
}

// AddRepoUsedBytes applies a signed delta to the repo's used_bytes, floored
// at zero.
func (s *Store) AddRepoUsedBytes(ctx context.Context, repoID int64, delta int64) error {
	return s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repoID).
		Update("used_bytes", maxExpr("used_bytes", delta)).Error
}

// SetRepoUsedBytes overwrites used_bytes (used by recalculation).
func (s *Store) SetRepoUsedBytes(ctx context.Context, repoID int64, used int64) error {
	result := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repoID).
		Update("used_bytes", used)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrRepoNotFound
	}
	return nil
}

// IncrementDownloads bumps the lifetime download counter.
func (s *Store) IncrementDownloads(ctx context.Context, repoID int64) error {
	return s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repoID).
		Update("downloads", maxExpr("downloads", 1)).Error
}

// escapeLike escapes LIKE wildcards in user-supplied search terms.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '%', '_', '\\':
			out = append(out, '\\', r)
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
