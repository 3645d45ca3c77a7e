package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// ============================================
// FILE INDEX OPERATIONS
// ============================================
//
// File rows track the tip state of each (branch, path). They mutate only
// through the commit engine, which calls these inside its transaction.

// GetFile returns the tip row for one path on one branch, deleted rows
// included.
func (s *Store) GetFile(ctx context.Context, repoID int64, branch, path string) (*models.File, error) {
	var f models.File
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ? AND path_in_repo = ?", repoID, branch, path).
		First(&f).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrEntryNotFound)
	}
	return &f, nil
}

// UpsertFile writes the tip state for (repo, branch, path) in one statement.
func (s *Store) UpsertFile(ctx context.Context, f *models.File) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "repository_id"}, {Name: "branch"}, {Name: "path_in_repo"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"sha256", "size", "lfs", "is_deleted", "updated_at"}),
		}).
		Create(f).Error
}

// MarkFileDeleted tombstones a path; returns ErrEntryNotFound when the path
// has no live tip row.
func (s *Store) MarkFileDeleted(ctx context.Context, repoID int64, branch, path string) error {
	result := s.db.WithContext(ctx).Model(&models.File{}).
		Where("repository_id = ? AND branch = ? AND path_in_repo = ? AND is_deleted = ?", repoID, branch, path, false).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}

// MarkFolderDeleted tombstones every live path under prefix; returns the
// affected rows.
func (s *Store) MarkFolderDeleted(ctx context.Context, repoID int64, branch, prefix string) (int64, error) {
	pattern := escapeLike(strings.TrimSuffix(prefix, "/")) + "/%"
	result := s.db.WithContext(ctx).Model(&models.File{}).
		Where("repository_id = ? AND branch = ? AND path_in_repo LIKE ? ESCAPE '\\' AND is_deleted = ?",
			repoID, branch, pattern, false).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now().UTC()})
	return result.RowsAffected, result.Error
}

// ListLiveFiles returns all non-deleted rows on a branch, optionally under a
// prefix, ordered by path.
func (s *Store) ListLiveFiles(ctx context.Context, repoID int64, branch, prefix string) ([]*models.File, error) {
	q := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ? AND is_deleted = ?", repoID, branch, false)
	if prefix != "" {
		q = q.Where("path_in_repo LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	var files []*models.File
	if err := q.Order("path_in_repo").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// ListRepoLiveFiles returns all non-deleted rows across every branch of the
// repo; quota recalculation consumes this.
func (s *Store) ListRepoLiveFiles(ctx context.Context, repoID int64) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND is_deleted = ?", repoID, false).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteBranchFiles drops every tip row of a branch (branch deletion).
func (s *Store) DeleteBranchFiles(ctx context.Context, repoID int64, branch string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ?", repoID, branch).
		Delete(&models.File{})
	return result.RowsAffected, result.Error
}

// CountLiveFiles counts non-deleted rows on a branch.
func (s *Store) CountLiveFiles(ctx context.Context, repoID int64, branch string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.File{}).
		Where("repository_id = ? AND branch = ? AND is_deleted = ?", repoID, branch, false).
		Count(&n).Error
	return n, err
}

// CountLFSRefsInRepo counts live LFS rows in the repo pointing at sha256,
// excluding the given paths on excludeBranch. The commit engine uses this to
// decide whether adding, replacing, or deleting an LFS file changes quota:
// only references outside the commit's own touched paths count.
func (s *Store) CountLFSRefsInRepo(ctx context.Context, repoID int64, sha256, excludeBranch string, excludePaths []string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.File{}).
		Where("repository_id = ? AND sha256 = ? AND lfs = ? AND is_deleted = ?", repoID, sha256, true, false)
	if len(excludePaths) > 0 {
		q = q.Where("NOT (branch = ? AND path_in_repo IN ?)", excludeBranch, excludePaths)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// FindFilesBySHA256 returns up to limit live rows with the given content
// hash, across all repos. Content-addressed retrieval walks these until one
// passes the permission check.
func (s *Store) FindFilesBySHA256(ctx context.Context, sha256 string, limit int) ([]*models.File, error) {
	if limit <= 0 {
		limit = 10
	}
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("sha256 = ? AND is_deleted = ?", sha256, false).
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// FileSHAExists reports whether any file row, live or tombstoned, ever
// referenced the hash. The staging reaper only removes blobs that no
// commit recorded, so historical revisions stay resolvable.
func (s *Store) FileSHAExists(ctx context.Context, sha256 string) (bool, error) {
	var one int
	err := s.db.WithContext(ctx).Model(&models.File{}).
		Select("1").
		Where("sha256 = ?", sha256).
		Take(&one).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ============================================
// COMMIT OPERATIONS
// ============================================

func (s *Store) CreateCommit(ctx context.Context, commit *models.Commit) error {
	return createUnique(s.db, ctx, commit, models.ErrCommitConflict)
}

// GetCommit resolves a versioned-store commit id within one repo.
func (s *Store) GetCommit(ctx context.Context, repoID int64, commitID string) (*models.Commit, error) {
	var c models.Commit
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND commit_id = ?", repoID, commitID).
		First(&c).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrRevisionNotFound)
	}
	return &c, nil
}

// LatestCommit returns the newest recorded commit on a branch.
func (s *Store) LatestCommit(ctx context.Context, repoID int64, branch string) (*models.Commit, error) {
	var c models.Commit
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ?", repoID, branch).
		Order("created_at DESC, id DESC").
		First(&c).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrRevisionNotFound)
	}
	return &c, nil
}

// ListCommits pages through a branch's history, newest first. after is an
// exclusive lower bound on position: pass the id of the last commit of the
// previous page, or 0 for the first page.
func (s *Store) ListCommits(ctx context.Context, repoID int64, branch string, afterID int64, limit int) ([]*models.Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ?", repoID, branch)
	if afterID > 0 {
		q = q.Where("id < ?", afterID)
	}
	var commits []*models.Commit
	if err := q.Order("id DESC").Limit(limit).Find(&commits).Error; err != nil {
		return nil, err
	}
	return commits, nil
}
