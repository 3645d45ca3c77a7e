package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// ============================================
// LFS OBJECT HISTORY
// ============================================

// RecordLFSObject registers a sha in the append-only history, bumping
// last_seen_at if the sha is already known. Each distinct sha256 appears at
// most once.
func (s *Store) RecordLFSObject(ctx context.Context, sha256 string, size int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sha256"}},
			DoUpdates: clause.Assignments(map[string]any{"last_seen_at": now}),
		}).
		Create(&models.LFSObjectHistory{
			SHA256:     sha256,
			Size:       size,
			LastSeenAt: now,
		}).Error
}

// GetLFSObject looks up a sha in the history; ErrEntryNotFound if unseen.
func (s *Store) GetLFSObject(ctx context.Context, sha256 string) (*models.LFSObjectHistory, error) {
	return getByField[models.LFSObjectHistory](s.db, ctx, "sha256", sha256, models.ErrEntryNotFound)
}

// CountLFSReferences counts live file rows (any repo, any branch) pointing
// at the sha. The retention reaper deletes raw objects only at zero.
func (s *Store) CountLFSReferences(ctx context.Context, sha256 string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.File{}).
		Where("sha256 = ? AND lfs = ? AND is_deleted = ?", sha256, true, false).
		Count(&n).Error
	return n, err
}

// ListUnreferencedLFSObjects returns history rows whose sha has no live file
// reference and was last seen before the cutoff.
func (s *Store) ListUnreferencedLFSObjects(ctx context.Context, lastSeenBefore time.Time, limit int) ([]*models.LFSObjectHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var objects []*models.LFSObjectHistory
	err := s.db.WithContext(ctx).
		Where("last_seen_at < ?", lastSeenBefore).
		Where("NOT EXISTS (SELECT 1 FROM files WHERE files.sha256 = lfs_object_history.sha256 AND files.lfs = ? AND files.is_deleted = ?)", true, false).
		Limit(limit).
		Find(&objects).Error
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// DeleteLFSObject drops a history row (after its raw object was removed).
func (s *Store) DeleteLFSObject(ctx context.Context, sha256 string) error {
	return deleteByField[models.LFSObjectHistory](s.db, ctx, "sha256", sha256, models.ErrEntryNotFound)
}

// ============================================
// STAGING UPLOADS
// ============================================

func (s *Store) CreateStagingUpload(ctx context.Context, upload *models.StagingUpload) error {
	return createUnique(s.db, ctx, upload, models.ErrBadRequest)
}

func (s *Store) GetStagingUpload(ctx context.Context, uploadID string) (*models.StagingUpload, error) {
	return getByField[models.StagingUpload](s.db, ctx, "upload_id", uploadID, models.ErrEntryNotFound)
}

func (s *Store) DeleteStagingUpload(ctx context.Context, uploadID string) error {
	return deleteByField[models.StagingUpload](s.db, ctx, "upload_id", uploadID, models.ErrEntryNotFound)
}

// ListStagingUploadsBefore returns uploads created before the cutoff, for
// the reaper to abort.
func (s *Store) ListStagingUploadsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.StagingUpload, error) {
	if limit <= 0 {
		limit = 100
	}
	var uploads []*models.StagingUpload
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at").
		Limit(limit).
		Find(&uploads).Error
	if err != nil {
		return nil, err
	}
	return uploads, nil
}
