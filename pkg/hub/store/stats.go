package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// ============================================
// DAILY REPO STATS
// ============================================

// StatsDelta is one download event folded into today's row.
type StatsDelta struct {
	NewSession    bool
	Authenticated bool
}

// BumpDailyStats accumulates a download event into the repo's row for the
// given date, creating the row on first touch.
func (s *Store) BumpDailyStats(ctx context.Context, repoID int64, date string, delta StatsDelta) error {
	sessions := int64(0)
	if delta.NewSession {
		sessions = 1
	}
	authed, anon := int64(0), int64(1)
	if delta.Authenticated {
		authed, anon = 1, 0
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "repository_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"download_sessions":       maxExpr("download_sessions", sessions),
				"authenticated_downloads": maxExpr("authenticated_downloads", authed),
				"anonymous_downloads":     maxExpr("anonymous_downloads", anon),
			}),
		}).
		Create(&models.DailyRepoStats{
			RepositoryID:           repoID,
			Date:                   date,
			DownloadSessions:       sessions,
			AuthenticatedDownloads: authed,
			AnonymousDownloads:     anon,
		}).Error
}

// SetDailyTotalFiles records the repo's file count snapshot for the day.
func (s *Store) SetDailyTotalFiles(ctx context.Context, repoID int64, date string, totalFiles int64) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{"total_files": totalFiles}),
		}).
		Create(&models.DailyRepoStats{
			RepositoryID: repoID,
			Date:         date,
			TotalFiles:   totalFiles,
		}).Error
}

// GetDailyStats returns rows for a repo in [from, to], ascending by date.
// Missing days are absent; the stats service back-fills zeros on read.
func (s *Store) GetDailyStats(ctx context.Context, repoID int64, from, to string) ([]*models.DailyRepoStats, error) {
	var rows []*models.DailyRepoStats
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND date >= ? AND date <= ?", repoID, from, to).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetStatsWindow returns every repo's rows in [from, to] for trending
// computation, optionally filtered by repo type.
func (s *Store) GetStatsWindow(ctx context.Context, repoType string, from, to string) ([]*models.DailyRepoStats, error) {
	q := s.db.WithContext(ctx).
		Model(&models.DailyRepoStats{}).
		Where("date >= ? AND date <= ?", from, to)
	if repoType != "" {
		q = q.Joins("JOIN repositories ON repositories.id = daily_repo_stats.repository_id").
			Where("repositories.repo_type = ?", repoType)
	}
	var rows []*models.DailyRepoStats
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteStatsBefore prunes rows older than the retention horizon.
func (s *Store) DeleteStatsBefore(ctx context.Context, date string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("date < ?", date).
		Delete(&models.DailyRepoStats{})
	return result.RowsAffected, result.Error
}

// Today formats a time as a stats date key in UTC.
func Today(now time.Time) string {
	return now.UTC().Format(models.StatsDateFormat)
}
