package models

import "time"

// StatsDateFormat is the storage format of DailyRepoStats.Date.
const StatsDateFormat = "2006-01-02"

// DailyRepoStats accumulates per-day download counters for one repository.
// Today's row is updated in place; past rows are immutable.
type DailyRepoStats struct {
	ID                     int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RepositoryID           int64     `gorm:"not null;uniqueIndex:idx_stats_repo_date" json:"repository_id"`
	Date                   string    `gorm:"not null;size:10;uniqueIndex:idx_stats_repo_date;index" json:"date"`
	DownloadSessions       int64     `gorm:"default:0" json:"download_sessions"`
	AuthenticatedDownloads int64     `gorm:"default:0" json:"authenticated_downloads"`
	AnonymousDownloads     int64     `gorm:"default:0" json:"anonymous_downloads"`
	TotalFiles             int64     `gorm:"default:0" json:"total_files"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for DailyRepoStats.
func (DailyRepoStats) TableName() string {
	return "daily_repo_stats"
}
