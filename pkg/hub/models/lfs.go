package models

import "time"

// LFSObjectHistory is an append-only registry of every LFS object the hub
// has seen, keyed by sha256. It makes dedup checks and per-sha lookups O(1).
type LFSObjectHistory struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SHA256      string    `gorm:"uniqueIndex;not null;size:64" json:"sha256"`
	Size        int64     `gorm:"not null" json:"size"`
	FirstSeenAt time.Time `gorm:"autoCreateTime" json:"first_seen_at"`
	LastSeenAt  time.Time `gorm:"not null" json:"last_seen_at"`
}

// TableName returns the table name for LFSObjectHistory.
func (LFSObjectHistory) TableName() string {
	return "lfs_object_history"
}

// StagingUpload tracks an in-flight multipart upload so orphans can be
// aborted by the reaper.
type StagingUpload struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID     string    `gorm:"uniqueIndex;not null;size:256" json:"upload_id"`
	RepositoryID int64     `gorm:"not null;index" json:"repository_id"`
	Path         string    `gorm:"size:1024" json:"path"`
	Key          string    `gorm:"not null;size:1024" json:"key"`
	Size         int64     `gorm:"not null" json:"size"`
	SHA256       string    `gorm:"not null;size:64" json:"sha256"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for StagingUpload.
func (StagingUpload) TableName() string {
	return "staging_uploads"
}
