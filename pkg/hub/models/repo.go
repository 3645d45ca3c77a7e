package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// DefaultBranch is the branch every repository is created with.
const DefaultBranch = "main"

// Repository is a hub repository of one of the three types. The same
// namespace/name pair may exist once per type.
type Repository struct {
	ID             int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RepoType       string `gorm:"not null;size:16;uniqueIndex:idx_repo_ident;uniqueIndex:idx_repo_norm" json:"repo_type"`
	Namespace      string `gorm:"not null;size:96;uniqueIndex:idx_repo_ident;uniqueIndex:idx_repo_norm" json:"namespace"`
	Name           string `gorm:"not null;size:96;uniqueIndex:idx_repo_ident" json:"name"`
	NormalizedName string `gorm:"not null;size:96;uniqueIndex:idx_repo_norm" json:"-"`
	FullID         string `gorm:"not null;size:193;index" json:"full_id"`
	Private        bool   `gorm:"default:false" json:"private"`
	OwnerID        int64  `gorm:"not null;index" json:"owner_id"`

	// Per-repo quota. Nil inherits the owner's bucket limits only.
	QuotaBytes *int64 `json:"quota_bytes,omitempty"`
	UsedBytes  int64  `gorm:"default:0" json:"used_bytes"`

	// Per-repo LFS tuning. Nil falls back to the server defaults.
	LFSThresholdBytes *int64 `json:"lfs_threshold_bytes,omitempty"`
	LFSKeepVersions   *int   `json:"lfs_keep_versions,omitempty"`
	LFSSuffixRules    string `gorm:"type:text" json:"lfs_suffix_rules,omitempty"` // JSON array of glob patterns

	Downloads  int64 `gorm:"default:0" json:"downloads"`
	LikesCount int64 `gorm:"default:0" json:"likes"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Owner *User `gorm:"foreignKey:OwnerID" json:"-"`
}

// TableName returns the table name for Repository.
func (Repository) TableName() string {
	return "repositories"
}

// Type returns the repo type as a typed value.
func (r *Repository) Type() names.RepoType {
	return names.RepoType(r.RepoType)
}

// VOSName returns the versioned-store repository name for this repo.
func (r *Repository) VOSName() string {
	return names.VOSName(r.Type(), r.FullID)
}

// SuffixRules decodes the LFS suffix rule list. A missing or malformed
// column yields an empty list.
func (r *Repository) SuffixRules() []string {
	if r.LFSSuffixRules == "" {
		return nil
	}
	var rules []string
	if err := json.Unmarshal([]byte(r.LFSSuffixRules), &rules); err != nil {
		return nil
	}
	return rules
}

// Validate checks repository identity fields.
func (r *Repository) Validate() error {
	if !names.RepoType(r.RepoType).Valid() {
		return fmt.Errorf("invalid repo type %q", r.RepoType)
	}
	if err := names.ValidateUsername(r.Namespace); err != nil {
		return err
	}
	if err := names.ValidateRepoName(r.Name); err != nil {
		return err
	}
	if want := r.Namespace + "/" + r.Name; r.FullID != want {
		return fmt.Errorf("full id %q does not match %q", r.FullID, want)
	}
	return nil
}

// File is a per-branch file index row: the current tip state of one path on
// one branch. Rows mutate only through the commit engine.
type File struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RepositoryID int64     `gorm:"not null;uniqueIndex:idx_file_path;index" json:"repository_id"`
	Branch       string    `gorm:"not null;size:255;uniqueIndex:idx_file_path" json:"branch"`
	PathInRepo   string    `gorm:"not null;size:1024;uniqueIndex:idx_file_path" json:"path_in_repo"`
	SHA256       string    `gorm:"not null;size:64;index" json:"sha256"`
	Size         int64     `gorm:"not null" json:"size"`
	LFS          bool      `gorm:"default:false" json:"lfs"`
	IsDeleted    bool      `gorm:"default:false" json:"is_deleted"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// Commit mirrors one versioned-store commit. Author is nullable so system
// and anonymous commits stay recorded; Username snapshots the display name
// at commit time.
type Commit struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CommitID     string    `gorm:"not null;size:64;uniqueIndex:idx_commit_repo" json:"commit_id"`
	RepositoryID int64     `gorm:"not null;uniqueIndex:idx_commit_repo;index" json:"repository_id"`
	RepoType     string    `gorm:"not null;size:16" json:"repo_type"`
	Branch       string    `gorm:"not null;size:255;index" json:"branch"`
	AuthorID     *int64    `json:"author_id,omitempty"`
	Username     string    `gorm:"size:96" json:"username"`
	Message      string    `gorm:"size:1024" json:"message"`
	Description  string    `gorm:"type:text" json:"description"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for Commit.
func (Commit) TableName() string {
	return "commits"
}
