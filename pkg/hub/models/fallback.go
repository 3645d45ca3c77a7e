package models

import "time"

// Fallback source types.
const (
	SourceTypeHuggingFace = "huggingface"
	SourceTypeKohakuHub   = "kohakuhub"
)

// FallbackSource is an upstream hub consulted when a repo is missing
// locally. Namespace "" means the source applies globally; lower priority
// wins.
type FallbackSource struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Namespace      string    `gorm:"size:96;index;uniqueIndex:idx_fallback_ns_url" json:"namespace"`
	URL            string    `gorm:"not null;size:512;uniqueIndex:idx_fallback_ns_url" json:"url"`
	Name           string    `gorm:"size:255" json:"name"`
	SourceType     string    `gorm:"not null;size:32;default:huggingface" json:"source_type"`
	// Priority and Enabled carry no gorm default: GORM drops zero-valued
	// fields that have one, which would turn {Priority: 0, Enabled: false}
	// into an enabled priority-100 source on insert.
	Priority       int       `json:"priority"`
	EncryptedToken string    `gorm:"type:text" json:"-"` // base64 fernet
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for FallbackSource.
func (FallbackSource) TableName() string {
	return "fallback_sources"
}

// UserExternalToken is a per-user token override for one upstream URL.
type UserExternalToken struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"not null;uniqueIndex:idx_user_ext_url" json:"user_id"`
	URL            string    `gorm:"not null;size:512;uniqueIndex:idx_user_ext_url" json:"url"`
	EncryptedToken string    `gorm:"type:text" json:"-"` // base64 fernet
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for UserExternalToken.
func (UserExternalToken) TableName() string {
	return "user_external_tokens"
}
