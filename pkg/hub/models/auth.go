package models

import "time"

// Session is a browser login session. The cookie value is
// "{session_id}:{secret}"; only the SHA3-512 hash of the secret is stored.
type Session struct {
	SessionID  string    `gorm:"primaryKey;size:36" json:"session_id"`
	UserID     int64     `gorm:"not null;index" json:"user_id"`
	SecretHash string    `gorm:"not null;size:128" json:"-"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Token is a long-lived API token. Only the SHA3-512 hash of the token is
// stored; the plaintext is shown to the user exactly once at creation.
type Token struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64      `gorm:"not null;index" json:"user_id"`
	TokenHash string     `gorm:"uniqueIndex;not null;size:128" json:"-"`
	Name      string     `gorm:"size:255" json:"name"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName returns the table name for Token.
func (Token) TableName() string {
	return "tokens"
}

// Invitation actions.
const (
	InvitationActionRegister = "register_account"
	InvitationActionJoinOrg  = "join_org"
)

// Invitation is a single- or multi-use token granting one action, such as
// registering an account on a closed instance or joining an organization.
type Invitation struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Token      string     `gorm:"uniqueIndex;not null;size:64" json:"token"`
	Action     string     `gorm:"not null;size:32" json:"action"`
	Parameters string     `gorm:"type:text" json:"parameters"` // JSON object
	CreatedBy  *int64     `json:"created_by,omitempty"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	MaxUsage   *int       `json:"max_usage,omitempty"` // nil: one-shot, -1: unlimited, N: up to N
	UsageCount int        `gorm:"default:0" json:"usage_count"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	UsedBy     *int64     `json:"used_by,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Invitation.
func (Invitation) TableName() string {
	return "invitations"
}

// Available reports whether the invitation can still be redeemed at now.
func (i *Invitation) Available(now time.Time) bool {
	if !now.Before(i.ExpiresAt) {
		return false
	}
	if i.MaxUsage == nil {
		return i.UsageCount == 0
	}
	if *i.MaxUsage == -1 {
		return true
	}
	return i.UsageCount < *i.MaxUsage
}

// ConfirmationToken actions.
const (
	ConfirmationActionVerifyEmail = "verify_email"
	ConfirmationActionDeleteRepo  = "delete_repo"
)

// ConfirmationToken backs two-step flows: email verification and
// confirmation of destructive operations.
type ConfirmationToken struct {
	Token      string    `gorm:"primaryKey;size:64" json:"token"`
	ActionType string    `gorm:"not null;size:32" json:"action_type"`
	ActionData string    `gorm:"type:text" json:"action_data"` // JSON object
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt  time.Time `gorm:"not null" json:"expires_at"`
}

// TableName returns the table name for ConfirmationToken.
func (ConfirmationToken) TableName() string {
	return "confirmation_tokens"
}

// Expired reports whether the token is past its expiry.
func (c *ConfirmationToken) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
