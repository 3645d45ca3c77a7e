package models

import (
	"fmt"
	"time"
)

// OrgRole represents a member's role inside an organization.
type OrgRole string

const (
	RoleVisitor    OrgRole = "visitor"
	RoleMember     OrgRole = "member"
	RoleAdmin      OrgRole = "admin"
	RoleSuperAdmin OrgRole = "super-admin"
)

// IsValid checks if the role is a known OrgRole.
func (r OrgRole) IsValid() bool {
	switch r {
	case RoleVisitor, RoleMember, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// rank orders roles for permission comparisons.
func (r OrgRole) rank() int {
	switch r {
	case RoleVisitor:
		return 0
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	}
	return -1
}

// AtLeast reports whether r grants at least the permissions of other.
func (r OrgRole) AtLeast(other OrgRole) bool {
	return r.rank() >= other.rank()
}

// User represents an account. Organizations share this table: an org row has
// is_org set and carries neither email nor password.
type User struct {
	ID             int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username       string  `gorm:"uniqueIndex;not null;size:96" json:"username"`
	NormalizedName string  `gorm:"uniqueIndex;not null;size:96" json:"-"`
	IsOrg          bool    `gorm:"default:false;index" json:"is_org"`
	Email          *string `gorm:"uniqueIndex;size:255" json:"email,omitempty"`
	PasswordHash   *string `json:"-"`
	EmailVerified  bool    `gorm:"default:false" json:"email_verified"`
	// No gorm default: a zero-valued field with one is dropped on insert,
	// so a user created inactive would be stored active.
	IsActive       bool    `json:"is_active"`

	// Quotas. Nil means unlimited; the config defaults are applied at
	// account creation, not at read time.
	PrivateQuotaBytes *int64 `json:"private_quota_bytes,omitempty"`
	PublicQuotaBytes  *int64 `json:"public_quota_bytes,omitempty"`
	PrivateUsedBytes  int64  `gorm:"default:0" json:"private_used_bytes"`
	PublicUsedBytes   int64  `gorm:"default:0" json:"public_used_bytes"`

	FullName string `gorm:"size:255" json:"fullname,omitempty"`
	Bio      string `gorm:"size:1024" json:"bio,omitempty"`
	Website  string `gorm:"size:255" json:"website,omitempty"`
	Avatar   string `gorm:"size:512" json:"avatar,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Validate checks the account shape: regular users carry email and password,
// orgs carry neither.
func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.NormalizedName == "" {
		return fmt.Errorf("normalized name is required")
	}
	if u.IsOrg {
		if u.Email != nil || u.PasswordHash != nil {
			return fmt.Errorf("organization %q must not have email or password", u.Username)
		}
		return nil
	}
	if u.Email == nil || *u.Email == "" {
		return fmt.Errorf("user %q requires an email", u.Username)
	}
	if u.PasswordHash == nil || *u.PasswordHash == "" {
		return fmt.Errorf("user %q requires a password", u.Username)
	}
	return nil
}

// UserOrganization links a user to an organization with a role.
type UserOrganization struct {
	ID     int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID int64  `gorm:"not null;uniqueIndex:idx_user_org" json:"user_id"`
	OrgID  int64  `gorm:"not null;uniqueIndex:idx_user_org;index" json:"org_id"`
	Role   string `gorm:"not null;size:32;default:member" json:"role"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
	Org  *User `gorm:"foreignKey:OrgID" json:"-"`
}

// TableName returns the table name for UserOrganization.
func (UserOrganization) TableName() string {
	return "user_organizations"
}

// OrgRole returns the membership role as a typed value.
func (m *UserOrganization) OrgRole() OrgRole {
	return OrgRole(m.Role)
}
