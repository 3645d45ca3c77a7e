package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// ============================================
// USER OPERATIONS
// ============================================

func (s *Store) GetUser(ctx context.Context, username string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "username", username, models.ErrUserNotFound)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "id", id, models.ErrUserNotFound)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "email", email, models.ErrUserNotFound)
}

// GetAccountByNormalizedName resolves a user or org by the normalized form
// of its name. Users and orgs share one namespace.
func (s *Store) GetAccountByNormalizedName(ctx context.Context, name string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "normalized_name", names.Normalize(name), models.ErrUserNotFound)
}

func (s *Store) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := s.db.WithContext(ctx).Where("is_org = ?", false).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser inserts a user or org row. The normalized name is computed here
// so callers cannot bypass the shared-namespace uniqueness rule.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := names.ValidateUsername(user.Username); err != nil {
		return fmt.Errorf("%w: %s", models.ErrBadRequest, err)
	}
	user.NormalizedName = names.Normalize(user.Username)
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %s", models.ErrBadRequest, err)
	}

	err := createUnique(s.db, ctx, user, models.ErrUserExists)
	if errors.Is(err, models.ErrUserExists) && user.Email != nil {
		// The violated index may be the email one; disambiguate for the caller.
		if _, lookupErr := s.GetUserByEmail(ctx, *user.Email); lookupErr == nil {
			return models.ErrEmailExists
		}
	}
	return err
}

// UpdateUserProfile updates display fields only.
func (s *Store) UpdateUserProfile(ctx context.Context, user *models.User) error {
	var existing models.User
	if err := s.db.WithContext(ctx).Where("id = ?", user.ID).First(&existing).Error; err != nil {
		return convertNotFoundError(err, models.ErrUserNotFound)
	}

	return s.db.WithContext(ctx).
		Model(&existing).
		Select("FullName", "Bio", "Website", "Avatar").
		Updates(user).Error
}

// SetUserActive toggles the is_active flag.
func (s *Store) SetUserActive(ctx context.Context, username string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("username = ?", username).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// SetEmailVerified marks the user's email as verified.
func (s *Store) SetEmailVerified(ctx context.Context, userID int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("email_verified", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// UpdatePassword replaces the stored bcrypt hash.
func (s *Store) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("username = ? AND is_org = ?", username, false).
		Update("password_hash", passwordHash)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// ValidateCredentials checks a username/password pair against the stored
// bcrypt hash.
func (s *Store) ValidateCredentials(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, models.ErrInvalidCredentials
		}
		return nil, err
	}

	if user.IsOrg || user.PasswordHash == nil {
		return nil, models.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, models.ErrUserInactive
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return nil, models.ErrInvalidCredentials
	}

	return user, nil
}

// DeleteUser removes the account and its dependent rows. The account must
// no longer own repositories; repo deletion goes through the repo service so
// versioned-store state is cleaned up too.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		user, err := tx.GetUser(ctx, username)
		if err != nil {
			return err
		}

		var repoCount int64
		if err := tx.db.WithContext(ctx).Model(&models.Repository{}).
			Where("owner_id = ?", user.ID).Count(&repoCount).Error; err != nil {
			return err
		}
		if repoCount > 0 {
			return fmt.Errorf("%w: account still owns %d repositories", models.ErrBadRequest, repoCount)
		}

		for _, del := range []func() error{
			func() error {
				return tx.db.WithContext(ctx).Where("user_id = ? OR org_id = ?", user.ID, user.ID).
					Delete(&models.UserOrganization{}).Error
			},
			func() error {
				return tx.db.WithContext(ctx).Where("user_id = ?", user.ID).Delete(&models.Session{}).Error
			},
			func() error {
				return tx.db.WithContext(ctx).Where("user_id = ?", user.ID).Delete(&models.Token{}).Error
			},
			func() error {
				return tx.db.WithContext(ctx).Where("user_id = ?", user.ID).Delete(&models.UserExternalToken{}).Error
			},
		} {
			if err := del(); err != nil {
				return err
			}
		}

		return tx.db.WithContext(ctx).Delete(user).Error
	})
}

// ============================================
// ORGANIZATION OPERATIONS
// ============================================

// CreateOrganization inserts an org row and makes the creator its
// super-admin in one transaction.
func (s *Store) CreateOrganization(ctx context.Context, org *models.User, creatorID int64) error {
	org.IsOrg = true
	org.Email = nil
	org.PasswordHash = nil

	return s.WithTransaction(ctx, func(tx *Store) error {
		if err := tx.CreateUser(ctx, org); err != nil {
			return err
		}
		membership := &models.UserOrganization{
			UserID: creatorID,
			OrgID:  org.ID,
			Role:   string(models.RoleSuperAdmin),
		}
		return createUnique(tx.db, ctx, membership, models.ErrNotOrgMember)
	})
}

func (s *Store) GetOrganization(ctx context.Context, name string) (*models.User, error) {
	var org models.User
	err := s.db.WithContext(ctx).Where("username = ? AND is_org = ?", name, true).First(&org).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrOrgNotFound)
	}
	return &org, nil
}

// GetMembership returns the membership row of user in org, or
// ErrNotOrgMember.
func (s *Store) GetMembership(ctx context.Context, userID, orgID int64) (*models.UserOrganization, error) {
	var m models.UserOrganization
	err := s.db.WithContext(ctx).Where("user_id = ? AND org_id = ?", userID, orgID).First(&m).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrNotOrgMember)
	}
	return &m, nil
}

func (s *Store) AddOrgMember(ctx context.Context, orgID, userID int64, role models.OrgRole) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: invalid role %q", models.ErrBadRequest, role)
	}
	m := &models.UserOrganization{UserID: userID, OrgID: orgID, Role: string(role)}
	return createUnique(s.db, ctx, m, fmt.Errorf("%w: already a member", models.ErrBadRequest))
}

func (s *Store) UpdateOrgMemberRole(ctx context.Context, orgID, userID int64, role models.OrgRole) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: invalid role %q", models.ErrBadRequest, role)
	}
	result := s.db.WithContext(ctx).
		Model(&models.UserOrganization{}).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Update("role", string(role))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrNotOrgMember
	}
	return nil
}

func (s *Store) RemoveOrgMember(ctx context.Context, orgID, userID int64) error {
	result := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Delete(&models.UserOrganization{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrNotOrgMember
	}
	return nil
}

// ListOrgMembers returns memberships with the User association loaded.
func (s *Store) ListOrgMembers(ctx context.Context, orgID int64) ([]*models.UserOrganization, error) {
	var members []*models.UserOrganization
	err := s.db.WithContext(ctx).Preload("User").
		Where("org_id = ?", orgID).Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// ListUserOrgs returns memberships of a user with the Org association loaded.
func (s *Store) ListUserOrgs(ctx context.Context, userID int64) ([]*models.UserOrganization, error) {
	var memberships []*models.UserOrganization
	err := s.db.WithContext(ctx).Preload("Org").
		Where("user_id = ?", userID).Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

// ============================================
// QUOTA COLUMN UPDATES
// ============================================

// AddOwnerUsedBytes applies a signed delta to one of the owner's usage
// buckets. Usage never goes below zero.
func (s *Store) AddOwnerUsedBytes(ctx context.Context, ownerID int64, delta int64, private bool) error {
	column := "public_used_bytes"
	if private {
		column = "private_used_bytes"
	}
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", ownerID).
		Update(column, maxExpr(column, delta)).Error
}

// SetOwnerUsedBytes overwrites both usage buckets (used by recalculation).
func (s *Store) SetOwnerUsedBytes(ctx context.Context, ownerID int64, privateUsed, publicUsed int64) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", ownerID).
		Updates(map[string]any{
			"private_used_bytes": privateUsed,
			"public_used_bytes":  publicUsed,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// SetUserQuota sets the per-bucket quota limits. Nil clears a limit.
func (s *Store) SetUserQuota(ctx context.Context, userID int64, privateQuota, publicQuota *int64) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"private_quota_bytes": privateQuota,
			"public_quota_bytes":  publicQuota,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// UpdateLastUsed bumps a token's last_used timestamp.
func (s *Store) UpdateLastUsed(ctx context.Context, tokenID int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Token{}).
		Where("id = ?", tokenID).
		Update("last_used", at).Error
}
