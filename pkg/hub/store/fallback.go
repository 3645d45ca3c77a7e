package store

import (
	"context"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// ============================================
// FALLBACK SOURCES
// ============================================

// ListFallbackSources returns the enabled sources that apply to a namespace:
// namespace-specific rows plus global rows (namespace ""), priority
// ascending. Callers dedup by URL keeping the lower priority.
func (s *Store) ListFallbackSources(ctx context.Context, namespace string) ([]*models.FallbackSource, error) {
	var sources []*models.FallbackSource
	q := s.db.WithContext(ctx).Where("enabled = ?", true)
	if namespace == "" {
		q = q.Where("namespace = ?", "")
	} else {
		q = q.Where("namespace IN ?", []string{"", namespace})
	}
	if err := q.Order("priority ASC, id ASC").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// ListAllFallbackSources returns every source row, for the admin surface.
func (s *Store) ListAllFallbackSources(ctx context.Context) ([]*models.FallbackSource, error) {
	var sources []*models.FallbackSource
	if err := s.db.WithContext(ctx).Order("priority ASC, id ASC").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) CreateFallbackSource(ctx context.Context, src *models.FallbackSource) error {
	return createUnique(s.db, ctx, src, models.ErrBadRequest)
}

func (s *Store) DeleteFallbackSource(ctx context.Context, id int64) error {
	return deleteByField[models.FallbackSource](s.db, ctx, "id", id, models.ErrEntryNotFound)
}

// ============================================
// USER EXTERNAL TOKENS
// ============================================

// GetUserExternalToken returns the user's token override for one upstream
// URL, or ErrEntryNotFound.
func (s *Store) GetUserExternalToken(ctx context.Context, userID int64, url string) (*models.UserExternalToken, error) {
	var token models.UserExternalToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND url = ?", userID, url).
		First(&token).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrEntryNotFound)
	}
	return &token, nil
}

// ListUserExternalTokens returns all of the user's upstream token overrides.
func (s *Store) ListUserExternalTokens(ctx context.Context, userID int64) ([]*models.UserExternalToken, error) {
	var tokens []*models.UserExternalToken
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// SetUserExternalToken upserts the override for (user, url).
func (s *Store) SetUserExternalToken(ctx context.Context, token *models.UserExternalToken) error {
	existing, err := s.GetUserExternalToken(ctx, token.UserID, token.URL)
	if err == nil {
		return s.db.WithContext(ctx).Model(existing).
			Update("encrypted_token", token.EncryptedToken).Error
	}
	return createUnique(s.db, ctx, token, models.ErrBadRequest)
}

func (s *Store) DeleteUserExternalToken(ctx context.Context, userID int64, url string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND url = ?", userID, url).
		Delete(&models.UserExternalToken{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}
