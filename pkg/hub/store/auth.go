package store

import (
	"context"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// ============================================
// SESSION OPERATIONS
// ============================================

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	return createUnique(s.db, ctx, session, models.ErrSessionNotFound)
}

// GetSession returns the session with its user loaded. Expired sessions are
// reported as not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := getByField[models.Session](s.db, ctx, "session_id", sessionID, models.ErrSessionNotFound, "User")
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return deleteByField[models.Session](s.db, ctx, "session_id", sessionID, models.ErrSessionNotFound)
}

// DeleteExpiredSessions removes sessions past their expiry; returns the
// number deleted.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.Session{})
	return result.RowsAffected, result.Error
}

// ============================================
// TOKEN OPERATIONS
// ============================================

func (s *Store) CreateToken(ctx context.Context, token *models.Token) error {
	return createUnique(s.db, ctx, token, models.ErrTokenNotFound)
}

// GetTokenByHash looks up a token row by its SHA3-512 hash, with the user
// loaded.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*models.Token, error) {
	return getByField[models.Token](s.db, ctx, "token_hash", hash, models.ErrTokenNotFound, "User")
}

func (s *Store) ListUserTokens(ctx context.Context, userID int64) ([]*models.Token, error) {
	var tokens []*models.Token
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeleteToken removes one token owned by userID.
func (s *Store) DeleteToken(ctx context.Context, userID, tokenID int64) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", tokenID, userID).
		Delete(&models.Token{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

// ============================================
// INVITATION OPERATIONS
// ============================================

func (s *Store) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	return createUnique(s.db, ctx, inv, models.ErrInvitationNotFound)
}

func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error) {
	return getByField[models.Invitation](s.db, ctx, "token", token, models.ErrInvitationNotFound)
}

func (s *Store) ListInvitations(ctx context.Context) ([]*models.Invitation, error) {
	var invitations []*models.Invitation
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&invitations).Error
	if err != nil {
		return nil, err
	}
	return invitations, nil
}

func (s *Store) DeleteInvitation(ctx context.Context, id int64) error {
	return deleteByField[models.Invitation](s.db, ctx, "id", id, models.ErrInvitationNotFound)
}

// ConsumeInvitation atomically redeems one use of the invitation. The
// availability predicate is re-evaluated inside the UPDATE so two concurrent
// redemptions of a one-shot invitation cannot both succeed.
func (s *Store) ConsumeInvitation(ctx context.Context, token string, usedBy *int64) (*models.Invitation, error) {
	inv, err := s.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Invitation{}).
		Where("id = ? AND expires_at > ?", inv.ID, now).
		Where("(max_usage IS NULL AND usage_count = 0) OR max_usage = -1 OR usage_count < max_usage").
		Updates(map[string]any{
			"usage_count": maxExpr("usage_count", 1),
			"used_at":     now,
			"used_by":     usedBy,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, models.ErrInvitationUnavailable
	}

	return s.GetInvitationByToken(ctx, token)
}

// ============================================
// CONFIRMATION TOKEN OPERATIONS
// ============================================

func (s *Store) CreateConfirmationToken(ctx context.Context, ct *models.ConfirmationToken) error {
	return createUnique(s.db, ctx, ct, models.ErrBadRequest)
}

// ConsumeConfirmationToken fetches and deletes the token in one transaction.
// Expired tokens are deleted and reported as not found.
func (s *Store) ConsumeConfirmationToken(ctx context.Context, token string) (*models.ConfirmationToken, error) {
	var ct *models.ConfirmationToken
	err := s.WithTransaction(ctx, func(tx *Store) error {
		found, err := getByField[models.ConfirmationToken](tx.db, ctx, "token", token, models.ErrEntryNotFound)
		if err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).Delete(found).Error; err != nil {
			return err
		}
		if found.Expired(time.Now().UTC()) {
			return models.ErrEntryNotFound
		}
		ct = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// DeleteExpiredConfirmationTokens removes stale confirmation tokens.
func (s *Store) DeleteExpiredConfirmationTokens(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.ConfirmationToken{})
	return result.RowsAffected, result.Error
}
