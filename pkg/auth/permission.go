package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Repo permission levels, from weakest to strongest:
//
//	read   public always; private needs owner or any org membership
//	write  owner, or org role >= member
//	admin  owner, or org role >= admin (delete, settings)
//
// Denied reads of private repos report the repo as missing rather than
// forbidden so private names cannot be enumerated.

// CheckRepoRead decides read access to a repository.
func (s *Service) CheckRepoRead(ctx context.Context, user *models.User, repo *models.Repository) error {
	if !repo.Private {
		return nil
	}
	if user == nil {
		return models.ErrRepoNotFound
	}

	// Owner and org members of any role may read.
	if _, _, err := s.repoRole(ctx, user, repo); err != nil {
		if errors.Is(err, models.ErrNotOrgMember) {
			return models.ErrRepoNotFound
		}
		return err
	}
	return nil
}

// CheckRepoWrite decides write access (commits, uploads, branch creation).
func (s *Service) CheckRepoWrite(ctx context.Context, user *models.User, repo *models.Repository) error {
	return s.checkRepoAtLeast(ctx, user, repo, models.RoleMember)
}

// CheckRepoAdmin decides destructive access (delete, settings changes).
func (s *Service) CheckRepoAdmin(ctx context.Context, user *models.User, repo *models.Repository) error {
	return s.checkRepoAtLeast(ctx, user, repo, models.RoleAdmin)
}

func (s *Service) checkRepoAtLeast(ctx context.Context, user *models.User, repo *models.Repository, need models.OrgRole) error {
	if user == nil {
		if repo.Private {
			return models.ErrRepoNotFound
		}
		return models.ErrUnauthorized
	}

	isOwner, role, err := s.repoRole(ctx, user, repo)
	if err != nil {
		if errors.Is(err, models.ErrNotOrgMember) {
			if repo.Private {
				return models.ErrRepoNotFound
			}
			return fmt.Errorf("%w: no access to %s", models.ErrForbidden, repo.FullID)
		}
		return err
	}
	if isOwner || role.AtLeast(need) {
		return nil
	}
	return fmt.Errorf("%w: requires %s role on %s", models.ErrForbidden, need, repo.Namespace)
}

// repoRole resolves the caller's relationship to the repo owner: direct
// ownership, or their membership role when the owner is an organization.
func (s *Service) repoRole(ctx context.Context, user *models.User, repo *models.Repository) (bool, models.OrgRole, error) {
	if user.ID == repo.OwnerID {
		return true, "", nil
	}
	m, err := s.store.GetMembership(ctx, user.ID, repo.OwnerID)
	if err != nil {
		return false, "", err
	}
	return false, m.OrgRole(), nil
}

// CheckNamespaceWrite decides whether user may create repositories under
// namespace, returning the owning account on success.
func (s *Service) CheckNamespaceWrite(ctx context.Context, user *models.User, namespace string) (*models.User, error) {
	if user == nil {
		return nil, models.ErrUnauthorized
	}

	owner, err := s.store.GetAccountByNormalizedName(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if owner.ID == user.ID {
		return owner, nil
	}
	if !owner.IsOrg {
		return nil, fmt.Errorf("%w: namespace %s belongs to another user", models.ErrForbidden, namespace)
	}

	m, err := s.store.GetMembership(ctx, user.ID, owner.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotOrgMember) {
			return nil, fmt.Errorf("%w: not a member of %s", models.ErrForbidden, namespace)
		}
		return nil, err
	}
	if !m.OrgRole().AtLeast(models.RoleMember) {
		return nil, fmt.Errorf("%w: requires member role in %s", models.ErrForbidden, namespace)
	}
	return owner, nil
}

// CheckOrgRole requires user to hold at least need in org.
func (s *Service) CheckOrgRole(ctx context.Context, user *models.User, org *models.User, need models.OrgRole) error {
	if user == nil {
		return models.ErrUnauthorized
	}
	m, err := s.store.GetMembership(ctx, user.ID, org.ID)
	if err != nil {
		return err
	}
	if !m.OrgRole().AtLeast(need) {
		return fmt.Errorf("%w: requires %s role in %s", models.ErrForbidden, need, org.Username)
	}
	return nil
}
