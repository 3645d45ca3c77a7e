package lakefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// GetRepo fetches a versioned repository by name.
func (c *Client) GetRepo(ctx context.Context, repo string) (*Repo, error) {
	var out Repo
	if err := c.get(ctx, "/repositories/"+url.PathEscape(repo), nil, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// RepoExists reports whether the versioned repository exists.
func (c *Client) RepoExists(ctx context.Context, repo string) (bool, error) {
	_, err := c.GetRepo(ctx, repo)
	if err != nil {
		if errors.Is(err, models.ErrRepoNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateRepo creates a versioned repository with the given default branch.
// The storage namespace is derived from the configured prefix.
func (c *Client) CreateRepo(ctx context.Context, repo, defaultBranch string) (*Repo, error) {
	body := map[string]string{
		"name":              repo,
		"storage_namespace": c.StorageNamespace(repo),
		"default_branch":    defaultBranch,
	}

	var out Repo
	if err := c.post(ctx, "/repositories", nil, body, &out); err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoExists)
		}
		return nil, err
	}
	return &out, nil
}

// DeleteRepo removes a versioned repository and all of its refs.
// Deleting a missing repository is not an error.
func (c *Client) DeleteRepo(ctx context.Context, repo string) error {
	if err := c.del(ctx, "/repositories/"+url.PathEscape(repo), nil); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// GetBranch returns a branch and the commit it points at.
func (c *Client) GetBranch(ctx context.Context, repo, branch string) (*Branch, error) {
	path := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch)

	var out Branch
	if err := c.get(ctx, path, nil, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s@%s: %w", repo, branch, models.ErrRevisionNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// ListBranches returns one page of branches.
func (c *Client) ListBranches(ctx context.Context, repo, after string, amount int) (*BranchPage, error) {
	query := url.Values{}
	if after != "" {
		query.Set("after", after)
	}
	if amount > 0 {
		query.Set("amount", strconv.Itoa(amount))
	}

	var out BranchPage
	if err := c.get(ctx, "/repositories/"+url.PathEscape(repo)+"/branches", query, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// CreateBranch creates a branch pointing at sourceRef.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, sourceRef string) error {
	body := map[string]string{
		"name":   branch,
		"source": sourceRef,
	}

	err := c.post(ctx, "/repositories/"+url.PathEscape(repo)+"/branches", nil, body, nil)
	if err != nil {
		switch statusOf(err) {
		case http.StatusNotFound:
			return fmt.Errorf("%s@%s: %w", repo, sourceRef, models.ErrRevisionNotFound)
		case http.StatusConflict:
			return fmt.Errorf("branch %s exists: %w", branch, models.ErrBadRequest)
		}
		return err
	}
	return nil
}

// DeleteBranch removes a branch. The default branch cannot be deleted.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	path := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch)

	if err := c.del(ctx, path, nil); err != nil {
		switch statusOf(err) {
		case http.StatusNotFound:
			return fmt.Errorf("%s@%s: %w", repo, branch, models.ErrRevisionNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("cannot delete default branch %s: %w", branch, models.ErrBadRequest)
		}
		return err
	}
	return nil
}
