package lakefs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Commit turns the branch's staged changes into a commit. Never retried:
// a retry after an ambiguous failure could double-commit.
//
// 409 and 412 responses surface as models.ErrCommitConflict so the commit
// engine can re-plan from the new tip.
func (c *Client) Commit(ctx context.Context, repo, branch, message string, metadata map[string]string) (*CommitRecord, error) {
	apiPath := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch) + "/commits"

	var out CommitRecord
	err := c.post(ctx, apiPath, nil, CommitRequest{Message: message, Metadata: metadata}, &out)
	if err != nil {
		switch statusOf(err) {
		case http.StatusConflict, http.StatusPreconditionFailed:
			return nil, fmt.Errorf("%s@%s: %w", repo, branch, models.ErrCommitConflict)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%s@%s: %w", repo, branch, models.ErrRevisionNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// GetCommit fetches a single commit by ID.
func (c *Client) GetCommit(ctx context.Context, repo, commitID string) (*CommitRecord, error) {
	apiPath := "/repositories/" + url.PathEscape(repo) + "/commits/" + url.PathEscape(commitID)

	var out CommitRecord
	if err := c.get(ctx, apiPath, nil, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s@%s: %w", repo, commitID, models.ErrRevisionNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// LogCommits returns one page of a ref's history, newest first.
func (c *Client) LogCommits(ctx context.Context, repo, ref, after string, amount int) (*CommitPage, error) {
	query := url.Values{}
	if after != "" {
		query.Set("after", after)
	}
	if amount > 0 {
		query.Set("amount", strconv.Itoa(amount))
	}

	apiPath := "/repositories/" + url.PathEscape(repo) + "/refs/" + url.PathEscape(ref) + "/commits"

	var out CommitPage
	if err := c.get(ctx, apiPath, query, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s@%s: %w", repo, ref, models.ErrRevisionNotFound)
		}
		return nil, err
	}
	return &out, nil
}
