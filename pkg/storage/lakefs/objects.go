package lakefs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// StatObject returns metadata for one object at a ref.
func (c *Client) StatObject(ctx context.Context, repo, ref, path string) (*ObjectStat, error) {
	query := url.Values{"path": {path}}
	apiPath := "/repositories/" + url.PathEscape(repo) + "/refs/" + url.PathEscape(ref) + "/objects/stat"

	var out ObjectStat
	if err := c.get(ctx, apiPath, query, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, notFoundKind(err, repo, ref, path)
		}
		return nil, err
	}
	return &out, nil
}

// ListObjects returns one page of objects at a ref. prefix and after are
// optional; delimiter "/" folds directories into common_prefix entries.
func (c *Client) ListObjects(ctx context.Context, repo, ref, prefix, after, delimiter string, amount int) (*ObjectPage, error) {
	query := url.Values{}
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if after != "" {
		query.Set("after", after)
	}
	if delimiter != "" {
		query.Set("delimiter", delimiter)
	}
	if amount > 0 {
		query.Set("amount", strconv.Itoa(amount))
	}

	apiPath := "/repositories/" + url.PathEscape(repo) + "/refs/" + url.PathEscape(ref) + "/objects/ls"

	var out ObjectPage
	if err := c.get(ctx, apiPath, query, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, notFoundKind(err, repo, ref, "")
		}
		return nil, err
	}
	return &out, nil
}

// StageObject links a physical S3 address into a branch without copying
// bytes. This is the only write path into the versioned store: payloads land
// in the raw store first, then get staged here and committed.
func (c *Client) StageObject(ctx context.Context, repo, branch, path string, stage StageRequest) (*ObjectStat, error) {
	query := url.Values{"path": {path}}
	apiPath := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch) + "/objects"

	var out ObjectStat
	if err := c.put(ctx, apiPath, query, stage, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, notFoundKind(err, repo, branch, "")
		}
		return nil, err
	}
	return &out, nil
}

// DeleteObject removes an object from a branch's staging area, producing a
// deletion in the next commit. Deleting a missing path is not an error.
func (c *Client) DeleteObject(ctx context.Context, repo, branch, path string) error {
	query := url.Values{"path": {path}}
	apiPath := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch) + "/objects"

	if err := c.del(ctx, apiPath, query); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// CopyObject copies an object from srcRef/srcPath to destPath on branch
// without moving bytes.
func (c *Client) CopyObject(ctx context.Context, repo, branch, destPath, srcRef, srcPath string) (*ObjectStat, error) {
	query := url.Values{"dest_path": {destPath}}
	apiPath := "/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(branch) + "/objects/copy"

	body := map[string]string{"src_path": srcPath}
	if srcRef != "" {
		body["src_ref"] = srcRef
	}

	var out ObjectStat
	if err := c.post(ctx, apiPath, query, body, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, notFoundKind(err, repo, srcRef, srcPath)
		}
		return nil, err
	}
	return &out, nil
}

// notFoundKind narrows a 404 into the right domain sentinel. The store uses
// one status for missing repo, ref, and path; the message disambiguates.
func notFoundKind(err error, repo, ref, path string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "repository"):
		return fmt.Errorf("%s: %w", repo, models.ErrRepoNotFound)
	case strings.Contains(msg, "ref"), strings.Contains(msg, "branch"), strings.Contains(msg, "commit"):
		return fmt.Errorf("%s@%s: %w", repo, ref, models.ErrRevisionNotFound)
	default:
		if path == "" {
			return fmt.Errorf("%s@%s: %w", repo, ref, models.ErrRevisionNotFound)
		}
		return fmt.Errorf("%s@%s:%s: %w", repo, ref, path, models.ErrEntryNotFound)
	}
}
