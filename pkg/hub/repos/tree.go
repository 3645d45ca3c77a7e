package repos

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

const (
	treeDefaultLimit = 1000
	treeMaxLimit     = 1000
)

// TreeOptions narrows a tree listing.
type TreeOptions struct {
	// Recursive lists the whole subtree instead of one directory level.
	Recursive bool
	// Expand attaches the revision's commit to every entry.
	Expand bool
	// Cursor continues a previous page.
	Cursor string
	Limit  int
}

// LFSPointer describes the large-file side of an entry.
type LFSPointer struct {
	OID         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int    `json:"pointerSize"`
}

// LastCommit is the commit an expanded entry was listed at.
type LastCommit struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Date  models.WireTime `json:"date"`
}

// TreeEntry is one file or directory in a listing.
type TreeEntry struct {
	Type       string      `json:"type"`
	OID        string      `json:"oid"`
	Size       int64       `json:"size"`
	Path       string      `json:"path"`
	LFS        *LFSPointer `json:"lfs,omitempty"`
	LastCommit *LastCommit `json:"lastCommit,omitempty"`
}

// TreePage is one page of entries plus the cursor for the next one.
type TreePage struct {
	Entries    []TreeEntry
	NextCursor string
}

// Tree lists one directory (or subtree) of the repository at a revision.
// Entries are pinned to the resolved commit, so a branch advancing during
// pagination does not mix snapshots.
func (s *Service) Tree(ctx context.Context, repo *models.Repository, revision, dir string, opts TreeOptions) (*TreePage, error) {
	commit, err := s.Revision(ctx, repo, revision)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > treeMaxLimit {
		limit = treeDefaultLimit
	}

	prefix := ""
	if dir != "" {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}

	delimiter := "/"
	if opts.Recursive {
		delimiter = ""
	}

	after := ""
	if opts.Cursor != "" {
		after, err = decodeCursor(opts.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed cursor", models.ErrBadRequest)
		}
	}

	page, err := s.vos.ListObjects(ctx, repo.VOSName(), commit.ID, prefix, after, delimiter, limit)
	if err != nil {
		return nil, err
	}
	if dir != "" && after == "" && len(page.Results) == 0 {
		return nil, fmt.Errorf("%s@%s:%s: %w", repo.FullID, revision, dir, models.ErrEntryNotFound)
	}

	var last *LastCommit
	if opts.Expand {
		last = &LastCommit{
			ID:    commit.ID,
			Title: firstLine(commit.Message),
			Date:  models.Wire(time.Unix(commit.CreationDate, 0)),
		}
	}

	entries := make([]TreeEntry, 0, len(page.Results))
	for _, obj := range page.Results {
		entries = append(entries, treeEntry(obj, last))
	}

	out := &TreePage{Entries: entries}
	if page.Pagination.HasMore {
		out.NextCursor = encodeCursor(page.Pagination.NextOffset)
	}
	return out, nil
}

func treeEntry(obj lakefs.ObjectStat, last *LastCommit) TreeEntry {
	if obj.PathType == "common_prefix" {
		return TreeEntry{
			Type:       "directory",
			Path:       strings.TrimSuffix(obj.Path, "/"),
			LastCommit: last,
		}
	}

	entry := TreeEntry{
		Type:       "file",
		OID:        obj.Checksum,
		Size:       obj.SizeBytes,
		Path:       obj.Path,
		LastCommit: last,
	}
	if _, key, err := s3.ParseURI(obj.PhysicalAddress); err == nil && strings.HasPrefix(key, "lfs/") {
		entry.LFS = &LFSPointer{
			OID:         obj.Checksum,
			Size:        obj.SizeBytes,
			PointerSize: pointerSize(obj.Checksum, obj.SizeBytes),
		}
	}
	return entry
}

// pointerSize is the byte length of the canonical git-lfs pointer text
// for the object, which clients use to budget pointer-file downloads.
func pointerSize(oid string, size int64) int {
	return len("version https://git-lfs.github.com/spec/v1\n") +
		len("oid sha256:") + len(oid) + 1 +
		len("size ") + len(strconv.FormatInt(size, 10)) + 1
}

// Cursors are offsets into the versioned store's listing, wrapped so
// clients treat them as opaque.

func encodeCursor(offset string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(offset))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
