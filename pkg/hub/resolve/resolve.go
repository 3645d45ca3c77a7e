// Package resolve turns (repo, revision, path) into download targets: a
// presigned redirect for ordinary fetches, a chunked reconstruction
// manifest for content-addressed clients, and short-lived read tokens for
// xet-aware clients.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// VOS is the slice of the versioned store resolve reads from.
type VOS interface {
	GetBranch(ctx context.Context, repo, branch string) (*lakefs.Branch, error)
	GetCommit(ctx context.Context, repo, commitID string) (*lakefs.CommitRecord, error)
	StatObject(ctx context.Context, repo, ref, path string) (*lakefs.ObjectStat, error)
}

// Presigner signs download URLs for physical addresses handed out by the
// versioned store.
type Presigner interface {
	PresignGetAt(ctx context.Context, bucket, key, filename string, expiry time.Duration) (string, error)
	PresignExpiry() time.Duration
}

// Engine resolves repository paths to downloadable URLs.
type Engine struct {
	store  *store.Store
	vos    VOS
	signer Presigner
	xet    *XetSigner
}

// New creates a resolve engine. xet may be nil when xet tokens are not
// served.
func New(st *store.Store, vos VOS, signer Presigner, xet *XetSigner) *Engine {
	return &Engine{store: st, vos: vos, signer: signer, xet: xet}
}

// Resolution is everything a redirect response needs.
type Resolution struct {
	// URL is the presigned download target of the 302.
	URL string

	// CommitID is the commit the revision resolved to.
	CommitID string

	// SHA256 is the content hash, served as the ETag.
	SHA256 string

	// Size is the content length in bytes.
	Size int64

	// LFS marks content stored under the content-addressed LFS layout.
	LFS bool
}

// Revision resolves a branch name or commit ID to a commit ID.
func (e *Engine) Revision(ctx context.Context, repo *models.Repository, revision string) (string, error) {
	vosName := repo.VOSName()

	branch, err := e.vos.GetBranch(ctx, vosName, revision)
	if err == nil {
		return branch.CommitID, nil
	}
	if !errors.Is(err, models.ErrRevisionNotFound) {
		return "", err
	}

	commit, err := e.vos.GetCommit(ctx, vosName, revision)
	if err != nil {
		return "", err
	}
	return commit.ID, nil
}

// Resolve stats filePath at revision and presigns its physical address.
// The stat binds a specific physical object, so a branch advancing
// concurrently cannot tear the response.
func (e *Engine) Resolve(ctx context.Context, repo *models.Repository, revision, filePath string) (*Resolution, error) {
	commitID, err := e.Revision(ctx, repo, revision)
	if err != nil {
		return nil, err
	}

	stat, err := e.vos.StatObject(ctx, repo.VOSName(), commitID, filePath)
	if err != nil {
		return nil, err
	}

	bucket, key, err := s3.ParseURI(stat.PhysicalAddress)
	if err != nil {
		return nil, fmt.Errorf("bad physical address for %s: %w", filePath, err)
	}

	url, err := e.signer.PresignGetAt(ctx, bucket, key, path.Base(filePath), e.signer.PresignExpiry())
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s: %w", filePath, err)
	}

	return &Resolution{
		URL:      url,
		CommitID: commitID,
		SHA256:   stat.Checksum,
		Size:     stat.SizeBytes,
		LFS:      strings.HasPrefix(key, "lfs/"),
	}, nil
}

// Xet returns the engine's token signer, nil when disabled.
func (e *Engine) Xet() *XetSigner {
	return e.xet
}
