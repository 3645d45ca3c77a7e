// Package lfs implements the git-lfs batch protocol over the raw object
// store. The hub never proxies blob bytes: batch negotiation hands out
// presigned URLs (a single PUT for small objects, a multipart plan for
// large ones) and the verify endpoint confirms what actually landed.
//
// Objects are content-addressed under lfs/{oid[:2]}/{oid[2:4]}/{oid}, so
// identical bytes uploaded to any repo share one stored copy. The
// LFSObjectHistory table remembers every sha the hub has accepted; a
// batch for a known, present sha answers with no actions and the client
// skips the upload entirely.
package lfs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

const (
	// MediaType is the git-lfs batch media type, required on both the
	// request and the response.
	MediaType = "application/vnd.git-lfs+json"

	// MaxSinglePutBytes is the largest upload negotiated as one presigned
	// PUT. Anything above it gets a multipart plan.
	MaxSinglePutBytes int64 = 5 << 30

	// PartSize is the fixed chunk size of multipart plans.
	PartSize int64 = 1 << 30

	// maxParts is the S3 cap on parts per multipart upload.
	maxParts = 10000
)

// ObjectStore is the slice of the raw object store the engine uses.
// *s3.Client satisfies it.
type ObjectStore interface {
	Head(ctx context.Context, key string) (*s3.ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
	PresignPut(ctx context.Context, key, sha256hex string, expiry time.Duration) (string, error)
	MultipartCreate(ctx context.Context, key string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expiry time.Duration) (string, error)
	MultipartComplete(ctx context.Context, key, uploadID string, parts []s3.CompletedPart) error
	MultipartAbort(ctx context.Context, key, uploadID string) error
	PresignExpiry() time.Duration
}

// Engine negotiates LFS transfers for one hub.
type Engine struct {
	store     *store.Store
	ros       ObjectStore
	baseURL   string
	threshold int64
}

// New creates an engine. baseURL is the externally reachable hub base
// used to build verify and completion hrefs; threshold is the
// server-wide LFS size cutoff, overridable per repository.
func New(st *store.Store, ros ObjectStore, baseURL string, threshold int64) *Engine {
	return &Engine{
		store:     st,
		ros:       ros,
		baseURL:   strings.TrimRight(baseURL, "/"),
		threshold: threshold,
	}
}

var oidRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidOID reports whether s is a lowercase hex sha256 digest.
func ValidOID(s string) bool {
	return oidRe.MatchString(s)
}

// KeyForOID returns the canonical raw-store key of an LFS object. The
// two-level fan-out keeps list operations on any single prefix small.
func KeyForOID(oid string) string {
	if len(oid) < 4 {
		return "lfs/" + oid
	}
	return fmt.Sprintf("lfs/%s/%s/%s", oid[:2], oid[2:4], oid)
}

// Threshold returns the effective LFS size cutoff for a repository.
func (e *Engine) Threshold(repo *models.Repository) int64 {
	if repo.LFSThresholdBytes != nil {
		return *repo.LFSThresholdBytes
	}
	return e.threshold
}

// Eligible reports whether a file must be stored through LFS: at or
// above the repo's size threshold, or matching one of its suffix rules.
// A per-repo threshold of zero forces every file through LFS.
func (e *Engine) Eligible(repo *models.Repository, pathInRepo string, size int64) bool {
	if size >= e.Threshold(repo) {
		return true
	}
	return MatchesSuffixRules(repo.SuffixRules(), pathInRepo)
}

// MatchesSuffixRules reports whether p matches any glob in rules. Each
// rule is tried against the full path and against the final path
// element, so "*.safetensors" catches files in subdirectories too.
func MatchesSuffixRules(rules []string, p string) bool {
	base := path.Base(p)
	for _, rule := range rules {
		if ok, err := path.Match(rule, p); err == nil && ok {
			return true
		}
		if ok, err := path.Match(rule, base); err == nil && ok {
			return true
		}
	}
	return false
}

// PointerText renders the git-lfs pointer file standing in for an
// object in git views of the repository.
func PointerText(oid string, size int64) string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", oid, size)
}

// PointerSize is the byte length of the pointer file, reported as
// pointerSize in tree listings.
func PointerSize(oid string, size int64) int {
	return len(PointerText(oid, size))
}

// repoURL returns the external URL of a repo: models live at the root,
// other types under their plural segment, matching hub client layout.
func (e *Engine) repoURL(repo *models.Repository) string {
	if repo.Type() == names.RepoTypeModel {
		return e.baseURL + "/" + repo.FullID
	}
	return e.baseURL + "/" + repo.Type().Plural() + "/" + repo.FullID
}

func (e *Engine) verifyURL(repo *models.Repository) string {
	return e.repoURL(repo) + ".git/info/lfs/verify"
}
