package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// TermSize is the reconstruction window. Chunk lengths stay below 2^32-1
// so clients can carry chunk counts as u32.
const TermSize int64 = 64 << 20

// candidateLimit bounds how many File rows with the same hash are tried
// before giving up on a readable owner.
const candidateLimit = 10

// TermRange is a half-open term index range.
type TermRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ByteRange is an inclusive byte window into the download URL, matching
// the HTTP Range header the client sends. A zero-length window is encoded
// as End = Start-1, so an empty file's single term carries {0, -1}.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Term is one 64 MiB reconstruction window.
type Term struct {
	Hash           string    `json:"hash"`
	UnpackedLength int64     `json:"unpacked_length"`
	Range          TermRange `json:"range"`
}

// FetchInfo tells the client where to read one term's bytes.
type FetchInfo struct {
	Range    TermRange `json:"range"`
	URL      string    `json:"url"`
	URLRange ByteRange `json:"url_range"`
}

// Manifest is the reconstruction plan for one content hash.
type Manifest struct {
	Terms                []Term                 `json:"terms"`
	FetchInfo            map[string][]FetchInfo `json:"fetch_info"`
	OffsetIntoFirstRange int64                  `json:"offset_into_first_range"`
}

// ReadCheck reports whether the caller may read a repository. A non-nil
// error denies; the manifest lookup moves on to the next candidate.
type ReadCheck func(ctx context.Context, repo *models.Repository) error

// Reconstruction builds the manifest for a sha256. It finds a File row
// carrying the hash whose repository the caller may read, stats the
// object's physical address, and chunks it into TermSize windows.
func (e *Engine) Reconstruction(ctx context.Context, sha string, canRead ReadCheck) (*Manifest, error) {
	files, err := e.store.FindFilesBySHA256(ctx, sha, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to look up hash: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", sha, models.ErrEntryNotFound)
	}

	for _, f := range files {
		repo, err := e.store.GetRepositoryByID(ctx, f.RepositoryID)
		if err != nil {
			continue
		}
		if err := canRead(ctx, repo); err != nil {
			continue
		}

		stat, err := e.vos.StatObject(ctx, repo.VOSName(), f.Branch, f.PathInRepo)
		if err != nil {
			// The index row can lag the versioned store briefly; another
			// candidate may still serve the hash.
			logger.DebugCtx(ctx, "Reconstruction candidate stat failed",
				logger.Err(err), logger.Repo(repo.FullID), logger.Path(f.PathInRepo))
			continue
		}

		bucket, key, err := s3.ParseURI(stat.PhysicalAddress)
		if err != nil {
			return nil, fmt.Errorf("bad physical address for %s: %w", sha, err)
		}
		url, err := e.signer.PresignGetAt(ctx, bucket, key, "", e.signer.PresignExpiry())
		if err != nil {
			return nil, fmt.Errorf("failed to presign %s: %w", sha, err)
		}

		return buildManifest(sha, stat.SizeBytes, url), nil
	}

	// Either the hash is unknown or every owning repo is unreadable;
	// both look identical to the caller.
	return nil, fmt.Errorf("%s: %w", sha, models.ErrEntryNotFound)
}

// buildManifest chunks size bytes into TermSize windows. Chunk 0 carries
// the file hash verbatim; chunk i>0 hashes "{sha}-chunk{i}". An empty file
// emits a single zero-length term whose url_range is {0, -1} per the
// ByteRange convention.
func buildManifest(sha string, size int64, url string) *Manifest {
	count := (size + TermSize - 1) / TermSize
	if count == 0 {
		count = 1
	}

	m := &Manifest{
		Terms:     make([]Term, 0, count),
		FetchInfo: make(map[string][]FetchInfo, count),
	}
	for i := int64(0); i < count; i++ {
		start := i * TermSize
		end := start + TermSize
		if end > size {
			end = size
		}

		hash := sha
		if i > 0 {
			hash = chunkHash(sha, i)
		}

		m.Terms = append(m.Terms, Term{
			Hash:           hash,
			UnpackedLength: end - start,
			Range:          TermRange{Start: i, End: i + 1},
		})
		m.FetchInfo[hash] = []FetchInfo{{
			Range:    TermRange{Start: i, End: i + 1},
			URL:      url,
			URLRange: ByteRange{Start: start, End: end - 1},
		}}
	}
	return m
}

func chunkHash(sha string, i int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s-chunk%d", sha, i))
	return hex.EncodeToString(sum[:])
}
