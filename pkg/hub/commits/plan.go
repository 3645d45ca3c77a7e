package commits

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// fileState is the pre-commit tip identity of one path.
type fileState struct {
	sha  string
	size int64
	lfs  bool
}

// planEntry is the post-commit state of one touched path. Deleted
// entries keep the old identity so the tombstone row stays meaningful.
type planEntry struct {
	path    string
	deleted bool
	sha     string
	size    int64
	lfs     bool

	// content holds inline bytes to upload to stagingKey before the
	// versioned stage call; nil for LFS references, copies, deletions.
	content    []byte
	stagingKey string

	// physicalURI is the address handed to the versioned store.
	physicalURI string
}

// plan is the resolved effect of one commit request: the final state of
// every touched path plus the signed quota delta.
type plan struct {
	entries map[string]*planEntry
	order   []string
	delta   int64

	// lfsSizes maps every LFS sha referenced by surviving entries to its
	// size, for the history last_seen bump.
	lfsSizes map[string]int64
}

// planner folds the ordered operation list into a plan. Operations see
// the pending state left by earlier operations, so "write then delete"
// nets out to a deletion within one commit.
type planner struct {
	engine  *Engine
	repo    *models.Repository
	vosName string
	branch  string

	entries map[string]*planEntry
	order   []string
}

func newPlanner(e *Engine, repo *models.Repository, branch string) *planner {
	return &planner{
		engine:  e,
		repo:    repo,
		vosName: repo.VOSName(),
		branch:  branch,
		entries: map[string]*planEntry{},
	}
}

func (p *planner) upsert(entry *planEntry) {
	if _, ok := p.entries[entry.path]; !ok {
		p.order = append(p.order, entry.path)
	}
	p.entries[entry.path] = entry
}

// baseState is the live DB row for path, nil when absent or tombstoned.
func (p *planner) baseState(ctx context.Context, path string) (*fileState, error) {
	row, err := p.engine.store.GetFile(ctx, p.repo.ID, p.branch, path)
	if err != nil {
		if errors.Is(err, models.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if row.IsDeleted {
		return nil, nil
	}
	return &fileState{sha: row.SHA256, size: row.Size, lfs: row.LFS}, nil
}

// currentState folds pending entries over the DB state.
func (p *planner) currentState(ctx context.Context, path string) (*fileState, error) {
	if entry, ok := p.entries[path]; ok {
		if entry.deleted {
			return nil, nil
		}
		return &fileState{sha: entry.sha, size: entry.size, lfs: entry.lfs}, nil
	}
	return p.baseState(ctx, path)
}

func (p *planner) apply(ctx context.Context, op Operation) error {
	switch op.Kind {
	case OpFile:
		return p.applyFile(ctx, op)
	case OpLFSFile:
		return p.applyLFSFile(ctx, op)
	case OpDeletedFile:
		return p.applyDelete(ctx, op.Path)
	case OpDeletedFolder:
		return p.applyDeleteFolder(ctx, op.Path)
	case OpCopyFile:
		return p.applyCopy(ctx, op)
	default:
		return fmt.Errorf("%w: unknown operation %q", models.ErrBadRequest, op.Kind)
	}
}

func (p *planner) applyFile(ctx context.Context, op Operation) error {
	size := int64(len(op.Content))
	if p.engine.lfs.Eligible(p.repo, op.Path, size) {
		return fmt.Errorf("%w: %q is %d bytes and must be uploaded through LFS", models.ErrBadRequest, op.Path, size)
	}

	sum := sha256.Sum256(op.Content)
	sha := hex.EncodeToString(sum[:])
	stagingKey := fmt.Sprintf("staging/%s/%s/%s", p.vosName, p.branch, sha)

	p.upsert(&planEntry{
		path:        op.Path,
		sha:         sha,
		size:        size,
		content:     op.Content,
		stagingKey:  stagingKey,
		physicalURI: p.engine.ros.URI(stagingKey),
	})
	return nil
}

func (p *planner) applyLFSFile(ctx context.Context, op Operation) error {
	key := lfs.KeyForOID(op.OID)
	ok, err := p.engine.ros.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lfs object %s has not been uploaded", models.ErrBadRequest, op.OID)
	}

	p.upsert(&planEntry{
		path:        op.Path,
		sha:         op.OID,
		size:        op.Size,
		lfs:         true,
		physicalURI: p.engine.ros.URI(key),
	})
	return nil
}

func (p *planner) applyDelete(ctx context.Context, path string) error {
	cur, err := p.currentState(ctx, path)
	if err != nil {
		return err
	}
	if cur == nil {
		// Nothing tracked at this path; deleting it is a no-op.
		return nil
	}
	p.upsert(&planEntry{path: path, deleted: true, sha: cur.sha, size: cur.size, lfs: cur.lfs})
	return nil
}

func (p *planner) applyDeleteFolder(ctx context.Context, prefix string) error {
	rows, err := p.engine.store.ListLiveFiles(ctx, p.repo.ID, p.branch, prefix+"/")
	if err != nil {
		return err
	}
	for _, row := range rows {
		if entry, ok := p.entries[row.PathInRepo]; ok && entry.deleted {
			continue
		}
		if err := p.applyDelete(ctx, row.PathInRepo); err != nil {
			return err
		}
	}

	// Pending additions from earlier operations in this commit fall too.
	for _, path := range p.order {
		entry := p.entries[path]
		if entry.deleted || !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		p.upsert(&planEntry{path: path, deleted: true, sha: entry.sha, size: entry.size, lfs: entry.lfs})
	}
	return nil
}

func (p *planner) applyCopy(ctx context.Context, op Operation) error {
	srcRev := op.SrcRevision
	if srcRev == "" {
		srcRev = p.branch
	}

	stat, err := p.engine.vos.StatObject(ctx, p.vosName, srcRev, op.SrcPath)
	if err != nil {
		return err
	}

	// Every object the hub stages carries its sha256 as the versioned
	// checksum, so the stat round-trips the content hash.
	p.upsert(&planEntry{
		path:        op.Path,
		sha:         stat.Checksum,
		size:        stat.SizeBytes,
		lfs:         isLFSAddress(stat.PhysicalAddress),
		physicalURI: stat.PhysicalAddress,
	})
	return nil
}

// settle computes the signed quota delta of the final plan. Regular
// files count per row; LFS shas count once per repository, so charges
// and releases only apply when no reference outside the commit's own
// touched paths remains.
func (p *planner) settle(ctx context.Context) (*plan, error) {
	released := map[string]int64{}
	charged := map[string]int64{}
	lfsSizes := map[string]int64{}

	var delta int64
	for _, path := range p.order {
		entry := p.entries[path]

		old, err := p.baseState(ctx, path)
		if err != nil {
			return nil, err
		}
		if old != nil {
			if old.lfs {
				released[old.sha] = old.size
			} else {
				delta -= old.size
			}
		}
		if !entry.deleted {
			if entry.lfs {
				charged[entry.sha] = entry.size
				lfsSizes[entry.sha] = entry.size
			} else {
				delta += entry.size
			}
		}
	}

	for sha, size := range charged {
		if _, alsoReleased := released[sha]; alsoReleased {
			// The commit re-references a sha it also displaces: no net
			// change regardless of other references.
			delete(released, sha)
			continue
		}
		refs, err := p.engine.store.CountLFSRefsInRepo(ctx, p.repo.ID, sha, p.branch, p.order)
		if err != nil {
			return nil, err
		}
		if refs == 0 {
			delta += size
		}
	}
	for sha, size := range released {
		refs, err := p.engine.store.CountLFSRefsInRepo(ctx, p.repo.ID, sha, p.branch, p.order)
		if err != nil {
			return nil, err
		}
		if refs == 0 {
			delta -= size
		}
	}

	return &plan{entries: p.entries, order: p.order, delta: delta, lfsSizes: lfsSizes}, nil
}

// isLFSAddress reports whether a physical address points into the
// canonical LFS key family of the raw store.
func isLFSAddress(uri string) bool {
	_, key, err := s3.ParseURI(uri)
	if err != nil {
		return false
	}
	return strings.HasPrefix(key, "lfs/")
}
