// Package tasks runs the hub's periodic maintenance jobs: credential
// cleanup, staging and LFS reapers, quota reconciliation, stats
// rollover, and the commit-reconcile sweep.
package tasks

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/commits"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// sweepBatchSize bounds how many rows or objects one run touches, so a
// large backlog is worked off across runs instead of in one long pass.
const sweepBatchSize = 500

// ObjectStore is the slice of the raw store the reapers touch.
type ObjectStore interface {
	List(ctx context.Context, prefix string, max int) ([]s3.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Options tunes job cadence and retention windows. Zero values pick the
// defaults set in New.
type Options struct {
	// SessionInterval is how often expired sessions and confirmation
	// tokens are removed.
	SessionInterval time.Duration

	// StagingInterval is how often abandoned uploads are reaped;
	// StagingTTL is how old an upload must be before it counts as
	// abandoned.
	StagingInterval time.Duration
	StagingTTL      time.Duration

	// LFSInterval is how often unreferenced LFS blobs are reaped.
	// LFSGrace is how long a blob stays after its last reference
	// disappears. LFSKeepVersions <= 0 disables the reaper entirely.
	LFSInterval     time.Duration
	LFSGrace        time.Duration
	LFSKeepVersions int

	// QuotaInterval is how often usage totals are rebuilt from file rows.
	QuotaInterval time.Duration

	// StatsInterval is how often file counts are snapshotted and old
	// daily rows pruned; StatsRetentionDays bounds the history kept.
	StatsInterval      time.Duration
	StatsRetentionDays int

	// ReconcileInterval is how often default branches are checked for
	// commits that landed in the versioned store without metadata rows.
	ReconcileInterval time.Duration

	// JobTimeout caps a single run of any job.
	JobTimeout time.Duration
}

// Runner owns the maintenance goroutines. It follows the same lifecycle
// as the API server: Start spawns the loops, Stop signals them and
// waits bounded.
type Runner struct {
	store   *store.Store
	ros     ObjectStore
	lfs     *lfs.Engine
	commits *commits.Engine
	quota   *quota.Accountant
	stats   *stats.Service
	metrics *metrics.Metrics
	opts    Options

	mu        sync.Mutex
	started   bool
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a runner. metrics may be nil.
func New(st *store.Store, ros ObjectStore, lfsEngine *lfs.Engine, commitEngine *commits.Engine, acct *quota.Accountant, statsSvc *stats.Service, m *metrics.Metrics, opts Options) *Runner {
	if opts.SessionInterval <= 0 {
		opts.SessionInterval = time.Hour
	}
	if opts.StagingInterval <= 0 {
		opts.StagingInterval = time.Hour
	}
	if opts.StagingTTL <= 0 {
		opts.StagingTTL = 24 * time.Hour
	}
	if opts.LFSInterval <= 0 {
		opts.LFSInterval = 6 * time.Hour
	}
	if opts.LFSGrace <= 0 {
		opts.LFSGrace = 7 * 24 * time.Hour
	}
	if opts.QuotaInterval <= 0 {
		opts.QuotaInterval = 24 * time.Hour
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 24 * time.Hour
	}
	if opts.StatsRetentionDays <= 0 {
		opts.StatsRetentionDays = 365
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}

	return &Runner{
		store:     st,
		ros:       ros,
		lfs:       lfsEngine,
		commits:   commitEngine,
		quota:     acct,
		stats:     statsSvc,
		metrics:   m,
		opts:      opts,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches one goroutine per job.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	logger.Info("Starting background tasks",
		"staging_ttl", r.opts.StagingTTL.String(),
		"lfs_reaper", r.opts.LFSKeepVersions > 0,
		"reconcile_interval", r.opts.ReconcileInterval.String(),
	)

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"session_sweep", r.opts.SessionInterval, r.sweepSessions},
		{"staging_reaper", r.opts.StagingInterval, r.sweepStaging},
		{"quota_reconcile", r.opts.QuotaInterval, r.reconcileQuota},
		{"stats_rollover", r.opts.StatsInterval, r.rolloverStats},
		{"commit_reconcile", r.opts.ReconcileInterval, r.sweepReconcile},
	}
	if r.opts.LFSKeepVersions > 0 {
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			fn       func(context.Context) error
		}{"lfs_retention", r.opts.LFSInterval, r.sweepLFS})
	}

	for _, job := range jobs {
		r.wg.Add(1)
		go r.every(ctx, job.name, job.interval, job.fn)
	}

	// Monitor goroutine to close stoppedCh when all loops exit
	go func() {
		r.wg.Wait()
		close(r.stoppedCh)
	}()
}

// Stop signals all loops and waits up to timeout for them to exit.
func (r *Runner) Stop(timeout time.Duration) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.stoppedCh:
		logger.Info("Background tasks stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Background tasks stop timed out")
	}
}

// every runs the job at the interval until stopped. The first run waits
// one full interval so a restarting process does not stampede the
// database.
func (r *Runner) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, job)
		}
	}
}

// runOnce executes one job run under its own timeout, detached from the
// server context so an in-flight run finishes during shutdown.
func (r *Runner) runOnce(_ context.Context, name string, job func(context.Context) error) {
	jobCtx, cancel := context.WithTimeout(context.Background(), r.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := job(jobCtx)
	elapsed := time.Since(start)
	r.metrics.ObserveTask(name, err, elapsed)

	if err != nil {
		logger.Error("Background task failed", "task", name, logger.Err(err))
		return
	}
	logger.Debug("Background task completed", "task", name, "duration", elapsed.String())
}

// sweepSessions drops expired sessions and confirmation tokens.
func (r *Runner) sweepSessions(ctx context.Context) error {
	now := time.Now().UTC()

	sessions, err := r.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return fmt.Errorf("expired sessions: %w", err)
	}
	tokens, err := r.store.DeleteExpiredConfirmationTokens(ctx, now)
	if err != nil {
		return fmt.Errorf("expired confirmation tokens: %w", err)
	}

	if sessions+tokens > 0 {
		logger.Info("Expired credentials removed", "sessions", sessions, "confirmation_tokens", tokens)
	}
	return nil
}

// sweepStaging aborts multipart uploads whose client never completed
// them and removes staged inline blobs that no commit ever recorded.
func (r *Runner) sweepStaging(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.opts.StagingTTL)

	uploads, err := r.store.ListStagingUploadsBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list stale uploads: %w", err)
	}
	aborted := 0
	for _, up := range uploads {
		if err := r.lfs.AbortUpload(ctx, up.UploadID); err != nil {
			logger.Warn("Failed to abort stale upload",
				"upload_id", up.UploadID, "key", up.Key, logger.Err(err))
			continue
		}
		aborted++
	}

	objects, err := r.ros.List(ctx, "staging/", sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list staging objects: %w", err)
	}
	orphans := 0
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		// Staging keys end in the content hash; anything else in the
		// prefix is not ours to touch.
		sha := path.Base(obj.Key)
		if len(sha) != 64 {
			continue
		}
		known, err := r.store.FileSHAExists(ctx, sha)
		if err != nil {
			return fmt.Errorf("check staged sha %s: %w", sha, err)
		}
		if known {
			continue
		}
		if err := r.ros.Delete(ctx, obj.Key); err != nil {
			logger.Warn("Failed to delete orphaned staging object", "key", obj.Key, logger.Err(err))
			continue
		}
		orphans++
	}

	if aborted+orphans > 0 {
		logger.Info("Staging reaper finished", "aborted_uploads", aborted, "orphaned_blobs", orphans)
	}
	return nil
}

// sweepLFS removes raw LFS blobs that no live file row references and
// that have not been seen for the grace window.
func (r *Runner) sweepLFS(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.opts.LFSGrace)

	objects, err := r.store.ListUnreferencedLFSObjects(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list unreferenced objects: %w", err)
	}

	reaped := 0
	for _, obj := range objects {
		// Recheck under the current state; a commit may have re-added a
		// reference between the query and the delete.
		refs, err := r.store.CountLFSReferences(ctx, obj.SHA256)
		if err != nil {
			return fmt.Errorf("count references for %s: %w", obj.SHA256, err)
		}
		if refs > 0 {
			continue
		}
		if err := r.ros.Delete(ctx, lfs.KeyForOID(obj.SHA256)); err != nil {
			logger.Warn("Failed to delete LFS blob", "sha256", obj.SHA256, logger.Err(err))
			continue
		}
		if err := r.store.DeleteLFSObject(ctx, obj.SHA256); err != nil {
			logger.Warn("Failed to drop LFS history row", "sha256", obj.SHA256, logger.Err(err))
			continue
		}
		reaped++
	}

	if reaped > 0 {
		logger.Info("Unreferenced LFS blobs reaped", "count", reaped)
	}
	return nil
}

// reconcileQuota rebuilds repo usage from file rows, then owner totals
// from repo rows.
func (r *Runner) reconcileQuota(ctx context.Context) error {
	repos, err := r.store.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	owners := make(map[int64]struct{})
	for _, repo := range repos {
		if _, err := r.quota.RecalculateRepo(ctx, repo.ID); err != nil {
			logger.Warn("Failed to recalculate repo usage", logger.Repo(repo.FullID), logger.Err(err))
			continue
		}
		owners[repo.OwnerID] = struct{}{}
	}
	for ownerID := range owners {
		if _, _, err := r.quota.RecalculateOwner(ctx, ownerID); err != nil {
			logger.Warn("Failed to recalculate owner usage", "owner_id", ownerID, logger.Err(err))
		}
	}
	return nil
}

// rolloverStats snapshots per-repo file counts into today's row and
// prunes rows past the retention window.
func (r *Runner) rolloverStats(ctx context.Context) error {
	if err := r.stats.SnapshotFileCounts(ctx); err != nil {
		return fmt.Errorf("snapshot file counts: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -r.opts.StatsRetentionDays).Format("2006-01-02")
	pruned, err := r.store.DeleteStatsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune stats before %s: %w", cutoff, err)
	}
	if pruned > 0 {
		logger.Info("Old daily stats pruned", "rows", pruned, "before", cutoff)
	}
	return nil
}

// sweepReconcile repairs default branches whose versioned-store tip has
// no metadata rows, which happens when a commit crashed between the VOS
// commit and the database transaction.
func (r *Runner) sweepReconcile(ctx context.Context) error {
	repos, err := r.store.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	for _, repo := range repos {
		needs, err := r.commits.NeedsReconcile(ctx, repo, models.DefaultBranch)
		if err != nil {
			logger.Warn("Reconcile check failed", logger.Repo(repo.FullID), logger.Err(err))
			continue
		}
		if !needs {
			continue
		}
		replayed, err := r.commits.Reconcile(ctx, repo, models.DefaultBranch)
		if err != nil {
			logger.Warn("Reconcile failed", logger.Repo(repo.FullID), logger.Err(err))
			continue
		}
		logger.Info("Repository reconciled", logger.Repo(repo.FullID), "commits", replayed)
	}
	return nil
}
