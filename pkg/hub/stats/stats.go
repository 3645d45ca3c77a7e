// Package stats accumulates download events into per-repo daily rows and
// computes the exponentially decayed trending score over them.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
)

// TrendingWindowDays is how far back the trending score looks.
const TrendingWindowDays = 7

// trendingDecay weights day d as decay^d, so yesterday counts 80% of today.
const trendingDecay = 0.8

// Service records download events and serves per-repo daily stats and
// trending rankings.
type Service struct {
	store *store.Store
	dedup *ttlcache.Cache
	now   func() time.Time
}

// New builds a stats service. dedup holds one key per (repo, day, session)
// so repeated downloads within a day count as one session; its TTL should
// comfortably cover a UTC day.
func New(st *store.Store, dedup *ttlcache.Cache) *Service {
	return &Service{
		store: st,
		dedup: dedup,
		now:   time.Now,
	}
}

// RecordDownload folds one download event into today's row and, for the
// first event of a session, the repo's lifetime download count. sessionID
// is the caller's session cookie or, for anonymous clients, their IP.
func (s *Service) RecordDownload(ctx context.Context, repo *models.Repository, sessionID string, authenticated bool) error {
	day := store.Today(s.now())

	newSession := true
	if s.dedup != nil && sessionID != "" {
		key := fmt.Sprintf("dl/%s/%s/%s/%s", repo.RepoType, repo.FullID, day, sessionID)
		added, err := s.dedup.Add(key, nil)
		if err != nil {
			// Dedup is best effort; overcounting a session beats losing
			// the event.
			logger.WarnCtx(ctx, "Download dedup cache unavailable", logger.Err(err), logger.Repo(repo.FullID))
		} else {
			newSession = added
		}
	}

	delta := store.StatsDelta{NewSession: newSession, Authenticated: authenticated}
	if err := s.store.BumpDailyStats(ctx, repo.ID, day, delta); err != nil {
		return fmt.Errorf("failed to record download stats: %w", err)
	}
	if newSession {
		if err := s.store.IncrementDownloads(ctx, repo.ID); err != nil {
			return fmt.Errorf("failed to increment downloads: %w", err)
		}
	}
	return nil
}

// DayStats is one UTC day of download activity for a repo.
type DayStats struct {
	Date                   string `json:"date"`
	DownloadSessions       int64  `json:"downloads"`
	AuthenticatedDownloads int64  `json:"authenticated_downloads"`
	AnonymousDownloads     int64  `json:"anonymous_downloads"`
	TotalFiles             int64  `json:"total_files,omitempty"`
}

// RepoStats returns the last `days` days of activity ending today,
// oldest first. Days with no recorded row come back as zeros.
func (s *Service) RepoStats(ctx context.Context, repo *models.Repository, days int) ([]DayStats, error) {
	if days <= 0 {
		days = TrendingWindowDays
	}
	if days > 365 {
		days = 365
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -(days - 1))

	rows, err := s.store.GetDailyStats(ctx, repo.ID, store.Today(from), store.Today(today))
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}

	byDate := make(map[string]*models.DailyRepoStats, len(rows))
	for _, row := range rows {
		byDate[row.Date] = row
	}

	out := make([]DayStats, 0, days)
	for d := 0; d < days; d++ {
		date := store.Today(from.AddDate(0, 0, d))
		day := DayStats{Date: date}
		if row, ok := byDate[date]; ok {
			day.DownloadSessions = row.DownloadSessions
			day.AuthenticatedDownloads = row.AuthenticatedDownloads
			day.AnonymousDownloads = row.AnonymousDownloads
			day.TotalFiles = row.TotalFiles
		}
		out = append(out, day)
	}
	return out, nil
}

// TrendingRepo is one ranked entry.
type TrendingRepo struct {
	Repo      *models.Repository
	Score     float64
	Downloads int64 // sessions inside the window
}

// Trending ranks repos by Σ log(1+downloads_d)·decay^d over the last
// TrendingWindowDays days, optionally filtered by repo type. Repos with a
// zero score are omitted.
func (s *Service) Trending(ctx context.Context, repoType string, limit int) ([]TrendingRepo, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -(TrendingWindowDays - 1))

	rows, err := s.store.GetStatsWindow(ctx, repoType, store.Today(from), store.Today(today))
	if err != nil {
		return nil, fmt.Errorf("failed to load stats window: %w", err)
	}

	type accum struct {
		score     float64
		downloads int64
	}
	scores := make(map[int64]*accum)
	for _, row := range rows {
		date, err := time.Parse(models.StatsDateFormat, row.Date)
		if err != nil {
			continue
		}
		age := int(today.Sub(date).Hours() / 24)
		if age < 0 || age >= TrendingWindowDays {
			continue
		}
		a := scores[row.RepositoryID]
		if a == nil {
			a = &accum{}
			scores[row.RepositoryID] = a
		}
		a.score += math.Log(1+float64(row.DownloadSessions)) * math.Pow(trendingDecay, float64(age))
		a.downloads += row.DownloadSessions
	}

	ids := make([]int64, 0, len(scores))
	for id, a := range scores {
		if a.score > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := scores[ids[i]].score, scores[ids[j]].score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}

	repos, err := s.store.ListRepositoriesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load trending repos: %w", err)
	}
	byID := make(map[int64]*models.Repository, len(repos))
	for _, r := range repos {
		byID[r.ID] = r
	}

	out := make([]TrendingRepo, 0, len(ids))
	for _, id := range ids {
		repo, ok := byID[id]
		if !ok || repo.Private {
			// Rows can outlive a deleted repo; private repos never trend.
			continue
		}
		a := scores[id]
		out = append(out, TrendingRepo{Repo: repo, Score: a.score, Downloads: a.downloads})
	}
	return out, nil
}

// SnapshotFileCounts writes today's default-branch file count for every
// repo. The nightly rollover task calls this so TotalFiles tracks
// repository growth.
func (s *Service) SnapshotFileCounts(ctx context.Context) error {
	day := store.Today(s.now())
	repos, err := s.store.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repos for file count snapshot: %w", err)
	}
	for _, repo := range repos {
		n, err := s.store.CountLiveFiles(ctx, repo.ID, models.DefaultBranch)
		if err != nil {
			logger.WarnCtx(ctx, "Failed to count live files", logger.Err(err), logger.Repo(repo.FullID))
			continue
		}
		if err := s.store.SetDailyTotalFiles(ctx, repo.ID, day, n); err != nil {
			logger.WarnCtx(ctx, "Failed to snapshot file count", logger.Err(err), logger.Repo(repo.FullID))
		}
	}
	return nil
}
