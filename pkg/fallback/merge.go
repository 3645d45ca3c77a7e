package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// Listing is one repo entry in a list response. Upstream entries keep
// whatever shape their hub sent plus a _source tag.
type Listing = map[string]any

// ListUpstream queries every source's list endpoint concurrently and
// returns their entries tagged with _source, in source priority order.
// Per-source failures are logged and dropped; lists degrade, they do not
// fail.
func (p *Proxy) ListUpstream(ctx context.Context, repoType names.RepoType, namespace string, query url.Values, overlay TokenOverlay) []Listing {
	sources, err := p.Sources(ctx, namespace, overlay)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to resolve fallback sources for listing", logger.Err(err))
		return nil
	}
	if len(sources) == 0 {
		return nil
	}

	listPath := "/api/" + repoType.Plural()
	if encoded := query.Encode(); encoded != "" {
		listPath += "?" + encoded
	}

	perSource := make([][]Listing, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src *Source) {
			defer wg.Done()
			entries, err := p.listOne(ctx, src, listPath)
			if err != nil {
				logger.DebugCtx(ctx, "Fallback list failed",
					logger.Source(src.Name), logger.Err(err))
				return
			}
			for _, e := range entries {
				e["_source"] = src.Name
			}
			perSource[i] = entries
		}(i, src)
	}
	wg.Wait()

	var out []Listing
	for _, entries := range perSource {
		out = append(out, entries...)
	}
	return out
}

func (p *Proxy) listOne(ctx context.Context, src *Source, listPath string) ([]Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL+listPath, nil)
	if err != nil {
		return nil, err
	}
	addAuth(req, src.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var entries []Listing
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("bad list payload: %w", err)
	}
	return entries, nil
}

// MergeListings unions local and upstream entries keyed by their "id"
// field (the repo full id). Local entries win conflicts and keep their
// position; upstream-only entries follow in their given order.
func MergeListings(local, upstream []Listing) []Listing {
	seen := make(map[string]bool, len(local))
	out := make([]Listing, 0, len(local)+len(upstream))
	for _, entry := range local {
		if id, ok := entry["id"].(string); ok {
			seen[id] = true
		}
		out = append(out, entry)
	}
	for _, entry := range upstream {
		id, ok := entry["id"].(string)
		if ok && seen[id] {
			continue
		}
		if ok {
			seen[id] = true
		}
		out = append(out, entry)
	}
	return out
}
