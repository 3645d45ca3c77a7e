package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// ProbeResult is one upstream verdict for (type, namespace, name),
// positive or negative, cached with the proxy's TTL.
type ProbeResult struct {
	Exists     bool      `json:"exists"`
	SourceName string    `json:"source_name"`
	SourceURL  string    `json:"source_url"`
	SourceType string    `json:"source_type"`
	CheckedAt  time.Time `json:"checked_at"`
}

func probeKey(repoType names.RepoType, namespace, name string) string {
	return fmt.Sprintf("fb/%s/%s/%s", repoType, namespace, name)
}

// Probe finds which source serves a repo. The cache answers first; on a
// miss each source's info endpoint is asked in priority order. A verdict
// is cached either way so repeated misses stay cheap.
func (p *Proxy) Probe(ctx context.Context, repoType names.RepoType, namespace, name string, sources []*Source) (*ProbeResult, error) {
	if cached, ok := p.cachedProbe(repoType, namespace, name); ok {
		return cached, nil
	}

	infoPath := fmt.Sprintf("/api/%s/%s/%s", repoType.Plural(), namespace, name)
	for _, src := range sources {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL+RewritePath(src.Type, infoPath), nil)
		if err != nil {
			return nil, err
		}
		addAuth(req, src.Token)

		resp, err := p.client.Do(req)
		if err != nil {
			logger.DebugCtx(ctx, "Fallback probe failed",
				logger.Source(src.Name), logger.Err(err))
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()

		switch {
		case status >= 200 && status < 300:
			result := &ProbeResult{
				Exists:     true,
				SourceName: src.Name,
				SourceURL:  src.URL,
				SourceType: src.Type,
				CheckedAt:  time.Now().UTC(),
			}
			p.storeProbe(repoType, namespace, name, result)
			return result, nil
		case tryNext(status):
			continue
		default:
			// The repo may exist behind this status for another caller,
			// so the verdict is not cached.
			return nil, &UpstreamError{Status: status, Source: src.Name, URL: src.URL}
		}
	}

	result := &ProbeResult{Exists: false, CheckedAt: time.Now().UTC()}
	p.storeProbe(repoType, namespace, name, result)
	return result, nil
}

// InvalidateProbe drops the cached verdict for one repo, for when a local
// create supersedes an upstream copy.
func (p *Proxy) InvalidateProbe(repoType names.RepoType, namespace, name string) {
	if p.cache == nil {
		return
	}
	_ = p.cache.Delete(probeKey(repoType, namespace, name))
}

func (p *Proxy) cachedProbe(repoType names.RepoType, namespace, name string) (*ProbeResult, bool) {
	if p.cache == nil {
		return nil, false
	}
	raw, ok, err := p.cache.Get(probeKey(repoType, namespace, name))
	if err != nil || !ok {
		return nil, false
	}
	var result ProbeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (p *Proxy) storeProbe(repoType names.RepoType, namespace, name string, result *ProbeResult) {
	if p.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.cache.Set(probeKey(repoType, namespace, name), raw); err != nil {
		logger.Warn("Failed to cache probe result", logger.Err(err))
	}
}

func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "kohakuhub-fallback/1")
}
