// Package fallback transparently relays requests for repositories the hub
// does not have to configured upstream hubs. Sources come from config and
// the database, probe verdicts are cached with a TTL, and upstream
// responses are streamed through with decoration headers naming the
// source that served them.
package fallback

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
	"github.com/kohakuhub/kohakuhub/pkg/seal"
)

// Config controls the proxy.
type Config struct {
	// SourcesJSON is the FALLBACK_SOURCES list, e.g.
	// [{"name":"hf","url":"https://huggingface.co","source_type":"huggingface","priority":0}].
	SourcesJSON string

	// Timeout bounds each upstream request.
	Timeout time.Duration
}

// Proxy relays hub requests to upstream sources.
type Proxy struct {
	store  *store.Store
	sealer *seal.Sealer
	cache  *ttlcache.Cache
	client *http.Client
	env    []*Source
}

// New builds a proxy. sealer may be nil when no database key is
// configured; stored tokens are then unusable and skipped. cache may be
// nil to disable probe caching.
func New(st *store.Store, sealer *seal.Sealer, cache *ttlcache.Cache, cfg Config) (*Proxy, error) {
	env, err := parseEnvSources(cfg.SourcesJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback sources: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Proxy{
		store:  st,
		sealer: sealer,
		cache:  cache,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          64,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		env: env,
	}, nil
}

// UpstreamError reports the last upstream verdict after every source was
// tried. Status 404 means no source knows the repo; other 4xx statuses
// belong to the client and are surfaced unchanged.
type UpstreamError struct {
	Status int
	Source string
	URL    string
}

func (e *UpstreamError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("no fallback source could serve the request (last status %d)", e.Status)
	}
	return fmt.Sprintf("upstream %s returned %d", e.Source, e.Status)
}

// tryNext reports whether an upstream status permits moving to the next
// source. 404, 408 and all 5xx are transient from the relay's point of
// view; remaining 4xx belong to the client.
func tryNext(status int) bool {
	return status == http.StatusNotFound ||
		status == http.StatusRequestTimeout ||
		status >= 500
}
