package fallback

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// passRequestHeaders are forwarded from the client to the upstream.
var passRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Range",
	"If-None-Match",
	"If-Modified-Since",
}

// hopHeaders are stripped from upstream responses per RFC 9110 §7.6.1.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Relay proxies r to the first source that can serve it, streaming the
// upstream response with decoration headers. Redirects pass through to
// the client, so large downloads go to the upstream's CDN directly
// instead of through this process.
//
// On failure nothing is written to w; the returned error carries the
// verdict (ErrRepoNotFound when no source knows the repo, UpstreamError
// for client-owned 4xx, ErrUpstream after transport-level exhaustion).
func (p *Proxy) Relay(w http.ResponseWriter, r *http.Request, repoType names.RepoType, namespace, name string, overlay TokenOverlay) error {
	ctx := r.Context()

	sources, err := p.Sources(ctx, namespace, overlay)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("%s/%s: no fallback sources: %w", namespace, name, models.ErrRepoNotFound)
	}

	if cached, ok := p.cachedProbe(repoType, namespace, name); ok {
		if !cached.Exists {
			return fmt.Errorf("%s/%s: %w", namespace, name, models.ErrRepoNotFound)
		}
		sources = frontload(sources, cached.SourceURL)
	}

	var (
		lastStatus  int
		lastSource  *Source
		sawResponse bool
	)
	for _, src := range sources {
		served, status, err := p.relayOne(w, r, src)
		if err != nil {
			logger.WarnCtx(ctx, "Fallback relay transport error",
				logger.Source(src.Name), logger.Err(err))
			continue
		}
		sawResponse = true
		if served {
			p.storeProbe(repoType, namespace, name, &ProbeResult{
				Exists:     true,
				SourceName: src.Name,
				SourceURL:  src.URL,
				SourceType: src.Type,
				CheckedAt:  time.Now().UTC(),
			})
			return nil
		}
		lastStatus, lastSource = status, src
		if !tryNext(status) {
			return &UpstreamError{Status: status, Source: src.Name, URL: src.URL}
		}
	}

	if lastStatus == http.StatusNotFound {
		p.storeProbe(repoType, namespace, name, &ProbeResult{Exists: false, CheckedAt: time.Now().UTC()})
		return fmt.Errorf("%s/%s: %w", namespace, name, models.ErrEntryNotFound)
	}
	if !sawResponse {
		return fmt.Errorf("every fallback source unreachable: %w", models.ErrUpstream)
	}
	if lastSource != nil {
		return fmt.Errorf("%w: %s returned %d", models.ErrUpstream, lastSource.Name, lastStatus)
	}
	return fmt.Errorf("%s/%s: %w", namespace, name, models.ErrEntryNotFound)
}

// relayOne sends the request to one source. served=true means the
// response was streamed to the client; otherwise status carries the
// upstream verdict and nothing was written.
func (p *Proxy) relayOne(w http.ResponseWriter, r *http.Request, src *Source) (served bool, status int, err error) {
	upstreamURL := src.URL + RewritePath(src.Type, r.URL.Path)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, nil)
	if err != nil {
		return false, 0, err
	}
	for _, h := range passRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	addAuth(req, src.Token)

	resp, err := p.transport().Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, resp.StatusCode, nil
	}

	header := w.Header()
	for k, vals := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	header.Set("X-Source", src.Name)
	header.Set("X-Source-URL", src.URL)
	header.Set("X-Source-Status", strconv.Itoa(resp.StatusCode))

	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, resp.Body); err != nil {
			// Headers are out; all that is left is logging.
			logger.DebugCtx(r.Context(), "Fallback body copy interrupted",
				logger.Source(src.Name), logger.Err(err))
		}
	}
	return true, resp.StatusCode, nil
}

// transport returns a client that surfaces redirects instead of following
// them, so upstream 302s reach the caller untouched.
func (p *Proxy) transport() *http.Client {
	return &http.Client{
		Timeout:   p.client.Timeout,
		Transport: p.client.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// frontload moves the source with the given URL to the head of the list.
func frontload(sources []*Source, url string) []*Source {
	for i, src := range sources {
		if src.URL == url && i > 0 {
			reordered := make([]*Source, 0, len(sources))
			reordered = append(reordered, src)
			reordered = append(reordered, sources[:i]...)
			reordered = append(reordered, sources[i+1:]...)
			return reordered
		}
	}
	return sources
}
