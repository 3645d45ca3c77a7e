package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Source is one upstream hub with the bearer token resolved for the
// current request.
type Source struct {
	Name     string
	URL      string
	Type     string
	Priority int

	// Token is the admin token overlaid by the caller's own credentials.
	// Never logged.
	Token string
}

// envSource mirrors one entry of the FALLBACK_SOURCES JSON list. Tokens
// here come from the environment, so they are plaintext.
type envSource struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	SourceType string `json:"source_type"`
	Priority   int    `json:"priority"`
	Token      string `json:"token,omitempty"`
}

func parseEnvSources(raw string) ([]*Source, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries []envSource
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	sources := make([]*Source, 0, len(entries))
	for i, e := range entries {
		url := strings.TrimSuffix(strings.TrimSpace(e.URL), "/")
		if url == "" {
			return nil, fmt.Errorf("source %d has no url", i)
		}
		name := e.Name
		if name == "" {
			name = url
		}
		typ := e.SourceType
		if typ == "" {
			typ = models.SourceTypeHuggingFace
		}
		sources = append(sources, &Source{
			Name:     name,
			URL:      url,
			Type:     typ,
			Priority: e.Priority,
			Token:    e.Token,
		})
	}
	return sources, nil
}

// TokenOverlay carries the caller's upstream credentials: stored per-user
// overrides plus tokens supplied on this request only.
type TokenOverlay struct {
	// UserID selects stored token overrides; zero means anonymous.
	UserID int64

	// RequestTokens maps upstream URL to a token from the composite
	// Authorization header. They outrank stored tokens.
	RequestTokens map[string]string
}

// Sources resolves the source list for a namespace: env sources, then
// global DB rows, then namespace rows, deduplicated by URL keeping the
// lower priority, sorted ascending. The overlay's tokens replace admin
// tokens per URL for this request only.
func (p *Proxy) Sources(ctx context.Context, namespace string, overlay TokenOverlay) ([]*Source, error) {
	byURL := make(map[string]*Source)
	order := make([]string, 0, len(p.env))

	add := func(src *Source) {
		existing, ok := byURL[src.URL]
		if !ok {
			byURL[src.URL] = src
			order = append(order, src.URL)
			return
		}
		if src.Priority < existing.Priority {
			byURL[src.URL] = src
		}
	}

	for _, src := range p.env {
		clone := *src
		add(&clone)
	}

	rows, err := p.store.ListFallbackSources(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list fallback sources: %w", err)
	}
	for _, row := range rows {
		add(&Source{
			Name:     row.Name,
			URL:      strings.TrimSuffix(row.URL, "/"),
			Type:     row.SourceType,
			Priority: row.Priority,
			Token:    p.openToken(ctx, row.EncryptedToken),
		})
	}

	if overlay.UserID != 0 {
		tokens, err := p.store.ListUserExternalTokens(ctx, overlay.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list user tokens: %w", err)
		}
		for _, t := range tokens {
			if src, ok := byURL[strings.TrimSuffix(t.URL, "/")]; ok {
				if tok := p.openToken(ctx, t.EncryptedToken); tok != "" {
					src.Token = tok
				}
			}
		}
	}
	for url, tok := range overlay.RequestTokens {
		if src, ok := byURL[strings.TrimSuffix(url, "/")]; ok && tok != "" {
			src.Token = tok
		}
	}

	sources := make([]*Source, 0, len(byURL))
	for _, url := range order {
		sources = append(sources, byURL[url])
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})
	return sources, nil
}

// openToken decrypts a stored token. Decryption failures degrade to
// anonymous access against that source rather than failing the request.
func (p *Proxy) openToken(ctx context.Context, sealed string) string {
	if sealed == "" || p.sealer == nil {
		return ""
	}
	token, err := p.sealer.Open(sealed)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to decrypt stored upstream token", logger.Err(err))
		return ""
	}
	return token
}
