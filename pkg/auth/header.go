package auth

import (
	"strings"

	"github.com/kohakuhub/kohakuhub/internal/logger"
)

// SessionCookieName is the browser session cookie. Its value is
// "{session_id}:{secret}".
const SessionCookieName = "kohaku_session"

// ParseAuthorization splits a composite Authorization header into the user's
// own token and per-URL upstream tokens.
//
// The wire format is:
//
//	Bearer <token>|<url1>,<tok1>|<url2>,<tok2>
//
// The first segment is the hub credential and may be empty when the client
// only supplies upstream tokens. Each later segment pairs an upstream URL
// with a token for that URL, overriding any server-configured token for this
// request only. Malformed segments are dropped with a warning; the request
// still proceeds with whatever parsed.
func ParseAuthorization(header string) (string, map[string]string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}

	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", nil
	}

	segments := strings.Split(rest, "|")
	token := strings.TrimSpace(segments[0])

	var external map[string]string
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		url, tok, ok := strings.Cut(seg, ",")
		url, tok = strings.TrimSpace(url), strings.TrimSpace(tok)
		if !ok || url == "" || tok == "" {
			logger.Warn("Dropping malformed external token segment", "segment_length", len(seg))
			continue
		}
		if external == nil {
			external = make(map[string]string)
		}
		external[strings.TrimRight(url, "/")] = tok
	}

	return token, external
}

// ParseSessionCookie splits a session cookie value into its id and secret.
func ParseSessionCookie(value string) (sessionID, secret string, ok bool) {
	sessionID, secret, found := strings.Cut(value, ":")
	if !found || sessionID == "" || secret == "" {
		return "", "", false
	}
	return sessionID, secret, true
}
