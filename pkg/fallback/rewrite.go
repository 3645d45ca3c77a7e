package fallback

import (
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// RewritePath maps a hub-local request path onto a source's URL space.
//
// A kohakuhub peer speaks the same routes, so paths pass through
// unchanged. The public HuggingFace hub mounts model resolves at the root
// instead of under /models/, so that prefix is stripped; datasets and
// spaces resolves, and everything under /api/, already line up.
func RewritePath(sourceType, path string) string {
	if sourceType != models.SourceTypeHuggingFace {
		return path
	}
	if strings.HasPrefix(path, "/api/") {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/models/"); ok {
		if isResolvePath(rest) {
			return "/" + rest
		}
	}
	return path
}

// isResolvePath reports whether rest (after the type prefix) looks like
// "{ns}/{name}/resolve/...".
func isResolvePath(rest string) bool {
	parts := strings.SplitN(rest, "/", 4)
	return len(parts) >= 3 && parts[2] == "resolve"
}
