package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all log statements so aggregated logs stay queryable.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// HTTP request
	KeyRequestID = "request_id"
	KeyMethod    = "method"
	KeyRoute     = "route"
	KeyStatus    = "status"
	KeyClientIP  = "client_ip"

	// Hub entities
	KeyRepo     = "repo"      // full id: namespace/name
	KeyRepoType = "repo_type" // model, dataset, space
	KeyRevision = "revision"
	KeyBranch   = "branch"
	KeyPath     = "path"
	KeyOID      = "oid"
	KeySize     = "size"
	KeyUsername = "username"
	KeyOrg      = "org"
	KeyCommitID = "commit_id"

	// Storage backends
	KeyBucket     = "bucket"
	KeyKey        = "key"
	KeyVOSRepo    = "vos_repo"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// Fallback sources
	KeySource    = "source"
	KeySourceURL = "source_url"
	KeyUpstream  = "upstream"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyOperation  = "operation"
	KeyTask       = "task"
)

// Err returns a slog.Attr for an error, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Repo returns a slog.Attr for a repository full id.
func Repo(fullID string) slog.Attr {
	return slog.String(KeyRepo, fullID)
}

// Revision returns a slog.Attr for a ref or commit id.
func Revision(rev string) slog.Attr {
	return slog.String(KeyRevision, rev)
}

// Path returns a slog.Attr for a path inside a repository.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// OID returns a slog.Attr for a content hash.
func OID(oid string) slog.Attr {
	return slog.String(KeyOID, oid)
}

// Size returns a slog.Attr for a byte size.
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Username returns a slog.Attr for an account name.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Source returns a slog.Attr for a fallback source name.
func Source(name string) slog.Attr {
	return slog.String(KeySource, name)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
