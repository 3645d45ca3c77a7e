package models

import "errors"

// Domain errors. The API layer maps these onto HTTP statuses and
// X-Error-Code headers; everything below HTTP returns wrapped sentinels.
var (
	// Repository errors
	ErrRepoNotFound     = errors.New("repository not found")
	ErrRevisionNotFound = errors.New("revision not found")
	ErrEntryNotFound    = errors.New("entry not found")
	ErrRepoExists       = errors.New("repository already exists")
	ErrInvalidRepoType  = errors.New("invalid repository type")
	ErrInvalidRepoID    = errors.New("invalid repository id")

	// Permission errors
	ErrGatedRepo    = errors.New("access to this repository is restricted")
	ErrForbidden    = errors.New("operation not permitted")
	ErrUnauthorized = errors.New("authentication required")

	// Account errors
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already taken")
	ErrEmailExists        = errors.New("email already registered")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionNotFound    = errors.New("session not found or expired")
	ErrTokenNotFound      = errors.New("token not found")
	ErrOrgNotFound        = errors.New("organization not found")
	ErrNotOrgMember       = errors.New("not a member of this organization")

	// Invitation errors
	ErrInvitationNotFound    = errors.New("invitation not found")
	ErrInvitationUnavailable = errors.New("invitation expired or fully used")

	// Commit and quota errors
	ErrBadRequest     = errors.New("bad request")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrCommitConflict = errors.New("concurrent commit on the same branch")

	// Storage errors
	ErrUpstream = errors.New("upstream storage error")
)
