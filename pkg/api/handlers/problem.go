// Package handlers provides the HTTP handlers for the hub API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Error codes carried in the X-Error-Code header. Clients dispatch on
// these, so the spelling is load-bearing.
const (
	CodeRepoNotFound     = "RepoNotFound"
	CodeRevisionNotFound = "RevisionNotFound"
	CodeEntryNotFound    = "EntryNotFound"
	CodeGatedRepo        = "GatedRepo"
	CodeRepoExists       = "RepoExists"
	CodeBadRequest       = "BadRequest"
	CodeInvalidRepoType  = "InvalidRepoType"
	CodeInvalidRepoID    = "InvalidRepoId"
	CodeUnauthorized     = "Unauthorized"
	CodeServerError      = "ServerError"
)

// WriteErrorCode writes an error response: empty body, status code, and
// the X-Error-Code / X-Error-Message headers.
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Error-Message", message)
	w.WriteHeader(status)
}

// WriteError maps a domain error onto the wire contract. Unrecognized
// errors become opaque 500s; their detail goes to the log, never to the
// client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)

	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	} else {
		logger.DebugCtx(r.Context(), "Request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", code,
			"error", err,
		)
	}

	WriteErrorCode(w, status, code, message)
}

func classify(err error) (status int, code, message string) {
	var upstream *fallback.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status, codeForStatus(upstream.Status), upstream.Error()
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large"
	}

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		return http.StatusUnprocessableEntity, CodeBadRequest, invalid.Error()
	}

	switch {
	case errors.Is(err, models.ErrRepoNotFound):
		return http.StatusNotFound, CodeRepoNotFound, err.Error()
	case errors.Is(err, models.ErrRevisionNotFound):
		return http.StatusNotFound, CodeRevisionNotFound, err.Error()
	case errors.Is(err, models.ErrEntryNotFound),
		errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrOrgNotFound),
		errors.Is(err, models.ErrTokenNotFound),
		errors.Is(err, models.ErrInvitationNotFound):
		return http.StatusNotFound, CodeEntryNotFound, err.Error()
	case errors.Is(err, models.ErrGatedRepo),
		errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrNotOrgMember):
		return http.StatusForbidden, CodeGatedRepo, err.Error()
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrUserInactive):
		return http.StatusUnauthorized, CodeUnauthorized, err.Error()
	case errors.Is(err, models.ErrRepoExists):
		return http.StatusConflict, CodeRepoExists, err.Error()
	case errors.Is(err, models.ErrUserExists),
		errors.Is(err, models.ErrEmailExists),
		errors.Is(err, models.ErrCommitConflict):
		return http.StatusConflict, CodeBadRequest, err.Error()
	case errors.Is(err, models.ErrInvitationUnavailable):
		return http.StatusBadRequest, CodeBadRequest, err.Error()
	case errors.Is(err, models.ErrInvalidRepoType):
		return http.StatusBadRequest, CodeInvalidRepoType, err.Error()
	case errors.Is(err, models.ErrInvalidRepoID):
		return http.StatusBadRequest, CodeInvalidRepoID, err.Error()
	case errors.Is(err, models.ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest, err.Error()
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge, CodeBadRequest, err.Error()
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway, CodeServerError, err.Error()
	default:
		return http.StatusInternalServerError, CodeServerError, "internal error"
	}
}

// codeForStatus picks the error code for statuses relayed verbatim from
// an upstream source.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return CodeEntryNotFound
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeGatedRepo
	case status >= 400 && status < 500:
		return CodeBadRequest
	default:
		return CodeServerError
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteJSONOK writes a 200 OK JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
