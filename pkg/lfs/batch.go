package lfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// BatchRequest is the body of a git-lfs batch call.
type BatchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers,omitempty"`
	Objects   []BatchObject `json:"objects"`
	HashAlgo  string        `json:"hash_algo,omitempty"`
}

// BatchObject identifies one object of a batch call.
type BatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchResponse is the negotiated transfer plan.
type BatchResponse struct {
	Transfer string          `json:"transfer"`
	Objects  []*ObjectResult `json:"objects"`
}

// ObjectResult carries the actions, or the per-object error, for one
// requested object. An empty actions object means the store already
// holds the bytes and the client has nothing to transfer.
type ObjectResult struct {
	OID           string             `json:"oid"`
	Size          int64              `json:"size"`
	Authenticated bool               `json:"authenticated,omitempty"`
	Actions       map[string]*Action `json:"actions"`
	Error         *ObjectError       `json:"error,omitempty"`
}

// Action is one hypermedia link of an object result.
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitzero"`
}

// ObjectError reports a per-object failure inside an otherwise
// successful batch response.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Batch answers one batch negotiation for repo. authenticated sets the
// per-object authenticated flag. Per-object problems are reported
// inline; a returned error means the whole batch failed.
func (e *Engine) Batch(ctx context.Context, repo *models.Repository, req *BatchRequest, authenticated bool) (*BatchResponse, error) {
	switch req.Operation {
	case "upload", "download":
	default:
		return nil, fmt.Errorf("%w: unsupported batch operation %q", models.ErrBadRequest, req.Operation)
	}

	resp := &BatchResponse{
		Transfer: "basic",
		Objects:  make([]*ObjectResult, 0, len(req.Objects)),
	}
	for _, obj := range req.Objects {
		result, err := e.negotiate(ctx, repo, req.Operation, obj, authenticated)
		if err != nil {
			return nil, err
		}
		resp.Objects = append(resp.Objects, result)
	}
	return resp, nil
}

func (e *Engine) negotiate(ctx context.Context, repo *models.Repository, op string, obj BatchObject, authenticated bool) (*ObjectResult, error) {
	result := &ObjectResult{
		OID:           obj.OID,
		Size:          obj.Size,
		Authenticated: authenticated,
		Actions:       map[string]*Action{},
	}
	if !ValidOID(obj.OID) {
		result.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: "oid must be a lowercase sha256 hex digest"}
		return result, nil
	}
	if obj.Size < 0 {
		result.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: "size must be non-negative"}
		return result, nil
	}

	key := KeyForOID(obj.OID)
	if op == "download" {
		return e.negotiateDownload(ctx, key, result)
	}

	// Dedup: a sha the hub already holds needs no transfer at all.
	known, err := e.objectKnown(ctx, key, obj)
	if err != nil {
		return nil, err
	}
	if known {
		if err := e.store.RecordLFSObject(ctx, obj.OID, obj.Size); err != nil {
			return nil, err
		}
		return result, nil
	}

	if obj.Size <= MaxSinglePutBytes {
		// No signed checksum header on the PUT: hub clients send the
		// presigned URL bare, and verify re-checks what landed anyway.
		href, err := e.ros.PresignPut(ctx, key, "", 0)
		if err != nil {
			return nil, err
		}
		result.Actions["upload"] = e.presignedAction(href, nil)
		result.Actions["verify"] = &Action{Href: e.verifyURL(repo)}
		return result, nil
	}

	actions, err := e.multipartPlan(ctx, repo, obj, key)
	if err != nil {
		return nil, err
	}
	result.Actions = actions
	return result, nil
}

func (e *Engine) negotiateDownload(ctx context.Context, key string, result *ObjectResult) (*ObjectResult, error) {
	info, err := e.ros.Head(ctx, key)
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			result.Error = &ObjectError{Code: http.StatusNotFound, Message: "object not found"}
			return result, nil
		}
		return nil, err
	}

	href, err := e.ros.PresignGet(ctx, key, "", 0)
	if err != nil {
		return nil, err
	}
	result.Size = info.Size
	result.Actions["download"] = e.presignedAction(href, nil)
	return result, nil
}

// objectKnown reports whether the sha is registered with a matching
// size and its bytes are actually present in the raw store. A stale
// history row without bytes forces a re-upload instead of a dedup hit.
func (e *Engine) objectKnown(ctx context.Context, key string, obj BatchObject) (bool, error) {
	hist, err := e.store.GetLFSObject(ctx, obj.OID)
	if err != nil {
		if errors.Is(err, models.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	if hist.Size != obj.Size {
		return false, nil
	}
	return e.ros.Exists(ctx, key)
}

// multipartPlan opens a multipart upload and shapes the action the way
// hub clients consume it: per-part URLs under digit keys "1".."N" in
// header next to chunk_size, with the completion endpoint as href. The
// staging row lets the reaper abort the upload if the client walks away.
func (e *Engine) multipartPlan(ctx context.Context, repo *models.Repository, obj BatchObject, key string) (map[string]*Action, error) {
	parts := int((obj.Size + PartSize - 1) / PartSize)
	if parts > maxParts {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d-part multipart limit", models.ErrBadRequest, obj.Size, maxParts)
	}

	uploadID, err := e.ros.MultipartCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	header := make(map[string]string, parts+1)
	header["chunk_size"] = strconv.FormatInt(PartSize, 10)
	for n := 1; n <= parts; n++ {
		href, err := e.ros.PresignUploadPart(ctx, key, uploadID, int32(n), 0)
		if err != nil {
			e.abandonMultipart(ctx, key, uploadID)
			return nil, err
		}
		header[strconv.Itoa(n)] = href
	}

	if err := e.store.CreateStagingUpload(ctx, &models.StagingUpload{
		UploadID:     uploadID,
		RepositoryID: repo.ID,
		Key:          key,
		Size:         obj.Size,
		SHA256:       obj.OID,
	}); err != nil {
		e.abandonMultipart(ctx, key, uploadID)
		return nil, err
	}

	completion := fmt.Sprintf("%s.git/info/lfs/complete-multipart?uploadId=%s",
		e.repoURL(repo), url.QueryEscape(uploadID))
	return map[string]*Action{
		"upload": e.presignedAction(completion, header),
		"verify": {Href: e.verifyURL(repo)},
	}, nil
}

func (e *Engine) presignedAction(href string, header map[string]string) *Action {
	return &Action{
		Href:      href,
		Header:    header,
		ExpiresAt: time.Now().Add(e.ros.PresignExpiry()).UTC(),
	}
}

func (e *Engine) abandonMultipart(ctx context.Context, key, uploadID string) {
	if err := e.ros.MultipartAbort(ctx, key, uploadID); err != nil {
		logger.WarnCtx(ctx, "Failed to abort multipart upload", "key", key, "error", err)
	}
}
