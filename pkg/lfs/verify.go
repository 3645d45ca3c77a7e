package lfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// Verify confirms a finished upload: the object must sit at the
// canonical key with exactly the negotiated size. Success registers
// the sha in the history, which is what later batches dedup against.
func (e *Engine) Verify(ctx context.Context, oid string, size int64) error {
	if !ValidOID(oid) {
		return fmt.Errorf("%w: malformed oid %q", models.ErrBadRequest, oid)
	}

	info, err := e.ros.Head(ctx, KeyForOID(oid))
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return fmt.Errorf("lfs object %s was never uploaded: %w", oid, models.ErrEntryNotFound)
		}
		return err
	}
	if info.Size != size {
		return fmt.Errorf("%w: lfs object %s holds %d bytes, client announced %d", models.ErrBadRequest, oid, info.Size, size)
	}

	return e.store.RecordLFSObject(ctx, oid, size)
}

// CompleteMultipart assembles the uploaded parts of a negotiated
// multipart plan, drops its staging row, and registers the object.
// The uploadID must match an open staging row; completing twice, or
// completing an upload the reaper already aborted, is ErrEntryNotFound.
func (e *Engine) CompleteMultipart(ctx context.Context, uploadID, oid string, parts []s3.CompletedPart) error {
	staged, err := e.store.GetStagingUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if oid != "" && oid != staged.SHA256 {
		return fmt.Errorf("%w: oid %s does not match the negotiated upload", models.ErrBadRequest, oid)
	}

	if err := e.ros.MultipartComplete(ctx, staged.Key, uploadID, parts); err != nil {
		return err
	}

	if err := e.store.DeleteStagingUpload(ctx, uploadID); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
		logger.WarnCtx(ctx, "Failed to drop staging row after multipart completion", "key", staged.Key, "error", err)
	}
	return e.store.RecordLFSObject(ctx, staged.SHA256, staged.Size)
}

// AbortUpload cancels a negotiated multipart upload and frees its
// staging row. The staging reaper calls this for uploads whose client
// never came back.
func (e *Engine) AbortUpload(ctx context.Context, uploadID string) error {
	staged, err := e.store.GetStagingUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := e.ros.MultipartAbort(ctx, staged.Key, uploadID); err != nil {
		return err
	}
	return e.store.DeleteStagingUpload(ctx, uploadID)
}
