package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Head returns object metadata, or ErrObjectNotFound.
func (c *Client) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	var out *s3.HeadObjectOutput

	err := c.withRetry(ctx, "HeadObject", func() error {
		var err error
		out, err = c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to head %s: %w", key, err)
	}

	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Exists reports whether the object is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns a reader for the object. rng, when non-empty, is an HTTP Range
// header value such as "bytes=0-1023". The caller must close the reader.
func (c *Client) Get(ctx context.Context, key, rng string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rng != "" {
		input.Range = aws.String(rng)
	}

	var out *s3.GetObjectOutput
	err := c.withRetry(ctx, "GetObject", func() error {
		var err error
		out, err = c.api.GetObject(ctx, input)
		return err
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return out.Body, nil
}

// Put stores body at key. size must match the body length; -1 lets the SDK
// buffer and compute it.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	// No retry loop: the body reader cannot be rewound after a failed attempt.
	if _, err := c.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Copy server-side copies an object within the hub bucket.
func (c *Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	return c.CopyFrom(ctx, c.bucket, srcKey, dstKey)
}

// CopyFrom server-side copies an object from any bucket into the hub bucket.
func (c *Client) CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	err := c.withRetry(ctx, "CopyObject", func() error {
		_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(c.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(srcBucket + "/" + srcKey),
		})
		return err
	})
	if err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.withRetry(ctx, "DeleteObject", func() error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix in batches of up to 1000.
// Returns the number of objects deleted.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete under %s: %w", prefix, err)
		}
		deleted += len(objects) - len(out.Errors)
		for _, derr := range out.Errors {
			if derr.Key != nil && derr.Message != nil {
				return deleted, fmt.Errorf("failed to delete %s: %s", *derr.Key, *derr.Message)
			}
		}
	}

	return deleted, nil
}

// List returns up to max objects under prefix, oldest-first by key. A zero
// max lists everything.
func (c *Client) List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error) {
	var infos []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.ETag != nil {
				info.ETag = *obj.ETag
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)

			if max > 0 && len(infos) >= max {
				return infos, nil
			}
		}
	}

	return infos, nil
}

