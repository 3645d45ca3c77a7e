package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PresignGet returns a presigned download URL for a key in the hub bucket.
// filename, when non-empty, sets the Content-Disposition so browsers save
// the blob under its repository path instead of its content address.
func (c *Client) PresignGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	return c.PresignGetAt(ctx, c.bucket, key, filename, expiry)
}

// PresignGetAt presigns a download from an explicit bucket. Resolve uses it
// for physical addresses handed out by the versioned store, which may point
// at a different bucket than the hub default.
func (c *Client) PresignGetAt(ctx context.Context, bucket, key, filename string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = c.presignExpiry
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}

	req, err := c.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign get %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut returns a presigned single-shot upload URL. When sha256hex is
// non-empty the URL pins the payload to that digest, so the store itself
// rejects corrupted LFS uploads.
func (c *Client) PresignPut(ctx context.Context, key, sha256hex string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = c.presignExpiry
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if sha256hex != "" {
		checksum, err := hexToBase64(sha256hex)
		if err != nil {
			return "", fmt.Errorf("invalid sha256 %q: %w", sha256hex, err)
		}
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(checksum)
	}

	req, err := c.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign put %s: %w", key, err)
	}
	return req.URL, nil
}

// hexToBase64 re-encodes a hex digest as the base64 form S3 checksums use.
func hexToBase64(hexStr string) (string, error) {
	bin, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bin), nil
}
