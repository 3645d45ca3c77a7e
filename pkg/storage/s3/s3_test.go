package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

func TestParseURI(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		bucket, key, err := ParseURI("s3://hub/lakefs/repo/object-abc")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if bucket != "hub" {
			t.Errorf("Expected bucket 'hub', got %q", bucket)
		}
		if key != "lakefs/repo/object-abc" {
			t.Errorf("Expected key 'lakefs/repo/object-abc', got %q", key)
		}
	})

	t.Run("missing scheme", func(t *testing.T) {
		if _, _, err := ParseURI("http://hub/key"); err == nil {
			t.Error("Expected error for non-s3 URI")
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, _, err := ParseURI("s3://hub"); err == nil {
			t.Error("Expected error for URI without key")
		}
	})
}

func TestHexToBase64(t *testing.T) {
	// sha256 of empty string
	const emptySHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	got, err := hexToBase64(emptySHA)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	if _, err := hexToBase64("zz"); err == nil {
		t.Error("Expected error for invalid hex")
	}
}

func TestCalculateBackoff(t *testing.T) {
	c := &Client{retry: retryConfig{
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        2 * time.Second,
		backoffMultiplier: 2.0,
	}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, 2 * time.Second}, // capped at maxBackoff
	}

	for _, tt := range tests {
		if got := c.calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("op: %w", context.DeadlineExceeded), false},
		{"net timeout", timeoutError{}, true},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, true},
		{"internal error", &smithy.GenericAPIError{Code: "InternalError"}, true},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"generic", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed NoSuchKey", &types.NoSuchKey{}, true},
		{"typed NotFound", &types.NotFound{}, true},
		{"api code", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"status message", errors.New("operation error S3: HeadObject, https response error StatusCode: 404"), true},
		{"other", errors.New("AccessDenied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFoundError(tt.err); got != tt.want {
				t.Errorf("isNotFoundError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
