// Package objstore exposes a key-addressed byte store with conditional
// writes over a flat key space, the single primitive the commit engine
// needs to implement optimistic concurrency control. Implementations are
// grounded on the teacher's storage package (multi-cloud S3-compatible
// upload/sync code in storage/s3aws.go), adapted from upload/sync
// semantics to the conditional-put contract this store requires.
package objstore

import (
	"context"
	"io"

	"github.com/evalgo-org/storedb/dberr"
)

// ObjectMeta is returned by Head and included in list results.
type ObjectMeta struct {
	Key  string
	Size int64
	ETag string
}

// PutOptions controls the conditional-write semantics of Put.
type PutOptions struct {
	// IfNoneMatch, when "*", makes the write create-only: it fails with
	// dberr.AlreadyExists if the key already exists.
	IfNoneMatch string
	// IfMatch, when set, makes the write a replace-only write: it fails
	// with dberr.CommitConflict if the key's current ETag differs.
	IfMatch string
}

// ListOptions bounds a prefix listing.
type ListOptions struct {
	MaxKeys           int
	ContinuationToken string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Objects           []ObjectMeta
	Truncated         bool
	ContinuationToken string
}

// Store is the key-addressed byte store every other component is built on.
// Every method returns a *dberr.Error of the appropriate kind on failure.
type Store interface {
	// Get returns the full contents of key, or dberr.NotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange returns length bytes of key starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Head returns size/etag metadata without fetching the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Put writes bytes to key, honoring opts' conditional-write semantics.
	// Returns the resulting ETag.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (string, error)

	// Delete removes every key in keys; missing keys are not an error.
	Delete(ctx context.Context, keys []string) error

	// List enumerates keys under prefix.
	List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error)
}

// validateRange returns a dberr.InvalidInput error when a range read is
// given a non-sensical offset/length pair.
func validateRange(offset, length int64) error {
	if offset < 0 {
		return dberr.New(dberr.KindInvalidInput, "range offset must be >= 0, got %d", offset)
	}
	if length <= 0 {
		return dberr.New(dberr.KindInvalidInput, "range length must be > 0, got %d", length)
	}
	return nil
}
