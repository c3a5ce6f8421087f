package objstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evalgo-org/storedb/dberr"
)

// FSStore implements Store over a local filesystem root, grounded on the
// teacher's directory-creation conventions in storage/s3aws.go's
// MinioGetObject (os.MkdirAll before writing). Useful for local development
// and for tests that want a real filesystem rather than an in-memory map.
//
// Conditional writes are serialized by a single mutex: FSStore does not
// attempt lock-free filesystem tricks, since the spec only requires that an
// in-memory test backend behave atomically, and a single-process mutex is
// sufficient for a local-disk development backend.
type FSStore struct {
	mu   sync.Mutex
	root string
}

// NewFSStore roots a store at dir, creating it if necessary.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "creating root directory %q", dir)
	}
	return &FSStore{root: dir}, nil
}

func (f *FSStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return nil, dberr.Wrap(dberr.KindReadError, err, "reading %q", key)
	}
	return data, nil
}

func (f *FSStore) GetRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	if err := validateRange(offset, length); err != nil {
		return nil, err
	}
	file, err := os.Open(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return nil, dberr.Wrap(dberr.KindReadError, err, "opening %q", key)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "stat %q", key)
	}
	if offset >= info.Size() {
		return nil, dberr.New(dberr.KindReadError, "range offset %d beyond object size %d", offset, info.Size())
	}
	end := offset + length
	if end > info.Size() {
		end = info.Size()
	}

	buf := make([]byte, end-offset)
	if _, err := file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, dberr.Wrap(dberr.KindReadError, err, "reading range of %q", key)
	}
	return buf, nil
}

func (f *FSStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	info, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectMeta{}, dberr.New(dberr.KindNotFound, "key %q not found", key)
		}
		return ObjectMeta{}, dberr.Wrap(dberr.KindBackendUnavailable, err, "stat %q", key)
	}
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return ObjectMeta{}, dberr.Wrap(dberr.KindReadError, err, "reading %q for etag", key)
	}
	return ObjectMeta{Key: key, Size: info.Size(), ETag: etagOf(data)}, nil
}

func (f *FSStore) Put(_ context.Context, key string, body io.Reader, size int64, opts PutOptions) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "reading put body for %q", key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	full := f.path(key)
	existing, statErr := os.Stat(full)
	exists := statErr == nil

	if opts.IfNoneMatch == "*" && exists {
		return "", dberr.New(dberr.KindAlreadyExists, "key %q already exists", key)
	}
	if opts.IfMatch != "" {
		if !exists {
			return "", dberr.New(dberr.KindCommitConflict, "key %q does not exist for if-match write", key)
		}
		current, err := os.ReadFile(full)
		if err != nil {
			return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "reading %q for if-match check", key)
		}
		if etagOf(current) != opts.IfMatch {
			return "", dberr.New(dberr.KindCommitConflict, "key %q etag mismatch", key)
		}
	}
	_ = existing

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "creating parent directory for %q", key)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", dberr.Wrap(dberr.KindBackendUnavailable, err, "writing %q", key)
	}
	return etagOf(data), nil
}

func (f *FSStore) Delete(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return dberr.Wrap(dberr.KindBackendUnavailable, err, "deleting %q", key)
		}
	}
	return nil
}

func (f *FSStore) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	matched := make([]string, 0)
	walkRoot := f.root
	err := filepath.WalkDir(walkRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(walkRoot, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, dberr.Wrap(dberr.KindBackendUnavailable, err, "listing prefix %q", prefix)
	}
	sort.Strings(matched)

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = len(matched)
	}
	start := 0
	if opts.ContinuationToken != "" {
		for i, k := range matched {
			if k > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + maxKeys
	truncated := end < len(matched)
	if end > len(matched) {
		end = len(matched)
	}

	result := ListResult{Objects: make([]ObjectMeta, 0, end-start), Truncated: truncated}
	for _, key := range matched[start:end] {
		info, err := os.Stat(filepath.Join(walkRoot, filepath.FromSlash(key)))
		if err != nil {
			continue
		}
		result.Objects = append(result.Objects, ObjectMeta{Key: key, Size: info.Size()})
	}
	if truncated {
		result.ContinuationToken = matched[end-1]
	}
	return result, nil
}
