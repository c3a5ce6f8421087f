// Package commit implements the Delta-style transactional commit log: a
// namespace's history is an append-only sequence of zero-padded NDJSON
// files under "<namespace>/_delta_log/", each written with an
// ifNoneMatch="*" conditional put so that only one writer ever wins a
// given version number. Grounded on the teacher's retry/backoff pattern
// in storage/s3aws.go (retry.AddWithMaxAttempts) and its concurrent
// upload bookkeeping, adapted from "upload succeeds or doesn't" to
// "commit reserves the next version or loses the race and retries".
package commit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo-org/storedb/codec"
	"github.com/evalgo-org/storedb/common"
	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/objstore"
)

// Config tunes retry/backoff and compaction defaults; zero values are
// replaced by DefaultConfig's.
type Config struct {
	MaxRetries      int
	BaseBackoffMs   int
	MaxBackoffMs    int
	VacuumRetention int64 // seconds
}

// DefaultConfig mirrors the knobs named in the store's operational
// defaults: maxRetries=10, baseBackoffMs=50, maxBackoffMs=5000.
func DefaultConfig() Config {
	return Config{MaxRetries: 10, BaseBackoffMs: 50, MaxBackoffMs: 5000, VacuumRetention: 7 * 24 * 3600}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseBackoffMs <= 0 {
		c.BaseBackoffMs = d.BaseBackoffMs
	}
	if c.MaxBackoffMs <= 0 {
		c.MaxBackoffMs = d.MaxBackoffMs
	}
	if c.VacuumRetention <= 0 {
		c.VacuumRetention = d.VacuumRetention
	}
	return c
}

// NowFunc returns the current unix millis; overridable by tests.
type NowFunc func() int64

// Engine owns a namespace's commit log: version discovery, conflict
// detection and retry, compaction, hard deletes, and snapshot listing.
type Engine struct {
	store objstore.Store
	cfg   Config
	now   NowFunc
}

// New builds a commit Engine over store.
func New(store objstore.Store, cfg Config, now NowFunc) *Engine {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Engine{store: store, cfg: cfg.withDefaults(), now: now}
}

func logPath(ns string, version int64) string {
	return fmt.Sprintf("%s/_delta_log/%020d.json", ns, version)
}

func dataPath(ns, filename string) string {
	return fmt.Sprintf("%s/%s", ns, filename)
}

// CurrentVersion returns the highest committed version for ns, or -1 if
// the namespace has no commits yet.
func (e *Engine) CurrentVersion(ctx context.Context, ns string) (int64, error) {
	version := int64(-1)
	token := ""
	prefix := ns + "/_delta_log/"
	for {
		page, err := e.store.List(ctx, prefix, objstore.ListOptions{MaxKeys: 1000, ContinuationToken: token})
		if err != nil {
			return 0, err
		}
		for _, obj := range page.Objects {
			v, ok := parseLogVersion(prefix, obj.Key)
			if ok && v > version {
				version = v
			}
		}
		if !page.Truncated {
			break
		}
		token = page.ContinuationToken
	}
	return version, nil
}

func parseLogVersion(prefix, key string) (int64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	name := strings.TrimPrefix(key, prefix)
	name = strings.TrimSuffix(name, ".json")
	if len(name) != 20 {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(name, "%020d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// StagedFile is one data file to add as part of a commit.
type StagedFile struct {
	Rows   []map[string]interface{}
	Schema entity.Schema
}

// CommitRequest describes a logical write: new data files to stage plus
// any paths to mark removed, against a given read version.
type CommitRequest struct {
	Namespace   string
	ReadVersion int64
	Operation   string
	NewFiles    []StagedFile
	RemovePaths []string
}

// CommitResult reports the version a commit landed at.
type CommitResult struct {
	Version int64
	Added   []string
}

// Commit attempts to land req at req.ReadVersion+1, retrying on conflict
// with exponential backoff (min(baseBackoffMs*2^attempt, maxBackoffMs),
// scaled by a random jitter factor in [0.5, 1)) up to MaxRetries times. On a permanent failure it makes a
// best-effort attempt to delete any already-staged data files.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	readVersion := req.ReadVersion
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			cur, err := e.CurrentVersion(ctx, req.Namespace)
			if err != nil {
				return nil, err
			}
			readVersion = cur
		}

		// Each attempt stages its own fresh set of data files under new
		// uuid-named paths; only this attempt's staged files are at risk
		// of becoming orphans if it loses the race, so they are tracked
		// and cleaned up independently of any earlier attempt's files.
		staged := make([]string, 0, len(req.NewFiles))
		addActions := make([]entity.Action, 0, len(req.NewFiles))
		for _, sf := range req.NewFiles {
			filename := fmt.Sprintf("%s.parquet", uuid.NewString())
			body, err := codec.Write(sf.Rows, sf.Schema)
			if err != nil {
				e.cleanupStaged(ctx, staged)
				return nil, err
			}
			path := dataPath(req.Namespace, filename)
			if _, err := e.store.Put(ctx, path, bytes.NewReader(body), int64(len(body)), objstore.PutOptions{}); err != nil {
				e.cleanupStaged(ctx, staged)
				return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "staging data file %q", path)
			}
			staged = append(staged, path)
			addActions = append(addActions, entity.Action{Add: &entity.AddAction{
				Path: path, Size: int64(len(body)), ModificationTime: e.now(), DataChange: true,
			}})
		}

		actions := make([]entity.Action, 0, len(addActions)+len(req.RemovePaths)+1)
		actions = append(actions, addActions...)
		for _, p := range req.RemovePaths {
			actions = append(actions, entity.Action{Remove: &entity.RemoveAction{
				Path: p, ModificationTime: e.now(), DataChange: true,
			}})
		}
		actions = append(actions, entity.Action{Commit: &entity.CommitInfo{
			Timestamp: e.now(), Operation: req.Operation, ReadVersion: readVersion,
		}})

		body, err := encodeActions(actions)
		if err != nil {
			e.cleanupStaged(ctx, staged)
			return nil, err
		}

		nextVersion := readVersion + 1
		_, err = e.store.Put(ctx, logPath(req.Namespace, nextVersion), bytes.NewReader(body), int64(len(body)), objstore.PutOptions{IfNoneMatch: "*"})
		if err == nil {
			return &CommitResult{Version: nextVersion, Added: staged}, nil
		}
		if !dberr.IsAlreadyExists(err) {
			e.cleanupStaged(ctx, staged)
			return nil, err
		}

		// Lost the race for nextVersion: another writer landed first.
		// This attempt's staged files are now orphans regardless of
		// whether a later attempt succeeds, since the winning commit's
		// own actions will reference only its own freshly-staged files.
		e.cleanupStaged(ctx, staged)
		if attempt == e.cfg.MaxRetries {
			common.NamespaceLogger(req.Namespace, "commit").Errorf("commit did not land after %d attempts", e.cfg.MaxRetries+1)
			return nil, dberr.New(dberr.KindCommitConflict, "commit to %q did not land after %d attempts", req.Namespace, e.cfg.MaxRetries+1)
		}
		common.NamespaceLogger(req.Namespace, "commit").Warnf("lost race for version %d, retrying (attempt %d/%d)", nextVersion, attempt+1, e.cfg.MaxRetries)
		sleepBackoff(ctx, e.cfg, attempt)
	}
	return nil, dberr.New(dberr.KindCommitConflict, "commit to %q did not land", req.Namespace)
}

func sleepBackoff(ctx context.Context, cfg Config, attempt int) {
	delay := float64(cfg.BaseBackoffMs) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxBackoffMs) {
		delay = float64(cfg.MaxBackoffMs)
	}
	jitter := delay * (0.5 + rand.Float64()*0.5)
	timer := time.NewTimer(time.Duration(jitter) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Engine) cleanupStaged(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	_ = e.store.Delete(ctx, paths)
}

func encodeActions(actions []entity.Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range actions {
		if err := enc.Encode(a); err != nil {
			return nil, dberr.Wrap(dberr.KindInvalidInput, err, "encoding commit action")
		}
	}
	return buf.Bytes(), nil
}

func decodeActions(data []byte) ([]entity.Action, error) {
	var actions []entity.Action
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var a entity.Action
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, dberr.Wrap(dberr.KindReadError, err, "decoding commit action")
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "scanning commit log")
	}
	return actions, nil
}

// Snapshot reconstructs the live file set as of version (or the current
// version, when version < 0) by replaying every commit from 0.
func (e *Engine) Snapshot(ctx context.Context, ns string, version int64) (*entity.Snapshot, error) {
	if version < 0 {
		v, err := e.CurrentVersion(ctx, ns)
		if err != nil {
			return nil, err
		}
		version = v
	}
	if version < 0 {
		return &entity.Snapshot{Version: -1}, nil
	}

	live := make(map[string]bool)
	var lastTimestamp int64
	for v := int64(0); v <= version; v++ {
		data, err := e.store.Get(ctx, logPath(ns, v))
		if err != nil {
			if dberr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		actions, err := decodeActions(data)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			switch {
			case a.Add != nil:
				live[a.Add.Path] = true
			case a.Remove != nil:
				delete(live, a.Remove.Path)
			case a.Commit != nil:
				lastTimestamp = a.Commit.Timestamp
			}
		}
	}

	files := make([]string, 0, len(live))
	for f := range live {
		files = append(files, f)
	}
	sort.Strings(files)
	return &entity.Snapshot{Version: version, Timestamp: lastTimestamp, Files: files}, nil
}

// ListSnapshots returns every committed version number for ns in
// ascending order.
func (e *Engine) ListSnapshots(ctx context.Context, ns string) ([]int64, error) {
	var versions []int64
	token := ""
	prefix := ns + "/_delta_log/"
	for {
		page, err := e.store.List(ctx, prefix, objstore.ListOptions{MaxKeys: 1000, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			if v, ok := parseLogVersion(prefix, obj.Key); ok {
				versions = append(versions, v)
			}
		}
		if !page.Truncated {
			break
		}
		token = page.ContinuationToken
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// CompactOptions bounds how compaction groups small files together.
type CompactOptions struct {
	TargetFileSize int64
	MinFileSize    int64
}

// Compact merges every live file smaller than MinFileSize into one new
// file, committing the result as a single COMPACT operation; it does
// nothing when fewer than two files are below MinFileSize. TargetFileSize
// is not consulted: the merged output is one file whatever its size.
// Per the conservative resolution of the source's
// read-version question, compaction always reads against the version
// current at the start of planning, never a version advanced mid-run.
func (e *Engine) Compact(ctx context.Context, ns string, schema entity.Schema, opts CompactOptions) (*CommitResult, error) {
	planVersion, err := e.CurrentVersion(ctx, ns)
	if err != nil {
		return nil, err
	}
	snap, err := e.Snapshot(ctx, ns, planVersion)
	if err != nil {
		return nil, err
	}

	var small []string
	for _, f := range snap.Files {
		meta, err := e.store.Head(ctx, f)
		if err != nil {
			return nil, err
		}
		if meta.Size < opts.MinFileSize {
			small = append(small, f)
		}
	}
	if len(small) < 2 {
		return &CommitResult{Version: planVersion}, nil
	}
	common.NamespaceLogger(ns, "compact").Infof("merging %d small files below %d bytes", len(small), opts.MinFileSize)

	var allRows []map[string]interface{}
	for _, f := range small {
		data, err := e.store.Get(ctx, f)
		if err != nil {
			return nil, err
		}
		rows, err := codec.ReadAll(data)
		if err != nil {
			return nil, err
		}
		allRows = append(allRows, rows...)
	}

	req := CommitRequest{
		Namespace:   ns,
		ReadVersion: planVersion,
		Operation:   entity.OperationCompact,
		NewFiles:    []StagedFile{{Rows: allRows, Schema: schema}},
		RemovePaths: small,
	}
	return e.Commit(ctx, req)
}

// HardDeleteEntities removes entities matching keep==false for every live
// file, rewriting each affected file and committing a DELETE operation.
// keep receives a decoded row and reports whether it should survive.
func (e *Engine) HardDeleteEntities(ctx context.Context, ns string, schema entity.Schema, keep func(row map[string]interface{}) bool) (*CommitResult, error) {
	planVersion, err := e.CurrentVersion(ctx, ns)
	if err != nil {
		return nil, err
	}
	snap, err := e.Snapshot(ctx, ns, planVersion)
	if err != nil {
		return nil, err
	}

	var removed []string
	var rewritten []StagedFile
	anyChange := false
	for _, f := range snap.Files {
		data, err := e.store.Get(ctx, f)
		if err != nil {
			return nil, err
		}
		rows, err := codec.ReadAll(data)
		if err != nil {
			return nil, err
		}
		var survivors []map[string]interface{}
		changed := false
		for _, r := range rows {
			if keep(r) {
				survivors = append(survivors, r)
			} else {
				changed = true
			}
		}
		if !changed {
			continue
		}
		anyChange = true
		removed = append(removed, f)
		if len(survivors) > 0 {
			rewritten = append(rewritten, StagedFile{Rows: survivors, Schema: schema})
		}
	}

	if !anyChange {
		return &CommitResult{Version: planVersion}, nil
	}

	req := CommitRequest{
		Namespace:   ns,
		ReadVersion: planVersion,
		Operation:   entity.OperationDelete,
		NewFiles:    rewritten,
		RemovePaths: removed,
	}
	return e.Commit(ctx, req)
}

// Vacuum permanently deletes data files that a remove action took out of
// the live set and that no version newer than the retention cutoff still
// references. The cutoff is the latest commit's timestamp minus
// retentionSeconds; a removed file counts as last referenced at the
// timestamp of the version just before the one that removed it. Only
// files named by a remove action are considered: objects under the
// namespace that no commit ever referenced are neither listed nor deleted.
func (e *Engine) Vacuum(ctx context.Context, ns string, retentionSeconds int64) ([]string, error) {
	versions, err := e.ListSnapshots(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}

	live := make(map[string]bool)
	removedAt := make(map[string]int64)
	var nowTs int64
	for _, v := range versions {
		data, err := e.store.Get(ctx, logPath(ns, v))
		if err != nil {
			return nil, err
		}
		actions, err := decodeActions(data)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			switch {
			case a.Add != nil:
				live[a.Add.Path] = true
				delete(removedAt, a.Add.Path)
			case a.Remove != nil:
				delete(live, a.Remove.Path)
				// nowTs still holds the previous version's timestamp: the
				// last version whose live set included this file.
				removedAt[a.Remove.Path] = nowTs
			case a.Commit != nil:
				nowTs = a.Commit.Timestamp
			}
		}
	}

	var toDelete []string
	cutoff := nowTs - retentionSeconds*1000
	for path, removedTs := range removedAt {
		if removedTs <= cutoff {
			toDelete = append(toDelete, path)
		}
	}
	if len(toDelete) == 0 {
		return nil, nil
	}
	if err := e.store.Delete(ctx, toDelete); err != nil {
		return nil, err
	}
	sort.Strings(toDelete)
	common.NamespaceLogger(ns, "vacuum").Infof("deleted %d removed files past retention", len(toDelete))
	return toDelete, nil
}
