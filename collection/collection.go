// Package collection implements the top-level CRUD facade: find/get/
// create/update/delete operations over a namespace, accepting entity IDs
// in either "namespace/local" or bare-local form, applying MongoDB-style
// update operators through the filter package, and validating every
// incoming document against the prototype-pollution guard before it
// reaches the commit log. Grounded on the teacher's service-layer
// structs that wrap a storage client with domain-specific validation
// before delegating to it.
package collection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo-org/storedb/codec"
	"github.com/evalgo-org/storedb/commit"
	"github.com/evalgo-org/storedb/common"
	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/filter"
	"github.com/evalgo-org/storedb/objstore"
	"github.com/evalgo-org/storedb/query"
)

// Collection is a CRUD façade bound to one namespace.
type Collection struct {
	Namespace string
	Schema    entity.Schema
	commit    *commit.Engine
	store     objstore.Store
	executor  *query.Executor
	idx       query.IndexSet
	now       func() int64
}

// New builds a Collection over an already-wired commit engine and
// executor. store must be the same object store the commit engine and
// executor were built on.
func New(ns string, schema entity.Schema, commitEngine *commit.Engine, store objstore.Store, executor *query.Executor, idx query.IndexSet) *Collection {
	return &Collection{
		Namespace: ns, Schema: schema, commit: commitEngine, store: store, executor: executor, idx: idx,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// entityVersion reads row's version field, tolerating the int64 a
// freshly-created row carries in memory and the float64 json.Unmarshal
// produces once it has round-tripped through a committed Parquet file.
func entityVersion(row map[string]interface{}) int64 {
	switch v := row[entity.FieldVersion].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (c *Collection) resolveID(raw string) entity.ID {
	return entity.ParseID(raw, c.Namespace)
}

// Find runs f against the collection, applying opts to shape the result.
func (c *Collection) Find(ctx context.Context, f filter.Filter, opts query.Options) (*query.Result, error) {
	if err := query.ValidateOptions(opts); err != nil {
		return nil, err
	}
	return c.executor.Execute(ctx, c.Namespace, c.Schema, c.idx, f, opts)
}

// FindOne runs Find with Limit=1 and returns the first row, if any.
func (c *Collection) FindOne(ctx context.Context, f filter.Filter) (map[string]interface{}, bool, error) {
	res, err := c.Find(ctx, f, query.Options{Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(res.Rows) == 0 {
		return nil, false, nil
	}
	return res.Rows[0], true, nil
}

// Get looks up a single entity by ID, accepted in either namespace-
// qualified or bare-local form.
func (c *Collection) Get(ctx context.Context, rawID string) (map[string]interface{}, bool, error) {
	id := c.resolveID(rawID)
	return c.FindOne(ctx, filter.Filter{"$id": id.String()})
}

// Exists reports whether an entity with the given ID is present.
func (c *Collection) Exists(ctx context.Context, rawID string) (bool, error) {
	_, found, err := c.Get(ctx, rawID)
	return found, err
}

// Count returns the number of entities matching f.
func (c *Collection) Count(ctx context.Context, f filter.Filter) (int, error) {
	res, err := c.Find(ctx, f, query.Options{})
	if err != nil {
		return 0, err
	}
	return len(res.Rows), nil
}

// Create validates and inserts a single entity, assigning a generated ID
// when the caller didn't supply one.
func (c *Collection) Create(ctx context.Context, doc map[string]interface{}) (string, error) {
	ids, err := c.CreateMany(ctx, []map[string]interface{}{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateMany validates and inserts multiple entities in a single commit.
func (c *Collection) CreateMany(ctx context.Context, docs []map[string]interface{}) ([]string, error) {
	if len(docs) == 0 {
		return nil, dberr.New(dberr.KindInvalidInput, "no documents to create")
	}

	ids := make([]string, len(docs))
	rows := make([]map[string]interface{}, len(docs))
	now := c.now()
	for i, doc := range docs {
		if err := filter.ValidateTree(doc); err != nil {
			return nil, err
		}
		localID, _ := doc[entity.FieldID].(string)
		if localID == "" {
			localID = uuid.NewString()
		}
		id := c.resolveID(localID)
		doc = cloneWithID(doc, id.String())
		if _, ok := doc[entity.FieldType]; !ok {
			doc[entity.FieldType] = c.Namespace
		}
		doc[entity.FieldVersion] = int64(1)
		doc[entity.FieldCreatedAt] = now
		doc[entity.FieldUpdatedAt] = now
		ids[i] = id.String()
		rows[i] = doc
	}

	readVersion, err := c.commit.CurrentVersion(ctx, c.Namespace)
	if err != nil {
		return nil, err
	}
	_, err = c.commit.Commit(ctx, commit.CommitRequest{
		Namespace:   c.Namespace,
		ReadVersion: readVersion,
		Operation:   entity.OperationWrite,
		NewFiles:    []commit.StagedFile{{Rows: rows, Schema: c.Schema}},
	})
	if err != nil {
		return nil, err
	}
	common.NamespaceLogger(c.Namespace, "create").Infof("created %d entities", len(ids))
	return ids, nil
}

func cloneWithID(doc map[string]interface{}, id string) map[string]interface{} {
	out := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[entity.FieldID] = id
	return out
}

// Update applies update to every entity matching f, rewriting the
// namespace's files to reflect the change as a single commit.
func (c *Collection) Update(ctx context.Context, f filter.Filter, update filter.Update) (int, error) {
	return c.updateMatching(ctx, f, update, nil)
}

// UpdateMany is an alias of Update kept for symmetry with the rest of
// the façade's *Many naming convention; the store applies updates to
// every matching document regardless of which method is called.
func (c *Collection) UpdateMany(ctx context.Context, f filter.Filter, update filter.Update) (int, error) {
	return c.updateMatching(ctx, f, update, nil)
}

// UpdateByID applies update to the single entity identified by rawID,
// the `update(ns, id, update_doc, {expected_version})` form of C10. When
// expectedVersion is non-nil, the update is rejected with a commit-
// conflict error unless the entity's current version matches it exactly
// — the per-entity OCC check named by the store's concurrency semantics.
func (c *Collection) UpdateByID(ctx context.Context, rawID string, update filter.Update, expectedVersion *int64) error {
	id := c.resolveID(rawID)
	n, err := c.updateMatching(ctx, filter.Filter{"$id": id.String()}, update, expectedVersion)
	if err != nil {
		return err
	}
	if n == 0 {
		return dberr.New(dberr.KindNotFound, "entity %q not found in %q", rawID, c.Namespace)
	}
	return nil
}

func (c *Collection) updateMatching(ctx context.Context, f filter.Filter, update filter.Update, expectedVersion *int64) (int, error) {
	readVersion, err := c.commit.CurrentVersion(ctx, c.Namespace)
	if err != nil {
		return 0, err
	}
	snap, err := c.commit.Snapshot(ctx, c.Namespace, readVersion)
	if err != nil {
		return 0, err
	}

	pred, err := filter.MakePredicate(f)
	if err != nil {
		return 0, err
	}

	now := c.now()
	updated := 0
	var rewritten []commit.StagedFile
	var removed []string
	for _, path := range snap.Files {
		rows, err := c.readRows(ctx, path)
		if err != nil {
			return 0, err
		}
		changed := false
		for i, row := range rows {
			if !pred(row) {
				continue
			}
			curVersion := entityVersion(row)
			if expectedVersion != nil && curVersion != *expectedVersion {
				return 0, dberr.New(dberr.KindCommitConflict,
					"entity %q: expected version %d but found %d", row[entity.FieldID], *expectedVersion, curVersion)
			}
			if err := filter.ApplyUpdate(row, update); err != nil {
				return 0, err
			}
			row[entity.FieldVersion] = curVersion + 1
			row[entity.FieldUpdatedAt] = now
			rows[i] = row
			changed = true
			updated++
		}
		if changed {
			removed = append(removed, path)
			rewritten = append(rewritten, commit.StagedFile{Rows: rows, Schema: c.Schema})
		}
	}

	if updated == 0 {
		return 0, nil
	}

	_, err = c.commit.Commit(ctx, commit.CommitRequest{
		Namespace:   c.Namespace,
		ReadVersion: readVersion,
		Operation:   entity.OperationWrite,
		NewFiles:    rewritten,
		RemovePaths: removed,
	})
	if err != nil {
		return 0, err
	}
	common.NamespaceLogger(c.Namespace, "update").Infof("updated %d entities", updated)
	return updated, nil
}

func (c *Collection) readRows(ctx context.Context, path string) ([]map[string]interface{}, error) {
	data, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return codec.ReadAll(data)
}

// Delete hard-deletes every entity matching f.
func (c *Collection) Delete(ctx context.Context, f filter.Filter) (int, error) {
	return c.DeleteMany(ctx, f)
}

// DeleteMany hard-deletes every entity matching f in a single commit.
func (c *Collection) DeleteMany(ctx context.Context, f filter.Filter) (int, error) {
	pred, err := filter.MakePredicate(f)
	if err != nil {
		return 0, err
	}
	before, err := c.Count(ctx, f)
	if err != nil {
		return 0, err
	}
	if before == 0 {
		return 0, nil
	}
	_, err = c.commit.HardDeleteEntities(ctx, c.Namespace, c.Schema, func(row map[string]interface{}) bool {
		return !pred(row)
	})
	if err != nil {
		return 0, err
	}
	common.NamespaceLogger(c.Namespace, "delete").Infof("deleted %d entities", before)
	return before, nil
}

// DeleteByID hard-deletes the single entity identified by rawID, the
// `delete(ns, id, {hard})` form of C10. hard must be true: the store
// keeps no tombstone state to serve a soft delete, the same limitation
// DeleteMany already carries for its bulk form.
func (c *Collection) DeleteByID(ctx context.Context, rawID string, hard bool) error {
	if !hard {
		return dberr.New(dberr.KindInvalidInput, "collection %q: soft delete is not supported, pass hard=true", c.Namespace)
	}
	id := c.resolveID(rawID)
	n, err := c.DeleteMany(ctx, filter.Filter{"$id": id.String()})
	if err != nil {
		return err
	}
	if n == 0 {
		return dberr.New(dberr.KindNotFound, "entity %q not found in %q", rawID, c.Namespace)
	}
	return nil
}

// ListSnapshots returns every committed version number for the collection.
func (c *Collection) ListSnapshots(ctx context.Context) ([]int64, error) {
	return c.commit.ListSnapshots(ctx, c.Namespace)
}

// Compact rewrites small files into larger ones per opts.
func (c *Collection) Compact(ctx context.Context, opts commit.CompactOptions) error {
	_, err := c.commit.Compact(ctx, c.Namespace, c.Schema, opts)
	return err
}
