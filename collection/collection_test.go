package collection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachepkg "github.com/evalgo-org/storedb/cache"
	"github.com/evalgo-org/storedb/commit"
	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/filter"
	"github.com/evalgo-org/storedb/objstore"
	"github.com/evalgo-org/storedb/query"
)

func ordersSchema() entity.Schema {
	return entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{"$id", entity.ColumnDef{Type: entity.ColumnString}},
		{"name", entity.ColumnDef{Type: entity.ColumnString}},
		{"total", entity.ColumnDef{Type: entity.ColumnFloat}},
	})
}

func versionedOrdersSchema() entity.Schema {
	return entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{"$id", entity.ColumnDef{Type: entity.ColumnString}},
		{entity.FieldType, entity.ColumnDef{Type: entity.ColumnString}},
		{entity.FieldVersion, entity.ColumnDef{Type: entity.ColumnInt}},
		{entity.FieldCreatedAt, entity.ColumnDef{Type: entity.ColumnInt}},
		{entity.FieldUpdatedAt, entity.ColumnDef{Type: entity.ColumnInt}},
		{"name", entity.ColumnDef{Type: entity.ColumnString}},
		{"total", entity.ColumnDef{Type: entity.ColumnFloat}},
	})
}

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	return newTestCollectionWithSchema(t, ordersSchema())
}

func newTestCollectionWithSchema(t *testing.T, schema entity.Schema) *Collection {
	t.Helper()
	store := objstore.NewMemStore()
	ce := commit.New(store, commit.Config{}, func() int64 { return 1 })
	c := cachepkg.New(store, cachepkg.DefaultConfig())
	ex := query.New(ce, c, nil, nil)
	return New("orders", schema, ce, store, ex, nil)
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	id, err := col.Create(ctx, map[string]interface{}{"name": "alice", "total": float64(10)})
	require.NoError(t, err)
	assert.Contains(t, id, "orders/")

	doc, found, err := col.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", doc["name"])
}

func TestCreateAcceptsBareLocalIDOnGet(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Create(ctx, map[string]interface{}{"$id": "explicit-1", "name": "bob"})
	require.NoError(t, err)

	doc, found, err := col.Get(ctx, "explicit-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bob", doc["name"])
}

func TestCreateRejectsForbiddenKey(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	_, err := col.Create(ctx, map[string]interface{}{"__proto__": map[string]interface{}{"x": 1}})
	assert.Error(t, err)
}

func TestUpdateMatchingRewritesFields(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.CreateMany(ctx, []map[string]interface{}{
		{"$id": "a", "name": "alice", "total": float64(10)},
		{"$id": "b", "name": "bob", "total": float64(20)},
	})
	require.NoError(t, err)

	n, err := col.Update(ctx, filter.Filter{"name": "bob"}, filter.Update{"$inc": map[string]interface{}{"total": float64(5)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, found, err := col.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(25), doc["total"])
}

func TestDeleteMatchingRemovesEntities(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.CreateMany(ctx, []map[string]interface{}{
		{"$id": "a", "name": "alice"},
		{"$id": "b", "name": "bob"},
	})
	require.NoError(t, err)

	n, err := col.Delete(ctx, filter.Filter{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := col.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = col.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCountAndListSnapshots(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.CreateMany(ctx, []map[string]interface{}{{"$id": "a"}, {"$id": "b"}})
	require.NoError(t, err)

	count, err := col.Count(ctx, filter.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	versions, err := col.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestCreateSetsVersionTypeAndTimestamps(t *testing.T) {
	ctx := context.Background()
	col := newTestCollectionWithSchema(t, versionedOrdersSchema())

	id, err := col.Create(ctx, map[string]interface{}{"name": "alice", "total": float64(10)})
	require.NoError(t, err)

	doc, found, err := col.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 1, entityVersion(doc))
	assert.Equal(t, "orders", doc[entity.FieldType])
	assert.NotNil(t, doc[entity.FieldCreatedAt])
	assert.NotNil(t, doc[entity.FieldUpdatedAt])
}

func TestUpdateByIDBumpsVersionAndEnforcesExpectedVersion(t *testing.T) {
	ctx := context.Background()
	col := newTestCollectionWithSchema(t, versionedOrdersSchema())

	id, err := col.Create(ctx, map[string]interface{}{"name": "alice", "total": float64(10)})
	require.NoError(t, err)

	wrong := int64(99)
	err = col.UpdateByID(ctx, id, filter.Update{"$set": map[string]interface{}{"total": float64(20)}}, &wrong)
	assert.True(t, dberr.IsCommitConflict(err), "expected a commit-conflict error, got %v", err)

	expected := int64(1)
	err = col.UpdateByID(ctx, id, filter.Update{"$set": map[string]interface{}{"total": float64(20)}}, &expected)
	require.NoError(t, err)

	doc, found, err := col.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(20), doc["total"])
	assert.EqualValues(t, 2, entityVersion(doc))
}

func TestUpdateByIDNotFound(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	err := col.UpdateByID(ctx, "missing", filter.Update{"$set": map[string]interface{}{"total": float64(1)}}, nil)
	assert.True(t, dberr.IsNotFound(err))
}

func TestDeleteByIDRequiresHardFlag(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	_, err := col.Create(ctx, map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	err = col.DeleteByID(ctx, "missing", false)
	assert.True(t, dberr.IsInvalidInput(err))
}

func TestDeleteByIDHardDeletesSingleEntity(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	id, err := col.Create(ctx, map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	err = col.DeleteByID(ctx, id, true)
	require.NoError(t, err)

	exists, err := col.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}
