package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/storedb/entity"
)

func dataVariantSchema() entity.Schema {
	return entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{Name: "$id", Def: entity.ColumnDef{Type: entity.ColumnString}},
		{Name: "$data", Def: entity.ColumnDef{Type: entity.ColumnString}},
		{Name: "status", Def: entity.ColumnDef{Type: entity.ColumnString, Optional: true}},
	})
}

func TestWriteReadAllRoundTrip(t *testing.T) {
	schema := dataVariantSchema()
	rows := []map[string]interface{}{
		{"$id": "orders/1", "$data": `{"$id":"orders/1","amount":10}`, "status": "completed"},
		{"$id": "orders/2", "$data": `{"$id":"orders/2","amount":20}`, "status": "pending"},
	}

	data, err := Write(rows, schema)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := ReadAll(data)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := map[string]bool{}
	for _, row := range got {
		ids[row["$id"].(string)] = true
	}
	assert.True(t, ids["orders/1"])
	assert.True(t, ids["orders/2"])
}

func TestReadRowGroupsProjectsOnlyRequestedColumns(t *testing.T) {
	schema := dataVariantSchema()
	rows := []map[string]interface{}{
		{"$id": "orders/1", "$data": `{"amount":10}`, "status": "completed"},
	}
	data, err := Write(rows, schema)
	require.NoError(t, err)

	got, err := ReadRowGroups(data, []int{0}, []string{"$id", "$data"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "$id")
	assert.Contains(t, got[0], "$data")
	assert.NotContains(t, got[0], "status")
}

func TestReadRowGroupsOutOfRangeIsInvalidInput(t *testing.T) {
	schema := dataVariantSchema()
	data, err := Write([]map[string]interface{}{{"$id": "orders/1", "$data": "{}"}}, schema)
	require.NoError(t, err)

	_, err = ReadRowGroups(data, []int{5}, nil)
	assert.Error(t, err)
}

func TestReadMetadataReportsSchemaAndRowGroups(t *testing.T) {
	schema := dataVariantSchema()
	rows := []map[string]interface{}{
		{"$id": "orders/1", "$data": "{}", "status": "completed"},
		{"$id": "orders/2", "$data": "{}", "status": "completed"},
	}
	data, err := Write(rows, schema)
	require.NoError(t, err)

	md, err := ReadMetadata(data)
	require.NoError(t, err)
	require.Len(t, md.RowGroups, 1)
	assert.EqualValues(t, 2, md.RowGroups[0].NumRows)
	assert.Contains(t, md.RowGroups[0].Columns, "$id")
	assert.Contains(t, md.RowGroups[0].Columns, "$data")
}

func TestWriteWithBloomFiltersRoundTrip(t *testing.T) {
	schema := dataVariantSchema()
	rows := []map[string]interface{}{
		{"$id": "orders/1", "$data": "{}", "status": "completed"},
		{"$id": "orders/2", "$data": "{}", "status": "pending"},
	}
	data, err := WriteWithBloomFilters(rows, schema, []string{"status"})
	require.NoError(t, err)

	bf, err := GetBloomFilter(data, 0, "status")
	require.NoError(t, err)
	require.NotNil(t, bf)

	ok, err := bf.Check("completed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetBloomFilterMissingColumn(t *testing.T) {
	schema := dataVariantSchema()
	data, err := Write([]map[string]interface{}{{"$id": "orders/1", "$data": "{}"}}, schema)
	require.NoError(t, err)

	_, err = GetBloomFilter(data, 0, "nonexistent")
	assert.Error(t, err)
}

func TestUnsupportedColumnTypeIsSchemaMismatch(t *testing.T) {
	schema := entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{Name: "weird", Def: entity.ColumnDef{Type: "unsupported"}},
	})
	_, err := Write([]map[string]interface{}{{"weird": "x"}}, schema)
	assert.Error(t, err)
}
