package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evalgo-org/storedb/entity"
)

func dataVariantSchema() entity.Schema {
	return entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{"$id", entity.ColumnDef{Type: entity.ColumnString}},
		{"$data", entity.ColumnDef{Type: entity.ColumnString}},
	})
}

func TestDetectDataVariant(t *testing.T) {
	assert.True(t, DetectDataVariant(dataVariantSchema()))

	multi := entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{{"name", entity.ColumnDef{Type: entity.ColumnString}}})
	assert.False(t, DetectDataVariant(multi))
}

func TestGetDataVariantColumns(t *testing.T) {
	cols := GetDataVariantColumns(dataVariantSchema(), "status")
	assert.Equal(t, []string{"$id", "$data", "status"}, cols)

	multi := entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{{"name", entity.ColumnDef{Type: entity.ColumnString}}})
	assert.Nil(t, GetDataVariantColumns(multi))
}

func TestReconstructEntityOuterIDWins(t *testing.T) {
	row := map[string]interface{}{
		"$id":   "orders/1",
		"$data": `{"$id":"orders/stale","name":"Bob"}`,
	}
	e := ReconstructEntity(row)
	assert.Equal(t, "orders/1", e["$id"])
	assert.Equal(t, "Bob", e["name"])
}

func TestReconstructEntityFallsBackOnInvalidJSON(t *testing.T) {
	row := map[string]interface{}{"$id": "orders/1", "$data": "not json"}
	e := ReconstructEntity(row)
	assert.Equal(t, entity.Entity{"$id": "orders/1"}, e)
}

func TestReconstructEntityFallsBackOnNullData(t *testing.T) {
	row := map[string]interface{}{"$id": "orders/1", "$data": nil}
	e := ReconstructEntity(row)
	assert.Equal(t, entity.Entity{"$id": "orders/1"}, e)
}
