package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIDAcceptsBothForms(t *testing.T) {
	id := ParseID("orders/42", "orders")
	assert.Equal(t, ID{Namespace: "orders", Local: "42"}, id)
	assert.Equal(t, "orders/42", id.String())

	bare := ParseID("42", "orders")
	assert.Equal(t, ID{Namespace: "orders", Local: "42"}, bare)
}

func TestSchemaIsDataVariant(t *testing.T) {
	variant := NewSchema([]struct {
		Name string
		Def  ColumnDef
	}{
		{"$id", ColumnDef{Type: ColumnString}},
		{"$data", ColumnDef{Type: ColumnString}},
	})
	assert.True(t, variant.IsDataVariant())

	multiColumn := NewSchema([]struct {
		Name string
		Def  ColumnDef
	}{
		{"name", ColumnDef{Type: ColumnString}},
		{"age", ColumnDef{Type: ColumnInt}},
	})
	assert.False(t, multiColumn.IsDataVariant())
}

func TestForbiddenKeys(t *testing.T) {
	assert.True(t, IsForbiddenKey("__proto__"))
	assert.True(t, IsForbiddenKey("constructor"))
	assert.True(t, IsForbiddenKey("prototype"))
	assert.False(t, IsForbiddenKey("name"))
}

func TestMVDefinitionIsAggregation(t *testing.T) {
	assert.False(t, MVDefinition{From: "orders"}.IsAggregation())
	assert.True(t, MVDefinition{From: "orders", GroupBy: []string{"status"}}.IsAggregation())
	assert.True(t, MVDefinition{From: "orders", Compute: map[string]interface{}{"total": "sum"}}.IsAggregation())
}
