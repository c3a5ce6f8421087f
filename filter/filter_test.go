package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesImplicitEquality(t *testing.T) {
	doc := map[string]interface{}{"status": "open"}
	ok, err := Matches(doc, Filter{"status": "open"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesComparisonOperators(t *testing.T) {
	doc := map[string]interface{}{"total": float64(42)}
	ok, err := Matches(doc, Filter{"total": map[string]interface{}{"$gte": float64(40), "$lt": float64(50)}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesAndOrNor(t *testing.T) {
	doc := map[string]interface{}{"a": float64(1), "b": float64(2)}

	ok, _ := Matches(doc, Filter{"$and": []interface{}{
		map[string]interface{}{"a": float64(1)},
		map[string]interface{}{"b": float64(2)},
	}})
	assert.True(t, ok)

	ok, _ = Matches(doc, Filter{"$or": []interface{}{
		map[string]interface{}{"a": float64(9)},
		map[string]interface{}{"b": float64(2)},
	}})
	assert.True(t, ok)

	ok, _ = Matches(doc, Filter{"$nor": []interface{}{
		map[string]interface{}{"a": float64(9)},
	}})
	assert.True(t, ok)
}

func TestMatchesExistsAndType(t *testing.T) {
	doc := map[string]interface{}{"name": "bob"}
	ok, _ := Matches(doc, Filter{"name": map[string]interface{}{"$exists": true}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"missing": map[string]interface{}{"$exists": false}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"name": map[string]interface{}{"$type": "string"}})
	assert.True(t, ok)
}

func TestMatchesStringOperators(t *testing.T) {
	doc := map[string]interface{}{"name": "hello world"}
	ok, _ := Matches(doc, Filter{"name": map[string]interface{}{"$startsWith": "hello"}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"name": map[string]interface{}{"$endsWith": "world"}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"name": map[string]interface{}{"$contains": "lo wo"}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"name": map[string]interface{}{"$regex": "^hello", "$options": ""}})
	assert.True(t, ok)
}

func TestMatchesArrayOperators(t *testing.T) {
	doc := map[string]interface{}{"tags": []interface{}{"a", "b", "c"}}
	ok, _ := Matches(doc, Filter{"tags": map[string]interface{}{"$all": []interface{}{"a", "c"}}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"tags": map[string]interface{}{"$size": float64(3)}})
	assert.True(t, ok)

	doc2 := map[string]interface{}{"items": []interface{}{
		map[string]interface{}{"qty": float64(5)},
	}}
	ok, _ = Matches(doc2, Filter{"items": map[string]interface{}{"$elemMatch": map[string]interface{}{"qty": map[string]interface{}{"$gt": float64(1)}}}})
	assert.True(t, ok)
}

func TestNestedPathAccess(t *testing.T) {
	doc := map[string]interface{}{"address": map[string]interface{}{"city": "Berlin"}}
	ok, _ := Matches(doc, Filter{"address.city": "Berlin"})
	assert.True(t, ok)
}

func TestMakePredicateRejectsForbiddenKeyAnywhere(t *testing.T) {
	_, err := MakePredicate(Filter{"a": map[string]interface{}{"__proto__": map[string]interface{}{"x": 1}}})
	assert.Error(t, err)

	_, err = MakePredicate(Filter{"$and": []interface{}{
		map[string]interface{}{"constructor": "x"},
	}})
	assert.Error(t, err)
}

func TestFieldLevelNotNegatesInnerOperator(t *testing.T) {
	ok, err := Matches(map[string]interface{}{"score": float64(50)}, Filter{"score": map[string]interface{}{"$not": map[string]interface{}{"$gt": float64(75)}}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(map[string]interface{}{"score": float64(100)}, Filter{"score": map[string]interface{}{"$not": map[string]interface{}{"$gt": float64(75)}}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInNin(t *testing.T) {
	doc := map[string]interface{}{"status": "open"}
	ok, _ := Matches(doc, Filter{"status": map[string]interface{}{"$in": []interface{}{"open", "closed"}}})
	assert.True(t, ok)
	ok, _ = Matches(doc, Filter{"status": map[string]interface{}{"$nin": []interface{}{"closed"}}})
	assert.True(t, ok)
}
