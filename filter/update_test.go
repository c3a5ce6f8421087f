package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdateSet(t *testing.T) {
	doc := map[string]interface{}{"name": "a"}
	err := ApplyUpdate(doc, Update{"$set": map[string]interface{}{"name": "b", "nested.x": float64(1)}})
	require.NoError(t, err)
	assert.Equal(t, "b", doc["name"])
	nested, ok := doc["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), nested["x"])
}

func TestApplyUpdateUnset(t *testing.T) {
	doc := map[string]interface{}{"name": "a", "age": float64(1)}
	err := ApplyUpdate(doc, Update{"$unset": map[string]interface{}{"age": ""}})
	require.NoError(t, err)
	_, ok := doc["age"]
	assert.False(t, ok)
}

func TestApplyUpdateIncNestedAndTopLevel(t *testing.T) {
	doc := map[string]interface{}{"count": float64(1), "stats": map[string]interface{}{"views": float64(5)}}
	err := ApplyUpdate(doc, Update{"$inc": map[string]interface{}{"count": float64(2), "stats.views": float64(10)}})
	require.NoError(t, err)
	assert.Equal(t, float64(3), doc["count"])
	assert.Equal(t, float64(15), doc["stats"].(map[string]interface{})["views"])
}

func TestApplyUpdatePushPullAddToSet(t *testing.T) {
	doc := map[string]interface{}{"tags": []interface{}{"a"}}

	require.NoError(t, ApplyUpdate(doc, Update{"$push": map[string]interface{}{"tags": "b"}}))
	assert.Equal(t, []interface{}{"a", "b"}, doc["tags"])

	require.NoError(t, ApplyUpdate(doc, Update{"$addToSet": map[string]interface{}{"tags": "b"}}))
	assert.Equal(t, []interface{}{"a", "b"}, doc["tags"], "addToSet must not duplicate an existing element")

	require.NoError(t, ApplyUpdate(doc, Update{"$pull": map[string]interface{}{"tags": "a"}}))
	assert.Equal(t, []interface{}{"b"}, doc["tags"])
}

func TestApplyUpdateRename(t *testing.T) {
	doc := map[string]interface{}{"old": "v"}
	require.NoError(t, ApplyUpdate(doc, Update{"$rename": map[string]interface{}{"old": "new"}}))
	_, hasOld := doc["old"]
	assert.False(t, hasOld)
	assert.Equal(t, "v", doc["new"])
}

func TestApplyUpdateRejectsUnsupportedOperator(t *testing.T) {
	doc := map[string]interface{}{}
	err := ApplyUpdate(doc, Update{"$mul": map[string]interface{}{"x": float64(2)}})
	assert.Error(t, err)
}

func TestApplyUpdateRejectsForbiddenKey(t *testing.T) {
	doc := map[string]interface{}{}
	err := ApplyUpdate(doc, Update{"$set": map[string]interface{}{"__proto__": "x"}})
	assert.Error(t, err)
}
