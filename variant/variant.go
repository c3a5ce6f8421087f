// Package variant implements $data-variant schema detection, projection
// column selection, and entity reconstruction from rows stored under that
// schema shape (§4.11).
package variant

import (
	"encoding/json"

	"github.com/evalgo-org/storedb/entity"
)

// DetectDataVariant reports whether schema stores whole rows as JSON under
// "$data" alongside a required "$id" column.
func DetectDataVariant(schema entity.Schema) bool {
	return schema.IsDataVariant()
}

// GetDataVariantColumns returns the minimal projection ["$id", "$data", ...extra]
// when schema is $data-variant, or nil otherwise.
func GetDataVariantColumns(schema entity.Schema, extra ...string) []string {
	if !schema.IsDataVariant() {
		return nil
	}
	cols := make([]string, 0, 2+len(extra))
	cols = append(cols, "$id", "$data")
	cols = append(cols, extra...)
	return cols
}

// ReconstructEntity parses a $data-variant row into an entity.Entity. The
// outer "$id" column always wins over any "$id" embedded inside $data;
// invalid or null JSON falls back to {$id: row["$id"]}.
func ReconstructEntity(row map[string]interface{}) entity.Entity {
	outerID := row[entity.FieldID]

	raw, ok := row["$data"]
	if !ok || raw == nil {
		return entity.Entity{entity.FieldID: outerID}
	}

	var blob []byte
	switch v := raw.(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		// Already-parsed object form: treat it as the entity body directly.
		if m, ok := raw.(map[string]interface{}); ok {
			merged := make(entity.Entity, len(m)+1)
			for k, val := range m {
				merged[k] = val
			}
			merged[entity.FieldID] = outerID
			return merged
		}
		return entity.Entity{entity.FieldID: outerID}
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(blob, &parsed); err != nil || parsed == nil {
		return entity.Entity{entity.FieldID: outerID}
	}

	out := make(entity.Entity, len(parsed)+1)
	for k, v := range parsed {
		out[k] = v
	}
	out[entity.FieldID] = outerID
	return out
}
