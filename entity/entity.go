// Package entity holds the data-model types shared across every component:
// entities, namespace schemas, commit-log actions, snapshots, index entries
// and materialized-view metadata, as described by the store's data model.
package entity

import (
	"strings"
)

// Entity is a document: a mapping from string keys to JSON-compatible
// values. Every entity carries the reserved fields below in addition to
// caller-supplied ones.
type Entity map[string]interface{}

// Reserved field names carried by every entity.
const (
	FieldID        = "$id"
	FieldType      = "$type"
	FieldVersion   = "version"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Forbidden keys that must never appear anywhere in an entity's object tree,
// at any nesting depth, guarding against prototype-pollution style attacks
// carried over from the source language's object model.
var ForbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// IsForbiddenKey reports whether key is one of the reserved poison keys.
func IsForbiddenKey(key string) bool {
	_, ok := ForbiddenKeys[key]
	return ok
}

// ID is a parsed "<namespace>/<local>" entity identifier.
type ID struct {
	Namespace string
	Local     string
}

// String renders the canonical "<namespace>/<local>" form.
func (id ID) String() string {
	return id.Namespace + "/" + id.Local
}

// ParseID accepts either a namespace-qualified id ("orders/42") or a bare
// local id ("42") given a default namespace, matching C10's "IDs are
// accepted in either form" requirement.
func ParseID(raw, defaultNamespace string) ID {
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		return ID{Namespace: raw[:idx], Local: raw[idx+1:]}
	}
	return ID{Namespace: defaultNamespace, Local: raw}
}

// ColumnType enumerates the primitive Parquet column types the codec
// supports.
type ColumnType string

const (
	ColumnString    ColumnType = "string"
	ColumnInt       ColumnType = "int"
	ColumnFloat     ColumnType = "float"
	ColumnBool      ColumnType = "bool"
	ColumnTimestamp ColumnType = "timestamp"
)

// ColumnDef describes one schema column.
type ColumnDef struct {
	Type     ColumnType
	Optional bool
}

// Schema maps column name to its definition. Order is preserved separately
// so that Parquet files are written with deterministic column ordering.
type Schema struct {
	Columns map[string]ColumnDef
	Order   []string
}

// NewSchema builds a Schema from an ordered list of (name, def) pairs.
func NewSchema(cols []struct {
	Name string
	Def  ColumnDef
}) Schema {
	s := Schema{Columns: make(map[string]ColumnDef, len(cols)), Order: make([]string, 0, len(cols))}
	for _, c := range cols {
		s.Columns[c.Name] = c.Def
		s.Order = append(s.Order, c.Name)
	}
	return s
}

// IsDataVariant reports whether the schema stores whole rows as JSON under
// "$data" alongside a required "$id" column.
func (s Schema) IsDataVariant() bool {
	_, hasID := s.Columns["$id"]
	_, hasData := s.Columns["$data"]
	return hasID && hasData
}

// ActionKind tags a commit-log action line.
type ActionKind string

const (
	ActionAdd        ActionKind = "add"
	ActionRemove     ActionKind = "remove"
	ActionCommitInfo ActionKind = "commitInfo"
)

// AddAction records a newly written data file becoming part of the live set.
type AddAction struct {
	Path             string `json:"path"`
	Size             int64  `json:"size"`
	ModificationTime int64  `json:"modificationTime"`
	DataChange       bool   `json:"dataChange"`
}

// RemoveAction records a data file leaving the live set.
type RemoveAction struct {
	Path             string `json:"path"`
	ModificationTime int64  `json:"modificationTime"`
	DataChange       bool   `json:"dataChange"`
}

// CommitInfo closes out a commit's action list with metadata about the
// logical operation that produced it.
type CommitInfo struct {
	Timestamp   int64  `json:"timestamp"`
	Operation   string `json:"operation"`
	ReadVersion int64  `json:"readVersion"`
}

// Action is one NDJSON line of a commit file: exactly one of Add, Remove,
// or Commit is set, mirroring the tagged-union shape of §6.
type Action struct {
	Add    *AddAction    `json:"add,omitempty"`
	Remove *RemoveAction `json:"remove,omitempty"`
	Commit *CommitInfo   `json:"commitInfo,omitempty"`
}

// Operation names used in CommitInfo.Operation.
const (
	OperationWrite   = "WRITE"
	OperationCompact = "COMPACT"
	OperationDelete  = "DELETE"
)

// Snapshot describes the live file set and current version of a namespace.
type Snapshot struct {
	Version   int64
	Timestamp int64
	Files     []string
}

// IndexEntry is a single posting recorded by a secondary index: the indexed
// key, the document it belongs to, and its physical location.
type IndexEntry struct {
	Key       interface{}
	DocID     string
	RowGroup  int
	RowOffset int
}

// StalenessState enumerates an MV's freshness relative to its source.
type StalenessState string

const (
	StalenessFresh   StalenessState = "fresh"
	StalenessStale   StalenessState = "stale"
	StalenessInvalid StalenessState = "invalid"
)

// MVDefinition is the declarative shape of a materialized view.
type MVDefinition struct {
	From     string                 `json:"from"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
	GroupBy  []string               `json:"groupBy,omitempty"`
	Compute  map[string]interface{} `json:"compute,omitempty"`
}

// IsAggregation reports whether the MV computes grouped aggregates rather
// than passing through row-shaped entities.
func (d MVDefinition) IsAggregation() bool {
	return len(d.GroupBy) > 0 || len(d.Compute) > 0
}

// MVMetadata is the registry record for one materialized view.
type MVMetadata struct {
	Name           string
	Definition     MVDefinition
	StalenessState StalenessState
	Usable         bool
	RowCount       *int64
}
