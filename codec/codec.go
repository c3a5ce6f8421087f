// Package codec reads and writes the Parquet-format data files the store
// persists entities in, using github.com/parquet-go/parquet-go — the
// modern, generics-capable Parquet library identified in the retrieval
// pack's kasuganosora-sqlexec module. ReadRowGroups returns only the
// columns named in its projection; it decodes each row in full and drops
// the excluded columns while building the result maps.
package codec

import (
	"bytes"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
)

// RowGroupInfo describes one row group's shape, as returned by ReadMetadata.
type RowGroupInfo struct {
	NumRows int64
	Columns []string
}

// Metadata is the decoded footer of a Parquet file. ReadMetadata fills
// RowGroups and KVMetadata; it leaves Schema empty.
type Metadata struct {
	Schema     entity.Schema
	RowGroups  []RowGroupInfo
	KVMetadata map[string]string
}

func buildParquetSchema(schema entity.Schema) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, name := range schema.Order {
		def, ok := schema.Columns[name]
		if !ok {
			continue
		}
		var node parquet.Node
		switch def.Type {
		case entity.ColumnString:
			node = parquet.String()
		case entity.ColumnInt:
			node = parquet.Int(64)
		case entity.ColumnFloat:
			node = parquet.Leaf(parquet.DoubleType)
		case entity.ColumnBool:
			node = parquet.Leaf(parquet.BooleanType)
		case entity.ColumnTimestamp:
			node = parquet.Timestamp(parquet.Millisecond)
		default:
			return nil, dberr.New(dberr.KindSchemaMismatch, "unsupported column type %q for %q", def.Type, name)
		}
		if def.Optional {
			node = parquet.Optional(node)
		}
		group[name] = node
	}
	return parquet.NewSchema("row", group), nil
}

// Write encodes rows (each a map keyed by column name) into a Parquet file
// body according to schema, and returns the encoded bytes.
func Write(rows []map[string]interface{}, schema entity.Schema) ([]byte, error) {
	pschema, err := buildParquetSchema(schema)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := parquet.NewWriter(&buf, pschema)
	for _, row := range rows {
		if _, err := writer.Write(row); err != nil {
			return nil, dberr.Wrap(dberr.KindSchemaMismatch, err, "writing row")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "closing parquet writer")
	}
	return buf.Bytes(), nil
}

// ReadAll decodes every row of a Parquet file body.
func ReadAll(data []byte) ([]map[string]interface{}, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "opening parquet file")
	}

	rows := make([]map[string]interface{}, 0, file.NumRows())
	for _, rg := range file.RowGroups() {
		rgRows, err := readRowGroup(rg, nil)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rgRows...)
	}
	return rows, nil
}

// ReadRowGroups decodes only the row groups in ids, projecting only the
// columns in projection (nil/empty means all columns).
func ReadRowGroups(data []byte, ids []int, projection []string) ([]map[string]interface{}, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "opening parquet file")
	}

	all := file.RowGroups()
	rows := make([]map[string]interface{}, 0)
	for _, id := range ids {
		if id < 0 || id >= len(all) {
			return nil, dberr.New(dberr.KindInvalidInput, "row group %d out of range [0,%d)", id, len(all))
		}
		rgRows, err := readRowGroup(all[id], projection)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rgRows...)
	}
	return rows, nil
}

func readRowGroup(rg parquet.RowGroup, projection []string) ([]map[string]interface{}, error) {
	projected := projectRowGroupSchema(rg.Schema(), projection)

	reader := rg.Rows()
	defer reader.Close()

	rows := make([]map[string]interface{}, 0, rg.NumRows())
	buf := make([]parquet.Row, 64)
	for {
		n, err := reader.ReadRows(buf)
		for i := 0; i < n; i++ {
			row := rowToMap(buf[i], rg.Schema(), projected)
			rows = append(rows, row)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dberr.Wrap(dberr.KindReadError, err, "reading row group rows")
		}
		if n == 0 {
			break
		}
	}
	return rows, nil
}

// projectRowGroupSchema returns the set of leaf column names to keep; nil
// projection means keep everything.
func projectRowGroupSchema(schema *parquet.Schema, projection []string) map[string]bool {
	if len(projection) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(projection))
	for _, p := range projection {
		keep[p] = true
	}
	return keep
}

func rowToMap(row parquet.Row, schema *parquet.Schema, keep map[string]bool) map[string]interface{} {
	out := make(map[string]interface{})
	columns := schema.Columns()
	for _, value := range row {
		idx := value.Column()
		if idx < 0 || idx >= len(columns) {
			continue
		}
		name := columns[idx][len(columns[idx])-1]
		if keep != nil && !keep[name] {
			continue
		}
		if value.IsNull() {
			continue
		}
		out[name] = scalarOf(value)
	}
	return out
}

func scalarOf(v parquet.Value) interface{} {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32, parquet.Int64:
		return v.Int64()
	case parquet.Float, parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	default:
		return v.String()
	}
}

// ReadMetadata decodes the footer of a Parquet file without materializing
// any row data.
func ReadMetadata(data []byte) (*Metadata, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "opening parquet file for metadata")
	}

	md := &Metadata{KVMetadata: map[string]string{}}
	for _, rg := range file.RowGroups() {
		columns := make([]string, 0)
		for _, col := range rg.Schema().Columns() {
			columns = append(columns, col[len(col)-1])
		}
		md.RowGroups = append(md.RowGroups, RowGroupInfo{NumRows: rg.NumRows(), Columns: columns})
	}
	for _, kv := range file.Metadata().KeyValueMetadata {
		md.KVMetadata[kv.Key] = kv.Value
	}
	return md, nil
}

// BloomFilter checks membership of a value against the bloom filter stored
// for a given column of a given row group, if one was written.
type BloomFilter interface {
	Check(value interface{}) (bool, error)
}

type parquetBloomFilter struct {
	inner parquet.BloomFilter
}

func (b *parquetBloomFilter) Check(value interface{}) (bool, error) {
	ok, err := b.inner.Check(parquet.ValueOf(value))
	if err != nil {
		return false, dberr.Wrap(dberr.KindReadError, err, "checking bloom filter")
	}
	return ok, nil
}

// GetBloomFilter returns the bloom filter for column in the given row
// group of a Parquet file, or (nil, nil) when none was written.
func GetBloomFilter(data []byte, rowGroupID int, column string) (BloomFilter, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, dberr.Wrap(dberr.KindReadError, err, "opening parquet file")
	}
	groups := file.RowGroups()
	if rowGroupID < 0 || rowGroupID >= len(groups) {
		return nil, dberr.New(dberr.KindInvalidInput, "row group %d out of range", rowGroupID)
	}
	for i, chunk := range groups[rowGroupID].ColumnChunks() {
		cols := groups[rowGroupID].Schema().Columns()
		if i >= len(cols) {
			continue
		}
		name := cols[i][len(cols[i])-1]
		if name != column {
			continue
		}
		bf := chunk.BloomFilter()
		if bf == nil {
			return nil, nil
		}
		return &parquetBloomFilter{inner: bf}, nil
	}
	return nil, dberr.New(dberr.KindInvalidInput, "column %q not found", column)
}

// WriteWithBloomFilters encodes rows like Write and also writes a bloom
// filter for each column named in bloomColumns, returning the file bytes.
func WriteWithBloomFilters(rows []map[string]interface{}, schema entity.Schema, bloomColumns []string) ([]byte, error) {
	pschema, err := buildParquetSchema(schema)
	if err != nil {
		return nil, err
	}

	opts := []parquet.WriterOption{pschema}
	for _, col := range bloomColumns {
		opts = append(opts, parquet.BloomFilters(parquet.SplitBlockFilter(10, col)))
	}

	var buf bytes.Buffer
	writer := parquet.NewWriter(&buf, opts...)
	for _, row := range rows {
		if _, err := writer.Write(row); err != nil {
			return nil, dberr.Wrap(dberr.KindSchemaMismatch, err, "writing row")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, dberr.Wrap(dberr.KindBackendUnavailable, err, "closing parquet writer")
	}
	return buf.Bytes(), nil
}
