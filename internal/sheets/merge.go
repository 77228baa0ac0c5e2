package sheets

import (
	"fmt"
	"strings"

	"github.com/mik888em/threads/internal/models"
)

// TimestampColumn is stamped on every merged row with the write time.
const TimestampColumn = "updated_at"

// keyColumns form the composite key a row is identified by across runs.
var keyColumns = []string{"account_name", "post_id"}

// RowColumns is the canonical column order for freshly aggregated rows.
var RowColumns = []string{
	"publish_time",
	"account_name",
	"post_id",
	"permalink",
	"text",
	"views",
	"likes",
	"replies",
	"reposts",
	"quotes",
	"shares",
}

// Row is one incoming record keyed by column name. Values may be nil, which
// renders as an empty cell.
type Row map[string]any

// Snapshot is the sheet's current content: the header row plus every data
// row below it, as raw cell strings.
type Snapshot struct {
	Header []string
	Rows   [][]string
}

// RowUpdate overwrites one existing row in place.
type RowUpdate struct {
	SheetRow int // 1-based; the header occupies row 1
	Values   []string
}

// MergeResult is the minimal set of write instructions needed to reconcile a
// batch into the snapshot: an optional header rewrite, targeted row updates,
// and one contiguous append block.
type MergeResult struct {
	Header        []string
	HeaderChanged bool
	Updates       []RowUpdate
	AppendStart   int // 1-based sheet row where the append block begins
	Appends       [][]string
}

// Touched reports whether the merge produced any write at all.
func (r *MergeResult) Touched() bool {
	return r.HeaderChanged || len(r.Updates) > 0 || len(r.Appends) > 0
}

// Merge reconciles incoming rows against the existing snapshot by composite
// key. Rows whose stringified content matches the sheet are skipped, so
// merging the same batch twice is a no-op.
func Merge(existing Snapshot, incoming []Row, columns []string, now string) MergeResult {
	columns = withTimestampColumn(columns)
	for _, row := range incoming {
		row[TimestampColumn] = now
	}

	keys := presentKeyColumns(columns)
	incoming = deduplicate(incoming, keys)

	header := mergedHeader(existing.Header, columns)
	result := MergeResult{
		Header:        header,
		HeaderChanged: !equalColumns(header, existing.Header),
		AppendStart:   len(existing.Rows) + 2,
	}

	index := indexByKey(existing, keys)
	for _, row := range incoming {
		values := renderRow(row, header)
		position, ok := index[rowKey(row, keys)]
		if !ok {
			result.Appends = append(result.Appends, values)
			continue
		}
		if equalColumns(values, projectRow(existing, position, header)) {
			continue
		}
		result.Updates = append(result.Updates, RowUpdate{SheetRow: position + 2, Values: values})
	}
	return result
}

// SnapshotFromValues builds a snapshot from a raw value range read.
func SnapshotFromValues(values [][]any) Snapshot {
	if len(values) == 0 {
		return Snapshot{}
	}
	snapshot := Snapshot{Header: stringCells(values[0])}
	for _, raw := range values[1:] {
		snapshot.Rows = append(snapshot.Rows, stringCells(raw))
	}
	return snapshot
}

// RowsFromAggregated converts aggregated rows into the column-keyed form the
// merge works on.
func RowsFromAggregated(rows []models.AggregatedRow) []Row {
	converted := make([]Row, 0, len(rows))
	for _, r := range rows {
		converted = append(converted, Row{
			"publish_time": r.PublishTime,
			"account_name": r.AccountName,
			"post_id":      r.PostID,
			"permalink":    r.Permalink,
			"text":         r.Text,
			"views":        r.Views,
			"likes":        r.Likes,
			"replies":      r.Replies,
			"reposts":      r.Reposts,
			"quotes":       r.Quotes,
			"shares":       r.Shares,
		})
	}
	return converted
}

func withTimestampColumn(columns []string) []string {
	for _, column := range columns {
		if column == TimestampColumn {
			return columns
		}
	}
	out := make([]string, 0, len(columns)+1)
	out = append(out, columns...)
	return append(out, TimestampColumn)
}

// presentKeyColumns picks the composite key, falling back to every column
// except the write timestamp when the key columns are absent.
func presentKeyColumns(columns []string) []string {
	var keys []string
	for _, key := range keyColumns {
		for _, column := range columns {
			if column == key {
				keys = append(keys, key)
				break
			}
		}
	}
	if len(keys) > 0 {
		return keys
	}
	for _, column := range columns {
		if column != TimestampColumn {
			keys = append(keys, column)
		}
	}
	return keys
}

// deduplicate drops earlier occurrences of a repeated key, keeping the last
// one in its later position.
func deduplicate(rows []Row, keys []string) []Row {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		last[rowKey(row, keys)] = i
	}
	out := make([]Row, 0, len(last))
	for i, row := range rows {
		if last[rowKey(row, keys)] == i {
			out = append(out, row)
		}
	}
	return out
}

func rowKey(row Row, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, normalizeKey(row[key]))
	}
	return strings.Join(parts, "\x00")
}

func indexByKey(existing Snapshot, keys []string) map[string]int {
	positions := make([]int, len(keys))
	for i, key := range keys {
		positions[i] = -1
		for j, column := range existing.Header {
			if column == key {
				positions[i] = j
				break
			}
		}
	}

	index := make(map[string]int, len(existing.Rows))
	for i, row := range existing.Rows {
		parts := make([]string, len(keys))
		for j, pos := range positions {
			if pos >= 0 && pos < len(row) {
				parts[j] = normalizeKey(row[pos])
			}
		}
		// Keep the last occurrence, mirroring the incoming-side dedupe.
		index[strings.Join(parts, "\x00")] = i
	}
	return index
}

// projectRow re-expresses an existing row in the merged header's column
// order, with empty cells for columns the old row never had.
func projectRow(existing Snapshot, position int, header []string) []string {
	row := existing.Rows[position]
	out := make([]string, len(header))
	for i, column := range header {
		for j, existingColumn := range existing.Header {
			if existingColumn == column {
				if j < len(row) {
					out[i] = row[j]
				}
				break
			}
		}
	}
	return out
}

func renderRow(row Row, header []string) []string {
	out := make([]string, len(header))
	for i, column := range header {
		out[i] = Stringify(row[column])
	}
	return out
}

func mergedHeader(existing, incoming []string) []string {
	if len(existing) == 0 {
		return incoming
	}
	header := make([]string, len(existing), len(existing)+len(incoming))
	copy(header, existing)
	for _, column := range incoming {
		found := false
		for _, present := range header {
			if present == column {
				found = true
				break
			}
		}
		if !found {
			header = append(header, column)
		}
	}
	return header
}

func normalizeKey(value any) string {
	return strings.TrimSpace(Stringify(value))
}

// Stringify renders a cell the same way every run, so numeric formatting
// differences never show up as spurious diffs. Integral floats print without
// a decimal point; nil renders empty.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *int64:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%d", *v)
	case int64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func stringCells(raw []any) []string {
	cells := make([]string, len(raw))
	for i, v := range raw {
		cells[i] = Stringify(v)
	}
	return cells
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
