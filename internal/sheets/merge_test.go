package sheets

import (
	"reflect"
	"strings"
	"testing"
)

const testNow = "2024-05-01T12:00:00+03:00"

func simpleColumns() []string {
	return []string{"account_name", "post_id", "likes"}
}

// applyMerge replays a merge result onto a snapshot the way the sheet write
// would, for idempotence and uniqueness checks.
func applyMerge(snapshot Snapshot, result MergeResult) Snapshot {
	out := Snapshot{Header: result.Header}
	for _, row := range snapshot.Rows {
		projected := make([]string, len(result.Header))
		for i, column := range result.Header {
			for j, existing := range snapshot.Header {
				if existing == column && j < len(row) {
					projected[i] = row[j]
				}
			}
		}
		out.Rows = append(out.Rows, projected)
	}
	for _, update := range result.Updates {
		out.Rows[update.SheetRow-2] = update.Values
	}
	out.Rows = append(out.Rows, result.Appends...)
	return out
}

func TestMergeUpdatesAndAppends(t *testing.T) {
	existing := Snapshot{
		Header: []string{"account_name", "post_id", "likes", TimestampColumn},
		Rows: [][]string{
			{"acc", "123", "1", "old"},
			{"acc", "456", "2", "old"},
		},
	}
	incoming := []Row{
		{"account_name": "acc", "post_id": "123", "likes": int64(6)},
		{"account_name": "acc", "post_id": "789", "likes": int64(3)},
	}

	result := Merge(existing, incoming, simpleColumns(), testNow)

	if result.HeaderChanged {
		t.Fatal("header must be unchanged")
	}
	if len(result.Updates) != 1 {
		t.Fatalf("updates = %+v, want exactly one", result.Updates)
	}
	update := result.Updates[0]
	if update.SheetRow != 2 {
		t.Fatalf("post 123 must be updated in place at sheet row 2, got %d", update.SheetRow)
	}
	if want := []string{"acc", "123", "6", testNow}; !reflect.DeepEqual(update.Values, want) {
		t.Fatalf("update values = %v, want %v", update.Values, want)
	}
	if len(result.Appends) != 1 || result.AppendStart != 4 {
		t.Fatalf("appends = %v at %d, want post 789 appended after row 3", result.Appends, result.AppendStart)
	}
	if want := []string{"acc", "789", "3", testNow}; !reflect.DeepEqual(result.Appends[0], want) {
		t.Fatalf("append values = %v, want %v", result.Appends[0], want)
	}

	merged := applyMerge(existing, result)
	if len(merged.Rows) != 3 {
		t.Fatalf("merged snapshot has %d rows, want 3", len(merged.Rows))
	}
	if !reflect.DeepEqual(merged.Rows[1], []string{"acc", "456", "2", "old"}) {
		t.Fatalf("row 456 must be untouched, got %v", merged.Rows[1])
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	existing := Snapshot{
		Header: []string{"account_name", "post_id", "likes", TimestampColumn},
		Rows:   [][]string{{"acc", "123", "1", "old"}},
	}
	incoming := func() []Row {
		return []Row{
			{"account_name": "acc", "post_id": "123", "likes": int64(6)},
			{"account_name": "acc", "post_id": "789", "likes": int64(3)},
		}
	}

	first := Merge(existing, incoming(), simpleColumns(), testNow)
	merged := applyMerge(existing, first)

	second := Merge(merged, incoming(), simpleColumns(), testNow)
	if second.Touched() {
		t.Fatalf("second merge of the same batch must be a no-op, got %+v", second)
	}
}

func TestMergeKeyUniqueness(t *testing.T) {
	existing := Snapshot{
		Header: []string{"account_name", "post_id", "likes", TimestampColumn},
		Rows:   [][]string{{"acc", "123", "1", "old"}},
	}
	incoming := []Row{
		{"account_name": "acc", "post_id": "123", "likes": int64(2)},
		{"account_name": "acc", "post_id": "123", "likes": int64(6)},
		{"account_name": "acc", "post_id": "789", "likes": int64(3)},
	}

	result := Merge(existing, incoming, simpleColumns(), testNow)
	merged := applyMerge(existing, result)

	seen := map[string]bool{}
	for _, row := range merged.Rows {
		key := row[0] + "\x00" + row[1]
		if seen[key] {
			t.Fatalf("duplicate composite key %q after merge", strings.ReplaceAll(key, "\x00", "/"))
		}
		seen[key] = true
	}
	// The last occurrence of a duplicated incoming key wins.
	if len(result.Updates) != 1 || result.Updates[0].Values[2] != "6" {
		t.Fatalf("updates = %+v, want likes=6 for post 123", result.Updates)
	}
}

func TestMergeExtendsHeaderForNewColumns(t *testing.T) {
	existing := Snapshot{
		Header: []string{"account_name", "post_id", "likes", TimestampColumn},
		Rows:   [][]string{{"acc", "123", "1", "old"}},
	}
	incoming := []Row{
		{"account_name": "acc", "post_id": "123", "likes": int64(1), "views": int64(9)},
	}

	result := Merge(existing, incoming, []string{"account_name", "post_id", "likes", "views"}, testNow)
	if !result.HeaderChanged {
		t.Fatal("new column must rewrite the header")
	}
	want := []string{"account_name", "post_id", "likes", TimestampColumn, "views"}
	if !reflect.DeepEqual(result.Header, want) {
		t.Fatalf("header = %v, want existing order preserved with views appended: %v", result.Header, want)
	}
}

func TestMergeIntoEmptySnapshot(t *testing.T) {
	incoming := []Row{{"account_name": "acc", "post_id": "1", "likes": int64(4)}}
	result := Merge(Snapshot{}, incoming, simpleColumns(), testNow)

	if !result.HeaderChanged {
		t.Fatal("empty snapshot must get a header write")
	}
	if result.AppendStart != 2 || len(result.Appends) != 1 {
		t.Fatalf("append block = %v at %d, want single row at 2", result.Appends, result.AppendStart)
	}
}

func TestMergeFallsBackToAllColumnsKey(t *testing.T) {
	existing := Snapshot{
		Header: []string{"metric", "value", TimestampColumn},
		Rows:   [][]string{{"views", "10", "old"}},
	}
	incoming := []Row{
		{"metric": "views", "value": int64(10)},
		{"metric": "likes", "value": int64(3)},
	}

	result := Merge(existing, incoming, []string{"metric", "value"}, testNow)
	// "views/10" keys identically except for the timestamp, but the
	// timestamp difference still makes the row content differ.
	if len(result.Updates) != 1 {
		t.Fatalf("updates = %+v", result.Updates)
	}
	if len(result.Appends) != 1 {
		t.Fatalf("appends = %+v", result.Appends)
	}
}

func TestStringify(t *testing.T) {
	var nilPtr *int64
	seven := int64(7)
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{nilPtr, ""},
		{&seven, "7"},
		{int64(6), "6"},
		{6.0, "6"},
		{6.5, "6.5"},
		{"  text", "  text"},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeKeyTrims(t *testing.T) {
	if got := normalizeKey("  123 "); got != "123" {
		t.Fatalf("normalizeKey = %q, want trimmed form", got)
	}
	if got := normalizeKey(nil); got != "" {
		t.Fatalf("normalizeKey(nil) = %q, want empty", got)
	}
}
