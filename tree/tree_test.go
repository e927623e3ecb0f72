package tree

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// memFile is an in-memory File and Writer.
type memFile struct {
	buf []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *memFile) Write(p []byte) (int, error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func ptr(s string) []byte { return []byte(s) }

func buildTree(t *testing.T, entries []Entry, opts Options) *Tree {
	t.Helper()
	f := &memFile{}
	if _, err := CreateFromEntryStream(&SliceReader{Entries: entries}, f, opts); err != nil {
		t.Fatalf("CreateFromEntryStream: %v", err)
	}
	tr, err := Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tr
}

func numbered(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{Key: float64(i), Values: []EntryValue{{Pointer: ptr(fmt.Sprintf("p%d", i))}}}
	}
	return entries
}

func TestCompareOrder(t *testing.T) {
	now := time.Now()
	ordered := []any{false, true, -1.5, 0.0, 42.0, "", "a", "b", now, now.Add(time.Second), nil}
	for i := 0; i < len(ordered)-1; i++ {
		if c := Compare(ordered[i], ordered[i+1]); c >= 0 {
			t.Errorf("Compare(%v, %v) = %d, want < 0", ordered[i], ordered[i+1], c)
		}
		if c := Compare(ordered[i+1], ordered[i]); c <= 0 {
			t.Errorf("Compare(%v, %v) = %d, want > 0", ordered[i+1], ordered[i], c)
		}
	}
}

func TestNormalize(t *testing.T) {
	v, ok := Normalize(30)
	if !ok || v != 30.0 {
		t.Errorf("Normalize(30) = %v, %v", v, ok)
	}
	if _, ok := Normalize(map[string]any{}); ok {
		t.Error("Normalize(map) should fail")
	}
	if !Equal(mustNormalize(int64(7)), 7.0) {
		t.Error("int64 and float64 keys should be equal")
	}
}

func mustNormalize(v any) any {
	n, _ := Normalize(v)
	return n
}

func TestValueCodec(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, v := range []any{nil, true, false, 3.25, "héllo", when} {
		b, err := AppendValue(nil, v)
		if err != nil {
			t.Fatalf("AppendValue(%v): %v", v, err)
		}
		got, n, err := ReadValue(b)
		if err != nil {
			t.Fatalf("ReadValue(%v): %v", v, err)
		}
		if n != len(b) || !Equal(got, v) {
			t.Errorf("round trip %v: got %v (%d of %d bytes)", v, got, n, len(b))
		}
	}
}

func TestCreateEmpty(t *testing.T) {
	tr := buildTree(t, nil, Options{})
	info := tr.Info()
	if info.Entries != 0 || info.Values != 0 || info.Leaves != 1 {
		t.Errorf("Info = %+v, want empty tree with one leaf", info)
	}
	res, err := tr.Search("exists", nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(res.Entries))
	}
}

func TestCreateRejectsUnsorted(t *testing.T) {
	entries := []Entry{
		{Key: 2.0, Values: []EntryValue{{Pointer: ptr("a")}}},
		{Key: 1.0, Values: []EntryValue{{Pointer: ptr("b")}}},
	}
	_, err := CreateFromEntryStream(&SliceReader{Entries: entries}, &memFile{}, Options{})
	if !errors.Is(err, ErrUnsorted) {
		t.Errorf("err = %v, want ErrUnsorted", err)
	}
}

func TestSearchOperators(t *testing.T) {
	tr := buildTree(t, numbered(100), Options{MaxEntriesPerNode: 8})
	if tr.Info().Leaves < 10 {
		t.Fatalf("leaves = %d, want multiple", tr.Info().Leaves)
	}

	cases := []struct {
		op    string
		param any
		want  int
	}{
		{"==", 42, 1},
		{"!=", 42, 99},
		{"<", 10, 10},
		{"<=", 10, 11},
		{">", 89, 10},
		{">=", 89, 11},
		{"between", []any{20, 29}, 10},
		{"between", []any{29, 20}, 10},
		{"!between", []int{20, 29}, 90},
		{"in", []any{1, 5, 500}, 2},
		{"!in", []any{1, 5}, 98},
		{"exists", nil, 100},
		{"!exists", nil, 0},
		{"<", "z", 0},
	}
	for _, c := range cases {
		res, err := tr.Search(c.op, c.param)
		if err != nil {
			t.Fatalf("Search(%s, %v): %v", c.op, c.param, err)
		}
		if len(res.Entries) != c.want {
			t.Errorf("Search(%s, %v) = %d entries, want %d", c.op, c.param, len(res.Entries), c.want)
		}
		n, err := tr.Count(c.op, c.param)
		if err != nil {
			t.Fatalf("Count(%s): %v", c.op, err)
		}
		if n != c.want {
			t.Errorf("Count(%s, %v) = %d, want %d", c.op, c.param, n, c.want)
		}
	}
}

func TestSearchEqualReadsOneLeaf(t *testing.T) {
	tr := buildTree(t, numbered(100), Options{MaxEntriesPerNode: 8})
	res, err := tr.Search("==", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Leaves > 2 {
		t.Errorf("leaves read = %d, want at most 2", res.Leaves)
	}
}

func TestSearchStrings(t *testing.T) {
	entries := []Entry{
		{Key: "apple", Values: []EntryValue{{Pointer: ptr("1")}}},
		{Key: "Apricot", Values: []EntryValue{{Pointer: ptr("2")}}},
		{Key: "banana", Values: []EntryValue{{Pointer: ptr("3")}}},
	}
	// Sort order is byte order, so "Apricot" first.
	entries[0], entries[1] = entries[1], entries[0]
	tr := buildTree(t, entries, Options{})

	cases := []struct {
		op    string
		param any
		want  int
	}{
		{"like", "ap*", 2},
		{"like", "b?nana", 1},
		{"!like", "ap*", 1},
		{"matches", "^b", 1},
		{"!matches", "^b", 2},
	}
	for _, c := range cases {
		res, err := tr.Search(c.op, c.param)
		if err != nil {
			t.Fatalf("Search(%s): %v", c.op, err)
		}
		if len(res.Entries) != c.want {
			t.Errorf("Search(%s, %v) = %d, want %d", c.op, c.param, len(res.Entries), c.want)
		}
	}
}

func TestSearchInvalid(t *testing.T) {
	tr := buildTree(t, numbered(3), Options{})
	for _, c := range []struct {
		op    string
		param any
	}{
		{"between", 3},
		{"between", []any{1}},
		{"like", 3},
		{"matches", "("},
		{"~=", 1},
		{"==", map[string]any{}},
	} {
		if _, err := tr.Search(c.op, c.param); !errors.Is(err, ErrInvalidOp) {
			t.Errorf("Search(%s, %v) err = %v, want ErrInvalidOp", c.op, c.param, err)
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	entries := []Entry{{Key: "k", Values: []EntryValue{
		{Pointer: ptr("a"), Metadata: map[string]any{"name": "Ann", "age": 30}},
		{Pointer: ptr("b"), Metadata: map[string]any{"name": "Bob"}},
	}}}
	tr := buildTree(t, entries, Options{MetadataKeys: []string{"name", "age"}})
	res, err := tr.Search("==", "k")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	vs := res.Entries[0].Values
	if vs[0].Metadata["name"] != "Ann" || vs[0].Metadata["age"] != 30.0 {
		t.Errorf("metadata[0] = %v", vs[0].Metadata)
	}
	if _, ok := vs[1].Metadata["age"]; ok {
		t.Errorf("undefined metadata should be absent, got %v", vs[1].Metadata)
	}
}

func TestTransaction(t *testing.T) {
	tr := buildTree(t, numbered(20), Options{MaxEntriesPerNode: 4})

	err := tr.Transaction([]Op{
		Add(5, ptr("extra"), nil),
		Add(-1, ptr("neg"), nil),
		Add(1000, ptr("big"), nil),
		Remove(7, ptr("p7")),
		Remove(8, ptr("nobody")),
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	info := tr.Info()
	if info.Entries != 21 || info.Values != 22 {
		t.Errorf("Info = %+v, want 21 entries and 22 values", info)
	}

	res, _ := tr.Search("==", 5)
	if len(res.Entries) != 1 || len(res.Entries[0].Values) != 2 {
		t.Errorf("key 5 = %+v, want two values", res.Entries)
	}
	if n, _ := tr.Count("==", 7); n != 0 {
		t.Errorf("key 7 count = %d, want 0", n)
	}
	if n, _ := tr.Count("<", 0); n != 1 {
		t.Errorf("negative keys = %d, want 1", n)
	}
	if n, _ := tr.Count(">", 999); n != 1 {
		t.Errorf("keys above 999 = %d, want 1", n)
	}
}

func TestTransactionDuplicatePointerReplacesMetadata(t *testing.T) {
	tr := buildTree(t, nil, Options{MetadataKeys: []string{"m"}})
	if err := tr.Transaction([]Op{Add("k", ptr("a"), map[string]any{"m": 1})}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transaction([]Op{Add("k", ptr("a"), map[string]any{"m": 2})}); err != nil {
		t.Fatal(err)
	}
	res, _ := tr.Search("==", "k")
	if len(res.Entries[0].Values) != 1 || res.Entries[0].Values[0].Metadata["m"] != 2.0 {
		t.Errorf("values = %+v, want one value with m=2", res.Entries[0].Values)
	}
}

func TestTransactionPersistsAcrossOpen(t *testing.T) {
	f := &memFile{}
	if _, err := CreateFromEntryStream(&SliceReader{Entries: numbered(10)}, f, Options{}); err != nil {
		t.Fatal(err)
	}
	tr, _ := Open(f)
	if err := tr.Transaction([]Op{Add(3, ptr("again"), nil)}); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info := reopened.Info(); info.Values != 11 {
		t.Errorf("Values = %d, want 11", info.Values)
	}
	if n, _ := reopened.Count("==", 3); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestTransactionLeafFull(t *testing.T) {
	tr := buildTree(t, numbered(1), Options{FillFactor: 100})
	before := tr.Info()

	var ops []Op
	for i := range 2000 {
		ops = append(ops, Add(fmt.Sprintf("key-%05d", i), ptr(fmt.Sprintf("ptr-%05d", i)), nil))
	}
	err := tr.Transaction(ops)
	if !errors.Is(err, ErrLeafFull) {
		t.Fatalf("err = %v, want ErrLeafFull", err)
	}
	if tr.Info() != before {
		t.Errorf("Info changed after failed transaction: %+v", tr.Info())
	}

	// Rebuild into a fresh payload and retry.
	f := &memFile{}
	if _, err := tr.Rebuild(f, Options{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	fresh, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Info().Values != 1 {
		t.Errorf("rebuilt values = %d, want 1", fresh.Info().Values)
	}
}

func TestLeafTraversal(t *testing.T) {
	tr := buildTree(t, numbered(30), Options{MaxEntriesPerNode: 7})

	var forward []any
	for l, err := tr.FirstLeaf(); l != nil; l, err = l.Next() {
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range l.Entries {
			forward = append(forward, e.Key)
		}
	}
	if len(forward) != 30 || forward[0] != 0.0 || forward[29] != 29.0 {
		t.Errorf("forward = %v", forward)
	}

	var backward []any
	for l, err := tr.LastLeaf(); l != nil; l, err = l.Prev() {
		if err != nil {
			t.Fatal(err)
		}
		for i := len(l.Entries) - 1; i >= 0; i-- {
			backward = append(backward, l.Entries[i].Key)
		}
	}
	if len(backward) != 30 || backward[0] != 29.0 || backward[29] != 0.0 {
		t.Errorf("backward = %v", backward)
	}
}

func TestExclude(t *testing.T) {
	entries := []Entry{
		{Key: "red", Values: []EntryValue{{Pointer: ptr("a")}, {Pointer: ptr("b")}}},
		{Key: "green", Values: []EntryValue{{Pointer: ptr("b")}, {Pointer: ptr("c")}}},
		{Key: "blue", Values: []EntryValue{{Pointer: ptr("d")}}},
	}
	entries[0], entries[2] = entries[2], entries[0] // blue, green, red
	tr := buildTree(t, entries, Options{})

	res, err := tr.Exclude(func(e Entry) []EntryValue {
		if e.Key == "red" {
			return e.Values
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range res.Entries {
		for _, v := range e.Values {
			seen[string(v.Pointer)] = true
		}
	}
	if seen["a"] || seen["b"] || !seen["c"] || !seen["d"] {
		t.Errorf("remaining pointers = %v, want c and d", seen)
	}
}

func TestCorruptLeafDetected(t *testing.T) {
	f := &memFile{}
	if _, err := CreateFromEntryStream(&SliceReader{Entries: numbered(5)}, f, Options{}); err != nil {
		t.Fatal(err)
	}
	f.buf[PreambleSize+slotHeaderSize+2] ^= 0xff
	tr, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Search("exists", nil); !errors.Is(err, ErrCorruptLeaf) {
		t.Errorf("err = %v, want ErrCorruptLeaf", err)
	}
}

func TestOpenBadMagic(t *testing.T) {
	f := &memFile{buf: make([]byte, 128)}
	if _, err := Open(f); !errors.Is(err, ErrCorruptTree) {
		t.Errorf("err = %v, want ErrCorruptTree", err)
	}
}

// TestRebuildWithOps checks that Rebuild folds operations into the new
// payload: adds land in key order among the existing entries, removals
// drop values and entries, and several ops on one key apply in order.
func TestRebuildWithOps(t *testing.T) {
	tr := buildTree(t, numbered(5), Options{})
	ops := []Op{
		Add(2.5, ptr("between"), nil),
		Remove(1, ptr("p1")),
		Add(10, ptr("late"), nil),
		Add(10, ptr("late"), map[string]any{}),
		Remove(10, ptr("late")),
		Add(4, ptr("extra"), nil),
	}
	f := &memFile{}
	stats, err := tr.Rebuild(f, Options{}, ops...)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Entries != 5 || stats.Values != 6 {
		t.Errorf("stats = %+v, want 5 entries and 6 values", stats)
	}
	fresh, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	var keys []any
	for l, err := fresh.FirstLeaf(); l != nil; l, err = l.Next() {
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range l.Entries {
			keys = append(keys, e.Key)
		}
	}
	want := []any{0.0, 2.0, 2.5, 3.0, 4.0}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
	if n, _ := fresh.Count("==", 4); n != 2 {
		t.Errorf("Count(4) = %d, want 2", n)
	}
}
