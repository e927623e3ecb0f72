package quire

import (
	"slices"
	"strings"
	"testing"
)

func textStore() *testStore {
	s := newTestStore()
	s.set("docs/d1", map[string]any{"body": "The quick brown fox jumps over the lazy dog"})
	s.set("docs/d2", map[string]any{"body": "A quick movement of the enemy"})
	s.set("docs/d3", map[string]any{"body": "Brown dogs and quick foxes"})
	return s
}

func buildTextIndex(t *testing.T, store *testStore, opts FullTextOptions) *Index {
	t.Helper()
	return buildTestIndex(t, store, Config{}, "docs", "body", IndexOptions{Kind: KindFullText, FullText: opts})
}

func hintTypes(res *Results) []string {
	var out []string
	for _, h := range res.Hints {
		out = append(out, h.Type)
	}
	return out
}

func TestWords(t *testing.T) {
	tc, err := compileText(FullTextOptions{Stoplist: []string{"The"}, MaxLength: 6})
	if err != nil {
		t.Fatal(err)
	}
	got := tc.words("The Café, naïve résumé! 42 times; extraordinary", "en")
	want := []string{"café", "naïve", "résumé", "42", "times"}
	if !slices.Equal(got, want) {
		t.Errorf("words = %q, want %q", got, want)
	}

	tc, _ = compileText(FullTextOptions{Pattern: `\d+`})
	if got := tc.words("order 66 and 42", "en"); !slices.Equal(got, []string{"66", "42"}) {
		t.Errorf("pattern words = %q", got)
	}
}

func TestFullTextQueries(t *testing.T) {
	ix := buildTextIndex(t, textStore(), FullTextOptions{})
	tests := []struct {
		op, q string
		want  string
	}{
		{"fulltext:contains", "quick", "docs/d1,docs/d2,docs/d3"},
		{"fulltext:contains", "QUICK brown", "docs/d1,docs/d3"},
		{"fulltext:contains", `"quick brown"`, "docs/d1"},
		{"fulltext:contains", `"brown quick"`, ""},
		{"fulltext:contains", `"lazy dog" quick`, "docs/d1"},
		{"fulltext:contains", "enemy OR dog", "docs/d1,docs/d2"},
		{"fulltext:contains", "fox*", "docs/d1,docs/d3"},
		{"fulltext:contains", "mov?ment", "docs/d2"},
		{"fulltext:!contains", "quick brown", "docs/d2"},
		{"fulltext:!contains", "zebra", "docs/d1,docs/d2,docs/d3"},
	}
	for _, tt := range tests {
		if got := sortedPaths(query(t, ix, tt.op, tt.q)); got != tt.want {
			t.Errorf("%s %q: %q, want %q", tt.op, tt.q, got, tt.want)
		}
	}
}

func TestFullTextHints(t *testing.T) {
	ix := buildTextIndex(t, textStore(), FullTextOptions{Stoplist: []string{"the"}, MaxWildcardWords: 1})

	res := query(t, ix, "fulltext:contains", "quick zebra")
	if res.Len() != 0 || !slices.Equal(hintTypes(res), []string{HintMissing}) || res.Hints[0].Value != "zebra" {
		t.Errorf("quick zebra: %d results, hints %+v", res.Len(), res.Hints)
	}

	res = query(t, ix, "fulltext:contains", "f*")
	if res.Len() != 0 || !slices.Equal(hintTypes(res), []string{HintIgnored}) {
		t.Errorf("f*: %d results, hints %+v", res.Len(), res.Hints)
	}

	res = query(t, ix, "fulltext:contains", "the dog")
	if got := sortedPaths(res); got != "docs/d1" || !slices.Equal(hintTypes(res), []string{HintIgnored}) {
		t.Errorf("the dog: %q, hints %+v", got, res.Hints)
	}

	// fox* matches two words, more than allowed, so only dog narrows.
	res = query(t, ix, "fulltext:contains", "fox* dog")
	if got := sortedPaths(res); got != "docs/d1" || !slices.Equal(hintTypes(res), []string{HintGeneric}) {
		t.Errorf("fox* dog: %q, hints %+v", got, res.Hints)
	}
}

func TestFullTextTransform(t *testing.T) {
	ix := buildTextIndex(t, textStore(), FullTextOptions{
		Transform: func(_, w string) string { return strings.TrimSuffix(w, "s") },
	})
	if got := sortedPaths(query(t, ix, "fulltext:contains", "dogs")); got != "docs/d1,docs/d3" {
		t.Errorf("dogs: %q", got)
	}
}

func TestFullTextUpdate(t *testing.T) {
	store := textStore()
	ix := buildTextIndex(t, store, FullTextOptions{})

	setDoc(t, ix, store, "docs/d2", map[string]any{"body": "the enemy is slow and brown"})
	if got := sortedPaths(query(t, ix, "fulltext:contains", "quick")); got != "docs/d1,docs/d3" {
		t.Errorf("quick: %q", got)
	}
	if got := sortedPaths(query(t, ix, "fulltext:contains", `"slow and brown"`)); got != "docs/d2" {
		t.Errorf("slow and brown: %q", got)
	}
}

// TestOccurrencesTruncated verifies that position metadata is cut at a
// comma once it exceeds the metadata limit.
func TestOccurrencesTruncated(t *testing.T) {
	ix := newTestIndex(t, nil, Config{}, "docs", "body", IndexOptions{Kind: KindFullText})
	values := ix.textValues(strings.Repeat("spam ", 300), "en", nil)
	if len(values) != 1 {
		t.Fatalf("%d values, want 1", len(values))
	}
	occurs := values[0].metadata[occursKey].(string)
	if len(occurs) > MaxPointerPart || strings.HasSuffix(occurs, ",") || !strings.HasPrefix(occurs, "0,1,2,") {
		t.Errorf("occurs = %q (%d bytes)", occurs, len(occurs))
	}
	if bm := positionBitmap(occurs, 0); !bm.Contains(0) || bm.Contains(299) {
		t.Errorf("positions = %v", bm)
	}
}
