package quire

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestQueryOperators(t *testing.T) {
	store := newTestStore()
	store.set("p/a", map[string]any{"v": 1.0})
	store.set("p/b", map[string]any{"v": 2.0})
	store.set("p/c", map[string]any{"v": 3.0})
	store.set("p/d", map[string]any{"v": "Delta"})
	store.set("p/e", map[string]any{"v": "echo"})
	store.set("p/f", map[string]any{"v": true})
	store.set("p/g", map[string]any{"v": time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)})
	store.set("p/h", map[string]any{"other": 1.0})
	ix := buildTestIndex(t, store, Config{}, "p", "v", IndexOptions{})

	tests := []struct {
		op    string
		value any
		want  string
	}{
		{"==", 2, "p/b"},
		{"!=", 2, "p/a,p/c,p/d,p/e,p/f,p/g"},
		{"<", 3, "p/a,p/b"},
		{"<=", 3, "p/a,p/b,p/c"},
		{">", 1, "p/b,p/c"},
		{">=", "e", "p/e"},
		{"between", []any{2, 3}, "p/b,p/c"},
		{"!between", []any{2, 3}, "p/a,p/d,p/e,p/f,p/g"},
		{"in", []any{1, "DELTA"}, "p/a,p/d"},
		{"!in", []any{1, 2, 3}, "p/d,p/e,p/f,p/g"},
		{"like", "d*", "p/d"},
		{"!like", "*e*", "p/a,p/b,p/c,p/f,p/g"},
		{"matches", "^ec", "p/e"},
		{"matches", regexp.MustCompile("a$"), "p/d"},
		{"!matches", "^[de]", "p/a,p/b,p/c,p/f,p/g"},
		{"exists", nil, "p/a,p/b,p/c,p/d,p/e,p/f,p/g"},
		{"==", true, "p/f"},
		{">", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "p/g"},
	}
	for _, tt := range tests {
		if got := sortedPaths(query(t, ix, tt.op, tt.value)); got != tt.want {
			t.Errorf("%s %v: %q, want %q", tt.op, tt.value, got, tt.want)
		}
	}
}

func TestQueryCaseSensitive(t *testing.T) {
	store := usersStore()
	ix := buildTestIndex(t, store, Config{}, "users", "name", IndexOptions{CaseSensitive: true})
	if got := query(t, ix, "==", "ann").Len(); got != 0 {
		t.Errorf("== ann on a case-sensitive index: %d results", got)
	}
	if got := sortedPaths(query(t, ix, "==", "Ann")); got != "users/u1" {
		t.Errorf("== Ann: %q", got)
	}
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	ix := buildTestIndex(t, usersStore(), Config{}, "users", "age", IndexOptions{})
	if _, err := ix.Query(ctx, "contains", 1, nil); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("contains: err = %v, want ErrInvalidOperator", err)
	}
	if _, err := ix.Query(ctx, "between", []any{1}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("between [1]: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ix.Query(ctx, "like", 5, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("like 5: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ix.Take(ctx, -1, 1, true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Take(-1): err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ix.Count(ctx, "geo:nearby", nil); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("Count(geo:nearby): err = %v, want ErrInvalidOperator", err)
	}
}

// TestQueryFilter intersects two indexes over the same documents.
func TestQueryFilter(t *testing.T) {
	store := usersStore()
	byAge := buildTestIndex(t, store, Config{}, "users", "age", IndexOptions{})
	byCity := buildTestIndex(t, store, Config{}, "users", "city", IndexOptions{})

	oslo := query(t, byCity, "==", "oslo")
	res, err := byAge.Query(context.Background(), ">=", 25, &QueryOptions{Filter: oslo})
	if err != nil {
		t.Fatal(err)
	}
	if got := sortedPaths(res); got != "users/u3" {
		t.Errorf("age >= 25 in Oslo: %q", got)
	}
	if len(res.Stats.Steps) != 1 || res.Stats.Type != "filter" {
		t.Errorf("stats = %s", res.Stats)
	}

	// Filter larger than the result; order must follow the result.
	all := query(t, byCity, "exists", nil)
	ordered := query(t, byAge, "exists", nil)
	res = ordered.intersect(all)
	if res.Len() != 3 {
		t.Fatalf("intersect with superset: %d results", res.Len())
	}
	for i, item := range res.Items {
		if item.Path != ordered.Items[i].Path {
			t.Errorf("item %d = %s, want %s", i, item.Path, ordered.Items[i].Path)
		}
	}
}

func TestTakeDeduplicatesPaths(t *testing.T) {
	store := newTestStore()
	store.set("t/a", map[string]any{"tags": []any{"x", "y", "z"}})
	store.set("t/b", map[string]any{"tags": []any{"y"}})
	ix := buildTestIndex(t, store, Config{}, "t", "tags", IndexOptions{Kind: KindArray})

	res, err := ix.Take(context.Background(), 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := sortedPaths(res); got != "t/a,t/b" {
		t.Errorf("Take: %q", got)
	}
}
