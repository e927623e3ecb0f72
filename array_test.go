package quire

import (
	"context"
	"errors"
	"testing"
)

func tagStore() *testStore {
	s := newTestStore()
	s.set("posts/p1", map[string]any{"tags": []any{"Go", "db", "go"}})
	s.set("posts/p2", map[string]any{"tags": []any{"go", "web"}})
	s.set("posts/p3", map[string]any{"tags": []any{"db", 7.0}})
	s.set("posts/p4", map[string]any{"tags": "go"})
	s.set("posts/p5", map[string]any{"tags": []any{}})
	return s
}

func TestArrayContains(t *testing.T) {
	ix := buildTestIndex(t, tagStore(), Config{}, "posts", "tags", IndexOptions{Kind: KindArray})

	if info := ix.Info(); info.Entries != 4 || info.Values != 6 {
		t.Errorf("Info = %+v, want 4 entries and 6 values", info)
	}
	tests := []struct {
		op    string
		value any
		want  string
	}{
		{"contains", "GO", "posts/p1,posts/p2"},
		{"contains", []any{"go", "db"}, "posts/p1"},
		{"contains", []string{"db", "go", "web"}, ""},
		{"contains", []any{"nope", "go"}, ""},
		{"contains", 7, "posts/p3"},
		{"!contains", "go", "posts/p3"},
		{"!contains", []any{"web", 7}, "posts/p1"},
	}
	for _, tt := range tests {
		if got := sortedPaths(query(t, ix, tt.op, tt.value)); got != tt.want {
			t.Errorf("%s %v: %q, want %q", tt.op, tt.value, got, tt.want)
		}
	}
}

func TestArrayUpdate(t *testing.T) {
	store := tagStore()
	ix := buildTestIndex(t, store, Config{}, "posts", "tags", IndexOptions{Kind: KindArray})

	setDoc(t, ix, store, "posts/p2", map[string]any{"tags": []any{"web", "db"}})
	if got := sortedPaths(query(t, ix, "contains", "go")); got != "posts/p1" {
		t.Errorf("contains go: %q", got)
	}
	if got := sortedPaths(query(t, ix, "contains", []any{"db", "web"})); got != "posts/p2" {
		t.Errorf("contains db, web: %q", got)
	}
}

func TestArrayInvalid(t *testing.T) {
	ctx := context.Background()
	ix := buildTestIndex(t, tagStore(), Config{}, "posts", "tags", IndexOptions{Kind: KindArray})
	if _, err := ix.Query(ctx, "contains", []any{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty list: err = %v", err)
	}
	if _, err := ix.Query(ctx, "contains", map[string]any{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("object: err = %v", err)
	}
	if _, err := ix.Query(ctx, "==", "go", nil); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("==: err = %v", err)
	}
}
