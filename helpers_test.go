package quire

import (
	"context"
	"iter"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// testStore is a minimal document tree. The memstore package cannot be
// used here since it imports quire.
type testStore struct {
	mu   sync.RWMutex
	root map[string]any
}

func newTestStore() *testStore {
	return &testStore{root: map[string]any{}}
}

// set stores v at path and returns the previous value. nil removes it.
func (s *testStore) set(path string, v any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := splitPath(path)
	parent := s.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			parent[seg] = next
		}
		parent = next
	}
	last := segs[len(segs)-1]
	old := parent[last]
	if v == nil {
		delete(parent, last)
	} else {
		parent[last] = v
	}
	return old
}

func (s *testStore) node(path string) (any, bool) {
	var node any = s.root
	for _, seg := range splitPath(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return node, true
}

func (s *testStore) Children(ctx context.Context, path string) iter.Seq2[NodeInfo, error] {
	return func(yield func(NodeInfo, error) bool) {
		s.mu.RLock()
		node, _ := s.node(path)
		m, _ := node.(map[string]any)
		var out []NodeInfo
		for _, k := range slices.Sorted(maps.Keys(m)) {
			info := NodeInfo{Key: k}
			switch v := m[k].(type) {
			case map[string]any:
				info.Type = TypeObject
			case []any:
				info.Type = TypeArray
			case string:
				info.Type, info.Value = TypeString, v
			case bool:
				info.Type, info.Value = TypeBoolean, v
			case time.Time:
				info.Type, info.Value = TypeDateTime, v
			default:
				info.Type, info.Value = TypeNumber, v
			}
			out = append(out, info)
		}
		s.mu.RUnlock()
		for _, info := range out {
			if !yield(info, ctx.Err()) {
				return
			}
		}
	}
}

func (s *testStore) Value(ctx context.Context, path string, include []string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.node(path)
	if !ok {
		return nil, nil
	}
	m, isObject := node.(map[string]any)
	if !isObject || len(include) == 0 {
		return node, nil
	}
	out := map[string]any{}
	for _, k := range include {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// usersStore holds three users aged 20, 30 and 30.
func usersStore() *testStore {
	s := newTestStore()
	s.set("users/u1", map[string]any{"name": "Ann", "age": 20.0, "city": "Oslo"})
	s.set("users/u2", map[string]any{"name": "Bob", "age": 30.0, "city": "Rome"})
	s.set("users/u3", map[string]any{"name": "Cid", "age": 30.0, "city": "Oslo"})
	return s
}

func openTestRoot(t *testing.T) *os.Root {
	t.Helper()
	root, err := os.OpenRoot(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRoot: %v", err)
	}
	t.Cleanup(func() { root.Close() })
	return root
}

// newTestIndex creates an unbuilt index in a fresh directory.
func newTestIndex(t *testing.T, store Storage, cfg Config, path, key string, opts IndexOptions) *Index {
	t.Helper()
	ix, err := newIndex(openTestRoot(t), store, cfg.withDefaults(), path, key, opts)
	if err != nil {
		t.Fatalf("newIndex: %v", err)
	}
	t.Cleanup(func() { ix.close() })
	return ix
}

// buildTestIndex creates and builds an index.
func buildTestIndex(t *testing.T, store Storage, cfg Config, path, key string, opts IndexOptions) *Index {
	t.Helper()
	ix := newTestIndex(t, store, cfg, path, key, opts)
	if err := ix.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ix
}

// setDoc writes a document and passes the change to ix.
func setDoc(t *testing.T, ix *Index, store *testStore, path string, doc any) {
	t.Helper()
	old := store.set(path, doc)
	if err := ix.HandleRecordUpdate(context.Background(), path, old, doc); err != nil {
		t.Fatalf("HandleRecordUpdate(%s): %v", path, err)
	}
}

func query(t *testing.T, ix *Index, op string, value any) *Results {
	t.Helper()
	res, err := ix.Query(context.Background(), op, value, nil)
	if err != nil {
		t.Fatalf("Query(%s, %v): %v", op, value, err)
	}
	return res
}

// sortedPaths returns the result paths in lexical order.
func sortedPaths(res *Results) string {
	paths := res.Paths()
	slices.Sort(paths)
	return strings.Join(paths, ",")
}
