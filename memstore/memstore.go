// Package memstore is an in-memory document tree implementing
// quire.Storage. Nodes are map[string]any objects, []any arrays and
// scalars, addressed by slash-separated paths.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/jpl-au/quire"
)

// ErrNotObject is returned when a path runs through a value that is not an
// object.
var ErrNotObject = errors.New("path runs through a non-object value")

// Store is a concurrency-safe document tree.
type Store struct {
	mu   sync.RWMutex
	root map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{root: map[string]any{}}
}

// FromJSON loads a store from a JSON object.
func FromJSON(data []byte) (*Store, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return &Store{root: root}, nil
}

// MarshalJSON encodes the whole tree.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.root)
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// lookup returns the node at path. Called with mu held.
func (s *Store) lookup(path string) (any, bool) {
	var node any = s.root
	for _, seg := range segments(path) {
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

// Get returns a copy of the node at path, or nil.
func (s *Store) Get(path string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _ := s.lookup(path)
	return clone(v)
}

// Set stores value at path, creating intermediate objects, and returns the
// previous value. A nil value removes the node.
func (s *Store) Set(path string, value any) (any, error) {
	segs := segments(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("memstore: set: empty path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.root
	for i, seg := range segs[:len(segs)-1] {
		next, ok := parent[seg]
		if !ok {
			if value == nil {
				return nil, nil
			}
			child := map[string]any{}
			parent[seg] = child
			parent = child
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("memstore: set %s: %w at %s", path, ErrNotObject, strings.Join(segs[:i+1], "/"))
		}
		parent = m
	}
	last := segs[len(segs)-1]
	old := parent[last]
	if value == nil {
		delete(parent, last)
	} else {
		parent[last] = clone(value)
	}
	return old, nil
}

// Children yields the children of the object at path in key order.
func (s *Store) Children(ctx context.Context, path string) iter.Seq2[quire.NodeInfo, error] {
	return func(yield func(quire.NodeInfo, error) bool) {
		s.mu.RLock()
		node, _ := s.lookup(path)
		m, ok := node.(map[string]any)
		if !ok {
			s.mu.RUnlock()
			return
		}
		children := make([]quire.NodeInfo, 0, len(m))
		for _, k := range slices.Sorted(maps.Keys(m)) {
			info := quire.NodeInfo{Key: k, Type: typeOf(m[k])}
			if info.Type != quire.TypeObject && info.Type != quire.TypeArray {
				info.Value = m[k]
			}
			children = append(children, info)
		}
		s.mu.RUnlock()

		for _, c := range children {
			if err := ctx.Err(); err != nil {
				yield(quire.NodeInfo{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Value returns a copy of the node at path. For objects a non-empty include
// keeps only those children.
func (s *Store) Value(ctx context.Context, path string, include []string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.lookup(path)
	if !ok {
		return nil, nil
	}
	m, isObject := node.(map[string]any)
	if !isObject || len(include) == 0 {
		return clone(node), nil
	}
	out := make(map[string]any, len(include))
	for _, k := range include {
		if v, ok := m[k]; ok {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func typeOf(v any) quire.ValueType {
	switch v.(type) {
	case map[string]any:
		return quire.TypeObject
	case []any:
		return quire.TypeArray
	case bool:
		return quire.TypeBoolean
	case string:
		return quire.TypeString
	case time.Time:
		return quire.TypeDateTime
	case []byte:
		return quire.TypeBinary
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return quire.TypeNumber
	}
	return quire.TypeReference
}

func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = clone(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = clone(item)
		}
		return out
	case []byte:
		return slices.Clone(x)
	}
	return v
}
