// Querying.
//
// Query validates the operator against the index kind, normalizes the
// argument the way values were normalized on the way in, and answers from
// the cache or from a search under the read lock. Results are decoded from
// record pointers and de-duplicated by path. An optional filter (a previous
// result set) restricts the results to paths it contains.
package quire

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jpl-au/quire/tree"
)

// Result is one matched document.
type Result struct {
	Key      string         `json:"key"`   // document key
	Path     string         `json:"path"`  // document path
	Value    any            `json:"value"` // indexed value that matched
	Metadata map[string]any `json:"metadata,omitempty"`

	pointer  string
	internal map[string]any // full metadata, including keys hidden from Metadata
}

// Hint types.
const (
	HintMissing = "missing" // a word has no matches
	HintGeneric = "generic" // a word matches too much to narrow the result
	HintIgnored = "ignored" // a word or value was not used
)

// Hint is an advisory about how a query was interpreted.
type Hint struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Reason string `json:"reason,omitempty"`
}

// Results is an ordered set of matches with unique paths.
type Results struct {
	Items []Result `json:"results"`
	Hints []Hint   `json:"hints,omitempty"`
	Stats *Stats   `json:"stats"`
}

// Len returns the number of results.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Items)
}

// Paths returns the result paths in order.
func (r *Results) Paths() []string {
	paths := make([]string, len(r.Items))
	for i, item := range r.Items {
		paths[i] = item.Path
	}
	return paths
}

// QueryOptions modify a query.
type QueryOptions struct {
	Filter *Results // keep only results whose path is in Filter
}

// Query runs op against the index. The result set returned for a repeated
// query is the cached one and must not be modified.
func (ix *Index) Query(ctx context.Context, op string, value any, opts *QueryOptions) (*Results, error) {
	if !slices.Contains(ix.ValidOperators(), op) {
		return nil, fmt.Errorf("%w: %q on %s index", ErrInvalidOperator, op, ix.kind)
	}
	start := time.Now()
	var (
		res *Results
		err error
	)
	switch ix.kind {
	case KindArray:
		res, err = ix.queryArray(ctx, op, value)
	case KindFullText:
		res, err = ix.queryText(ctx, op, value)
	case KindGeo:
		res, err = ix.queryGeo(ctx, value)
	default:
		res, err = ix.search(ctx, op, value)
	}
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.Filter != nil {
		res = res.intersect(opts.Filter)
	}
	QueryCount.WithLabelValues(ix.fileName, op).Inc()
	QueryDuration.WithLabelValues(ix.fileName, op).Observe(time.Since(start).Seconds())
	return res, nil
}

// Count returns the number of values matching op. Counts are cached
// separately from query results.
func (ix *Index) Count(ctx context.Context, op string, value any) (int, error) {
	if ix.kind != KindNormal {
		res, err := ix.Query(ctx, op, value, nil)
		if err != nil {
			return 0, err
		}
		return res.Len(), nil
	}
	if !slices.Contains(tree.Operators, op) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
	return ix.count(ctx, op, value)
}

func (ix *Index) count(ctx context.Context, op string, value any) (int, error) {
	param, err := ix.normalizeParam(op, value)
	if err != nil {
		return 0, err
	}
	key := ix.cacheKey("count:"+op, param)
	if e, ok := ix.cache.get(key); ok {
		return e.count, nil
	}
	var n int
	err = ix.read(ctx, "count", func(t *tree.Tree) error {
		var err error
		if n, err = t.Count(op, param); err != nil {
			return err
		}
		// Cached under the read lock so no write can clear the cache
		// between the read and the put.
		ix.cache.put(key, &cacheEntry{count: n})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// search runs a tree operator with caching. Every kind builds its queries
// from it.
func (ix *Index) search(ctx context.Context, op string, value any) (*Results, error) {
	param, err := ix.normalizeParam(op, value)
	if err != nil {
		return nil, err
	}
	key := ix.cacheKey(op, param)
	if e, ok := ix.cache.get(key); ok {
		return e.results, nil
	}

	stats := newStats(op, value)
	var res *Results
	err = ix.read(ctx, "query", func(t *tree.Tree) error {
		found := &tree.Result{}
		if op != "==" || ix.mayContain(param) {
			var err error
			if found, err = t.Search(op, param); err != nil {
				return err
			}
		}
		res = ix.toResults(found.Entries, stats)
		ix.cache.put(key, &cacheEntry{results: res})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// exclude runs a blacklisting scan. Its results are never cached.
func (ix *Index) exclude(ctx context.Context, stats *Stats, check func(tree.Entry) []tree.EntryValue) (*Results, error) {
	var found *tree.Result
	err := ix.read(ctx, "exclude", func(t *tree.Tree) error {
		var err error
		found, err = t.Exclude(check)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ix.toResults(found.Entries, stats), nil
}

// read runs fn on the tree under the read lock.
func (ix *Index) read(ctx context.Context, label string, fn func(*tree.Tree) error) error {
	ix.mu.Lock()
	switch ix.state {
	case StateInit:
		ix.mu.Unlock()
		return ErrNotBuilt
	case StateRemoved:
		ix.mu.Unlock()
		return ErrIndexRemoved
	case StateError:
		err := ix.buildErr
		ix.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
	req := ix.locks.request(LockShared, label)
	ix.mu.Unlock()

	l, err := ix.locks.wait(ctx, req)
	if err != nil {
		return err
	}
	defer l.Release()
	t, err := ix.currentTree()
	if err != nil {
		return err
	}
	if err := ix.flock.Lock(LockShared); err != nil {
		return fmt.Errorf("query: lock file: %w", err)
	}
	defer ix.flock.Unlock()
	return fn(t)
}

// normalizeParam validates a tree operator argument and lowercases strings
// for case-insensitive indexes. Regular expressions are left alone.
func (ix *Index) normalizeParam(op string, value any) (any, error) {
	param := value
	if !ix.opts.CaseSensitive && !strings.HasSuffix(op, "matches") {
		param = ix.lowerParam(value)
	}
	if err := tree.Validate(op, param); err != nil {
		if errors.Is(err, tree.ErrInvalidOp) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return nil, err
	}
	return param, nil
}

func (ix *Index) lowerParam(value any) any {
	switch v := value.(type) {
	case string:
		return lowerString(v, ix.opts.TextLocale)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ix.lowerParam(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = lowerString(item, ix.opts.TextLocale)
		}
		return out
	}
	return value
}

// cacheKey digests an operator and its argument.
func (ix *Index) cacheKey(op string, param any) string {
	b := append([]byte(op), 0)
	b = appendCacheValue(b, param)
	return digest(b, ix.cfg.HashAlgorithm)
}

func appendCacheValue(b []byte, v any) []byte {
	switch x := v.(type) {
	case *regexp.Regexp:
		return append(append(b, 'r'), x.String()...)
	case []any:
		b = append(b, '[')
		for _, item := range x {
			b = appendCacheValue(b, item)
		}
		return append(b, ']')
	}
	if n, ok := tree.Normalize(v); ok {
		enc, _ := tree.AppendValue(b, n)
		return enc
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		b = append(b, '[')
		for i := range rv.Len() {
			b = appendCacheValue(b, rv.Index(i).Interface())
		}
		return append(b, ']')
	}
	return fmt.Appendf(b, "%#v", v)
}

// toResults decodes entries into results, keeping the first occurrence of
// each path.
func (ix *Index) toResults(entries []tree.Entry, stats *Stats) *Results {
	res := &Results{Stats: stats}
	seen := map[string]struct{}{}
	internal := ix.internalKeys()
	for _, e := range entries {
		for _, v := range e.Values {
			if _, dup := seen[string(v.Pointer)]; dup {
				continue
			}
			seen[string(v.Pointer)] = struct{}{}
			p, err := decodePointer(ix.path, v.Pointer)
			if err != nil {
				ix.log.Warn("undecodable record pointer", "error", err)
				continue
			}
			res.Items = append(res.Items, Result{
				Key:      p.Key,
				Path:     p.Path,
				Value:    e.Key,
				Metadata: publicMetadata(v.Metadata, internal),
				pointer:  string(v.Pointer),
				internal: v.Metadata,
			})
		}
	}
	stats.stop(len(res.Items))
	return res
}

// intersect keeps the results whose path is also in filter, in result
// order. The lookup table is built over the smaller side.
func (r *Results) intersect(filter *Results) *Results {
	stats := newStats("filter", filter.Len())
	stats.Steps = []*Stats{r.Stats}
	out := &Results{Hints: r.Hints, Stats: stats}

	if len(filter.Items) <= len(r.Items) {
		keep := make(map[string]struct{}, len(filter.Items))
		for _, item := range filter.Items {
			keep[item.Path] = struct{}{}
		}
		for _, item := range r.Items {
			if _, ok := keep[item.Path]; ok {
				out.Items = append(out.Items, item)
			}
		}
	} else {
		pos := make(map[string]int, len(r.Items))
		for i, item := range r.Items {
			pos[item.Path] = i
		}
		var idx []int
		for _, item := range filter.Items {
			if i, ok := pos[item.Path]; ok {
				idx = append(idx, i)
				delete(pos, item.Path)
			}
		}
		slices.Sort(idx)
		for _, i := range idx {
			out.Items = append(out.Items, r.Items[i])
		}
	}
	stats.stop(len(out.Items))
	return out
}

// Take returns n results after skipping skip, walking the keys in
// ascending or descending order from one end of the tree.
func (ix *Index) Take(ctx context.Context, skip, n int, ascending bool) (*Results, error) {
	if skip < 0 || n < 0 {
		return nil, fmt.Errorf("%w: take(%d, %d)", ErrInvalidArgument, skip, n)
	}
	stats := newStats("take", skip, n, ascending)
	res := &Results{Stats: stats}
	internal := ix.internalKeys()

	err := ix.read(ctx, "take", func(t *tree.Tree) error {
		seen := map[string]struct{}{}
		leaf, err := t.FirstLeaf()
		if !ascending {
			leaf, err = t.LastLeaf()
		}
		for ; err == nil && leaf != nil && len(res.Items) < n; leaf, err = step(leaf, ascending) {
			stats.step(newStats("leaf", len(leaf.Entries))).stop(len(res.Items))
			for i := range leaf.Entries {
				e := leaf.Entries[i]
				if !ascending {
					e = leaf.Entries[len(leaf.Entries)-1-i]
				}
				for _, v := range e.Values {
					if _, dup := seen[string(v.Pointer)]; dup {
						continue
					}
					seen[string(v.Pointer)] = struct{}{}
					if skip > 0 {
						skip--
						continue
					}
					if len(res.Items) == n {
						return nil
					}
					p, err := decodePointer(ix.path, v.Pointer)
					if err != nil {
						return err
					}
					res.Items = append(res.Items, Result{
						Key:      p.Key,
						Path:     p.Path,
						Value:    e.Key,
						Metadata: publicMetadata(v.Metadata, internal),
						pointer:  string(v.Pointer),
					})
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	stats.stop(len(res.Items))
	QueryCount.WithLabelValues(ix.fileName, "take").Inc()
	return res, nil
}

func step(l *tree.Leaf, ascending bool) (*tree.Leaf, error) {
	if ascending {
		return l.Next()
	}
	return l.Prev()
}
