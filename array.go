// Array indexes.
//
// An array index stores every unique element of an array value as its own
// key, all sharing the document's record pointer. "contains" with several
// values matches documents holding all of them: the counts of each value
// are taken first and the query starts from the rarest, narrowing with a
// filter at every step. "!contains" is a blacklisting scan, since excluding
// documents holding any of the values cannot be expressed as one key range.
package quire

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jpl-au/quire/tree"
)

func (ix *Index) arrayValues(raw any, locale string, meta map[string]any) []indexValue {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []indexValue
	seen := map[string]struct{}{}
	for _, item := range items {
		k, ok := indexable(item)
		if !ok {
			continue
		}
		if !ix.opts.CaseSensitive {
			k = lower(k, locale)
		}
		ks := tree.KeyString(k)
		if _, dup := seen[ks]; dup {
			continue
		}
		seen[ks] = struct{}{}
		out = append(out, indexValue{key: k, metadata: meta})
	}
	return out
}

// arrayArgs accepts a single value or a list of values.
func arrayArgs(value any) ([]any, error) {
	var values []any
	switch v := value.(type) {
	case []any:
		values = slices.Clone(v)
	case []string:
		for _, s := range v {
			values = append(values, s)
		}
	default:
		values = []any{v}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: contains needs at least one value", ErrInvalidArgument)
	}
	for i, v := range values {
		n, ok := indexable(v)
		if !ok {
			return nil, fmt.Errorf("%w: contains value of type %T", ErrInvalidArgument, v)
		}
		values[i] = n
	}
	return values, nil
}

func (ix *Index) queryArray(ctx context.Context, op string, value any) (*Results, error) {
	values, err := arrayArgs(value)
	if err != nil {
		return nil, err
	}
	stats := newStats(op, value)

	if op == "!contains" {
		banned := make(map[string]struct{}, len(values))
		for _, v := range values {
			if !ix.opts.CaseSensitive {
				v = lower(v, ix.opts.TextLocale)
			}
			banned[tree.KeyString(v)] = struct{}{}
		}
		return ix.exclude(ctx, stats, func(e tree.Entry) []tree.EntryValue {
			if _, ok := banned[tree.KeyString(e.Key)]; ok {
				return e.Values
			}
			return nil
		})
	}

	if len(values) == 1 {
		res, err := ix.search(ctx, "==", values[0])
		if err != nil {
			return nil, err
		}
		stats.step(res.Stats)
		return &Results{Items: res.Items, Stats: stats.stop(res.Len())}, nil
	}

	type counted struct {
		value any
		n     int
	}
	counts := make([]counted, len(values))
	for i, v := range values {
		n, err := ix.count(ctx, "==", v)
		if err != nil {
			return nil, err
		}
		counts[i] = counted{v, n}
	}
	slices.SortStableFunc(counts, func(a, b counted) int { return cmp.Compare(a.n, b.n) })

	var res *Results
	for _, c := range counts {
		if c.n == 0 {
			return &Results{Stats: stats.stop(0)}, nil
		}
		next, err := ix.search(ctx, "==", c.value)
		if err != nil {
			return nil, err
		}
		if res != nil {
			next = next.intersect(res)
		}
		stats.step(next.Stats)
		res = next
		if res.Len() == 0 {
			break
		}
	}
	return &Results{Items: res.Items, Stats: stats.stop(res.Len())}, nil
}
