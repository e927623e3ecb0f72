// Searching.
//
// Operators with a lower bound (==, >, >=, between) start at the leaf the
// bound routes to; operators with an upper bound stop as soon as a key
// passes it. Everything else is a full scan in key order. Range operators
// only match keys of the parameter's own kind, so `< 5` never matches a
// boolean and `> "m"` never matches a date.
package tree

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Operators understood by Search and Count.
var Operators = []string{
	"<", "<=", "==", "!=", ">=", ">",
	"exists", "!exists",
	"between", "!between",
	"like", "!like",
	"matches", "!matches",
	"in", "!in",
}

// Result is the outcome of a search.
type Result struct {
	Entries []Entry
	Leaves  int // leaves read
	Scanned int // entries examined
}

// Values returns the total number of values across the result entries.
func (r *Result) Values() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Values)
	}
	return n
}

type matcher struct {
	lo, hi       any
	hasLo, hasHi bool
	match        func(key any) bool
}

// Search returns every entry whose key satisfies op against param.
func (t *Tree) Search(op string, param any) (*Result, error) {
	m, err := compile(op, param)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	err = t.scan(m, res, func(e Entry) {
		res.Entries = append(res.Entries, e)
	})
	return res, err
}

// Count returns the number of values whose key satisfies op against param.
func (t *Tree) Count(op string, param any) (int, error) {
	m, err := compile(op, param)
	if err != nil {
		return 0, err
	}
	n := 0
	err = t.scan(m, &Result{}, func(e Entry) {
		n += len(e.Values)
	})
	return n, err
}

// Exclude performs a blacklisting scan. check is called for every entry and
// returns the values it disqualifies; a disqualified record pointer is
// removed from every entry, not only the one that returned it. The result
// holds the remaining values of all entries.
func (t *Tree) Exclude(check func(Entry) []EntryValue) (*Result, error) {
	res := &Result{}
	var all []Entry
	banned := map[string]struct{}{}
	err := t.scan(matcher{match: func(any) bool { return true }}, res, func(e Entry) {
		for _, v := range check(e) {
			banned[string(v.Pointer)] = struct{}{}
		}
		all = append(all, e)
	})
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		kept := e.Values[:0]
		for _, v := range e.Values {
			if _, ok := banned[string(v.Pointer)]; !ok {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			res.Entries = append(res.Entries, Entry{Key: e.Key, Values: kept})
		}
	}
	return res, nil
}

func (t *Tree) scan(m matcher, res *Result, emit func(Entry)) error {
	start := 0
	if m.hasLo {
		start = t.route(m.lo)
	}
	for i := start; i < len(t.leaves); i++ {
		entries, err := t.readLeaf(i)
		if err != nil {
			return err
		}
		res.Leaves++
		for _, e := range entries {
			res.Scanned++
			if m.hasLo && Compare(e.Key, m.lo) < 0 {
				continue
			}
			if m.hasHi && Compare(e.Key, m.hi) > 0 {
				return nil
			}
			if m.match(e.Key) {
				emit(e)
			}
		}
	}
	return nil
}

func compile(op string, param any) (matcher, error) {
	switch op {
	case "exists":
		return matcher{match: func(k any) bool { return k != nil }}, nil
	case "!exists":
		return matcher{match: func(k any) bool { return k == nil }}, nil
	case "in", "!in":
		list, err := normalizeList(op, param)
		if err != nil {
			return matcher{}, err
		}
		set := make(map[string]struct{}, len(list))
		for _, v := range list {
			set[KeyString(v)] = struct{}{}
		}
		neg := op == "!in"
		return matcher{match: func(k any) bool {
			_, ok := set[KeyString(k)]
			return ok != neg
		}}, nil
	case "between", "!between":
		list, err := normalizeList(op, param)
		if err != nil {
			return matcher{}, err
		}
		if len(list) != 2 || !SameKind(list[0], list[1]) {
			return matcher{}, fmt.Errorf("%w: %s needs two values of the same kind", ErrInvalidOp, op)
		}
		lo, hi := list[0], list[1]
		if Compare(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		in := func(k any) bool {
			return SameKind(k, lo) && Compare(k, lo) >= 0 && Compare(k, hi) <= 0
		}
		if op == "between" {
			return matcher{lo: lo, hi: hi, hasLo: true, hasHi: true, match: in}, nil
		}
		return matcher{match: func(k any) bool { return !in(k) }}, nil
	case "like", "!like":
		s, ok := param.(string)
		if !ok {
			return matcher{}, fmt.Errorf("%w: %s needs a string pattern", ErrInvalidOp, op)
		}
		re := Glob(s)
		neg := op == "!like"
		return matcher{match: func(k any) bool {
			ks, ok := k.(string)
			return (ok && re.MatchString(ks)) != neg
		}}, nil
	case "matches", "!matches":
		var re *regexp.Regexp
		switch p := param.(type) {
		case *regexp.Regexp:
			re = p
		case string:
			var err error
			if re, err = regexp.Compile(p); err != nil {
				return matcher{}, fmt.Errorf("%w: %s: %w", ErrInvalidOp, op, err)
			}
		default:
			return matcher{}, fmt.Errorf("%w: %s needs a regular expression", ErrInvalidOp, op)
		}
		neg := op == "!matches"
		return matcher{match: func(k any) bool {
			ks, ok := k.(string)
			return (ok && re.MatchString(ks)) != neg
		}}, nil
	}

	v, ok := Normalize(param)
	if !ok {
		return matcher{}, fmt.Errorf("%w: %s value has unsupported type %T", ErrInvalidOp, op, param)
	}
	same := func(k any) bool { return SameKind(k, v) }
	switch op {
	case "==":
		return matcher{lo: v, hi: v, hasLo: true, hasHi: true, match: func(k any) bool { return Equal(k, v) }}, nil
	case "!=":
		return matcher{match: func(k any) bool { return !Equal(k, v) }}, nil
	case "<":
		return matcher{hi: v, hasHi: true, match: func(k any) bool { return same(k) && Compare(k, v) < 0 }}, nil
	case "<=":
		return matcher{hi: v, hasHi: true, match: func(k any) bool { return same(k) && Compare(k, v) <= 0 }}, nil
	case ">":
		return matcher{lo: v, hasLo: true, match: func(k any) bool { return same(k) && Compare(k, v) > 0 }}, nil
	case ">=":
		return matcher{lo: v, hasLo: true, match: func(k any) bool { return same(k) && Compare(k, v) >= 0 }}, nil
	}
	return matcher{}, fmt.Errorf("%w: %q", ErrInvalidOp, op)
}

func normalizeList(op string, param any) ([]any, error) {
	rv := reflect.ValueOf(param)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %s needs a list", ErrInvalidOp, op)
	}
	out := make([]any, rv.Len())
	for i := range out {
		v, ok := Normalize(rv.Index(i).Interface())
		if !ok {
			return nil, fmt.Errorf("%w: %s value has unsupported type %T", ErrInvalidOp, op, rv.Index(i).Interface())
		}
		out[i] = v
	}
	return out, nil
}

// Glob compiles a like pattern. `*` matches any run of characters, `?`
// matches one; matching is case-insensitive.
func Glob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Validate reports whether op and param form a valid search without
// reading anything.
func Validate(op string, param any) error {
	_, err := compile(op, param)
	return err
}
