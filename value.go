package quire

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jpl-au/quire/tree"
)

// DefaultLocale is used for lowercasing when an index sets no locale.
const DefaultLocale = "en"

// indexable reports whether v can be stored as a key: a string, number,
// boolean or time. nil and composite values are not indexable.
func indexable(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	n, ok := tree.Normalize(v)
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// metadataValue converts v for storage as metadata. Values with no storable
// form become undefined.
func metadataValue(v any) any {
	n, ok := tree.Normalize(v)
	if !ok {
		return nil
	}
	return n
}

// lower applies locale-aware lowercasing to strings and leaves every other
// value alone.
func lower(v any, locale string) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return lowerString(s, locale)
}

func lowerString(s, locale string) string {
	if locale == "" {
		locale = DefaultLocale
	}
	return cases.Lower(language.Make(locale)).String(s)
}

// valuesEqual compares two document values deeply. Scalars compare by kind
// and value, so 30 and 30.0 are equal.
func valuesEqual(a, b any) bool {
	na, oka := tree.Normalize(a)
	nb, okb := tree.Normalize(b)
	if oka && okb {
		return tree.Equal(na, nb)
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func metadataEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !valuesEqual(v, w) {
			return false
		}
	}
	return true
}

// childValue returns doc[key] when doc is an object.
func childValue(doc any, key string) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

// dedupe returns keys without repeats or empty strings, in first-seen order.
func dedupe(keys []string) []string {
	var out []string
	for _, k := range keys {
		if k != "" && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func toFloat(v any) (float64, bool) {
	n, ok := tree.Normalize(v)
	if !ok {
		return 0, false
	}
	f, ok := n.(float64)
	return f, ok
}

// publicMetadata copies m without the internal keys a kind stores for itself.
func publicMetadata(m map[string]any, internal []string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := maps.Clone(m)
	for _, k := range internal {
		delete(out, k)
	}
	return out
}
