// Record pointers.
//
// Every index value carries a pointer back to the document it came from.
// Rather than the full path, the pointer stores only the parts that vary:
// the values bound to each wildcard segment of the index path, and the
// document's own key. The layout is
//
//	count(1) [len(1) wildcard]... len(1) key
//
// Lengths are single bytes, so values longer than 255 bytes cannot be
// encoded. encodePointer reports them; callers skip such documents.
package quire

import (
	"fmt"
	"strings"
)

// MaxPointerPart is the longest wildcard value or key a pointer can hold.
const MaxPointerPart = 255

// Pointer is a decoded record pointer.
type Pointer struct {
	Path      string   // absolute document path
	Key       string   // document key (last path segment)
	Wildcards []string // values bound to the index path's wildcards
}

func encodePointer(wildcards []string, key string) ([]byte, error) {
	if len(wildcards) > MaxPointerPart {
		return nil, fmt.Errorf("%w: %d wildcards", ErrInvalidPath, len(wildcards))
	}
	n := 2 + len(key)
	for _, w := range wildcards {
		if len(w) > MaxPointerPart {
			return nil, fmt.Errorf("%w: wildcard value longer than %d bytes", ErrInvalidPath, MaxPointerPart)
		}
		n += 1 + len(w)
	}
	if len(key) > MaxPointerPart {
		return nil, fmt.Errorf("%w: key longer than %d bytes", ErrInvalidPath, MaxPointerPart)
	}

	b := make([]byte, 0, n)
	b = append(b, byte(len(wildcards)))
	for _, w := range wildcards {
		b = append(b, byte(len(w)))
		b = append(b, w...)
	}
	b = append(b, byte(len(key)))
	return append(b, key...), nil
}

// decodePointer reverses encodePointer and rebuilds the document path by
// substituting each wildcard segment of template, left to right.
func decodePointer(template string, b []byte) (Pointer, error) {
	if len(b) < 2 {
		return Pointer{}, fmt.Errorf("record pointer: %d bytes", len(b))
	}
	count := int(b[0])
	off := 1
	wildcards := make([]string, count)
	for i := range count {
		if off >= len(b) {
			return Pointer{}, fmt.Errorf("record pointer: truncated wildcard %d", i)
		}
		n := int(b[off])
		off++
		if off+n > len(b) {
			return Pointer{}, fmt.Errorf("record pointer: truncated wildcard %d", i)
		}
		wildcards[i] = string(b[off : off+n])
		off += n
	}
	if off >= len(b) {
		return Pointer{}, fmt.Errorf("record pointer: missing key")
	}
	n := int(b[off])
	off++
	if off+n != len(b) {
		return Pointer{}, fmt.Errorf("record pointer: key length %d, %d bytes left", n, len(b)-off)
	}
	key := string(b[off:])

	segments := splitPath(template)
	w := 0
	for i, s := range segments {
		if isWildcard(s) {
			if w >= len(wildcards) {
				return Pointer{}, fmt.Errorf("record pointer: %d wildcards for template %q", count, template)
			}
			segments[i] = wildcards[w]
			w++
		}
	}
	segments = append(segments, key)
	return Pointer{Path: strings.Join(segments, "/"), Key: key, Wildcards: wildcards}, nil
}

// isWildcard reports whether a path segment matches any child: "*" or a
// named variable such as "$uid".
func isWildcard(segment string) bool {
	return segment == "*" || strings.HasPrefix(segment, "$")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// normalizePath trims slashes and drops trailing wildcard segments.
func normalizePath(path string) string {
	segments := splitPath(path)
	for len(segments) > 0 && isWildcard(segments[len(segments)-1]) {
		segments = segments[:len(segments)-1]
	}
	return strings.Join(segments, "/")
}

// matchRecord checks that path names a document directly under template
// and returns the wildcard values and the document key.
func matchRecord(template, path string) ([]string, string, bool) {
	tseg := splitPath(template)
	pseg := splitPath(path)
	if len(pseg) != len(tseg)+1 {
		return nil, "", false
	}
	var wildcards []string
	for i, s := range tseg {
		switch {
		case isWildcard(s):
			wildcards = append(wildcards, pseg[i])
		case s != pseg[i]:
			return nil, "", false
		}
	}
	return wildcards, pseg[len(pseg)-1], true
}
