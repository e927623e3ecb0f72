package quire

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestPointerRoundTrip(t *testing.T) {
	tests := []struct {
		template  string
		wildcards []string
		key       string
		want      string
	}{
		{"users", nil, "u1", "users/u1"},
		{"users/*/posts", []string{"u1"}, "p9", "users/u1/posts/p9"},
		{"orgs/$org/teams/*/members", []string{"acme", "core"}, "m", "orgs/acme/teams/core/members/m"},
		{"", nil, "top", "top"},
	}
	for _, tt := range tests {
		b, err := encodePointer(tt.wildcards, tt.key)
		if err != nil {
			t.Fatalf("encodePointer(%v, %q): %v", tt.wildcards, tt.key, err)
		}
		p, err := decodePointer(tt.template, b)
		if err != nil {
			t.Fatalf("decodePointer(%q): %v", tt.template, err)
		}
		if p.Path != tt.want || p.Key != tt.key {
			t.Errorf("decoded %q/%q, want %q/%q", p.Path, p.Key, tt.want, tt.key)
		}
		if !slices.Equal(p.Wildcards, tt.wildcards) && len(tt.wildcards) > 0 {
			t.Errorf("wildcards = %v, want %v", p.Wildcards, tt.wildcards)
		}
	}
}

// TestPointerTooLong verifies that parts over 255 bytes are rejected
// rather than truncated.
func TestPointerTooLong(t *testing.T) {
	long := strings.Repeat("k", MaxPointerPart+1)
	if _, err := encodePointer(nil, long); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("long key: err = %v, want ErrInvalidPath", err)
	}
	if _, err := encodePointer([]string{long}, "k"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("long wildcard: err = %v, want ErrInvalidPath", err)
	}
	if _, err := encodePointer(nil, strings.Repeat("k", MaxPointerPart)); err != nil {
		t.Errorf("255 byte key: %v", err)
	}
}

func TestDecodePointerTruncated(t *testing.T) {
	b, _ := encodePointer([]string{"u1"}, "p1")
	for n := range len(b) {
		if _, err := decodePointer("users/*/posts", b[:n]); err == nil {
			t.Errorf("decode of %d/%d bytes succeeded", n, len(b))
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/users/":         "users",
		"users/*":         "users",
		"users/*/posts/*": "users/*/posts",
		"users/$uid":      "users",
		"":                "",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchRecord(t *testing.T) {
	wildcards, key, ok := matchRecord("users/*/posts", "users/u1/posts/p1")
	if !ok || key != "p1" || !slices.Equal(wildcards, []string{"u1"}) {
		t.Errorf("match = %v %q %v", wildcards, key, ok)
	}
	for _, path := range []string{"users/u1/posts", "users/u1/comments/c1", "users/u1/posts/p1/x"} {
		if _, _, ok := matchRecord("users/*/posts", path); ok {
			t.Errorf("%s matched users/*/posts", path)
		}
	}
}

func TestIndexFileName(t *testing.T) {
	tests := []struct {
		path, key string
		include   []string
		kind      Kind
		want      string
	}{
		{"users", "age", nil, KindNormal, "users-age.idx"},
		{"users/*/posts", "title", []string{"date"}, KindNormal, "users-#-posts-title,date.idx"},
		{"users", "tags", nil, KindArray, "users-tags.array.idx"},
		{"shops", "location", nil, KindGeo, "shops-location.geo.idx"},
		{"a b", "{key}", nil, KindNormal, "a_b-_key_.idx"},
	}
	for _, tt := range tests {
		if got := indexFileName(tt.path, tt.key, tt.include, tt.kind, AlgXXHash3); got != tt.want {
			t.Errorf("indexFileName(%q, %q) = %q, want %q", tt.path, tt.key, got, tt.want)
		}
	}

	long := indexFileName(strings.Repeat("segment/", 40), "key", nil, KindFullText, AlgXXHash3)
	if len(long) > 160+len(".fulltext.idx") || !strings.HasSuffix(long, ".fulltext.idx") {
		t.Errorf("long name %q", long)
	}
}
