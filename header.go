// Index file header.
//
// Every index file starts with a header padded to a multiple of HeaderBlock
// bytes so that the tree payload begins block aligned:
//
//	signature(10) version(1) length(4) info tree-table padding
//
// The info block is self-describing: a count, then for each item a key and
// a tagged value (string/number/boolean/array/undefined). It records the
// index definition so a reopened file reproduces the index exactly. The
// tree table lists each payload with its offset and byte length relative
// to the end of the header, plus its own info block.
//
// All numeric fields have fixed widths, so a header re-encoded with real
// payload counts has the same length as the placeholder written before the
// payload. writeIndexFile relies on this to backfill the header in place.
package quire

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
)

const (
	// Signature opens every index file.
	Signature = "QUIREINDEX"

	// FormatVersion is the layout version written by this package.
	FormatVersion = 1

	// HeaderBlock is the alignment of the tree payload.
	HeaderBlock = 4096
)

// Info value tags.
const (
	infoUndefined = 0
	infoString    = 1
	infoNumber    = 2
	infoBoolean   = 3
	infoArray     = 4
)

// Header is the decoded index file header.
type Header struct {
	Type          string         // index kind name
	Path          string         // normalized index path
	Key           string         // indexed key
	Include       []string       // included metadata keys
	CaseSensitive bool           // string values keep their case
	Locale        string         // default text locale
	LocaleKey     string         // per-document locale key
	Options       map[string]any // kind-specific settings
	Trees         []TreeLocation
	Length        int // padded header length (set by decode and encode)
}

// TreeLocation locates one tree payload.
type TreeLocation struct {
	Name    string
	Offset  uint32 // relative to the end of the header
	Length  uint32
	Class   string
	Version int
	Entries int
	Values  int
}

type infoItem struct {
	key   string
	value any
}

// encode serializes the header, padded to a HeaderBlock multiple.
func (h *Header) encode() ([]byte, error) {
	info := []infoItem{
		{"type", h.Type},
		{"version", float64(FormatVersion)},
		{"path", h.Path},
		{"key", h.Key},
		{"include", h.Include},
		{"caseSensitive", h.CaseSensitive},
		{"locale", h.Locale},
		{"localeKey", h.LocaleKey},
	}
	for _, k := range slices.Sorted(maps.Keys(h.Options)) {
		info = append(info, infoItem{"option." + k, h.Options[k]})
	}

	buf := make([]byte, 0, HeaderBlock)
	buf = append(buf, Signature...)
	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, 0) // length, patched below

	var err error
	if buf, err = appendInfo(buf, info); err != nil {
		return nil, err
	}

	if len(h.Trees) > 255 {
		return nil, fmt.Errorf("header: %d trees", len(h.Trees))
	}
	buf = append(buf, byte(len(h.Trees)))
	for _, t := range h.Trees {
		if buf, err = appendShortString(buf, t.Name); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, t.Offset)
		buf = binary.BigEndian.AppendUint32(buf, t.Length)
		if buf, err = appendInfo(buf, []infoItem{
			{"class", t.Class},
			{"version", float64(t.Version)},
			{"entries", float64(t.Entries)},
			{"values", float64(t.Values)},
		}); err != nil {
			return nil, err
		}
	}

	length := (len(buf) + HeaderBlock - 1) / HeaderBlock * HeaderBlock
	buf = append(buf, make([]byte, length-len(buf))...)
	binary.BigEndian.PutUint32(buf[len(Signature)+1:], uint32(length))
	h.Length = length
	return buf, nil
}

// decodeHeader parses a header from the start of an index file.
func decodeHeader(b []byte) (*Header, error) {
	fixed := len(Signature) + 1 + 4
	if len(b) < fixed || string(b[:len(Signature)]) != Signature {
		return nil, ErrCorruptHeader
	}
	if v := b[len(Signature)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	length := int(binary.BigEndian.Uint32(b[len(Signature)+1:]))
	if length < fixed || length > len(b) {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptHeader, length)
	}
	r := &infoReader{b: b[:length], off: fixed}

	info, err := r.info()
	if err != nil {
		return nil, err
	}
	h := &Header{Length: length, Options: map[string]any{}}
	for _, it := range info {
		switch it.key {
		case "type":
			h.Type, _ = it.value.(string)
		case "path":
			h.Path, _ = it.value.(string)
		case "key":
			h.Key, _ = it.value.(string)
		case "include":
			h.Include = toStrings(it.value)
		case "caseSensitive":
			h.CaseSensitive, _ = it.value.(bool)
		case "locale":
			h.Locale, _ = it.value.(string)
		case "localeKey":
			h.LocaleKey, _ = it.value.(string)
		default:
			if name, ok := strings.CutPrefix(it.key, "option."); ok {
				h.Options[name] = it.value
			}
		}
	}

	count, err := r.byte()
	if err != nil {
		return nil, err
	}
	for range count {
		var t TreeLocation
		if t.Name, err = r.shortString(); err != nil {
			return nil, err
		}
		if t.Offset, err = r.uint32(); err != nil {
			return nil, err
		}
		if t.Length, err = r.uint32(); err != nil {
			return nil, err
		}
		ti, err := r.info()
		if err != nil {
			return nil, err
		}
		for _, it := range ti {
			switch it.key {
			case "class":
				t.Class, _ = it.value.(string)
			case "version":
				t.Version = toInt(it.value)
			case "entries":
				t.Entries = toInt(it.value)
			case "values":
				t.Values = toInt(it.value)
			}
		}
		h.Trees = append(h.Trees, t)
	}
	return h, nil
}

func appendShortString(b []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("header: name %q too long", s)
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}

func appendInfo(b []byte, items []infoItem) ([]byte, error) {
	if len(items) > 255 {
		return nil, fmt.Errorf("header: %d info items", len(items))
	}
	b = append(b, byte(len(items)))
	var err error
	for _, it := range items {
		if b, err = appendShortString(b, it.key); err != nil {
			return nil, err
		}
		if b, err = appendInfoValue(b, it.value); err != nil {
			return nil, fmt.Errorf("header: %s: %w", it.key, err)
		}
	}
	return b, nil
}

func appendInfoValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(b, infoUndefined), nil
	case string:
		if len(x) > math.MaxUint16 {
			return nil, fmt.Errorf("string of %d bytes", len(x))
		}
		b = append(b, infoString)
		b = binary.BigEndian.AppendUint16(b, uint16(len(x)))
		return append(b, x...), nil
	case float64:
		b = append(b, infoNumber)
		return binary.BigEndian.AppendUint64(b, math.Float64bits(x)), nil
	case int:
		return appendInfoValue(b, float64(x))
	case bool:
		if x {
			return append(b, infoBoolean, 1), nil
		}
		return append(b, infoBoolean, 0), nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return appendInfoValue(b, items)
	case []any:
		b = append(b, infoArray)
		b = binary.BigEndian.AppendUint16(b, uint16(len(x)))
		var err error
		for _, item := range x {
			if b, err = appendInfoValue(b, item); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported info value %T", v)
}

type infoReader struct {
	b   []byte
	off int
}

func (r *infoReader) need(n int) error {
	if r.off+n > len(r.b) {
		return fmt.Errorf("%w: truncated at %d", ErrCorruptHeader, r.off)
	}
	return nil
}

func (r *infoReader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	r.off++
	return r.b[r.off-1], nil
}

func (r *infoReader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	r.off += 2
	return binary.BigEndian.Uint16(r.b[r.off-2:]), nil
}

func (r *infoReader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	r.off += 4
	return binary.BigEndian.Uint32(r.b[r.off-4:]), nil
}

func (r *infoReader) shortString() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	r.off += int(n)
	return string(r.b[r.off-int(n) : r.off]), nil
}

func (r *infoReader) info() ([]infoItem, error) {
	count, err := r.byte()
	if err != nil {
		return nil, err
	}
	items := make([]infoItem, 0, count)
	for range count {
		key, err := r.shortString()
		if err != nil {
			return nil, err
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		items = append(items, infoItem{key, v})
	}
	return items, nil
}

func (r *infoReader) value() (any, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case infoUndefined:
		return nil, nil
	case infoString:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if err := r.need(int(n)); err != nil {
			return nil, err
		}
		r.off += int(n)
		return string(r.b[r.off-int(n) : r.off]), nil
	case infoNumber:
		if err := r.need(8); err != nil {
			return nil, err
		}
		r.off += 8
		return math.Float64frombits(binary.BigEndian.Uint64(r.b[r.off-8:])), nil
	case infoBoolean:
		b, err := r.byte()
		return b == 1, err
	case infoArray:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for range n {
			v, err := r.value()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: info tag %d", ErrCorruptHeader, tag)
}
