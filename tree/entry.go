package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
)

var (
	ErrLeafFull    = errors.New("leaf has no room for the change")
	ErrCorruptLeaf = errors.New("corrupt leaf")
	ErrCorruptTree = errors.New("corrupt tree")
	ErrUnsorted    = errors.New("entry stream is not sorted")
	ErrInvalidOp   = errors.New("invalid operator")
)

// EntryValue is one record stored under a key: an opaque record pointer and
// the metadata captured for it.
type EntryValue struct {
	Pointer  []byte
	Metadata map[string]any
}

// Entry is a key and every value stored under it.
type Entry struct {
	Key    any
	Values []EntryValue
}

// find returns the position of the value with pointer p, or -1.
func (e *Entry) find(p []byte) int {
	for i := range e.Values {
		if bytes.Equal(e.Values[i].Pointer, p) {
			return i
		}
	}
	return -1
}

// Merge appends values from other, skipping pointers that are already
// present. The first occurrence of a pointer wins.
func (e *Entry) Merge(other []EntryValue) {
	for _, v := range other {
		if e.find(v.Pointer) < 0 {
			e.Values = append(e.Values, v)
		}
	}
}

// Codec encodes entries with metadata stored positionally in the order of
// Keys. A missing metadata key is written as undefined.
type Codec struct {
	Keys []string
}

// AppendEntry appends the encoding of e to dst.
func (c Codec) AppendEntry(dst []byte, e Entry) ([]byte, error) {
	dst, err := AppendValue(dst, e.Key)
	if err != nil {
		return dst, err
	}
	dst = binary.AppendUvarint(dst, uint64(len(e.Values)))
	for _, v := range e.Values {
		if dst, err = c.AppendEntryValue(dst, v); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// AppendEntryValue appends one value (pointer then positional metadata).
func (c Codec) AppendEntryValue(dst []byte, v EntryValue) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(v.Pointer)))
	dst = append(dst, v.Pointer...)
	for _, k := range c.Keys {
		m, ok := Normalize(v.Metadata[k])
		if !ok {
			return dst, fmt.Errorf("tree: metadata %q has unsupported type %T", k, v.Metadata[k])
		}
		var err error
		if dst, err = AppendValue(dst, m); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// ReadEntry decodes one entry and returns the bytes consumed.
func (c Codec) ReadEntry(b []byte) (Entry, int, error) {
	key, n, err := ReadValue(b)
	if err != nil {
		return Entry{}, 0, err
	}
	count, k := binary.Uvarint(b[n:])
	if k <= 0 {
		return Entry{}, 0, ErrCorruptLeaf
	}
	n += k
	e := Entry{Key: key, Values: make([]EntryValue, 0, count)}
	for range count {
		v, used, err := c.ReadEntryValue(b[n:])
		if err != nil {
			return Entry{}, 0, err
		}
		e.Values = append(e.Values, v)
		n += used
	}
	return e, n, nil
}

// ReadEntryValue decodes one value written by AppendEntryValue.
func (c Codec) ReadEntryValue(b []byte) (EntryValue, int, error) {
	plen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < plen {
		return EntryValue{}, 0, ErrCorruptLeaf
	}
	v := EntryValue{Pointer: bytes.Clone(b[n : n+int(plen)])}
	n += int(plen)
	for _, key := range c.Keys {
		m, used, err := ReadValue(b[n:])
		if err != nil {
			return EntryValue{}, 0, err
		}
		n += used
		if m == nil {
			continue
		}
		if v.Metadata == nil {
			v.Metadata = make(map[string]any, len(c.Keys))
		}
		v.Metadata[key] = m
	}
	return v, n, nil
}

func cloneValues(vs []EntryValue) []EntryValue {
	out := make([]EntryValue, len(vs))
	for i, v := range vs {
		out[i] = EntryValue{Pointer: v.Pointer, Metadata: maps.Clone(v.Metadata)}
	}
	return out
}
