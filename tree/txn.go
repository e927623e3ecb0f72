package tree

import (
	"fmt"
	"io"
	"maps"
	"slices"
)

// OpKind selects what an Op does.
type OpKind int

const (
	OpAdd OpKind = iota
	OpRemove
)

// Op is one change applied by Transaction. Add stores (Key, Pointer) with
// Metadata, replacing the metadata when the pair already exists. Remove
// deletes the pair and drops the key once it has no values left; removing
// an absent pair is a no-op.
type Op struct {
	Kind     OpKind
	Key      any
	Pointer  []byte
	Metadata map[string]any
}

// Add builds an add operation.
func Add(key any, pointer []byte, metadata map[string]any) Op {
	return Op{Kind: OpAdd, Key: key, Pointer: pointer, Metadata: metadata}
}

// Remove builds a remove operation.
func Remove(key any, pointer []byte) Op {
	return Op{Kind: OpRemove, Key: key, Pointer: pointer}
}

// Transaction applies ops in order. Every affected leaf is re-encoded
// before anything is written; if any of them no longer fits its slot the
// transaction fails with ErrLeafFull and the payload is unchanged.
func (t *Tree) Transaction(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	touched := map[int][]Entry{}
	var order []int
	entries, values := t.entries, t.values

	for _, op := range ops {
		key, ok := Normalize(op.Key)
		if !ok {
			return fmt.Errorf("tree: key has unsupported type %T", op.Key)
		}
		i := t.route(key)
		leaf, ok := touched[i]
		if !ok {
			var err error
			if leaf, err = t.readLeaf(i); err != nil {
				return err
			}
			order = append(order, i)
		}
		var de, dv int
		leaf, de, dv = apply(leaf, op.Kind, key, op.Pointer, op.Metadata)
		entries += de
		values += dv
		touched[i] = leaf
	}

	slots := make(map[int][]byte, len(order))
	for _, i := range order {
		comp, err := encodeLeaf(t.codec, touched[i])
		if err != nil {
			return err
		}
		ref := t.leaves[i]
		if slotHeaderSize+len(comp) > ref.capacity {
			return fmt.Errorf("%w: leaf %d needs %d of %d bytes", ErrLeafFull, i, slotHeaderSize+len(comp), ref.capacity)
		}
		slot := make([]byte, ref.capacity)
		putSlot(slot, comp)
		slots[i] = slot
	}

	for _, i := range order {
		if _, err := t.f.WriteAt(slots[i], t.leaves[i].offset); err != nil {
			return fmt.Errorf("tree: write leaf %d: %w", i, err)
		}
	}

	t.entries, t.values = entries, values
	return t.writeCounts()
}

// writeCounts patches the entry and value counts in the preamble.
func (t *Tree) writeCounts() error {
	pre := preamble{
		fill:       t.opts.FillFactor,
		entries:    t.entries,
		values:     t.values,
		leafCount:  len(t.leaves),
		maxEntries: t.opts.MaxEntriesPerNode,
		dirOffset:  t.dirOffset,
		dirLength:  t.dirLength,
	}
	if _, err := t.f.WriteAt(pre.encode(), 0); err != nil {
		return fmt.Errorf("tree: write counts: %w", err)
	}
	return nil
}

// apply mutates a decoded leaf and returns the entry and value deltas.
func apply(leaf []Entry, kind OpKind, key any, ptr []byte, meta map[string]any) ([]Entry, int, int) {
	pos, found := slices.BinarySearchFunc(leaf, key, func(e Entry, k any) int {
		return Compare(e.Key, k)
	})

	switch kind {
	case OpAdd:
		v := EntryValue{Pointer: ptr, Metadata: maps.Clone(meta)}
		if !found {
			leaf = slices.Insert(leaf, pos, Entry{Key: key, Values: []EntryValue{v}})
			return leaf, 1, 1
		}
		e := &leaf[pos]
		if j := e.find(ptr); j >= 0 {
			e.Values[j].Metadata = v.Metadata
			return leaf, 0, 0
		}
		e.Values = append(e.Values, v)
		return leaf, 0, 1

	case OpRemove:
		if !found {
			return leaf, 0, 0
		}
		e := &leaf[pos]
		j := e.find(ptr)
		if j < 0 {
			return leaf, 0, 0
		}
		e.Values = slices.Delete(e.Values, j, j+1)
		if len(e.Values) == 0 {
			return slices.Delete(leaf, pos, pos+1), -1, -1
		}
		return leaf, 0, -1
	}
	return leaf, 0, 0
}

// overlay applies ops to a sorted entry stream. Ops on the same key keep
// their order.
type overlay struct {
	src     EntryReader
	ops     []Op
	next    Entry
	hasNext bool
	done    bool
}

func newOverlay(src EntryReader, ops []Op) (*overlay, error) {
	sorted := make([]Op, len(ops))
	for i, op := range ops {
		key, ok := Normalize(op.Key)
		if !ok {
			return nil, fmt.Errorf("tree: key has unsupported type %T", op.Key)
		}
		op.Key = key
		sorted[i] = op
	}
	slices.SortStableFunc(sorted, func(a, b Op) int { return Compare(a.Key, b.Key) })
	return &overlay{src: src, ops: sorted}, nil
}

func (o *overlay) Next() (Entry, error) {
	for {
		if !o.hasNext && !o.done {
			e, err := o.src.Next()
			switch {
			case err == io.EOF:
				o.done = true
			case err != nil:
				return Entry{}, err
			default:
				o.next, o.hasNext = e, true
			}
		}
		if !o.hasNext && len(o.ops) == 0 {
			return Entry{}, io.EOF
		}

		var leaf []Entry
		var key any
		switch {
		case !o.hasNext:
			key = o.ops[0].Key
		case len(o.ops) == 0 || Compare(o.next.Key, o.ops[0].Key) <= 0:
			key = o.next.Key
		default:
			key = o.ops[0].Key
		}
		if o.hasNext && Equal(o.next.Key, key) {
			leaf = []Entry{o.next}
			o.hasNext = false
		}
		for len(o.ops) > 0 && Equal(o.ops[0].Key, key) {
			op := o.ops[0]
			leaf, _, _ = apply(leaf, op.Kind, key, op.Pointer, op.Metadata)
			o.ops = o.ops[1:]
		}
		if len(leaf) == 1 {
			return leaf[0], nil
		}
	}
}
