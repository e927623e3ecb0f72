package tree

import "io"

// Leaf is one decoded leaf. Entries are in ascending key order and may be
// empty when every key in the leaf has been removed.
type Leaf struct {
	t       *Tree
	index   int
	Entries []Entry
}

// FirstLeaf returns the leaf holding the smallest keys.
func (t *Tree) FirstLeaf() (*Leaf, error) {
	return t.leaf(0)
}

// LastLeaf returns the leaf holding the largest keys.
func (t *Tree) LastLeaf() (*Leaf, error) {
	return t.leaf(len(t.leaves) - 1)
}

func (t *Tree) leaf(i int) (*Leaf, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, nil
	}
	entries, err := t.readLeaf(i)
	if err != nil {
		return nil, err
	}
	return &Leaf{t: t, index: i, Entries: entries}, nil
}

// Next returns the following leaf, or nil after the last one.
func (l *Leaf) Next() (*Leaf, error) {
	return l.t.leaf(l.index + 1)
}

// Prev returns the preceding leaf, or nil before the first one.
func (l *Leaf) Prev() (*Leaf, error) {
	return l.t.leaf(l.index - 1)
}

// leafReader streams every entry of a tree in order. Used by Rebuild.
type leafReader struct {
	t       *Tree
	leaf    *Leaf
	pos     int
	started bool
}

func (r *leafReader) Next() (Entry, error) {
	for {
		if !r.started {
			l, err := r.t.FirstLeaf()
			if err != nil {
				return Entry{}, err
			}
			r.leaf, r.started = l, true
		}
		if r.leaf == nil {
			return Entry{}, io.EOF
		}
		if r.pos < len(r.leaf.Entries) {
			e := r.leaf.Entries[r.pos]
			r.pos++
			return e, nil
		}
		next, err := r.leaf.Next()
		if err != nil {
			return Entry{}, err
		}
		r.leaf, r.pos = next, 0
	}
}

// SliceReader adapts a sorted slice to EntryReader.
type SliceReader struct {
	Entries []Entry
	pos     int
}

func (r *SliceReader) Next() (Entry, error) {
	if r.pos >= len(r.Entries) {
		return Entry{}, io.EOF
	}
	e := r.Entries[r.pos]
	r.pos++
	return e, nil
}
