// Package tree is the ordered index store used by quire indexes.
//
// A tree is written once from a sorted entry stream and then updated in
// place by transactions. The payload has three parts:
//
//   - A 64 byte preamble: magic, version, fill factor, entry and value
//     counts, leaf count and the location of the directory.
//   - Leaf slots. Each leaf holds up to MaxEntriesPerNode sorted entries,
//     Zstd-compressed and checksummed, inside a slot larger than the leaf
//     itself. The spare room is what lets a transaction rewrite a leaf in
//     place. The fill factor decides how much room is reserved.
//   - The directory: metadata key names and, per leaf, its slot offset,
//     slot capacity and first key at creation time.
//
// The directory never changes after creation. Leaf i receives every key in
// [first(i), first(i+1)), and leaf 0 also receives keys below first(1), so
// routing stays valid however the leaves fill or drain. When a transaction
// would overflow a slot it fails with ErrLeafFull and nothing is written;
// the owner is expected to Rebuild into a fresh payload and retry.
//
// Trees are not synchronised. Readers may run concurrently with each other
// (all reads use ReadAt), but the caller must exclude readers while a
// Transaction runs.
package tree

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Layout constants.
const (
	PreambleSize    = 64
	Version         = 1
	slotHeaderSize  = 12 // compressed length (4) + checksum (8)
	slotAlign       = 512
	minSlack        = 256
	maxLeafRawBytes = 64 * 1024
)

var magic = [5]byte{'Q', 'T', 'R', 'E', 'E'}

// Defaults applied when Options leave a field zero.
const (
	DefaultFillFactor        = 95
	DefaultMaxEntriesPerNode = 255
)

// File is the random access storage a tree lives in. Offsets are relative
// to the start of the tree payload.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Writer receives a new payload. Write appends sequentially; WriteAt
// backfills the preamble once the counts are known.
type Writer interface {
	io.Writer
	io.WriterAt
}

// EntryReader yields entries in ascending key order and io.EOF at the end.
type EntryReader interface {
	Next() (Entry, error)
}

// Options configure payload creation.
type Options struct {
	FillFactor        int      // percent of each slot used at creation (1-100)
	MaxEntriesPerNode int      // entries per leaf
	MetadataKeys      []string // metadata stored with every value, in order
}

func (o Options) withDefaults() Options {
	if o.FillFactor <= 0 || o.FillFactor > 100 {
		o.FillFactor = DefaultFillFactor
	}
	if o.MaxEntriesPerNode <= 0 {
		o.MaxEntriesPerNode = DefaultMaxEntriesPerNode
	}
	return o
}

// Stats describes a payload.
type Stats struct {
	Entries int   // distinct keys
	Values  int   // record pointers across all keys
	Leaves  int   // leaf slots
	Bytes   int64 // payload length
}

type leafRef struct {
	offset   int64
	capacity int
	first    any
}

// Tree is an open payload.
type Tree struct {
	f       File
	codec   Codec
	opts    Options
	entries int
	values  int
	leaves  []leafRef

	dirOffset int64
	dirLength int
}

type preamble struct {
	fill       int
	entries    int
	values     int
	leafCount  int
	maxEntries int
	dirOffset  int64
	dirLength  int
}

func (p preamble) encode() []byte {
	buf := make([]byte, PreambleSize)
	copy(buf, magic[:])
	buf[5] = Version
	buf[6] = byte(p.fill)
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.entries))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.values))
	binary.LittleEndian.PutUint32(buf[24:], uint32(p.leafCount))
	binary.LittleEndian.PutUint32(buf[28:], uint32(p.maxEntries))
	binary.LittleEndian.PutUint64(buf[32:], uint64(p.dirOffset))
	binary.LittleEndian.PutUint32(buf[40:], uint32(p.dirLength))
	return buf
}

func decodePreamble(buf []byte) (preamble, error) {
	if len(buf) < PreambleSize || [5]byte(buf[:5]) != magic {
		return preamble{}, fmt.Errorf("%w: bad magic", ErrCorruptTree)
	}
	if buf[5] != Version {
		return preamble{}, fmt.Errorf("%w: version %d", ErrCorruptTree, buf[5])
	}
	return preamble{
		fill:       int(buf[6]),
		entries:    int(binary.LittleEndian.Uint64(buf[8:])),
		values:     int(binary.LittleEndian.Uint64(buf[16:])),
		leafCount:  int(binary.LittleEndian.Uint32(buf[24:])),
		maxEntries: int(binary.LittleEndian.Uint32(buf[28:])),
		dirOffset:  int64(binary.LittleEndian.Uint64(buf[32:])),
		dirLength:  int(binary.LittleEndian.Uint32(buf[40:])),
	}, nil
}

// CreateFromEntryStream writes a new payload to w from a sorted,
// duplicate-free stream. An empty stream produces a tree with one empty
// leaf.
func CreateFromEntryStream(r EntryReader, w Writer, opts Options) (Stats, error) {
	opts = opts.withDefaults()
	codec := Codec{Keys: opts.MetadataKeys}

	if _, err := w.Write(make([]byte, PreambleSize)); err != nil {
		return Stats{}, fmt.Errorf("tree: write preamble placeholder: %w", err)
	}
	off := int64(PreambleSize)

	var (
		stats  Stats
		refs   []leafRef
		chunk  []Entry
		raw    int
		prev   any
		primed bool
	)

	flush := func() error {
		slot, err := encodeSlot(codec, chunk, opts.FillFactor)
		if err != nil {
			return err
		}
		ref := leafRef{offset: off, capacity: len(slot)}
		if len(chunk) > 0 {
			ref.first = chunk[0].Key
		}
		if _, err := w.Write(slot); err != nil {
			return fmt.Errorf("tree: write leaf: %w", err)
		}
		off += int64(len(slot))
		refs = append(refs, ref)
		chunk, raw = chunk[:0], 0
		return nil
	}

	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Stats{}, fmt.Errorf("tree: read entry: %w", err)
		}
		if primed && Compare(prev, e.Key) >= 0 {
			return Stats{}, fmt.Errorf("%w: %v after %v", ErrUnsorted, e.Key, prev)
		}
		prev, primed = e.Key, true
		if len(e.Values) == 0 {
			continue
		}

		chunk = append(chunk, e)
		raw += approxSize(e)
		stats.Entries++
		stats.Values += len(e.Values)
		if len(chunk) >= opts.MaxEntriesPerNode || raw >= maxLeafRawBytes {
			if err := flush(); err != nil {
				return Stats{}, err
			}
		}
	}
	if len(chunk) > 0 || len(refs) == 0 {
		if err := flush(); err != nil {
			return Stats{}, err
		}
	}

	dir, err := encodeDirectory(opts.MetadataKeys, refs)
	if err != nil {
		return Stats{}, err
	}
	if _, err := w.Write(dir); err != nil {
		return Stats{}, fmt.Errorf("tree: write directory: %w", err)
	}

	pre := preamble{
		fill:       opts.FillFactor,
		entries:    stats.Entries,
		values:     stats.Values,
		leafCount:  len(refs),
		maxEntries: opts.MaxEntriesPerNode,
		dirOffset:  off,
		dirLength:  len(dir),
	}
	if _, err := w.WriteAt(pre.encode(), 0); err != nil {
		return Stats{}, fmt.Errorf("tree: write preamble: %w", err)
	}

	stats.Leaves = len(refs)
	stats.Bytes = off + int64(len(dir))
	return stats, nil
}

// Open reads the preamble and directory of a payload.
func Open(f File) (*Tree, error) {
	buf := make([]byte, PreambleSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("tree: read preamble: %w", err)
	}
	pre, err := decodePreamble(buf)
	if err != nil {
		return nil, err
	}

	dir := make([]byte, pre.dirLength)
	if _, err := f.ReadAt(dir, pre.dirOffset); err != nil {
		return nil, fmt.Errorf("tree: read directory: %w", err)
	}
	keys, refs, err := decodeDirectory(dir, pre.leafCount)
	if err != nil {
		return nil, err
	}

	return &Tree{
		f:     f,
		codec: Codec{Keys: keys},
		opts: Options{
			FillFactor:        pre.fill,
			MaxEntriesPerNode: pre.maxEntries,
			MetadataKeys:      keys,
		},
		entries: pre.entries,
		values:  pre.values,
		leaves:  refs,

		dirOffset: pre.dirOffset,
		dirLength: pre.dirLength,
	}, nil
}

// Info returns the current counts.
func (t *Tree) Info() Stats {
	return Stats{Entries: t.entries, Values: t.values, Leaves: len(t.leaves), Bytes: t.dirOffset + int64(t.dirLength)}
}

// Options returns the options the payload was created with.
func (t *Tree) Options() Options {
	return t.opts
}

// Rebuild streams every live entry into a fresh payload on w, with ops
// applied on the way. Zero fields in opts fall back to the options the tree
// was created with.
func (t *Tree) Rebuild(w Writer, opts Options, ops ...Op) (Stats, error) {
	if opts.FillFactor == 0 {
		opts.FillFactor = t.opts.FillFactor
	}
	if opts.MaxEntriesPerNode == 0 {
		opts.MaxEntriesPerNode = t.opts.MaxEntriesPerNode
	}
	if opts.MetadataKeys == nil {
		opts.MetadataKeys = t.opts.MetadataKeys
	}
	var r EntryReader = &leafReader{t: t}
	if len(ops) > 0 {
		o, err := newOverlay(r, ops)
		if err != nil {
			return Stats{}, err
		}
		r = o
	}
	return CreateFromEntryStream(r, w, opts)
}

// route returns the leaf responsible for key.
func (t *Tree) route(key any) int {
	n := sort.Search(len(t.leaves), func(i int) bool {
		return i > 0 && Compare(t.leaves[i].first, key) > 0
	})
	return max(n-1, 0)
}

func (t *Tree) readLeaf(i int) ([]Entry, error) {
	ref := t.leaves[i]
	buf := make([]byte, ref.capacity)
	if _, err := t.f.ReadAt(buf, ref.offset); err != nil {
		return nil, fmt.Errorf("tree: read leaf %d: %w", i, err)
	}
	entries, err := decodeSlot(t.codec, buf)
	if err != nil {
		return nil, fmt.Errorf("leaf %d: %w", i, err)
	}
	return entries, nil
}

// encodeSlot encodes entries into a slot sized by the fill factor.
func encodeSlot(codec Codec, entries []Entry, fill int) ([]byte, error) {
	comp, err := encodeLeaf(codec, entries)
	if err != nil {
		return nil, err
	}
	need := slotHeaderSize + len(comp)
	capacity := max(need*100/fill, need+minSlack)
	capacity = (capacity + slotAlign - 1) / slotAlign * slotAlign

	slot := make([]byte, capacity)
	putSlot(slot, comp)
	return slot, nil
}

func encodeLeaf(codec Codec, entries []Entry) ([]byte, error) {
	raw := binary.AppendUvarint(nil, uint64(len(entries)))
	var err error
	for _, e := range entries {
		if raw, err = codec.AppendEntry(raw, e); err != nil {
			return nil, err
		}
	}
	return compress(raw), nil
}

func putSlot(slot, comp []byte) {
	binary.LittleEndian.PutUint32(slot[0:], uint32(len(comp)))
	binary.LittleEndian.PutUint64(slot[4:], checksum(comp))
	copy(slot[slotHeaderSize:], comp)
}

func decodeSlot(codec Codec, slot []byte) ([]Entry, error) {
	if len(slot) < slotHeaderSize {
		return nil, ErrCorruptLeaf
	}
	n := int(binary.LittleEndian.Uint32(slot[0:]))
	if slotHeaderSize+n > len(slot) {
		return nil, fmt.Errorf("%w: length %d exceeds slot", ErrCorruptLeaf, n)
	}
	comp := slot[slotHeaderSize : slotHeaderSize+n]
	if checksum(comp) != binary.LittleEndian.Uint64(slot[4:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptLeaf)
	}
	raw, err := decompress(comp)
	if err != nil {
		return nil, err
	}
	count, off := binary.Uvarint(raw)
	if off <= 0 {
		return nil, ErrCorruptLeaf
	}
	entries := make([]Entry, 0, count)
	for range count {
		e, used, err := codec.ReadEntry(raw[off:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		off += used
	}
	return entries, nil
}

func encodeDirectory(keys []string, refs []leafRef) ([]byte, error) {
	dir := binary.AppendUvarint(nil, uint64(len(keys)))
	for _, k := range keys {
		dir = binary.AppendUvarint(dir, uint64(len(k)))
		dir = append(dir, k...)
	}
	var err error
	for _, ref := range refs {
		dir = binary.AppendUvarint(dir, uint64(ref.offset))
		dir = binary.AppendUvarint(dir, uint64(ref.capacity))
		if dir, err = AppendValue(dir, ref.first); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func decodeDirectory(dir []byte, leafCount int) ([]string, []leafRef, error) {
	nkeys, off := binary.Uvarint(dir)
	if off <= 0 {
		return nil, nil, fmt.Errorf("%w: directory", ErrCorruptTree)
	}
	var keys []string
	for range nkeys {
		n, k := binary.Uvarint(dir[off:])
		if k <= 0 || off+k+int(n) > len(dir) {
			return nil, nil, fmt.Errorf("%w: directory key", ErrCorruptTree)
		}
		off += k
		keys = append(keys, string(dir[off:off+int(n)]))
		off += int(n)
	}
	refs := make([]leafRef, 0, leafCount)
	for range leafCount {
		o, k := binary.Uvarint(dir[off:])
		if k <= 0 {
			return nil, nil, fmt.Errorf("%w: directory offset", ErrCorruptTree)
		}
		off += k
		c, k := binary.Uvarint(dir[off:])
		if k <= 0 {
			return nil, nil, fmt.Errorf("%w: directory capacity", ErrCorruptTree)
		}
		off += k
		first, used, err := ReadValue(dir[off:])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: directory key: %w", ErrCorruptTree, err)
		}
		off += used
		refs = append(refs, leafRef{offset: int64(o), capacity: int(c), first: first})
	}
	if len(refs) == 0 {
		return nil, nil, fmt.Errorf("%w: no leaves", ErrCorruptTree)
	}
	return keys, refs, nil
}

// approxSize estimates the raw encoded size of e for leaf chunking.
func approxSize(e Entry) int {
	n := 16
	for _, v := range e.Values {
		n += len(v.Pointer) + 2 + 9*len(v.Metadata)
		for _, m := range v.Metadata {
			if s, ok := m.(string); ok {
				n += len(s)
			}
		}
	}
	return n
}
