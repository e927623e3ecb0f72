// Index file I/O.
//
// An index file is written in one pass to name.tmp: a placeholder header,
// then the tree payload streamed through payloadWriter, then the real header
// patched over the placeholder at offset 0. Only once the payload and the
// patch are synced is the .tmp renamed over the live file, so a failure at
// any step leaves the previous file untouched. A crash at worst orphans the
// .tmp, which Open removes.
package quire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/jpl-au/quire/tree"
)

// treeName is the location table name of the single tree in every file.
const treeName = "default"

// payloadWriter adapts WriterAt to sequential writes at a base offset. The
// tree writes its leaves sequentially and then backfills its own preamble
// with WriteAt, both relative to the end of the header.
type payloadWriter struct {
	w    io.WriterAt
	base int64
	off  int64
}

func (pw *payloadWriter) Write(p []byte) (int, error) {
	n, err := pw.w.WriteAt(p, pw.base+pw.off)
	pw.off += int64(n)
	return n, err
}

func (pw *payloadWriter) WriteAt(p []byte, off int64) (int, error) {
	return pw.w.WriteAt(p, pw.base+off)
}

// payload exposes the tree region of an open index file.
type payload struct {
	f    *os.File
	base int64
}

func (p *payload) ReadAt(b []byte, off int64) (int, error) {
	return p.f.ReadAt(b, p.base+off)
}

func (p *payload) WriteAt(b []byte, off int64) (int, error) {
	return p.f.WriteAt(b, p.base+off)
}

// writeIndexFile writes hdr plus the payload produced by fill to name.tmp.
// replaceIndexFile then moves it over name.
func writeIndexFile(root *os.Root, name string, hdr *Header, fill func(tree.Writer) (tree.Stats, error)) error {
	tmpName := name + ".tmp"
	tmp, err := root.Create(tmpName)
	if err != nil {
		return fmt.Errorf("write index: create temp: %w", err)
	}
	fail := func(err error) error {
		tmp.Close()
		root.Remove(tmpName)
		return err
	}

	hdr.Trees = []TreeLocation{{Name: treeName, Class: "leafblock", Version: tree.Version}}
	placeholder, err := hdr.encode()
	if err != nil {
		return fail(fmt.Errorf("write index: encode header: %w", err))
	}
	if _, err := tmp.WriteAt(placeholder, 0); err != nil {
		return fail(fmt.Errorf("write index: write header placeholder: %w", err))
	}

	stats, err := fill(&payloadWriter{w: tmp, base: int64(len(placeholder))})
	if err != nil {
		return fail(fmt.Errorf("write index: %w", err))
	}
	if stats.Bytes > math.MaxUint32 {
		return fail(fmt.Errorf("write index: payload of %d bytes", stats.Bytes))
	}

	// Now that the payload is written its length and counts are known.
	hdr.Trees[0].Length = uint32(stats.Bytes)
	hdr.Trees[0].Entries = stats.Entries
	hdr.Trees[0].Values = stats.Values
	final, err := hdr.encode()
	if err != nil {
		return fail(fmt.Errorf("write index: encode header: %w", err))
	}
	if len(final) != len(placeholder) {
		return fail(fmt.Errorf("write index: header grew from %d to %d bytes", len(placeholder), len(final)))
	}
	if _, err := tmp.WriteAt(final, 0); err != nil {
		return fail(fmt.Errorf("write index: patch header: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("write index: sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		root.Remove(tmpName)
		return fmt.Errorf("write index: close temp: %w", err)
	}
	return nil
}

// replaceIndexFile atomically renames name.tmp over name. The caller
// closes its handle on name first (Windows cannot rename over an open
// file).
func replaceIndexFile(root *os.Root, name string) error {
	if err := root.Rename(name+".tmp", name); err != nil {
		root.Remove(name + ".tmp")
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// openIndexFile opens name for reading and in-place transactions and
// returns its header and tree.
func openIndexFile(root *os.Root, name string) (*os.File, *Header, *tree.Tree, error) {
	f, err := root.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open index: %w", err)
	}
	hdr, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("open index %s: %w", name, err)
	}
	var loc *TreeLocation
	for i := range hdr.Trees {
		if hdr.Trees[i].Name == treeName {
			loc = &hdr.Trees[i]
		}
	}
	if loc == nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("open index %s: %w: no %q tree", name, ErrCorruptHeader, treeName)
	}
	t, err := tree.Open(&payload{f: f, base: int64(hdr.Length) + int64(loc.Offset)})
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("open index %s: %w", name, err)
	}
	return f, hdr, t, nil
}

// readHeader reads the first block, then the rest of the header if the
// declared length is longer.
func readHeader(f io.ReaderAt) (*Header, error) {
	buf := make([]byte, HeaderBlock)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]
	if n >= len(Signature)+5 {
		length := int(binary.BigEndian.Uint32(buf[len(Signature)+1:]))
		if length > n && length <= 1<<24 {
			buf = make([]byte, length)
			if _, err := f.ReadAt(buf, 0); err != nil {
				return nil, err
			}
		}
	}
	return decodeHeader(buf)
}
