package quire

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jpl-au/quire/tree"
)

// Build log layout:
//
//	magic(6) version(1) complete(1) record...
//
// record = processed(1) length(4) key entry-value. The complete byte is set
// once the scan has finished; only a complete log is resumed.
const (
	buildMagic      = "QBUILD"
	batchMagic      = "QBATCH"
	buildVersion    = 1
	buildHeaderSize = 8
	completeOffset  = 7
	recordPrefix    = 5
)

type buildLog struct {
	f     *os.File
	codec tree.Codec

	mu     sync.Mutex
	w      *bufio.Writer
	values int
}

// openBuildLog opens an existing complete log for resuming, or starts a
// new one. An incomplete log from an interrupted scan is discarded.
func openBuildLog(root *os.Root, name string, codec tree.Codec) (*buildLog, bool, error) {
	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open build log: %w", err)
	}
	bl := &buildLog{f: f, codec: codec}

	hdr := make([]byte, buildHeaderSize)
	if n, _ := f.ReadAt(hdr, 0); n == buildHeaderSize &&
		string(hdr[:len(buildMagic)]) == buildMagic && hdr[6] == buildVersion && hdr[completeOffset] == 1 {
		return bl, true, nil
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("reset build log: %w", err)
	}
	copy(hdr, buildMagic)
	hdr[6], hdr[completeOffset] = buildVersion, 0
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("write build log header: %w", err)
	}
	if _, err := f.Seek(buildHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, false, err
	}
	bl.w = bufio.NewWriterSize(f, 256<<10)
	return bl, false, nil
}

// append logs one value. Safe for concurrent use.
func (bl *buildLog) append(key any, v tree.EntryValue) error {
	rec := make([]byte, recordPrefix, 64)
	rec, err := tree.AppendValue(rec, key)
	if err != nil {
		return err
	}
	if rec, err = bl.codec.AppendEntryValue(rec, v); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rec[1:], uint32(len(rec)-recordPrefix))

	bl.mu.Lock()
	defer bl.mu.Unlock()
	if _, err := bl.w.Write(rec); err != nil {
		return fmt.Errorf("append build log: %w", err)
	}
	bl.values++
	return nil
}

func (bl *buildLog) count() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.values
}

// complete flushes the log and marks the scan finished.
func (bl *buildLog) complete() error {
	if err := bl.w.Flush(); err != nil {
		return fmt.Errorf("flush build log: %w", err)
	}
	if err := bl.f.Sync(); err != nil {
		return fmt.Errorf("sync build log: %w", err)
	}
	if _, err := bl.f.WriteAt([]byte{1}, completeOffset); err != nil {
		return fmt.Errorf("complete build log: %w", err)
	}
	return bl.f.Sync()
}

func (bl *buildLog) close() {
	if bl.f != nil {
		bl.f.Close()
		bl.f = nil
	}
}

// logRecord is one decoded build log record.
type logRecord struct {
	offset    int64
	processed bool
	key       any
	value     tree.EntryValue
}

// records iterates the log from the first record.
func (bl *buildLog) records(yield func(logRecord, error) bool) {
	info, err := bl.f.Stat()
	if err != nil {
		yield(logRecord{}, err)
		return
	}
	r := bufio.NewReaderSize(io.NewSectionReader(bl.f, buildHeaderSize, info.Size()-buildHeaderSize), 256<<10)
	off := int64(buildHeaderSize)
	prefix := make([]byte, recordPrefix)
	for {
		if _, err := io.ReadFull(r, prefix); err != nil {
			if err != io.EOF {
				yield(logRecord{}, fmt.Errorf("build log at %d: %w", off, err))
			}
			return
		}
		body := make([]byte, binary.LittleEndian.Uint32(prefix[1:]))
		if _, err := io.ReadFull(r, body); err != nil {
			yield(logRecord{}, fmt.Errorf("build log at %d: %w", off, err))
			return
		}
		key, n, err := tree.ReadValue(body)
		if err != nil {
			yield(logRecord{}, fmt.Errorf("build log at %d: %w", off, err))
			return
		}
		v, _, err := bl.codec.ReadEntryValue(body[n:])
		if err != nil {
			yield(logRecord{}, fmt.Errorf("build log at %d: %w", off, err))
			return
		}
		if !yield(logRecord{offset: off, processed: prefix[0] == 1, key: key, value: v}, nil) {
			return
		}
		off += int64(recordPrefix + len(body))
	}
}

type batchFile struct {
	n    int
	name string
}

// group turns unprocessed log records into sorted batch files numbered
// from next. maxBatches > 0 stops after that many batches.
func (ix *Index) group(bl *buildLog, next, maxBatches int, log *slog.Logger) ([]batchFile, error) {
	var (
		batches []batchFile
		entries = map[string]*tree.Entry{}
		offsets []int64
		values  int
	)
	flush := func() error {
		if values == 0 {
			return nil
		}
		sorted := make([]tree.Entry, 0, len(entries))
		for _, e := range entries {
			sorted = append(sorted, *e)
		}
		slices.SortFunc(sorted, func(a, b tree.Entry) int { return tree.Compare(a.Key, b.Key) })

		b := batchFile{n: next, name: fmt.Sprintf("%s.build.%d", ix.fileName, next)}
		if err := writeBatch(ix.root, b.name, bl.codec, sorted); err != nil {
			return err
		}
		for _, off := range offsets {
			if _, err := bl.f.WriteAt([]byte{1}, off); err != nil {
				return fmt.Errorf("flag processed: %w", err)
			}
		}
		if err := bl.f.Sync(); err != nil {
			return err
		}
		log.Debug("batch flushed", "batch", next, "entries", len(sorted), "values", values)
		batches = append(batches, b)
		next++
		clear(entries)
		offsets, values = offsets[:0], 0
		return nil
	}

	for rec, err := range bl.records {
		if err != nil {
			return nil, err
		}
		if rec.processed {
			continue
		}
		ks := tree.KeyString(rec.key)
		e, ok := entries[ks]
		if !ok {
			e = &tree.Entry{Key: rec.key}
			entries[ks] = e
		}
		before := len(e.Values)
		e.Merge([]tree.EntryValue{rec.value})
		values += len(e.Values) - before
		offsets = append(offsets, rec.offset)

		if values >= ix.cfg.Build.MaxBatchValues {
			if err := flush(); err != nil {
				return nil, err
			}
			if maxBatches > 0 && len(batches) >= maxBatches {
				return batches, nil
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return batches, nil
}

// writeBatch writes sorted entries to name.tmp and renames it to name.
func writeBatch(root *os.Root, name string, codec tree.Codec, entries []tree.Entry) error {
	tmp, err := root.Create(name + ".tmp")
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	w := bufio.NewWriterSize(tmp, 256<<10)
	err = writeEntries(w, codec, slices.Values(entries))
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		root.Remove(name + ".tmp")
		return fmt.Errorf("write batch %s: %w", name, err)
	}
	return root.Rename(name+".tmp", name)
}

// writeEntries writes the batch header and length-prefixed entries.
func writeEntries(w io.Writer, codec tree.Codec, entries iter.Seq[tree.Entry]) error {
	hdr := make([]byte, buildHeaderSize)
	copy(hdr, batchMagic)
	hdr[6] = buildVersion
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for e := range entries {
		var err error
		buf = append(buf[:0], 0, 0, 0, 0)
		if buf, err = codec.AppendEntry(buf, e); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf, uint32(len(buf)-4))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// batchReader streams a batch or merge file. It implements
// tree.EntryReader.
type batchReader struct {
	f     *os.File
	r     *bufio.Reader
	codec tree.Codec
}

func openBatch(root *os.Root, name string, codec tree.Codec) (*batchReader, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, 256<<10)
	hdr := make([]byte, buildHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr[:len(batchMagic)]) != batchMagic || hdr[6] != buildVersion {
		f.Close()
		return nil, fmt.Errorf("batch %s: bad header", name)
	}
	return &batchReader{f: f, r: r, codec: codec}, nil
}

func (br *batchReader) Next() (tree.Entry, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(br.r, prefix[:]); err != nil {
		if err == io.EOF {
			return tree.Entry{}, io.EOF
		}
		return tree.Entry{}, fmt.Errorf("batch: %w", err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(br.r, body); err != nil {
		return tree.Entry{}, fmt.Errorf("batch: %w", err)
	}
	e, _, err := br.codec.ReadEntry(body)
	return e, err
}

func (br *batchReader) close() { br.f.Close() }

// cursor is one batch in the merge, positioned on its current entry.
type cursor struct {
	r   *batchReader
	cur tree.Entry
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return tree.Compare(h[i].cur.Key, h[j].cur.Key) < 0 }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// merge k-way merges sorted batches into out. Entries with the same key
// are combined; a pointer seen twice for one key is kept once.
func (ix *Index) merge(batches []batchFile, out string) error {
	codec := tree.Codec{Keys: ix.metadataKeys()}
	h := &cursorHeap{}
	defer func() {
		for _, c := range *h {
			c.r.close()
		}
	}()
	for _, b := range batches {
		r, err := openBatch(ix.root, b.name, codec)
		if err != nil {
			return err
		}
		e, err := r.Next()
		if err == io.EOF {
			r.close()
			continue
		}
		if err != nil {
			r.close()
			return err
		}
		heap.Push(h, &cursor{r: r, cur: e})
	}

	// advance moves the top cursor on, dropping it when exhausted.
	advance := func() error {
		top := (*h)[0]
		e, err := top.r.Next()
		if err == io.EOF {
			heap.Pop(h)
			top.r.close()
			return nil
		}
		if err != nil {
			return err
		}
		top.cur = e
		heap.Fix(h, 0)
		return nil
	}

	var mergeErr error
	entries := func(yield func(tree.Entry) bool) {
		for h.Len() > 0 {
			e := (*h)[0].cur
			e.Values = slices.Clone(e.Values)
			if mergeErr = advance(); mergeErr != nil {
				return
			}
			for h.Len() > 0 && tree.Equal((*h)[0].cur.Key, e.Key) {
				e.Merge((*h)[0].cur.Values)
				if mergeErr = advance(); mergeErr != nil {
					return
				}
			}
			if !yield(e) {
				return
			}
		}
	}

	f, err := ix.root.Create(out)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 256<<10)
	err = writeEntries(w, codec, entries)
	if err == nil {
		err = mergeErr
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// batchFiles lists completed NAME.build.N files in batch order.
func (ix *Index) batchFiles() ([]batchFile, error) {
	dir, err := fs.ReadDir(ix.root.FS(), ".")
	if err != nil {
		return nil, err
	}
	prefix := ix.fileName + ".build."
	var out []batchFile
	for _, d := range dir {
		rest, ok := strings.CutPrefix(d.Name(), prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		out = append(out, batchFile{n: n, name: d.Name()})
	}
	slices.SortFunc(out, func(a, b batchFile) int { return a.n - b.n })
	return out, nil
}

// removeBuildFiles deletes batch, merge and temporary files, and the log
// itself when withLog is set.
func (ix *Index) removeBuildFiles(withLog bool) error {
	dir, err := fs.ReadDir(ix.root.FS(), ".")
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range dir {
		name := d.Name()
		if !strings.HasPrefix(name, ix.fileName+".build") {
			continue
		}
		if name == ix.fileName+".build" && !withLog {
			continue
		}
		if err := ix.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
