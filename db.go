// Index registry.
//
// DB owns every index of one storage directory. Exactly one Index exists
// per identity (path, key, include keys, kind); the identity is encoded in
// the index file name, which is also the registry key.
package quire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// DB is the set of indexes in one directory.
type DB struct {
	root    *os.Root // Sandboxed filesystem access
	storage Storage
	config  Config
	log     *slog.Logger
	indexes *xsync.MapOf[string, *Index]
	closed  atomic.Bool
}

// Open opens or creates the index directory dir and loads every index file
// in it. Zero config fields take their defaults. A file whose header reads
// but whose tree does not is loaded in StateError; rebuild it with
// CreateIndex or Index.Build.
func Open(dir string, storage Storage, config Config) (*DB, error) {
	config = config.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db := &DB{
		root:    root,
		storage: storage,
		config:  config,
		log:     componentLogger("registry"),
		indexes: xsync.NewMapOf[string, *Index](),
	}

	// Crash detection: a .tmp file is an interrupted write and never valid.
	tmps, err := fs.Glob(root.FS(), "*.tmp")
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	for _, name := range tmps {
		db.log.Warn("removing interrupted write", "file", name)
		root.Remove(name)
	}

	files, err := fs.Glob(root.FS(), "*.idx")
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	for _, name := range files {
		ix, err := db.loadIndex(name)
		if err != nil {
			db.log.Error("skipping index file", "file", name, "error", err)
			continue
		}
		db.indexes.Store(ix.fileName, ix)
	}
	db.log.Info("opened", "dir", dir, "indexes", db.indexes.Size())
	return db, nil
}

// loadIndex recreates an Index from its file header and opens its tree.
func (db *DB) loadIndex(name string) (*Index, error) {
	f, err := db.root.Open(name)
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromHeader(hdr)
	if err != nil {
		return nil, err
	}
	ix, err := newIndex(db.root, db.storage, db.config, hdr.Path, hdr.Key, opts)
	if err != nil {
		return nil, err
	}
	if ix.fileName != name {
		return nil, fmt.Errorf("%w: %s describes %s", ErrIndexMismatch, name, ix.fileName)
	}

	f, _, t, err := openIndexFile(db.root, name)
	if err != nil {
		ix.log.Error("index file unreadable", "error", err)
		ix.state = StateError
		ix.buildErr = err
		return ix, nil
	}
	ix.setFile(f, t)
	ix.state = StateReady
	return ix, nil
}

// CreateIndex returns the index on path/key with the given options, building
// it first if it is new or its last build failed. opts may be nil. An
// existing index is returned as it is, even if opts differ in settings that
// are not part of its identity.
func (db *DB) CreateIndex(ctx context.Context, path, key string, opts *IndexOptions) (*Index, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	var o IndexOptions
	if opts != nil {
		o = *opts
	}
	fresh, err := newIndex(db.root, db.storage, db.config, path, key, o)
	if err != nil {
		return nil, err
	}
	ix, loaded := db.indexes.LoadOrStore(fresh.fileName, fresh)
	if !loaded {
		ix.log.Info("index created", "path", ix.path, "key", ix.key, "kind", ix.kind)
	}
	switch ix.State() {
	case StateInit, StateError:
		if err := ix.Build(ctx); err != nil {
			return ix, err
		}
	}
	return ix, nil
}

// Indexes returns every index, ordered by file name.
func (db *DB) Indexes() []*Index {
	var out []*Index
	db.indexes.Range(func(_ string, ix *Index) bool {
		out = append(out, ix)
		return true
	})
	slices.SortFunc(out, func(a, b *Index) int { return strings.Compare(a.fileName, b.fileName) })
	return out
}

// Index looks up an index by file name.
func (db *DB) Index(fileName string) (*Index, bool) {
	return db.indexes.Load(fileName)
}

// IndexesFor returns the indexes whose path matches the record at path.
func (db *DB) IndexesFor(path string) []*Index {
	var out []*Index
	for _, ix := range db.Indexes() {
		if _, _, ok := matchRecord(ix.path, path); ok {
			out = append(out, ix)
		}
	}
	return out
}

// DeleteIndex deletes the index file and removes it from the registry.
func (db *DB) DeleteIndex(ctx context.Context, fileName string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	ix, ok := db.indexes.LoadAndDelete(fileName)
	if !ok {
		return fmt.Errorf("delete %s: %w", fileName, fs.ErrNotExist)
	}
	return ix.Delete(ctx)
}

// HandleRecordUpdate passes a document change to every index on the
// document's path. Every index is updated even if one fails.
func (db *DB) HandleRecordUpdate(ctx context.Context, path string, oldValue, newValue any) error {
	if db.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, ix := range db.IndexesFor(path) {
		if err := ix.HandleRecordUpdate(ctx, path, oldValue, newValue); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ix.fileName, err))
		}
	}
	return errors.Join(errs...)
}

// Close waits for running work on every index, closes the index files and
// releases the directory.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, ix := range db.Indexes() {
		if err := ix.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.root.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases the index file once current holders of the lock are done.
func (ix *Index) close() error {
	l, err := ix.locks.lock(context.Background(), LockExclusive, "close")
	if err != nil {
		return err
	}
	defer l.Release()
	ix.cache.clear()
	return ix.closeFile()
}
