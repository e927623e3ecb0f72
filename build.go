// Building.
//
// A build is an external merge sort over a full scan of the document tree:
//
//   - scan: walk the index path, expanding wildcard segments by listing
//     children, and append every indexable value to the unsorted log
//     NAME.build. Document fetches run concurrently, bounded by a semaphore
//     sized FanOutRoot^(1/(wildcards+1)) so the total fan-out stays bounded
//     however deep the path is.
//   - group: read unprocessed log records into an in-memory map of at most
//     MaxBatchValues values, flush it sorted to NAME.build.N and flag the
//     consumed records processed.
//   - merge: k-way merge every batch into NAME.build.merge.
//   - load: bulk load the merged stream into a fresh index file.
//
// A completed log left by an interrupted build is reused, along with any
// batch files already renamed into place. Batch files are written as
// NAME.build.N.tmp and only trusted once renamed, so recovery is
// at-least-once: records flushed to a batch but not yet flagged are grouped
// again and the duplicates collapse during the merge.
package quire

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jpl-au/quire/tree"
)

// Build (re)creates the index file from a full scan of the document tree.
// Concurrent calls share one build. Updates arriving while it runs are
// queued and applied in arrival order once it completes. A build, once
// started, runs to completion even if ctx is cancelled; ctx only bounds how
// long this caller waits for it.
func (ix *Index) Build(ctx context.Context) error {
	ch := ix.builds.DoChan("build", func() (any, error) {
		return nil, ix.build(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Index) build(ctx context.Context) error {
	ix.mu.Lock()
	switch ix.state {
	case StateRemoved:
		ix.mu.Unlock()
		return ErrIndexRemoved
	case StateReady:
		ix.state = StateRebuilding
	default:
		ix.state = StateBuilding
	}
	// Queue for the write lock before anyone can observe the new state, so
	// a query that sees Building waits behind the build.
	req := ix.locks.request(LockExclusive, "build")
	ix.mu.Unlock()

	l, err := ix.locks.wait(ctx, req)
	if err != nil {
		return err
	}
	defer l.Release()

	log := ix.log.With("build", uuid.NewString())
	start := time.Now()
	log.Info("build started", "path", ix.path, "key", ix.key, "kind", ix.kind)

	err = ix.runBuild(ctx, log)
	BuildDuration.WithLabelValues(ix.fileName).Observe(time.Since(start).Seconds())
	if err != nil {
		BuildCount.WithLabelValues(ix.fileName, "error").Inc()
		log.Error("build failed", "error", err)
		ix.fail(err)
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
	BuildCount.WithLabelValues(ix.fileName, "ok").Inc()
	info := ix.Info()
	log.Info("build complete", "entries", info.Entries, "values", info.Values, "duration", time.Since(start))

	ix.cache.clear()
	ix.drain()
	return nil
}

// runBuild runs every phase. Called with the write lock held.
func (ix *Index) runBuild(ctx context.Context, log *slog.Logger) error {
	codec := tree.Codec{Keys: ix.metadataKeys()}
	logName := ix.fileName + ".build"

	bl, resumed, err := openBuildLog(ix.root, logName, codec)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer bl.close()

	if resumed {
		log.Info("resuming from existing build log", "file", logName)
	} else {
		if err := ix.removeBuildFiles(false); err != nil {
			return fmt.Errorf("build: %w", err)
		}
		n, err := ix.scan(ctx, bl)
		if err != nil {
			return fmt.Errorf("build: scan: %w", err)
		}
		if err := bl.complete(); err != nil {
			return fmt.Errorf("build: %w", err)
		}
		log.Debug("scan complete", "values", n)
	}

	batches, err := ix.batchFiles()
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if len(batches) > 0 {
		log.Info("reusing batch files", "count", len(batches))
	}
	next := 1
	if len(batches) > 0 {
		next = batches[len(batches)-1].n + 1
	}
	added, err := ix.group(bl, next, 0, log)
	if err != nil {
		return fmt.Errorf("build: group: %w", err)
	}
	batches = append(batches, added...)

	mergeName := ix.fileName + ".build.merge"
	if err := ix.merge(batches, mergeName); err != nil {
		return fmt.Errorf("build: merge: %w", err)
	}

	filter := newBloom(bl.count())
	err = writeIndexFile(ix.root, ix.fileName, ix.header(), func(w tree.Writer) (tree.Stats, error) {
		r, err := openBatch(ix.root, mergeName, codec)
		if err != nil {
			return tree.Stats{}, err
		}
		defer r.close()
		return tree.CreateFromEntryStream(&filteredReader{r: r, filter: filter}, w, ix.treeOptions())
	})
	if err != nil {
		return fmt.Errorf("build: load: %w", err)
	}
	if err := ix.install(); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	ix.mu.Lock()
	ix.filter = filter
	ix.mu.Unlock()

	bl.close()
	if err := ix.removeBuildFiles(true); err != nil {
		log.Warn("removing build files", "error", err)
	}
	return nil
}

// install moves the freshly written NAME.tmp into place and opens it.
// Called with the write lock held.
func (ix *Index) install() error {
	if err := ix.closeFile(); err != nil {
		ix.log.Warn("closing index file", "error", err)
	}
	if err := replaceIndexFile(ix.root, ix.fileName); err != nil {
		// The previous file is untouched; keep serving it.
		if f, _, t, oerr := openIndexFile(ix.root, ix.fileName); oerr == nil {
			ix.setFile(f, t)
		}
		return err
	}
	f, hdr, t, err := openIndexFile(ix.root, ix.fileName)
	if err != nil {
		return err
	}
	if hdr.Path != ix.path || hdr.Key != ix.key {
		f.Close()
		return fmt.Errorf("%w: %s/%s", ErrIndexMismatch, hdr.Path, hdr.Key)
	}
	ix.setFile(f, t)
	return nil
}

// fail records a build error and rejects every queued update.
func (ix *Index) fail(err error) {
	ix.mu.Lock()
	ix.state = StateError
	ix.buildErr = err
	pending := ix.pending
	ix.pending = nil
	ix.mu.Unlock()
	for _, u := range pending {
		QueuedUpdates.WithLabelValues(ix.fileName).Dec()
		u.done <- fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
}

// scanItem is a partially expanded index path.
type scanItem struct {
	depth     int      // template segments consumed
	path      []string // concrete segments so far
	wildcards []string // values bound to wildcard segments so far
}

// fanOut is the number of concurrent document fetches for a path with the
// given number of wildcard segments.
func fanOut(root, wildcards int) int {
	n := math.Round(math.Pow(float64(root), 1/float64(wildcards+1)))
	return max(int(n), 1)
}

// scan walks the index path with an explicit worklist and logs every
// indexable value. It returns the number of values logged.
func (ix *Index) scan(ctx context.Context, bl *buildLog) (int, error) {
	segments := splitPath(ix.path)
	wildcards := 0
	for _, s := range segments {
		if isWildcard(s) {
			wildcards++
		}
	}
	sem := semaphore.NewWeighted(int64(fanOut(ix.cfg.Build.FanOutRoot, wildcards)))
	g, gctx := errgroup.WithContext(ctx)

	stack := []scanItem{{}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for it.depth < len(segments) && !isWildcard(segments[it.depth]) {
			it.path = append(it.path, segments[it.depth])
			it.depth++
		}
		parent := strings.Join(it.path, "/")

		for child, err := range ix.storage.Children(gctx, parent) {
			if err != nil {
				g.Wait()
				return 0, fmt.Errorf("children of %q: %w", parent, err)
			}
			if it.depth < len(segments) {
				if child.Type == TypeObject {
					stack = append(stack, scanItem{
						depth:     it.depth + 1,
						path:      append(slices.Clip(it.path), child.Key),
						wildcards: append(slices.Clip(it.wildcards), child.Key),
					})
				}
				continue
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return 0, g.Wait()
			}
			g.Go(func() error {
				defer sem.Release(1)
				return ix.scanDocument(gctx, bl, parent, it.wildcards, child)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return bl.count(), nil
}

func (ix *Index) scanDocument(ctx context.Context, bl *buildLog, parent string, wildcards []string, child NodeInfo) error {
	ptr, err := encodePointer(wildcards, child.Key)
	if err != nil {
		ix.log.Debug("skipping document", "parent", parent, "key", child.Key, "error", err)
		return nil
	}
	docPath := child.Key
	if parent != "" {
		docPath = parent + "/" + child.Key
	}

	doc := child.Value
	switch {
	case child.Type == TypeObject:
		var fetch []string
		if ix.key != KeySentinel {
			fetch = append(fetch, ix.key)
		}
		fetch = append(fetch, ix.include...)
		if ix.opts.TextLocaleKey != "" {
			fetch = append(fetch, ix.opts.TextLocaleKey)
		}
		if doc, err = ix.storage.Value(ctx, docPath, fetch); err != nil {
			return fmt.Errorf("value of %q: %w", docPath, err)
		}
	case ix.key != KeySentinel:
		return nil
	case doc == nil:
		doc = []any{}
	}

	for _, v := range ix.documentValues(child.Key, doc) {
		if err := bl.append(v.key, tree.EntryValue{Pointer: ptr, Metadata: v.metadata}); err != nil {
			return err
		}
	}
	return nil
}
