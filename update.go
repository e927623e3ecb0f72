// Updates.
//
// Every accepted update joins one FIFO list (ix.pending) together with a
// buffered completion channel. Whoever holds the write lock drains the list
// in order: the caller itself when the index is ready, the build when one
// is running. That keeps replay strictly in arrival order whether or not a
// build was in progress when the update arrived.
package quire

import (
	"context"
	"errors"
	"fmt"

	"github.com/jpl-au/quire/tree"
)

type pendingUpdate struct {
	ops  []tree.Op
	done chan error
}

// HandleRecordUpdate applies a document change at path (a record directly
// under the index path) to the index. oldValue and newValue are the whole
// document before and after; nil means the document did not or no longer
// exists. Changes that touch neither the key nor an included value are
// ignored. Before the first build the call is a no-op, since the build
// reads current data anyway.
func (ix *Index) HandleRecordUpdate(ctx context.Context, path string, oldValue, newValue any) error {
	wildcards, docKey, ok := matchRecord(ix.path, path)
	if !ok {
		return fmt.Errorf("%w: %s is not a record of %s", ErrInvalidPath, path, ix.path)
	}
	ptr, err := encodePointer(wildcards, docKey)
	if err != nil {
		ix.log.Warn("record cannot be indexed", "path", path, "error", err)
		return nil
	}
	ops := diffValues(ptr, ix.documentValues(docKey, oldValue), ix.documentValues(docKey, newValue))
	if len(ops) == 0 {
		return nil
	}

	ix.mu.Lock()
	switch ix.state {
	case StateInit:
		ix.mu.Unlock()
		return nil
	case StateRemoved:
		ix.mu.Unlock()
		return ErrIndexRemoved
	case StateError:
		err := ix.buildErr
		ix.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
	u := &pendingUpdate{ops: ops, done: make(chan error, 1)}
	ix.pending = append(ix.pending, u)
	building := ix.state == StateBuilding || ix.state == StateRebuilding
	ix.mu.Unlock()
	QueuedUpdates.WithLabelValues(ix.fileName).Inc()

	if building {
		ix.log.Debug("update queued behind build", "path", path)
	} else {
		l, err := ix.locks.lock(context.WithoutCancel(ctx), LockExclusive, "update")
		if err != nil {
			return err
		}
		ix.drain()
		l.Release()
	}
	return <-u.done
}

// drain applies queued updates in arrival order, then marks a finished
// build ready. Called with the write lock held.
func (ix *Index) drain() {
	replayed := 0
	for {
		ix.mu.Lock()
		batch := ix.pending
		ix.pending = nil
		if len(batch) == 0 {
			if ix.state == StateBuilding || ix.state == StateRebuilding {
				ix.state = StateReady
			}
			ix.mu.Unlock()
			if replayed > 1 {
				ix.log.Debug("replayed queued updates", "count", replayed)
			}
			return
		}
		ix.mu.Unlock()

		for _, u := range batch {
			QueuedUpdates.WithLabelValues(ix.fileName).Dec()
			u.done <- ix.apply(u.ops)
			replayed++
		}
	}
}

// apply runs one update transaction. A failed transaction triggers a
// rebuild of the file from the live tree with ops folded in, and one retry,
// which then only confirms them. Called with the write lock held.
func (ix *Index) apply(ops []tree.Op) error {
	t, err := ix.currentTree()
	if err != nil {
		UpdateCount.WithLabelValues(ix.fileName, "error").Inc()
		return err
	}
	ix.cache.clear()
	err = ix.transact(t, ops)
	if err == nil {
		UpdateCount.WithLabelValues(ix.fileName, "ok").Inc()
		return nil
	}

	reason := "transaction"
	if errors.Is(err, tree.ErrLeafFull) {
		reason = "leaf_full"
	}
	RebuildCount.WithLabelValues(ix.fileName, reason).Inc()
	ix.log.Info("rebuilding index file", "reason", reason, "error", err)

	if err := ix.rebuild(ops...); err != nil {
		UpdateCount.WithLabelValues(ix.fileName, "error").Inc()
		return fmt.Errorf("update: rebuild: %w", err)
	}
	if t, err = ix.currentTree(); err == nil {
		err = ix.transact(t, ops)
	}
	if err != nil {
		UpdateCount.WithLabelValues(ix.fileName, "error").Inc()
		return fmt.Errorf("update: after rebuild: %w", err)
	}
	UpdateCount.WithLabelValues(ix.fileName, "retried").Inc()
	return nil
}

// transact applies ops under the OS file lock.
func (ix *Index) transact(t *tree.Tree, ops []tree.Op) error {
	if err := ix.flock.Lock(LockExclusive); err != nil {
		return fmt.Errorf("update: lock file: %w", err)
	}
	defer ix.flock.Unlock()
	if err := t.Transaction(ops); err != nil {
		return err
	}
	ix.filterOps(ops)
	if ix.cfg.SyncWrites {
		ix.mu.Lock()
		f := ix.file
		ix.mu.Unlock()
		if f != nil {
			return f.Sync()
		}
	}
	return nil
}

// rebuild regenerates the index file from the live tree with ops applied,
// restoring free space in every leaf. Called with the write lock held.
func (ix *Index) rebuild(ops ...tree.Op) error {
	ix.mu.Lock()
	t := ix.tree
	ix.state = StateRebuilding
	ix.mu.Unlock()
	if t == nil {
		return ErrNotBuilt
	}

	err := writeIndexFile(ix.root, ix.fileName, ix.header(), func(w tree.Writer) (tree.Stats, error) {
		return t.Rebuild(w, ix.treeOptions(), ops...)
	})
	if err == nil {
		err = ix.install()
	}
	if err != nil {
		ix.log.Error("rebuild failed", "error", err)
		ix.mu.Lock()
		ix.state = StateError
		ix.buildErr = err
		ix.mu.Unlock()
		return err
	}
	ix.mu.Lock()
	ix.state = StateReady
	ix.mu.Unlock()
	return nil
}
