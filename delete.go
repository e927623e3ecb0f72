// Index deletion.
package quire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Delete removes the index file and leftover build files. The index moves
// to StateRemoved: later queries and updates fail with ErrIndexRemoved and
// updates still queued are rejected the same way.
func (ix *Index) Delete(ctx context.Context) error {
	l, err := ix.locks.lock(context.WithoutCancel(ctx), LockExclusive, "delete")
	if err != nil {
		return err
	}
	defer l.Release()

	ix.mu.Lock()
	if ix.state == StateRemoved {
		ix.mu.Unlock()
		return nil
	}
	ix.state = StateRemoved
	pending := ix.pending
	ix.pending = nil
	ix.mu.Unlock()

	for _, u := range pending {
		QueuedUpdates.WithLabelValues(ix.fileName).Dec()
		u.done <- ErrIndexRemoved
	}
	ix.cache.clear()

	if err := ix.closeFile(); err != nil {
		ix.log.Warn("closing index file", "error", err)
	}
	var errs []error
	if err := ix.root.Remove(ix.fileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("delete: %w", err))
	}
	if err := ix.removeBuildFiles(true); err != nil {
		errs = append(errs, fmt.Errorf("delete: build files: %w", err))
	}
	ix.log.Info("index deleted")
	return errors.Join(errs...)
}
