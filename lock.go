// Locking.
//
// Two layers guard an index file. lockManager is the in-process reader/writer
// queue every query, update, build and delete goes through. fileLock wraps
// flock(2) / LockFileEx on the open file so another process opening the same
// directory cannot interleave writes with ours; it is taken inside the
// in-process lock, never instead of it.
//
// lockManager grants a request immediately when nothing is queued and the
// lock is free for its mode: reads share with reads, a write needs the lock
// idle. Everything else joins one FIFO queue, so a waiting write is not
// overtaken by reads that arrive after it. On release the queue grants
// either the single write at its head or every read up to the first queued
// write.
package quire

import (
	"context"
	"os"
	"sync"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

type lockRequest struct {
	mode    LockMode
	label   string
	granted chan struct{}
}

type lockManager struct {
	mu      sync.Mutex
	readers int
	writer  bool
	queue   []*lockRequest
}

// Lock is a granted hold on a lockManager. Release it exactly once; later
// calls are no-ops.
type Lock struct {
	m     *lockManager
	mode  LockMode
	label string
	once  sync.Once
}

// request queues a lock request without waiting. The request is granted
// at once when nothing is queued and the lock is free for its mode; wait
// for it with wait. Requesting while holding another mutex lets a caller
// publish a state change and take its place in the queue atomically.
func (m *lockManager) request(mode LockMode, label string) *lockRequest {
	req := &lockRequest{mode: mode, label: label, granted: make(chan struct{})}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 && !m.writer {
		switch {
		case mode == LockShared:
			m.readers++
			close(req.granted)
			return req
		case m.readers == 0:
			m.writer = true
			close(req.granted)
			return req
		}
	}
	m.queue = append(m.queue, req)
	return req
}

// wait blocks until req is granted or ctx is done.
func (m *lockManager) wait(ctx context.Context, req *lockRequest) (*Lock, error) {
	select {
	case <-req.granted:
		return &Lock{m: m, mode: req.mode, label: req.label}, nil
	case <-ctx.Done():
	}
	m.mu.Lock()
	for i, r := range m.queue {
		if r == req {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	m.mu.Unlock()
	// Granted between Done and the queue check: hand it back.
	(&Lock{m: m, mode: req.mode, label: req.label}).Release()
	return nil, ctx.Err()
}

// lock blocks until the lock is granted or ctx is done.
func (m *lockManager) lock(ctx context.Context, mode LockMode, label string) (*Lock, error) {
	return m.wait(ctx, m.request(mode, label))
}

// Release gives the lock back and grants whatever is next in the queue.
func (l *Lock) Release() {
	l.once.Do(func() {
		m := l.m
		m.mu.Lock()
		defer m.mu.Unlock()
		if l.mode == LockExclusive {
			m.writer = false
		} else {
			m.readers--
		}
		if m.writer || m.readers > 0 || len(m.queue) == 0 {
			return
		}
		if m.queue[0].mode == LockExclusive {
			m.writer = true
			close(m.queue[0].granted)
			m.queue = m.queue[1:]
			return
		}
		n := 0
		for n < len(m.queue) && m.queue[n].mode == LockShared {
			m.readers++
			close(m.queue[n].granted)
			n++
		}
		m.queue = m.queue[n:]
	})
}

// pending reports how many requests are waiting. Used by tests.
func (m *lockManager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// fileLock coordinates OS-level file locks with safe handle teardown. The
// mutex is held for the entire flock syscall so that Fd() cannot race with
// Close() on the same *os.File.
//
// Callers use setFile(nil) before closing the file. This blocks until any
// in-flight flock completes and makes later Lock/Unlock calls no-ops. After
// reopening, setFile(f) restores normal operation.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

// Lock acquires a shared or exclusive flock. Returns nil immediately
// if the handle has been cleared via setFile(nil).
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lock(mode)
}

// Unlock releases the flock.
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight flock and disables further locking.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
