// Lock manager tests. Reads share, writes are exclusive, and a queued
// write is never overtaken by reads that arrive after it.
package quire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// granted reports whether req has been granted without blocking.
func granted(req *lockRequest) bool {
	select {
	case <-req.granted:
		return true
	default:
		return false
	}
}

func TestLockReadersShare(t *testing.T) {
	var m lockManager
	a := m.request(LockShared, "a")
	b := m.request(LockShared, "b")
	if !granted(a) || !granted(b) {
		t.Fatal("concurrent reads were not both granted")
	}
	w := m.request(LockExclusive, "w")
	if granted(w) {
		t.Fatal("write granted while reads are held")
	}
	la, _ := m.wait(context.Background(), a)
	lb, _ := m.wait(context.Background(), b)
	la.Release()
	if granted(w) {
		t.Fatal("write granted while a read is still held")
	}
	lb.Release()
	if !granted(w) {
		t.Fatal("write not granted after reads released")
	}
}

// TestLockWriterNotOvertaken verifies that a read arriving after a queued
// write waits for the write, even though the lock is only read-held.
func TestLockWriterNotOvertaken(t *testing.T) {
	var m lockManager
	r1, _ := m.lock(context.Background(), LockShared, "r1")
	w := m.request(LockExclusive, "w")
	r2 := m.request(LockShared, "r2")
	if granted(w) || granted(r2) {
		t.Fatal("requests behind a held read were granted")
	}
	if m.pending() != 2 {
		t.Fatalf("pending = %d, want 2", m.pending())
	}

	r1.Release()
	if !granted(w) || granted(r2) {
		t.Fatalf("after read release: write %v, later read %v", granted(w), granted(r2))
	}
	lw, _ := m.wait(context.Background(), w)
	lw.Release()
	if !granted(r2) {
		t.Fatal("read not granted after write released")
	}
}

// TestLockFIFO verifies that requests are granted in arrival order and
// that consecutive queued reads are granted together.
func TestLockFIFO(t *testing.T) {
	var m lockManager
	first, _ := m.lock(context.Background(), LockExclusive, "first")

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	labels := []struct {
		label string
		mode  LockMode
	}{{"w1", LockExclusive}, {"r1", LockShared}, {"r2", LockShared}, {"w2", LockExclusive}}
	for _, l := range labels {
		req := m.request(l.mode, l.label)
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := m.wait(context.Background(), req)
			if err != nil {
				t.Errorf("wait %s: %v", l.label, err)
				return
			}
			mu.Lock()
			order = append(order, l.label)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			lock.Release()
		}()
	}
	first.Release()
	wg.Wait()

	if len(order) != 4 || order[0] != "w1" || order[3] != "w2" {
		t.Errorf("grant order = %v, want w1, then r1 and r2, then w2", order)
	}
}

func TestLockWaitCancelled(t *testing.T) {
	var m lockManager
	held, _ := m.lock(context.Background(), LockExclusive, "held")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.lock(ctx, LockShared, "late"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if m.pending() != 0 {
		t.Errorf("cancelled request still queued: %d", m.pending())
	}

	held.Release()
	held.Release()
	next := m.request(LockExclusive, "next")
	if !granted(next) {
		t.Error("lock not free after release")
	}
}

func TestFileLock(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var l fileLock
	if err := l.Lock(LockExclusive); err != nil {
		t.Errorf("Lock without a file: %v", err)
	}
	l.setFile(f)
	if err := l.Lock(LockExclusive); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Lock(LockShared); err != nil {
		t.Fatalf("Lock shared: %v", err)
	}
	l.setFile(nil)
	if err := l.Unlock(); err != nil {
		t.Errorf("Unlock after setFile(nil): %v", err)
	}
}
