package sched

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

// WorkerChecker reports whether the calling goroutine belongs to a
// scheduler's worker set. Both engines implement it.
type WorkerChecker interface {
	IsWorkerThread() bool
}

// CheckWorkerThread fails with ErrConcurrencyMisuse when the calling
// goroutine is not one of c's workers. It guards operations that must run
// from inside a scheduled task.
func CheckWorkerThread(c WorkerChecker) error {
	if !c.IsWorkerThread() {
		return fmt.Errorf("%w: not called from a worker goroutine", ErrConcurrencyMisuse)
	}
	return nil
}

// CheckNotWorkerThread fails with ErrConcurrencyMisuse when the calling
// goroutine is one of c's workers. It guards operations that would block
// or starve the scheduler if run from a worker.
func CheckNotWorkerThread(c WorkerChecker) error {
	if c.IsWorkerThread() {
		return fmt.Errorf("%w: called from a worker goroutine", ErrConcurrencyMisuse)
	}
	return nil
}

// goid reports the current goroutine's id, parsed from the runtime.Stack
// header ("goroutine N [running]:"), or 0 when parsing fails.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// workerSet tracks the goroutine ids of a scheduler's live workers.
type workerSet struct {
	mu  sync.RWMutex
	ids map[uint64]struct{}
}

func newWorkerSet() *workerSet {
	return &workerSet{ids: make(map[uint64]struct{})}
}

func (w *workerSet) add(id uint64) {
	if id == 0 {
		return
	}
	w.mu.Lock()
	w.ids[id] = struct{}{}
	w.mu.Unlock()
}

func (w *workerSet) remove(id uint64) {
	if id == 0 {
		return
	}
	w.mu.Lock()
	delete(w.ids, id)
	w.mu.Unlock()
}

func (w *workerSet) has(id uint64) bool {
	if id == 0 {
		return false
	}
	w.mu.RLock()
	_, ok := w.ids[id]
	w.mu.RUnlock()
	return ok
}
