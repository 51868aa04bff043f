package sched

import (
	"container/heap"
	"reflect"
	"sync/atomic"
)

// record is one pending submission. A record is either queued or
// executing, never both; cancelled records are removed before they ever
// execute.
type record struct {
	task Schedulable
	at   Time   // theoretical execution time
	seq  uint64 // tie-break: FIFO among equal times
	idx  int    // heap slot, -1 once removed

	cancelled bool
}

// recordHeap orders records by (at, seq) ascending.
type recordHeap []*record

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *recordHeap) Push(x any) {
	r := x.(*record)
	r.idx = len(*h)
	*h = append(*h, r)
}

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.idx = -1
	*h = old[:n-1]
	return r
}

// taskQueue holds pending records. It is not goroutine-safe on its own;
// the hard scheduler guards it with its mutex and the soft scheduler runs
// on a single goroutine. Each scheduler owns one queue, so the sequence
// counter is instance-scoped, not process-wide.
type taskQueue struct {
	h   recordHeap
	seq atomic.Uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{h: make(recordHeap, 0, 16)}
}

// insert enqueues task at t under a fresh sequence number.
func (q *taskQueue) insert(task Schedulable, at Time) *record {
	r := &record{task: task, at: at, seq: q.seq.Add(1)}
	heap.Push(&q.h, r)
	return r
}

// peek reports the earliest record without removing it, or nil.
func (q *taskQueue) peek() *record {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// pop removes and reports the earliest record, or nil.
func (q *taskQueue) pop() *record {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*record)
}

// remove detaches r if it is still queued.
func (q *taskQueue) remove(r *record) bool {
	if r == nil || r.idx < 0 || r.idx >= len(q.h) || q.h[r.idx] != r {
		return false
	}
	heap.Remove(&q.h, r.idx)
	return true
}

// removeTask detaches every queued record holding task (identity match)
// and reports the detached records.
func (q *taskQueue) removeTask(task Schedulable) []*record {
	if task == nil || !comparableTask(task) {
		return nil
	}
	var matched []*record
	for _, r := range q.h {
		if r.task == task {
			matched = append(matched, r)
		}
	}
	for _, r := range matched {
		q.remove(r)
	}
	return matched
}

// drain empties the queue and reports the removed records in order.
func (q *taskQueue) drain() []*record {
	out := make([]*record, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*record))
	}
	return out
}

func (q *taskQueue) len() int { return len(q.h) }

// comparableTask reports whether task can be compared with == without
// panicking (func-typed schedulables cannot).
func comparableTask(task Schedulable) bool {
	t := reflect.TypeOf(task)
	return t != nil && t.Comparable()
}
