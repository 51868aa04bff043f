package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

const (
	defaultRing      = 512
	persistTimeout   = 2 * time.Second
	persistWarnEvery = 10 * time.Second
)

// Recorder consumes scheduler outcome events and keeps the execution
// journal.
//
// Only finished, failed and cancelled are journaled; an execution shows
// up once, with its outcome. The recorder never blocks the scheduler: it
// reads from a buffered bus subscription and drops on overflow like any
// subscriber.
type Recorder struct {
	log   logx.Logger
	store Store // nil means memory only; the recorder does not close it

	mu    sync.Mutex
	ring  []Entry
	next  int
	total uint64

	unsub    func()
	stopDone chan struct{}

	warn rate.Sometimes
}

// NewRecorder builds a recorder over an optional store.
func NewRecorder(cfg Config, store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := cfg.Ring
	if n <= 0 {
		n = defaultRing
	}
	return &Recorder{
		log:   log.With(logx.String("comp", "journal")),
		store: store,
		ring:  make([]Entry, n),
		warn:  rate.Sometimes{Interval: persistWarnEvery},
	}
}

// Start subscribes to the bus and begins journaling. Idempotent.
func (r *Recorder) Start(bus eventbus.Bus) {
	if bus == nil {
		return
	}
	r.mu.Lock()
	if r.unsub != nil {
		r.mu.Unlock()
		return
	}
	ch, unsub := bus.Subscribe(256, eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCancelled)
	r.unsub = unsub
	r.stopDone = make(chan struct{})
	done := r.stopDone
	r.mu.Unlock()

	go r.consume(ch, done)
}

// Stop unsubscribes and waits for the consumer to drain. Idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.stopDone
	r.unsub = nil
	r.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	<-done
}

func (r *Recorder) consume(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		if e, ok := toEntry(ev); ok {
			r.Record(e)
		}
	}
}

// Record stores one entry in the ring and, when configured, the store.
func (r *Recorder) Record(e Entry) {
	if e.ID == "" {
		e.ID = "exec_" + uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	r.ring[r.next] = e
	r.next = (r.next + 1) % len(r.ring)
	r.total++
	st := r.store
	r.mu.Unlock()

	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := st.Append(ctx, e)
	cancel()
	if err != nil {
		r.warn.Do(func() {
			r.log.Warn("journal append failed", logx.Err(err))
		})
	}
}

// Snapshot returns up to n of the latest in-memory entries, newest first.
func (r *Recorder) Snapshot(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || r.total == 0 {
		return nil
	}
	have := int(r.total)
	if have > len(r.ring) {
		have = len(r.ring)
	}
	if n > have {
		n = have
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Recent prefers persisted history and falls back to the memory ring.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	st := r.store
	r.mu.Unlock()
	if st != nil {
		return st.Recent(ctx, limit)
	}
	return r.Snapshot(limit), nil
}

// Total reports how many entries the recorder has seen since start.
func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// toEntry maps an outcome event to a journal entry. Anything else,
// including events with a foreign payload, is skipped.
func toEntry(ev eventbus.Event) (Entry, bool) {
	var outcome string
	switch ev.Type {
	case eventbus.TaskFinished:
		outcome = "finished"
	case eventbus.TaskFailed:
		outcome = "failed"
	case eventbus.TaskCancelled:
		outcome = "cancelled"
	default:
		return Entry{}, false
	}
	te, ok := ev.Data.(sched.TaskEvent)
	if !ok {
		return Entry{}, false
	}
	return Entry{
		At:          ev.Time,
		Task:        te.Task,
		Seq:         te.Seq,
		Event:       outcome,
		Theoretical: te.Theoretical,
		Actual:      te.Actual,
		TookMS:      te.Duration.Milliseconds(),
		Error:       te.Error,
	}, true
}
