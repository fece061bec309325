package ledger

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// Queue writes records on a background goroutine so the request path never
// waits on Postgres. When the buffer is full new records are dropped.
type Queue struct {
	out     Appender
	timeout time.Duration
	logf    func(string, ...any)
	ch      chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewQueue(out Appender, size int, timeout time.Duration) *Queue {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	q := &Queue{
		out:     out,
		timeout: timeout,
		logf:    log.Printf,
		ch:      make(chan Record, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue reports whether rec was accepted.
func (q *Queue) Enqueue(rec Record) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- rec:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *Queue) Dropped() int64 { return q.dropped.Load() }
func (q *Queue) Failed() int64  { return q.failed.Load() }

func (q *Queue) run() {
	defer close(q.done)
	for rec := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.out.Append(ctx, rec); err != nil {
			q.failed.Add(1)
			q.logf("ledger append %s: %v", rec.RequestID, err)
		}
		cancel()
	}
}

// Close stops intake and waits for buffered records to flush or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
