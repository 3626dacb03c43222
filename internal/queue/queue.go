// Package queue implements the chunk work queue: a FIFO with blocking dequeue
// and an acknowledge step separate from dequeue, so callers can wait until
// every task put into the queue has been both taken and acknowledged.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tanq16/torboost/internal/chunk"
)

var ErrClosed = errors.New("queue: closed")

// Task is one attempt at fetching a range. Endpoint records which circuit the
// task was last assigned to; it is bookkeeping, not a routing constraint.
type Task struct {
	Range    chunk.ByteRange
	Endpoint int
	Attempt  int
}

type Queue struct {
	mu         sync.Mutex
	ready      *sync.Cond // items available or queue closed
	drained    *sync.Cond // unfinished reached zero
	items      []Task
	unfinished int
	closed     bool
}

func New() *Queue {
	q := &Queue{}
	q.ready = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Put appends a task at the tail. Every Put must be matched by one Done after
// the task has been taken with Get.
func (q *Queue) Put(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unfinished++
	q.push(task)
}

// PutAfter counts the task as outstanding immediately and appends it once
// delay has elapsed, so Join cannot return while the task is waiting.
func (q *Queue) PutAfter(task Task, delay time.Duration) {
	if delay <= 0 {
		q.Put(task)
		return
	}
	q.mu.Lock()
	q.unfinished++
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.push(task)
	})
}

// push requires q.mu.
func (q *Queue) push(task Task) {
	if q.closed {
		return
	}
	q.items = append(q.items, task)
	q.ready.Signal()
}

// Get removes and returns the task at the head, blocking while the queue is
// empty. It fails with ErrClosed after Close, or with the context error.
func (q *Queue) Get(ctx context.Context) (Task, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.ready.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.ready.Wait()
	}
	if q.closed {
		return Task{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task := q.items[0]
	q.items[0] = Task{}
	q.items = q.items[1:]
	return task, nil
}

// Done acknowledges one task obtained from Get.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unfinished--
	if q.unfinished < 0 {
		panic("queue: Done called more times than Put")
	}
	if q.unfinished == 0 {
		q.drained.Broadcast()
	}
}

// Join blocks until every task put into the queue has been acknowledged.
func (q *Queue) Join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.drained.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 && ctx.Err() == nil {
		q.drained.Wait()
	}
	if q.unfinished > 0 {
		return ctx.Err()
	}
	return nil
}

// Close wakes every blocked Get with ErrClosed; pending and delayed tasks are
// dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.ready.Broadcast()
}

// Len is the number of tasks waiting to be taken.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished is the number of tasks put but not yet acknowledged.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
