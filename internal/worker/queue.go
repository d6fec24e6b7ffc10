// Package worker runs submitted tasks on a small pool of background
// goroutines so callers on an interactive loop never block on storage or
// network round trips.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned when submitting to a closed queue
var ErrQueueClosed = errors.New("worker queue closed")

// ErrQueueFull is returned by TrySubmit when the buffer has no room
var ErrQueueFull = errors.New("worker queue full")

// Task is a unit of background work
type Task func()

// Queue is a bounded FIFO drained by a fixed number of workers
type Queue struct {
	tasks chan Task
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts workers goroutines reading from a buffer of size tasks
func NewQueue(size, workers int, log *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}

	q := &Queue{
		tasks: make(chan Task, size),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.loop(i)
	}
	return q
}

func (q *Queue) loop(n int) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(n, task)
	}
}

func (q *Queue) run(n int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("background task panicked", "worker", n, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit enqueues task, waiting for room until ctx is done
func (q *Queue) Submit(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues task only if the buffer has room, returning
// ErrQueueFull otherwise.
func (q *Queue) TrySubmit(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports queued tasks not yet picked up by a worker
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting work, runs what is already queued and waits for the
// workers to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}
