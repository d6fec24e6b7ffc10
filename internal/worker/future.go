package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Future holds the eventual result of a background task
type Future[T any] struct {
	ID string // set for submitted tasks, appears in failure logs

	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete
func Resolved[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, err)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the result is available
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks for the result. A cancelled ctx abandons the wait, not the task.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Go submits fn to q and returns its future. fn runs with a context detached
// from ctx's cancellation so accepted work finishes even if the caller moves
// on. When the queue refuses the task the future resolves with that error.
func Go[T any](ctx context.Context, q *Queue, fn func(context.Context) (T, error)) *Future[T] {
	return spawn(q, context.WithoutCancel(ctx), fn, func(task Task) error {
		return q.Submit(ctx, task)
	})
}

// TryGo is Go without waiting for buffer room. A full queue resolves the
// future with ErrQueueFull.
func TryGo[T any](ctx context.Context, q *Queue, fn func(context.Context) (T, error)) *Future[T] {
	return spawn(q, context.WithoutCancel(ctx), fn, q.TrySubmit)
}

func spawn[T any](q *Queue, taskCtx context.Context, fn func(context.Context) (T, error), submit func(Task) error) *Future[T] {
	f := newFuture[T]()
	f.ID = uuid.NewString()

	err := submit(func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("background task panicked: %v", r)
			}
			if err != nil {
				q.log.Warn("background task failed", "task_id", f.ID, "error", err)
			}
			f.resolve(value, err)
		}()
		value, err = fn(taskCtx)
	})
	if err != nil {
		q.log.Warn("background task rejected", "task_id", f.ID, "error", err)
		var zero T
		f.resolve(zero, err)
	}
	return f
}
