package session

import (
	"context"
	"sync"
)

// queue runs submitted functions one at a time in submission order. It is
// the only path through which session state is mutated.
type queue struct {
	mu     sync.Mutex
	closed bool
	jobs   chan *job
	done   chan struct{}
}

type job struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

const queueDepth = 16

func newQueue() *queue {
	q := &queue{
		jobs: make(chan *job, queueDepth),
		done: make(chan struct{}),
	}

	go q.run()

	return q
}

func (q *queue) run() {
	defer close(q.done)

	for j := range q.jobs {
		j.result <- j.fn(j.ctx)
	}
}

// submit enqueues fn and returns the channel its result is delivered on.
func (q *queue) submit(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	q.jobs <- j

	return j.result, nil
}

// do enqueues fn and waits for it. If ctx ends first do returns ctx.Err();
// fn still runs in its turn.
func (q *queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	res, err := q.submit(ctx, fn)
	if err != nil {
		return err
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close rejects new jobs, waits for queued ones and stops the worker. It
// must not be called from inside a job.
func (q *queue) close() {
	q.mu.Lock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}

	q.mu.Unlock()

	<-q.done
}
