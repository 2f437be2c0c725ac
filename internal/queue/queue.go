// Package queue runs jobs one at a time, in submission order, each under a
// hard timeout.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrFull   = errors.New("queue is full")
)

// Job is one unit of work. The context expires at the job's deadline or
// when the queue closes.
type Job func(ctx context.Context) error

type item struct {
	name string
	job  Job
	done chan error
}

// Queue is a FIFO with a single worker
type Queue struct {
	name    string
	timeout time.Duration
	logger  *zap.Logger

	jobs   chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a queue holding up to size waiting jobs
func New(name string, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:    name,
		timeout: timeout,
		logger:  logger,
		jobs:    make(chan item, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	q.wg.Add(1)
	go q.run()
	return q
}

// Push enqueues a job without waiting for it. The returned channel yields
// the job's error once it has run.
func (q *Queue) Push(name string, job Job) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrClosed
	}
	it := item{name: name, job: job, done: make(chan error, 1)}
	select {
	case q.jobs <- it:
		return it.done, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrFull, q.name)
	}
}

// Do enqueues a job and waits for it or for ctx
func (q *Queue) Do(ctx context.Context, name string, job Job) error {
	done, err := q.Push(name, job)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of waiting jobs
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs, cancels the running one and waits for the
// worker to exit. Waiting jobs fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for it := range q.jobs {
		if q.ctx.Err() != nil {
			it.done <- ErrClosed
			continue
		}
		it.done <- q.execute(it)
	}
}

func (q *Queue) execute(it item) (err error) {
	ctx := q.ctx
	var cancel context.CancelFunc
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", it.name, r)
			q.logger.Error("Queue job panicked", zap.String("queue", q.name), zap.String("job", it.name), zap.Any("panic", r))
		}
	}()

	err = it.job(ctx)
	q.logger.Debug("Queue job finished",
		zap.String("queue", q.name),
		zap.String("job", it.name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return err
}
