package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalQueue runs invocations on goroutines inside the current process.
// Runs are detached from the caller's context, as an out-of-band worker's
// would be, and bounded by timeout.
type LocalQueue struct {
	run     RunFunc
	timeout time.Duration

	mu      sync.Mutex
	results map[string]*Result
	wg      sync.WaitGroup
}

// NewLocalQueue creates an in-process queue.
func NewLocalQueue(run RunFunc, timeout time.Duration) *LocalQueue {
	return &LocalQueue{
		run:     run,
		timeout: timeout,
		results: make(map[string]*Result),
	}
}

// Start launches the invocation. Starting the same handle twice is a no-op.
func (q *LocalQueue) Start(_ context.Context, inv Invocation) (string, error) {
	handle := inv.Handle()

	q.mu.Lock()
	if _, ok := q.results[handle]; ok {
		q.mu.Unlock()
		return handle, nil
	}
	q.results[handle] = &Result{Status: StatusPending}
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx := context.Background()
		if q.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, q.timeout)
			defer cancel()
		}
		q.resolve(handle, ResultFor(q.run(ctx, inv)))
	}()
	return handle, nil
}

// Status returns a copy of the handle's current result.
func (q *LocalQueue) Status(_ context.Context, handle string) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[handle]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return *r, nil
}

// Wait blocks until every started invocation has resolved.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// resolve records the terminal result; a handle resolves exactly once.
func (q *LocalQueue) resolve(handle string, result Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r := q.results[handle]; r != nil && r.Status == StatusPending {
		*r = result
	}
}
