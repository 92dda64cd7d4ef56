package core

import (
	"InsuranceLedger/internal/event"
	"context"
	"errors"
)

// ErrRunnerStopped is returned to callers whose request was not executed
// because the runner exited.
var ErrRunnerStopped = errors.New("core runner stopped")

type request struct {
	fn   func(*DeterministicCore) error
	done chan error
}

// Runner owns the core goroutine. Every caller (ingestion, gRPC, the
// snapshot loop) goes through Do so the core only ever runs on one
// goroutine. Flash loan borrowers already run on that goroutine and call
// the core directly; calling Do from a callback deadlocks.
type Runner struct {
	core     *DeterministicCore
	requests chan request
	stopped  chan struct{}
}

func NewRunner(core *DeterministicCore, buffer int) *Runner {
	return &Runner{
		core:     core,
		requests: make(chan request, buffer),
		stopped:  make(chan struct{}),
	}
}

// Run executes requests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.requests:
			req.done <- req.fn(r.core)
		}
	}
}

// Do runs fn on the core goroutine and waits for its result.
func (r *Runner) Do(ctx context.Context, fn func(*DeterministicCore) error) error {
	req := request{fn: fn, done: make(chan error, 1)}

	select {
	case r.requests <- req:
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-r.stopped:
		// Run may have finished the request just before stopping.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrRunnerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit feeds an inbound event through ProcessEvent.
func (r *Runner) Submit(ctx context.Context, evt event.Event) error {
	return r.Do(ctx, func(c *DeterministicCore) error {
		return c.ProcessEvent(ctx, evt)
	})
}

// Len returns the number of queued requests.
func (r *Runner) Len() int {
	return len(r.requests)
}

// Cap returns the request buffer size.
func (r *Runner) Cap() int {
	return cap(r.requests)
}
