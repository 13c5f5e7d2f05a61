package client

import (
	"context"
	"sync"
)

type Result struct {
	MessageID string
	Clean     bool
	Err       error
}

// Future is the pending outcome of an asynchronous wait.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	result    Result
	callbacks []func(Result)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// OnComplete registers cb to run with the result. If the future already
// completed, cb runs immediately on the calling goroutine.
func (f *Future) OnComplete(cb func(Result)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f.result)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

func (f *Future) complete(r Result) {
	f.mu.Lock()
	f.result = r
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(r)
	}
}

// AwaitResultAsync runs AwaitResult on its own goroutine, with its own
// consumer and wait state, and returns immediately. Callbacks run on that
// goroutine once the result is known. Every call starts a goroutine; there is
// no pooling.
func (c *Client) AwaitResultAsync(ctx context.Context, messageID string, callbacks ...func(Result)) *Future {
	f := newFuture()
	f.callbacks = append(f.callbacks, callbacks...)

	go func() {
		clean, err := c.AwaitResult(ctx, messageID)
		f.complete(Result{MessageID: messageID, Clean: clean, Err: err})
	}()

	return f
}
