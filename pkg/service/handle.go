package service

import (
	"context"

	"github.com/pkg/errors"
)

// Handle controls a background loop started by the caller. The loop runs until the parent
// context is cancelled or Stop is called.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startLoop(ctx context.Context, run func(context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.err = err
		}
	}()
	return h
}

// Stop cancels the loop and waits for it to return.
func (h *Handle) Stop() error {
	h.cancel()
	return h.Wait()
}

// Wait blocks until the loop returns.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}
