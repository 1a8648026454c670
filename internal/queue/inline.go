package queue

import (
	"context"
	"sync"
)

// InlineDispatcher runs tasks in background goroutines of the calling process.
// Used for local development and tests.
type InlineDispatcher struct {
	registry *Registry
	wg       sync.WaitGroup
}

// NewInlineDispatcher creates a dispatcher running tasks from registry
func NewInlineDispatcher(registry *Registry) *InlineDispatcher {
	return &InlineDispatcher{registry: registry}
}

// Trigger starts the task and returns immediately
func (d *InlineDispatcher) Trigger(ctx context.Context, taskID string, p Payload) (string, error) {
	if _, err := d.registry.Get(taskID); err != nil {
		return "", err
	}

	msg := NewMessage(taskID, p)
	runCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(runCtx, msg)
	}()
	return msg.ID, nil
}

// Run executes the task synchronously through all its attempts
func (d *InlineDispatcher) Run(ctx context.Context, taskID string, p Payload) error {
	if _, err := d.registry.Get(taskID); err != nil {
		return err
	}
	return d.run(ctx, NewMessage(taskID, p))
}

func (d *InlineDispatcher) run(ctx context.Context, msg Message) error {
	for {
		next, err := d.registry.Handle(ctx, msg)
		if next == nil {
			return err
		}
		msg = *next
	}
}

// Wait blocks until all triggered tasks finish
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
