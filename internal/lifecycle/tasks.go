package lifecycle

import (
	"context"
	"errors"

	"github.com/makex/orchestrator/internal/queue"
)

// Task IDs, as triggered by the API
const (
	TaskCreate = "create-container"
	TaskStart  = "start-new-container"
	TaskPause  = "pause-container"
	TaskDelete = "delete-container"
)

// RegisterTasks registers the lifecycle tasks on a queue registry
func (m *Manager) RegisterTasks(r *queue.Registry) {
	r.Register(queue.Task{
		ID:          TaskCreate,
		MaxAttempts: 1,
		Run: func(ctx context.Context, p queue.Payload) error {
			_, err := m.Create(ctx, p.UserID, p.AppID, p.Provider)
			return err
		},
	})

	r.Register(queue.Task{
		ID:          TaskStart,
		MaxAttempts: 1,
		Run: func(ctx context.Context, p queue.Payload) error {
			_, err := m.Start(ctx, p.UserID, p.AppID, p.Provider)
			return err
		},
	})

	r.Register(queue.Task{
		ID:          TaskPause,
		MaxAttempts: 1,
		Run: func(ctx context.Context, p queue.Payload) error {
			_, err := m.Pause(ctx, p.UserID, p.AppID)
			return ignoreNoSandbox(err)
		},
	})

	// Kill is idempotent at every provider, so a second attempt is safe
	r.Register(queue.Task{
		ID:          TaskDelete,
		MaxAttempts: 2,
		Run: func(ctx context.Context, p queue.Payload) error {
			_, err := m.Delete(ctx, p.UserID, p.AppID)
			return ignoreNoSandbox(err)
		},
	})
}

// ignoreNoSandbox treats "nothing to pause or delete" as done
func ignoreNoSandbox(err error) error {
	if errors.Is(err, ErrNoSandbox) {
		return nil
	}
	return err
}
