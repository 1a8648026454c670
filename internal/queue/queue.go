package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/sandbox"
)

var ErrUnknownTask = errors.New("unknown task")

// Payload is the input every lifecycle task receives
type Payload struct {
	UserID   string               `json:"user_id"`
	AppID    string               `json:"app_id"`
	Provider sandbox.ProviderName `json:"provider,omitempty"`
}

// Message is a queued task invocation
type Message struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Payload    Payload   `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage creates the first attempt of a task run
func NewMessage(taskID string, p Payload) Message {
	return Message{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Payload:    p,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Task is a registered background job
type Task struct {
	ID string

	// MaxAttempts is the total number of runs before the message is abandoned.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	Run func(ctx context.Context, p Payload) error
}

// Dispatcher enqueues task runs
type Dispatcher interface {
	// Trigger enqueues a run and returns its message ID
	Trigger(ctx context.Context, taskID string, p Payload) (string, error)
}

// Observer records task outcomes
type Observer interface {
	ObserveTask(taskID, outcome string, d time.Duration)
}

// DefaultTaskTimeout bounds a single task attempt
const DefaultTaskTimeout = 5 * time.Minute

// Registry maps task IDs to their implementation
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]Task
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tasks: make(map[string]Task), timeout: DefaultTaskTimeout, logger: logger}
}

// SetTaskTimeout changes how long one attempt may run
func (r *Registry) SetTaskTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetObserver attaches a metrics observer
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Register adds a task, replacing any task with the same ID
func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns a registered task
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	return t, nil
}

// IDs lists registered task IDs
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle runs one attempt of msg. When the attempt fails and the task has
// attempts left, the message to enqueue next is returned along with the error.
//
// The attempt does not inherit ctx cancellation: a worker shutting down lets
// it finish, bounded by the task timeout, so rows are not left mid-transition.
func (r *Registry) Handle(ctx context.Context, msg Message) (*Message, error) {
	task, err := r.Get(msg.TaskID)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(
		zap.String("task", msg.TaskID),
		zap.String("run_id", msg.ID),
		zap.String("app_id", msg.Payload.AppID),
		zap.Int("attempt", msg.Attempt),
	)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := time.Now()
	err = task.Run(runCtx, msg.Payload)
	elapsed := time.Since(start)

	if err == nil {
		r.observe(msg.TaskID, "success", elapsed)
		logger.Info("task completed", zap.Duration("duration", elapsed))
		return nil, nil
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if msg.Attempt < maxAttempts {
		r.observe(msg.TaskID, "retry", elapsed)
		logger.Warn("task failed, retrying", zap.Error(err))
		next := msg
		next.Attempt++
		next.EnqueuedAt = time.Now().UTC()
		return &next, err
	}

	r.observe(msg.TaskID, "failed", elapsed)
	logger.Error("task abandoned", zap.Error(err), zap.Int("max_attempts", maxAttempts))
	return nil, err
}

func (r *Registry) observe(taskID, outcome string, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveTask(taskID, outcome, d)
	}
}
