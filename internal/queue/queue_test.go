package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveTask(taskID, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, taskID+":"+outcome)
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(Task{ID: "pause-container", Run: func(context.Context, Payload) error { return nil }})

	_, err := r.Get("pause-container")
	require.NoError(t, err)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, ErrUnknownTask))
	assert.Equal(t, []string{"pause-container"}, r.IDs())
}

func TestRegistry_HandleRetriesUntilMaxAttempts(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	obs := &recordingObserver{}
	r.SetObserver(obs)

	boom := errors.New("provider down")
	r.Register(Task{ID: "delete-container", MaxAttempts: 2, Run: func(context.Context, Payload) error { return boom }})

	msg := NewMessage("delete-container", Payload{AppID: "a"})
	next, err := r.Handle(context.Background(), msg)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, msg.ID, next.ID)

	next, err = r.Handle(context.Background(), *next)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, next)

	assert.Equal(t, []string{"delete-container:retry", "delete-container:failed"}, obs.outcomes)
}

func TestRegistry_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Task{ID: "t", Run: func(context.Context, Payload) error { return errors.New("x") }})

	next, err := r.Handle(context.Background(), NewMessage("t", Payload{}))
	assert.Error(t, err)
	assert.Nil(t, next)
}

func TestRegistry_HandleOutlivesShutdown(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetTaskTimeout(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	r.Register(Task{ID: "pause-container", Run: func(ctx context.Context, _ Payload) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > time.Minute {
			return errors.New("attempt is not bounded by the task timeout")
		}
		return nil
	}})

	errc := make(chan error, 1)
	go func() {
		_, err := r.Handle(ctx, NewMessage("pause-container", Payload{AppID: "a"}))
		errc <- err
	}()

	<-started
	cancel()
	assert.NoError(t, <-errc)
}

func TestRegistry_TaskTimeout(t *testing.T) {
	r := NewRegistry(nil)
	r.SetTaskTimeout(10 * time.Millisecond)
	r.SetTaskTimeout(0)
	r.Register(Task{ID: "t", Run: func(ctx context.Context, _ Payload) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	_, err := r.Handle(context.Background(), NewMessage("t", Payload{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInlineDispatcher(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	var calls atomic.Int32
	r.Register(Task{ID: "flaky", MaxAttempts: 3, Run: func(_ context.Context, p Payload) error {
		assert.Equal(t, "app-1", p.AppID)
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}})

	d := NewInlineDispatcher(r)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := d.Trigger(ctx, "flaky", Payload{AppID: "app-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Cancelling the triggering request does not abort the run
	cancel()
	d.Wait()
	assert.Equal(t, int32(3), calls.Load())

	_, err = d.Trigger(context.Background(), "missing", Payload{})
	assert.True(t, errors.Is(err, ErrUnknownTask))
}

func TestInlineDispatcher_Run(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Task{ID: "ok", Run: func(context.Context, Payload) error { return nil }})
	d := NewInlineDispatcher(r)

	assert.NoError(t, d.Run(context.Background(), "ok", Payload{}))
	assert.Error(t, d.Run(context.Background(), "nope", Payload{}))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "task.create-container", RoutingKey("create-container"))
}
