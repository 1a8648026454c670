package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPollTimeout is returned when a watched state never settles
var ErrPollTimeout = errors.New("timed out waiting for state change")

var errPending = errors.New("state change pending")

// PollConfig bounds how long to wait for a remote state change
type PollConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultPollConfig returns default polling configuration
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Timeout:         2 * time.Minute,
	}
}

func (c PollConfig) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.Timeout
	return backoff.WithContext(b, ctx)
}

// PollUntil calls check with exponential backoff until it reports done.
// An error from check stops polling immediately.
func PollUntil(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	err := backoff.Retry(func() error {
		done, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}, cfg.newBackOff(ctx))

	if errors.Is(err, errPending) {
		return fmt.Errorf("%w after %s", ErrPollTimeout, cfg.Timeout)
	}
	return err
}
