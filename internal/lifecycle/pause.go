package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Pause suspends an app's active sandbox and parks its hostnames on the
// not-found page. Pausing a paused sandbox is a no-op.
func (m *Manager) Pause(ctx context.Context, userID, appID string) (*store.UserSandbox, error) {
	var out *store.UserSandbox
	err := m.withAppLock(ctx, appID, true, func(ctx context.Context) error {
		app, err := m.store.GetAppForUser(ctx, userID, appID)
		if err != nil {
			return err
		}

		live, err := m.store.GetLiveSandbox(ctx, appID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoSandbox
		}
		if err != nil {
			return err
		}

		switch live.SandboxStatus {
		case sandbox.StatusPaused:
			out = live
			return nil
		case sandbox.StatusPausing:
			out, err = m.completePause(ctx, app, live, "requested")
			return err
		case sandbox.StatusActive:
			out, err = m.pause(ctx, app, live, "requested")
			return err
		default:
			return fmt.Errorf("%w: cannot pause a %s sandbox", ErrInvalidState, live.SandboxStatus)
		}
	})
	return out, err
}

func (m *Manager) pause(ctx context.Context, app *store.UserApp, row *store.UserSandbox, reason string) (*store.UserSandbox, error) {
	pausing, err := m.transition(ctx, row, sandbox.StatusPausing, store.SandboxUpdate{}, reason)
	if err != nil {
		return nil, err
	}
	return m.completePause(ctx, app, pausing, reason)
}

// completePause pauses a row already in pausing. A provider failure puts
// the row back to active; a sandbox the provider no longer knows is errored.
func (m *Manager) completePause(ctx context.Context, app *store.UserApp, row *store.UserSandbox, reason string) (*store.UserSandbox, error) {
	p, err := m.providers.Get(row.SandboxProvider)
	if err != nil {
		m.fail(ctx, row, "unknown provider")
		return nil, err
	}

	err = m.call(p, "pause", func() error { return p.Pause(ctx, row.SandboxID) })
	if errors.Is(err, sandbox.ErrNotFound) {
		m.park(ctx, app)
		gone, terr := m.transition(ctx, row, sandbox.StatusError, store.SandboxUpdate{}, "sandbox gone")
		if terr != nil {
			return nil, terr
		}
		if err := m.store.ClearCurrentSandbox(ctx, app.ID, row.ID); err != nil {
			return nil, err
		}
		return gone, nil
	}
	if err != nil {
		if _, terr := m.transition(ctx, row, sandbox.StatusActive, store.SandboxUpdate{}, "pause failed"); terr != nil {
			m.logger.Error("failed to restore sandbox after pause error",
				zap.String("app_id", app.ID),
				zap.Error(terr),
			)
		}
		return nil, fmt.Errorf("failed to pause sandbox %s: %w", row.SandboxID, err)
	}

	m.park(ctx, app)
	return m.transition(ctx, row, sandbox.StatusPaused, store.SandboxUpdate{}, reason)
}
