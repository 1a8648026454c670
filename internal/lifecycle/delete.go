package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Delete destroys the user's live sandbox of an app, detaches it from the
// app and parks the app's hostnames.
func (m *Manager) Delete(ctx context.Context, userID, appID string) (*store.UserSandbox, error) {
	var out *store.UserSandbox
	err := m.withAppLock(ctx, appID, true, func(ctx context.Context) error {
		app, err := m.store.GetAppForUser(ctx, userID, appID)
		if err != nil {
			return err
		}

		live, err := m.store.GetLiveSandboxForUser(ctx, userID, appID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoSandbox
		}
		if err != nil {
			return err
		}

		out, err = m.delete(ctx, app, live, "requested")
		return err
	})
	return out, err
}

func (m *Manager) delete(ctx context.Context, app *store.UserApp, row *store.UserSandbox, reason string) (*store.UserSandbox, error) {
	p, err := m.providers.Get(row.SandboxProvider)
	if err != nil {
		return nil, err
	}

	if row.SandboxID != "" {
		err := m.call(p, "kill", func() error { return p.Kill(ctx, row.SandboxID) })
		if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return nil, fmt.Errorf("failed to kill sandbox %s: %w", row.SandboxID, err)
		}
	}

	deleted, err := m.transition(ctx, row, sandbox.StatusDeleted, store.SandboxUpdate{}, reason)
	if err != nil {
		return nil, err
	}
	if err := m.store.ClearCurrentSandbox(ctx, app.ID, row.ID); err != nil {
		return nil, err
	}
	m.park(ctx, app)
	return deleted, nil
}
