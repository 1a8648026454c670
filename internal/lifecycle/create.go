package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Create boots a sandbox for an app. If the app already has a live sandbox
// that one is returned instead.
func (m *Manager) Create(ctx context.Context, userID, appID string, provider sandbox.ProviderName) (*store.UserSandbox, error) {
	var out *store.UserSandbox
	err := m.withAppLock(ctx, appID, true, func(ctx context.Context) error {
		app, err := m.store.GetAppForUser(ctx, userID, appID)
		if err != nil {
			return err
		}

		live, err := m.store.GetLiveSandbox(ctx, appID)
		if err == nil {
			m.logger.Info("app already has a live sandbox",
				zap.String("app_id", appID),
				zap.String("status", string(live.SandboxStatus)),
			)
			out = live
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		out, err = m.create(ctx, app, provider)
		return err
	})
	return out, err
}

func (m *Manager) create(ctx context.Context, app *store.UserApp, name sandbox.ProviderName) (*store.UserSandbox, error) {
	p, err := m.providers.Get(name)
	if err != nil {
		return nil, err
	}

	row := &store.UserSandbox{
		AppID:           app.ID,
		UserID:          app.UserID,
		SandboxProvider: p.Name(),
		SandboxStatus:   sandbox.StatusStarting,
	}
	if err := m.store.CreateSandbox(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race to another writer; its row is the app's sandbox
			return m.store.GetLiveSandbox(ctx, app.ID)
		}
		return nil, err
	}
	m.changed(ctx, row, "", "create")

	var inst *sandbox.Instance
	err = m.call(p, "create", func() error {
		var err error
		inst, err = p.Create(ctx, sandbox.CreateRequest{
			AppID:   app.ID,
			UserID:  app.UserID,
			AppName: app.AppName,
			Timeout: m.config.SandboxTimeout,
		})
		return err
	})
	if err != nil {
		m.fail(ctx, row, "create failed")
		return nil, fmt.Errorf("failed to create %s sandbox for app %s: %w", p.Name(), app.ID, err)
	}

	active, err := m.activate(ctx, app, row, inst.ID, inst.Endpoints, "created")
	if err != nil {
		// Nothing references the instance yet; do not leak it
		if kerr := m.call(p, "kill", func() error { return p.Kill(context.WithoutCancel(ctx), inst.ID) }); kerr != nil && !errors.Is(kerr, sandbox.ErrNotFound) {
			m.logger.Error("failed to clean up sandbox after activation error",
				zap.String("app_id", app.ID),
				zap.String("sandbox_id", inst.ID),
				zap.Error(kerr),
			)
		}
		m.fail(ctx, row, "activation failed")
		return nil, err
	}
	return active, nil
}
