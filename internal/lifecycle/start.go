package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Start makes sure an app has a running sandbox: a running one is left alone,
// a paused one is resumed and an app without one gets a new sandbox.
func (m *Manager) Start(ctx context.Context, userID, appID string, provider sandbox.ProviderName) (*store.UserSandbox, error) {
	var out *store.UserSandbox
	err := m.withAppLock(ctx, appID, true, func(ctx context.Context) error {
		app, err := m.store.GetAppForUser(ctx, userID, appID)
		if err != nil {
			return err
		}
		out, err = m.start(ctx, app, provider)
		return err
	})
	return out, err
}

func (m *Manager) start(ctx context.Context, app *store.UserApp, provider sandbox.ProviderName) (*store.UserSandbox, error) {
	live, err := m.store.GetLiveSandbox(ctx, app.ID)
	if errors.Is(err, store.ErrNotFound) {
		return m.create(ctx, app, provider)
	}
	if err != nil {
		return nil, err
	}

	if live.SandboxStatus == sandbox.StatusPausing {
		// A pause holds the app lock until the row leaves pausing, so a
		// pausing row seen under the lock belongs to a pause that died
		m.logger.Warn("completing interrupted pause", zap.String("app_id", app.ID))
		live, err = m.completePause(ctx, app, live, "interrupted pause")
		if err != nil {
			return nil, err
		}
	}

	switch {
	case live.SandboxStatus == sandbox.StatusPaused:
		return m.resume(ctx, app, live, provider)
	case live.SandboxStatus.IsLive():
		m.logger.Debug("sandbox already running",
			zap.String("app_id", app.ID),
			zap.String("status", string(live.SandboxStatus)),
		)
		return live, nil
	default:
		// The pause ended in a terminal status; start over
		return m.create(ctx, app, provider)
	}
}

// resume wakes a paused sandbox. If the provider no longer knows it, the row
// is marked errored and a fresh sandbox is created.
func (m *Manager) resume(ctx context.Context, app *store.UserApp, row *store.UserSandbox, provider sandbox.ProviderName) (*store.UserSandbox, error) {
	resuming, err := m.transition(ctx, row, sandbox.StatusResuming, store.SandboxUpdate{}, "resume")
	if err != nil {
		return nil, err
	}

	active, err := m.finishResume(ctx, app, resuming)
	if errors.Is(err, sandbox.ErrNotFound) {
		m.logger.Warn("paused sandbox is gone, creating a new one", zap.String("app_id", app.ID))
		return m.create(ctx, app, provider)
	}
	return active, err
}

// finishResume resumes a row already in resuming
func (m *Manager) finishResume(ctx context.Context, app *store.UserApp, row *store.UserSandbox) (*store.UserSandbox, error) {
	p, err := m.providers.Get(row.SandboxProvider)
	if err != nil {
		m.fail(ctx, row, "unknown provider")
		return nil, err
	}

	var ep *sandbox.Endpoints
	err = m.call(p, "resume", func() error {
		var err error
		ep, err = p.Resume(ctx, row.SandboxID)
		return err
	})
	if err != nil {
		m.fail(ctx, row, "resume failed")
		return nil, fmt.Errorf("failed to resume sandbox %s: %w", row.SandboxID, err)
	}

	active, err := m.activate(ctx, app, row, "", *ep, "resumed")
	if err != nil {
		m.fail(ctx, row, "activation failed")
		return nil, err
	}
	return active, nil
}
