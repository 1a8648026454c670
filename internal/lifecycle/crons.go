package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/lock"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// IdleBaseline is the last moment an app showed activity: the later of the
// sandbox's last status change and the app's newest chat message.
func IdleBaseline(updatedAt time.Time, lastChat time.Time, hasChat bool) time.Time {
	if hasChat && lastChat.After(updatedAt) {
		return lastChat
	}
	return updatedAt
}

func (m *Manager) idleFor(ctx context.Context, row *store.UserSandbox, now time.Time) (time.Duration, error) {
	lastChat, ok, err := m.store.LatestChatActivity(ctx, row.AppID)
	if err != nil {
		return 0, err
	}
	return now.Sub(IdleBaseline(row.SandboxUpdatedAt, lastChat, ok)), nil
}

// sweep runs fn for each row under a non-blocking app lock, after re-reading
// the row. Rows whose app is locked, or whose status changed since listing,
// are skipped. It returns how many rows fn acted on.
//
// Cancelling ctx stops the sweep before the next row; the row in progress
// runs to completion under OperationTimeout.
func (m *Manager) sweep(ctx context.Context, job string, rows []*store.UserSandbox, fn func(ctx context.Context, row *store.UserSandbox) (bool, error)) (int, error) {
	var (
		acted int
		errs  []error
	)
	for _, listed := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		err := m.withRowContext(ctx, func(ctx context.Context) error {
			return m.withAppLock(ctx, listed.AppID, false, func(ctx context.Context) error {
				row, err := m.store.GetSandbox(ctx, listed.ID)
				if err != nil {
					return err
				}
				if row.SandboxStatus != listed.SandboxStatus {
					return nil
				}
				ok, err := fn(ctx, row)
				if ok {
					acted++
				}
				return err
			})
		})
		if errors.Is(err, lock.ErrLocked) {
			m.logger.Debug("app busy, skipping", zap.String("job", job), zap.String("app_id", listed.AppID))
			continue
		}
		if err != nil {
			m.logger.Error("sweep failed for app",
				zap.String("job", job),
				zap.String("app_id", listed.AppID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("app %s: %w", listed.AppID, err))
		}
	}
	return acted, errors.Join(errs...)
}

func (m *Manager) withRowContext(ctx context.Context, fn func(ctx context.Context) error) error {
	timeout := m.config.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().OperationTimeout
	}
	rowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(rowCtx)
}

// AutoPause pauses active sandboxes idle for longer than AutoPauseIdle
func (m *Manager) AutoPause(ctx context.Context) (int, error) {
	rows, err := m.store.ListSandboxesByStatus(ctx, sandbox.StatusActive)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var candidates []*store.UserSandbox
	for _, row := range rows {
		// The baseline is never earlier than sandbox_updated_at
		if now.Sub(row.SandboxUpdatedAt) > m.config.AutoPauseIdle {
			candidates = append(candidates, row)
		}
	}

	n, err := m.sweep(ctx, JobAutoPause, candidates, func(ctx context.Context, row *store.UserSandbox) (bool, error) {
		idle, err := m.idleFor(ctx, row, now)
		if err != nil || idle <= m.config.AutoPauseIdle {
			return false, err
		}
		app, err := m.store.GetApp(ctx, row.AppID)
		if err != nil {
			return false, err
		}
		m.logger.Info("pausing idle sandbox", zap.String("app_id", row.AppID), zap.Duration("idle", idle))
		_, err = m.pause(ctx, app, row, "idle")
		return err == nil, err
	})
	m.logger.Info("auto-pause finished", zap.Int("checked", len(rows)), zap.Int("paused", n))
	return n, err
}

// AutoKill deletes paused sandboxes of finished apps idle for longer than AutoKillIdle
func (m *Manager) AutoKill(ctx context.Context) (int, error) {
	rows, err := m.store.ListStaleSandboxes(ctx, time.Now().Add(-m.config.AutoKillIdle), sandbox.StatusPaused)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n, err := m.sweep(ctx, JobAutoKill, rows, func(ctx context.Context, row *store.UserSandbox) (bool, error) {
		app, err := m.store.GetApp(ctx, row.AppID)
		if err != nil {
			return false, err
		}
		if app.CodingStatus != store.CodingFinished {
			return false, nil
		}
		idle, err := m.idleFor(ctx, row, now)
		if err != nil || idle <= m.config.AutoKillIdle {
			return false, err
		}
		m.logger.Info("deleting idle sandbox", zap.String("app_id", row.AppID), zap.Duration("idle", idle))
		_, err = m.delete(ctx, app, row, "idle")
		return err == nil, err
	})
	m.logger.Info("auto-kill finished", zap.Int("checked", len(rows)), zap.Int("deleted", n))
	return n, err
}

// ResetStuck repairs sandboxes left in a transient status for longer than
// StuckThreshold. Work states and started sandboxes are assumed healthy and
// set back to active; a create that never reached the provider is errored;
// stuck pauses are completed and stuck resumes retried.
func (m *Manager) ResetStuck(ctx context.Context) (int, error) {
	statuses := append(sandbox.ResetStatuses(), sandbox.StatusPausing, sandbox.StatusResuming)
	rows, err := m.store.ListStaleSandboxes(ctx, time.Now().Add(-m.config.StuckThreshold), statuses...)
	if err != nil {
		return 0, err
	}

	n, err := m.sweep(ctx, JobResetStuck, rows, func(ctx context.Context, row *store.UserSandbox) (bool, error) {
		logger := m.logger.With(zap.String("app_id", row.AppID), zap.String("status", string(row.SandboxStatus)))

		switch {
		case row.SandboxStatus == sandbox.StatusStarting && row.SandboxID == "":
			logger.Warn("create never finished, marking sandbox errored")
			_, err := m.transition(ctx, row, sandbox.StatusError, store.SandboxUpdate{}, "stuck")
			return err == nil, err

		case row.SandboxStatus == sandbox.StatusPausing:
			app, err := m.store.GetApp(ctx, row.AppID)
			if err != nil {
				return false, err
			}
			logger.Warn("completing stuck pause")
			_, err = m.completePause(ctx, app, row, "stuck")
			return err == nil, err

		case row.SandboxStatus == sandbox.StatusResuming:
			app, err := m.store.GetApp(ctx, row.AppID)
			if err != nil {
				return false, err
			}
			logger.Warn("retrying stuck resume")
			_, err = m.finishResume(ctx, app, row)
			return err == nil, err

		default:
			logger.Info("resetting stuck sandbox to active")
			_, err := m.transition(ctx, row, sandbox.StatusActive, store.SandboxUpdate{}, "stuck")
			return err == nil, err
		}
	})
	m.logger.Info("reset-stuck finished", zap.Int("stuck", len(rows)), zap.Int("repaired", n))
	return n, err
}

// SandboxStats refreshes the sandboxes-by-status gauge
func (m *Manager) SandboxStats(ctx context.Context) (map[sandbox.Status]int64, error) {
	counts, err := m.store.CountSandboxesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	if m.recorder != nil {
		m.recorder.SetSandboxCounts(counts)
	}
	return counts, nil
}
