// Package lifecycle drives sandboxes through their status machine: the
// user-triggered create, start, pause and delete tasks and the cron jobs that
// reconcile idle and stuck sandboxes.
//
// Every operation on an app runs under the app's Redis lock, and every status
// change goes through store.TransitionSandbox so a concurrent writer loses
// with ErrStaleStatus instead of silently overwriting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/events"
	"github.com/makex/orchestrator/internal/lock"
	"github.com/makex/orchestrator/internal/proxy"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

var (
	ErrInvalidState = errors.New("sandbox is not in a state that allows this operation")
	ErrNoSandbox    = errors.New("app has no live sandbox")
)

// Config holds lifecycle thresholds and cron intervals
type Config struct {
	// Idle time after which an active sandbox is paused
	AutoPauseIdle time.Duration `yaml:"auto_pause_idle"`

	// Idle time after which a paused sandbox of a finished app is deleted
	AutoKillIdle time.Duration `yaml:"auto_kill_idle"`

	// Age after which a transient status is considered stuck
	StuckThreshold time.Duration `yaml:"stuck_threshold"`

	// How long user-triggered tasks wait for the app lock
	LockWait time.Duration `yaml:"lock_wait"`

	// Upper bound of one operation on one app, queued task or cron row
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	AutoPauseInterval  time.Duration `yaml:"auto_pause_interval"`
	AutoKillInterval   time.Duration `yaml:"auto_kill_interval"`
	ResetStuckInterval time.Duration `yaml:"reset_stuck_interval"`
	StatsInterval      time.Duration `yaml:"stats_interval"`

	// Lifetime requested from providers that expire sandboxes on their own
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
}

// DefaultConfig returns default lifecycle configuration
func DefaultConfig() Config {
	return Config{
		AutoPauseIdle:      5 * time.Minute,
		AutoKillIdle:       2800 * time.Minute,
		StuckThreshold:     10 * time.Minute,
		LockWait:           2 * time.Minute,
		OperationTimeout:   5 * time.Minute,
		AutoPauseInterval:  time.Minute,
		AutoKillInterval:   6 * time.Hour,
		ResetStuckInterval: 5 * time.Minute,
		StatsInterval:      time.Minute,
		SandboxTimeout:     time.Hour,
	}
}

// Recorder receives lifecycle metrics
type Recorder interface {
	RecordTransition(from, to sandbox.Status)
	RecordProviderCall(provider sandbox.ProviderName, operation string, d time.Duration, err error)
	SetSandboxCounts(counts map[sandbox.Status]int64)
}

// Manager runs lifecycle operations
type Manager struct {
	store     store.Store
	providers *sandbox.Registry
	proxy     *proxy.Registry
	locker    lock.Locker
	events    events.Publisher
	recorder  Recorder
	config    Config
	logger    *zap.Logger
}

// NewManager creates a lifecycle manager
func NewManager(st store.Store, providers *sandbox.Registry, px *proxy.Registry, locker lock.Locker, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     st,
		providers: providers,
		proxy:     px,
		locker:    locker,
		events:    events.NopPublisher{},
		config:    config,
		logger:    logger,
	}
}

// SetPublisher sets where status events are sent
func (m *Manager) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.NopPublisher{}
	}
	m.events = p
}

// SetRecorder attaches a metrics recorder
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// Config returns the manager's configuration
func (m *Manager) Config() Config {
	return m.config
}

// withAppLock runs fn while holding the app's lock. User-triggered operations
// wait for it; cron jobs pass wait=false and get lock.ErrLocked back.
func (m *Manager) withAppLock(ctx context.Context, appID string, wait bool, fn func(ctx context.Context) error) error {
	var (
		lease *lock.Lease
		err   error
	)
	if wait {
		lease, err = m.locker.Acquire(ctx, lock.AppKey(appID), m.config.LockWait)
	} else {
		lease, err = m.locker.TryAcquire(ctx, lock.AppKey(appID))
	}
	if err != nil {
		return fmt.Errorf("failed to lock app %s: %w", appID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to release app lock", zap.String("app_id", appID), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// transition moves row to status to, records it and emits a status event
func (m *Manager) transition(ctx context.Context, row *store.UserSandbox, to sandbox.Status, update store.SandboxUpdate, reason string) (*store.UserSandbox, error) {
	from := row.SandboxStatus
	updated, err := m.store.TransitionSandbox(ctx, row.ID, from, to, update)
	if err != nil {
		return nil, err
	}
	m.changed(ctx, updated, from, reason)
	return updated, nil
}

func (m *Manager) changed(ctx context.Context, row *store.UserSandbox, from sandbox.Status, reason string) {
	if m.recorder != nil {
		m.recorder.RecordTransition(from, row.SandboxStatus)
	}

	m.logger.Info("sandbox status changed",
		zap.String("app_id", row.AppID),
		zap.String("sandbox_id", row.SandboxID),
		zap.String("provider", string(row.SandboxProvider)),
		zap.String("from", string(from)),
		zap.String("to", string(row.SandboxStatus)),
		zap.String("reason", reason),
	)

	ev := events.StatusEvent{
		AppID:        row.AppID,
		UserID:       row.UserID,
		SandboxRowID: row.ID,
		SandboxID:    row.SandboxID,
		Provider:     row.SandboxProvider,
		From:         from,
		To:           row.SandboxStatus,
		Reason:       reason,
		At:           row.SandboxUpdatedAt,
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish status event", zap.String("app_id", row.AppID), zap.Error(err))
	}
}

// fail moves row to error after a provider failure. The original error is
// what the caller reports; a failed transition is only logged.
func (m *Manager) fail(ctx context.Context, row *store.UserSandbox, reason string) {
	if _, err := m.transition(ctx, row, sandbox.StatusError, store.SandboxUpdate{}, reason); err != nil {
		m.logger.Error("failed to mark sandbox as errored",
			zap.String("app_id", row.AppID),
			zap.String("from", string(row.SandboxStatus)),
			zap.Error(err),
		)
	}
}

// call runs one provider operation and records its outcome
func (m *Manager) call(p sandbox.Provider, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if m.recorder != nil {
		m.recorder.RecordProviderCall(p.Name(), op, time.Since(start), err)
	}
	return err
}

// activate routes the proxy to the sandbox hosts, marks the row active and
// makes it the app's current sandbox
func (m *Manager) activate(ctx context.Context, app *store.UserApp, row *store.UserSandbox, sandboxID string, ep sandbox.Endpoints, reason string) (*store.UserSandbox, error) {
	if err := m.proxy.SetURLs(ctx, app.AppName, ep.AppHost, ep.APIHost); err != nil {
		return nil, err
	}

	updated, err := m.transition(ctx, row, sandbox.StatusActive, store.SandboxUpdate{
		SandboxID: sandboxID,
		AppURL:    ep.AppHost,
		APIURL:    ep.APIHost,
	}, reason)
	if err != nil {
		return nil, err
	}

	appURL, apiURL := m.proxy.PublicURLs(app.AppName)
	if err := m.store.SetCurrentSandbox(ctx, app.ID, updated.ID, appURL, apiURL); err != nil {
		return nil, err
	}
	return updated, nil
}

// park points the app's hostnames at the not-found page. Failures are
// logged; the sandbox status is still the source of truth.
func (m *Manager) park(ctx context.Context, app *store.UserApp) {
	if err := m.proxy.SetNotFound(ctx, app.AppName); err != nil {
		m.logger.Error("failed to park proxy routes", zap.String("app_id", app.ID), zap.Error(err))
	}
}
