package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// StatusReport is what the agent inside a sandbox reports while it works on an app
type StatusReport struct {
	// Work state or active; empty leaves the sandbox status unchanged
	SandboxStatus sandbox.Status `json:"sandbox_status,omitempty"`

	ExpoStatus   *store.ExpoStatus   `json:"expo_status,omitempty"`
	CodingStatus *store.CodingStatus `json:"coding_status,omitempty"`
}

// Validate checks the report only names statuses the agent may set
func (r StatusReport) Validate() error {
	if r.SandboxStatus != "" && r.SandboxStatus != sandbox.StatusActive && !r.SandboxStatus.IsWork() {
		return fmt.Errorf("%w: agents cannot set status %q", ErrInvalidState, r.SandboxStatus)
	}
	if r.ExpoStatus != nil {
		switch *r.ExpoStatus {
		case store.ExpoIdle, store.ExpoBundling, store.ExpoReady, store.ExpoError:
		default:
			return fmt.Errorf("unknown expo status %q", *r.ExpoStatus)
		}
	}
	if r.CodingStatus != nil {
		switch *r.CodingStatus {
		case store.CodingPending, store.CodingInProgress, store.CodingFinished, store.CodingFailed:
		default:
			return fmt.Errorf("unknown coding status %q", *r.CodingStatus)
		}
	}
	return nil
}

// ReportStatus applies an agent status report to an app and its running sandbox
func (m *Manager) ReportStatus(ctx context.Context, appID string, report StatusReport) (*store.UserSandbox, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	var out *store.UserSandbox
	err := m.withAppLock(ctx, appID, true, func(ctx context.Context) error {
		if _, err := m.store.GetApp(ctx, appID); err != nil {
			return err
		}
		if report.CodingStatus != nil {
			if err := m.store.SetCodingStatus(ctx, appID, *report.CodingStatus); err != nil {
				return err
			}
		}
		if report.SandboxStatus == "" && report.ExpoStatus == nil {
			return nil
		}

		live, err := m.store.GetLiveSandbox(ctx, appID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoSandbox
		}
		if err != nil {
			return err
		}
		if !live.SandboxStatus.Running() {
			return fmt.Errorf("%w: sandbox is %s", ErrInvalidState, live.SandboxStatus)
		}

		if report.SandboxStatus != "" && report.SandboxStatus != live.SandboxStatus {
			live, err = m.transition(ctx, live, report.SandboxStatus, store.SandboxUpdate{ExpoStatus: report.ExpoStatus}, "agent")
			if err != nil {
				return err
			}
		} else if report.ExpoStatus != nil {
			if err := m.store.SetExpoStatus(ctx, live.ID, *report.ExpoStatus); err != nil {
				return err
			}
			live.ExpoStatus = *report.ExpoStatus
		}
		out = live
		return nil
	})
	return out, err
}
