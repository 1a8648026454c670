package api

import (
	"fmt"
	"time"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// BuildStatus is the coarse status the client shows while an app is built
type BuildStatus string

const (
	BuildInProgress BuildStatus = "in_progress"
	BuildComplete   BuildStatus = "complete"
	BuildFailed     BuildStatus = "failed"
)

// BuildStatusResponse is the body of GET /api/build-status/:appId
type BuildStatusResponse struct {
	Status        BuildStatus        `json:"status"`
	Message       string             `json:"message"`
	SandboxStatus sandbox.Status     `json:"sandbox_status,omitempty"`
	CodingStatus  store.CodingStatus `json:"coding_status"`
	ExpoStatus    store.ExpoStatus   `json:"expo_status,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// SummarizeBuild folds an app's coding status and its latest sandbox (nil
// if it never had one) into one build status. Failures win over work in
// progress, which wins over completion.
func SummarizeBuild(app *store.UserApp, sb *store.UserSandbox) BuildStatusResponse {
	resp := BuildStatusResponse{
		CodingStatus: app.CodingStatus,
		UpdatedAt:    app.UpdatedAt,
	}

	var status sandbox.Status
	if sb != nil {
		status = sb.SandboxStatus
		resp.SandboxStatus = status
		resp.ExpoStatus = sb.ExpoStatus
		if sb.SandboxUpdatedAt.After(resp.UpdatedAt) {
			resp.UpdatedAt = sb.SandboxUpdatedAt
		}
	}

	switch {
	case status == sandbox.StatusError:
		resp.Status, resp.Message = BuildFailed, "Sandbox failed"
	case app.CodingStatus == store.CodingFailed:
		resp.Status, resp.Message = BuildFailed, "Build failed"
	case resp.ExpoStatus == store.ExpoError:
		resp.Status, resp.Message = BuildFailed, "Bundling failed"

	case app.CodingStatus == store.CodingPending, app.CodingStatus == store.CodingInProgress:
		resp.Status, resp.Message = BuildInProgress, "Building your app"
	case status.IsTransient():
		resp.Status, resp.Message = BuildInProgress, fmt.Sprintf("Sandbox is %s", status)
	case resp.ExpoStatus == store.ExpoBundling:
		resp.Status, resp.Message = BuildInProgress, "Bundling your app"

	case status == sandbox.StatusActive:
		resp.Status, resp.Message = BuildComplete, "App is ready"
	case status == sandbox.StatusPaused:
		resp.Status, resp.Message = BuildComplete, "App is paused"

	case app.CodingStatus == store.CodingFinished:
		resp.Status, resp.Message = BuildComplete, "App is asleep"
	default:
		resp.Status, resp.Message = BuildInProgress, "Waiting for a sandbox"
	}
	return resp
}
