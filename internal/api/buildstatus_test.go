package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

func TestSummarizeBuild(t *testing.T) {
	sb := func(status sandbox.Status, expo store.ExpoStatus) *store.UserSandbox {
		return &store.UserSandbox{SandboxStatus: status, ExpoStatus: expo}
	}

	tests := []struct {
		name    string
		coding  store.CodingStatus
		sandbox *store.UserSandbox
		want    BuildStatus
		message string
	}{
		{"sandbox error beats everything", store.CodingInProgress, sb(sandbox.StatusError, store.ExpoBundling), BuildFailed, "Sandbox failed"},
		{"coding failed", store.CodingFailed, sb(sandbox.StatusActive, ""), BuildFailed, "Build failed"},
		{"expo error", store.CodingFinished, sb(sandbox.StatusActive, store.ExpoError), BuildFailed, "Bundling failed"},
		{"coding pending", store.CodingPending, sb(sandbox.StatusActive, ""), BuildInProgress, "Building your app"},
		{"coding in progress", store.CodingInProgress, nil, BuildInProgress, "Building your app"},
		{"sandbox starting", store.CodingFinished, sb(sandbox.StatusStarting, ""), BuildInProgress, "Sandbox is starting"},
		{"sandbox bundling", store.CodingFinished, sb(sandbox.StatusBundling, ""), BuildInProgress, "Sandbox is bundling"},
		{"expo bundling", store.CodingFinished, sb(sandbox.StatusActive, store.ExpoBundling), BuildInProgress, "Bundling your app"},
		{"ready", store.CodingFinished, sb(sandbox.StatusActive, store.ExpoReady), BuildComplete, "App is ready"},
		{"paused", store.CodingFinished, sb(sandbox.StatusPaused, ""), BuildComplete, "App is paused"},
		{"deleted sandbox", store.CodingFinished, sb(sandbox.StatusDeleted, ""), BuildComplete, "App is asleep"},
		{"never had a sandbox", store.CodingFinished, nil, BuildComplete, "App is asleep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &store.UserApp{CodingStatus: tt.coding}
			got := SummarizeBuild(app, tt.sandbox)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.message, got.Message)
			assert.Equal(t, tt.coding, got.CodingStatus)
		})
	}
}

func TestSummarizeBuild_UpdatedAt(t *testing.T) {
	appTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	app := &store.UserApp{CodingStatus: store.CodingFinished, UpdatedAt: appTime}

	later := &store.UserSandbox{SandboxStatus: sandbox.StatusActive, SandboxUpdatedAt: appTime.Add(time.Hour)}
	assert.Equal(t, appTime.Add(time.Hour), SummarizeBuild(app, later).UpdatedAt)

	earlier := &store.UserSandbox{SandboxStatus: sandbox.StatusActive, SandboxUpdatedAt: appTime.Add(-time.Hour)}
	assert.Equal(t, appTime, SummarizeBuild(app, earlier).UpdatedAt)
}
