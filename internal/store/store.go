package store

import (
	"context"
	"errors"
	"time"

	"github.com/makex/orchestrator/internal/sandbox"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("app already has a live sandbox")
	ErrStaleStatus = errors.New("sandbox status changed concurrently")
)

// SandboxUpdate carries the columns written alongside a status transition.
// Empty fields are left unchanged.
type SandboxUpdate struct {
	SandboxID  string
	AppURL     string
	APIURL     string
	ExpoStatus *ExpoStatus
}

// Store defines the interface for app and sandbox persistence
type Store interface {
	// CreateApp stores a new app
	CreateApp(ctx context.Context, app *UserApp) error

	// GetApp returns an app by ID
	GetApp(ctx context.Context, appID string) (*UserApp, error)

	// GetAppForUser returns an app only if userID owns it
	GetAppForUser(ctx context.Context, userID, appID string) (*UserApp, error)

	// SetCurrentSandbox points an app at a sandbox row and its public URLs
	SetCurrentSandbox(ctx context.Context, appID, sandboxRowID, appURL, apiURL string) error

	// SetCodingStatus records the agent-facing status of an app
	SetCodingStatus(ctx context.Context, appID string, status CodingStatus) error

	// ClearCurrentSandbox nulls current_sandbox_id if it still points at sandboxRowID
	ClearCurrentSandbox(ctx context.Context, appID, sandboxRowID string) error

	// CreateSandbox inserts a sandbox row. ErrDuplicate if the app already has a live one.
	CreateSandbox(ctx context.Context, sb *UserSandbox) error

	// GetSandbox returns a sandbox row by its ID
	GetSandbox(ctx context.Context, id string) (*UserSandbox, error)

	// GetLiveSandbox returns the most recent non-terminal sandbox of an app
	GetLiveSandbox(ctx context.Context, appID string) (*UserSandbox, error)

	// GetLiveSandboxForUser is GetLiveSandbox scoped to an owner
	GetLiveSandboxForUser(ctx context.Context, userID, appID string) (*UserSandbox, error)

	// GetLatestSandbox returns the most recent sandbox of an app in any status
	GetLatestSandbox(ctx context.Context, appID string) (*UserSandbox, error)

	// ListSandboxesByStatus returns all sandboxes in the given statuses
	ListSandboxesByStatus(ctx context.Context, statuses ...sandbox.Status) ([]*UserSandbox, error)

	// ListStaleSandboxes returns sandboxes in the given statuses not updated since before
	ListStaleSandboxes(ctx context.Context, before time.Time, statuses ...sandbox.Status) ([]*UserSandbox, error)

	// TransitionSandbox moves a sandbox from one status to another. The write only
	// happens if the row is still in from; otherwise ErrStaleStatus.
	TransitionSandbox(ctx context.Context, id string, from, to sandbox.Status, update SandboxUpdate) (*UserSandbox, error)

	// SetExpoStatus records the bundler status of a sandbox without touching its lifecycle status
	SetExpoStatus(ctx context.Context, id string, status ExpoStatus) error

	// CountSandboxesByStatus returns the number of rows per status
	CountSandboxesByStatus(ctx context.Context) (map[sandbox.Status]int64, error)

	// AddChatMessage stores a chat message
	AddChatMessage(ctx context.Context, msg *ChatMessage) error

	// LatestChatActivity returns the newest chat message time of an app, if any
	LatestChatActivity(ctx context.Context, appID string) (time.Time, bool, error)

	// Close releases the underlying connection pool
	Close() error
}
