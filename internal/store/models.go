package store

import (
	"time"

	"github.com/makex/orchestrator/internal/sandbox"
)

// CodingStatus is the agent-facing status of an app
type CodingStatus string

const (
	CodingPending    CodingStatus = "pending"
	CodingInProgress CodingStatus = "in_progress"
	CodingFinished   CodingStatus = "finished"
	CodingFailed     CodingStatus = "failed"
)

// ExpoStatus tracks the Metro bundler inside a sandbox
type ExpoStatus string

const (
	ExpoIdle     ExpoStatus = ""
	ExpoBundling ExpoStatus = "bundling"
	ExpoReady    ExpoStatus = "ready"
	ExpoError    ExpoStatus = "error"
)

// UserApp is the durable record of a user's app
type UserApp struct {
	ID               string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID           string       `gorm:"type:varchar(64);index;not null" json:"user_id"`
	AppName          string       `gorm:"type:varchar(128);uniqueIndex;not null" json:"app_name"`
	DisplayName      string       `gorm:"type:varchar(255)" json:"display_name"`
	AppURL           string       `gorm:"type:text" json:"app_url"`
	APIURL           string       `gorm:"type:text" json:"api_url"`
	CodingStatus     CodingStatus `gorm:"type:varchar(20);not null;default:pending" json:"coding_status"`
	CurrentSandboxID *string      `gorm:"type:varchar(36)" json:"current_sandbox_id"`
	InitialCommit    string       `gorm:"type:varchar(64)" json:"initial_commit,omitempty"`
	GitRepoID        string       `gorm:"type:varchar(64)" json:"git_repo_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName returns the table name for GORM
func (UserApp) TableName() string {
	return "user_apps"
}

// UserSandbox is one ephemeral container backing an app. Rows are never
// hard-deleted; they end in the deleted or error status.
type UserSandbox struct {
	ID               string               `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AppID            string               `gorm:"type:varchar(36);index;not null" json:"app_id"`
	UserID           string               `gorm:"type:varchar(64);index;not null" json:"user_id"`
	SandboxID        string               `gorm:"type:varchar(128)" json:"sandbox_id"`
	SandboxProvider  sandbox.ProviderName `gorm:"type:varchar(20);not null" json:"sandbox_provider"`
	SandboxStatus    sandbox.Status       `gorm:"type:varchar(20);index;not null" json:"sandbox_status"`
	ExpoStatus       ExpoStatus           `gorm:"type:varchar(20)" json:"expo_status,omitempty"`
	AppURL           string               `gorm:"type:text" json:"app_url"`
	APIURL           string               `gorm:"type:text" json:"api_url"`
	SandboxCreatedAt time.Time            `json:"sandbox_created_at"`
	SandboxUpdatedAt time.Time            `gorm:"index" json:"sandbox_updated_at"`
}

// TableName returns the table name for GORM
func (UserSandbox) TableName() string {
	return "user_sandboxes"
}

// ChatMessage is a message exchanged with the agent. Only its timestamp
// matters here: it counts as user activity for idle detection.
type ChatMessage struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AppID     string    `gorm:"type:varchar(36);index:idx_chat_history_app_created,priority:1;not null" json:"app_id"`
	UserID    string    `gorm:"type:varchar(64)" json:"user_id"`
	Role      string    `gorm:"type:varchar(20)" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_chat_history_app_created,priority:2" json:"created_at"`
}

// TableName returns the table name for GORM
func (ChatMessage) TableName() string {
	return "chat_history"
}
