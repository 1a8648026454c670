package sandbox

import (
	"context"
	"errors"
	"time"
)

// ProviderName identifies a sandbox backend
type ProviderName string

const (
	ProviderE2B     ProviderName = "e2b"
	ProviderDaytona ProviderName = "daytona"
	ProviderFly     ProviderName = "fly"
	ProviderDocker  ProviderName = "docker"
)

// Default ports exposed by every sandbox image
const (
	DefaultAppPort = 8081
	DefaultAPIPort = 8000
)

var (
	ErrUnknownProvider = errors.New("unknown sandbox provider")
	ErrNotFound        = errors.New("sandbox not found at provider")
)

// Endpoints are the public hosts a running sandbox serves on
type Endpoints struct {
	AppHost string `json:"app_host"`
	APIHost string `json:"api_host"`
}

// Instance is a sandbox as returned by a provider after creation
type Instance struct {
	ID        string    `json:"id"`
	Endpoints Endpoints `json:"endpoints"`
}

// CreateRequest carries the metadata passed to a provider on creation
type CreateRequest struct {
	AppID   string
	UserID  string
	AppName string

	// Template or image override; providers fall back to their configured default
	Template string

	Env     map[string]string
	Timeout time.Duration
}

// Labels returns the metadata every provider attaches to a sandbox
func (r CreateRequest) Labels() map[string]string {
	return map[string]string{
		"makex.app_id":   r.AppID,
		"makex.user_id":  r.UserID,
		"makex.app_name": r.AppName,
	}
}

// Provider defines the capability set every sandbox backend implements
type Provider interface {
	// Name returns the value stored in user_sandboxes.sandbox_provider
	Name() ProviderName

	// Create boots a new sandbox and returns its hosts
	Create(ctx context.Context, req CreateRequest) (*Instance, error)

	// Pause suspends a sandbox so it stops consuming capacity
	Pause(ctx context.Context, id string) error

	// Resume wakes a paused sandbox and returns its (possibly new) hosts
	Resume(ctx context.Context, id string) (*Endpoints, error)

	// Kill destroys a sandbox. Missing sandboxes report ErrNotFound.
	Kill(ctx context.Context, id string) error
}
