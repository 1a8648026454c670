package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DaytonaConfig holds Daytona API configuration
type DaytonaConfig struct {
	APIKey   string `yaml:"api_key"`
	APIURL   string `yaml:"api_url"`
	Snapshot string `yaml:"snapshot"`

	// Command run inside the sandbox to start the app and API dev servers
	StartCommand string `yaml:"start_command"`

	// Minutes of inactivity before Daytona stops the sandbox on its own; 0 disables
	AutoStopInterval int `yaml:"auto_stop_interval"`

	AppPort int        `yaml:"app_port"`
	APIPort int        `yaml:"api_port"`
	Poll    PollConfig `yaml:"poll"`
}

// DefaultDaytonaConfig returns default Daytona configuration
func DefaultDaytonaConfig() DaytonaConfig {
	return DaytonaConfig{
		APIURL:       "https://app.daytona.io/api",
		Snapshot:     "makex-expo",
		StartCommand: "cd /app && npm run dev",
		AppPort:      DefaultAppPort,
		APIPort:      DefaultAPIPort,
		Poll:         DefaultPollConfig(),
	}
}

// DaytonaProvider runs sandboxes on Daytona. Dev servers are started through
// a toolbox process session and exposed through preview links.
type DaytonaProvider struct {
	config DaytonaConfig
	api    *apiClient
	logger *zap.Logger
}

// NewDaytonaProvider creates a new Daytona provider
func NewDaytonaProvider(config DaytonaConfig, httpClient *http.Client, logger *zap.Logger) (*DaytonaProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("daytona: api key is required")
	}
	defaults := DefaultDaytonaConfig()
	if config.APIURL == "" {
		config.APIURL = defaults.APIURL
	}
	if config.AppPort == 0 {
		config.AppPort = defaults.AppPort
	}
	if config.APIPort == 0 {
		config.APIPort = defaults.APIPort
	}
	if config.Poll.Timeout == 0 {
		config.Poll = defaults.Poll
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	api := newAPIClient(ProviderDaytona, config.APIURL, httpClient, logger)
	api.headers["Authorization"] = "Bearer " + config.APIKey
	return &DaytonaProvider{config: config, api: api, logger: logger}, nil
}

const daytonaStateStarted = "started"

type daytonaCreateRequest struct {
	Snapshot         string            `json:"snapshot,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	AutoStopInterval int               `json:"autoStopInterval"`
	Public           bool              `json:"public"`
}

type daytonaSandbox struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	ErrorReason string `json:"errorReason,omitempty"`
}

type daytonaSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type daytonaExecRequest struct {
	Command  string `json:"command"`
	RunAsync bool   `json:"runAsync"`
}

type daytonaPreviewLink struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

func (p *DaytonaProvider) Name() ProviderName { return ProviderDaytona }

// Create creates a sandbox, waits for it to start and launches the dev servers
func (p *DaytonaProvider) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	snapshot := req.Template
	if snapshot == "" {
		snapshot = p.config.Snapshot
	}
	body := daytonaCreateRequest{
		Snapshot:         snapshot,
		Labels:           req.Labels(),
		Env:              req.Env,
		AutoStopInterval: p.config.AutoStopInterval,
		Public:           true,
	}

	var sb daytonaSandbox
	if err := p.api.do(ctx, http.MethodPost, p.config.APIURL+"/sandbox", body, &sb); err != nil {
		return nil, fmt.Errorf("failed to create daytona sandbox: %w", err)
	}
	if sb.ID == "" {
		return nil, fmt.Errorf("daytona returned an empty sandbox id")
	}

	ep, err := p.boot(ctx, sb.ID)
	if err != nil {
		p.discard(ctx, sb.ID)
		return nil, err
	}
	return &Instance{ID: sb.ID, Endpoints: *ep}, nil
}

// discard deletes a sandbox whose creation failed after it was allocated
func (p *DaytonaProvider) discard(ctx context.Context, id string) {
	if err := ignoreNotFound(p.Kill(context.WithoutCancel(ctx), id)); err != nil {
		p.logger.Warn("failed to delete half-created sandbox", zap.String("sandbox_id", id), zap.Error(err))
	}
}

// Pause stops the sandbox. Its filesystem survives until deletion.
func (p *DaytonaProvider) Pause(ctx context.Context, id string) error {
	if err := p.api.do(ctx, http.MethodPost, p.sandboxURL(id)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("failed to stop daytona sandbox %s: %w", id, err)
	}
	return nil
}

// Resume starts a stopped sandbox and relaunches the dev servers
func (p *DaytonaProvider) Resume(ctx context.Context, id string) (*Endpoints, error) {
	if err := p.api.do(ctx, http.MethodPost, p.sandboxURL(id)+"/start", nil, nil); err != nil {
		return nil, fmt.Errorf("failed to start daytona sandbox %s: %w", id, err)
	}
	return p.boot(ctx, id)
}

// Kill deletes the sandbox
func (p *DaytonaProvider) Kill(ctx context.Context, id string) error {
	if err := p.api.do(ctx, http.MethodDelete, p.sandboxURL(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete daytona sandbox %s: %w", id, err)
	}
	return nil
}

// boot waits for the sandbox to start, runs the start command and resolves preview hosts
func (p *DaytonaProvider) boot(ctx context.Context, id string) (*Endpoints, error) {
	if err := p.waitStarted(ctx, id); err != nil {
		return nil, err
	}
	if err := p.startDevServers(ctx, id); err != nil {
		return nil, err
	}

	appHost, err := p.previewHost(ctx, id, p.config.AppPort)
	if err != nil {
		return nil, err
	}
	apiHost, err := p.previewHost(ctx, id, p.config.APIPort)
	if err != nil {
		return nil, err
	}
	return &Endpoints{AppHost: appHost, APIHost: apiHost}, nil
}

func (p *DaytonaProvider) waitStarted(ctx context.Context, id string) error {
	err := PollUntil(ctx, p.config.Poll, func(ctx context.Context) (bool, error) {
		var sb daytonaSandbox
		if err := p.api.do(ctx, http.MethodGet, p.sandboxURL(id), nil, &sb); err != nil {
			return false, err
		}
		switch sb.State {
		case daytonaStateStarted:
			return true, nil
		case "error", "build_failed", "destroyed":
			return false, fmt.Errorf("daytona sandbox %s entered state %q: %s", id, sb.State, sb.ErrorReason)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("daytona sandbox %s did not start: %w", id, err)
	}
	return nil
}

func (p *DaytonaProvider) startDevServers(ctx context.Context, id string) error {
	if p.config.StartCommand == "" {
		return nil
	}

	sessionID := "makex-" + uuid.NewString()[:8]
	base := fmt.Sprintf("%s/toolbox/%s/toolbox/process/session", p.config.APIURL, id)
	if err := p.api.do(ctx, http.MethodPost, base, daytonaSessionRequest{SessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("failed to create daytona session: %w", err)
	}

	exec := daytonaExecRequest{Command: p.config.StartCommand, RunAsync: true}
	if err := p.api.do(ctx, http.MethodPost, base+"/"+sessionID+"/exec", exec, nil); err != nil {
		return fmt.Errorf("failed to start dev servers: %w", err)
	}
	p.logger.Debug("dev servers started", zap.String("sandbox_id", id), zap.String("session", sessionID))
	return nil
}

func (p *DaytonaProvider) previewHost(ctx context.Context, id string, port int) (string, error) {
	var link daytonaPreviewLink
	if err := p.api.do(ctx, http.MethodGet, fmt.Sprintf("%s/ports/%d/preview-url", p.sandboxURL(id), port), nil, &link); err != nil {
		return "", fmt.Errorf("failed to get daytona preview link for port %d: %w", port, err)
	}
	return hostOf(link.URL), nil
}

func (p *DaytonaProvider) sandboxURL(id string) string {
	return p.config.APIURL + "/sandbox/" + url.PathEscape(id)
}

// hostOf strips the scheme and path from a URL, leaving host[:port]
func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(raw, "/")
}

