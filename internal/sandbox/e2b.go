package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// E2BConfig holds E2B control plane configuration
type E2BConfig struct {
	APIKey   string        `yaml:"api_key"`
	Domain   string        `yaml:"domain"`
	APIURL   string        `yaml:"api_url"`
	Template string        `yaml:"template"`
	Timeout  time.Duration `yaml:"timeout"`
	AppPort  int           `yaml:"app_port"`
	APIPort  int           `yaml:"api_port"`
}

// DefaultE2BConfig returns default E2B configuration
func DefaultE2BConfig() E2BConfig {
	return E2BConfig{
		Domain:   "e2b.app",
		Template: "makex-expo",
		Timeout:  time.Hour,
		AppPort:  DefaultAppPort,
		APIPort:  DefaultAPIPort,
	}
}

// E2BProvider runs sandboxes on E2B through its REST control plane
type E2BProvider struct {
	config E2BConfig
	api    *apiClient
}

// NewE2BProvider creates a new E2B provider
func NewE2BProvider(config E2BConfig, httpClient *http.Client, logger *zap.Logger) (*E2BProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("e2b: api key is required")
	}
	if config.Domain == "" {
		config.Domain = "e2b.app"
	}
	if config.APIURL == "" {
		config.APIURL = "https://api." + config.Domain
	}
	if config.AppPort == 0 {
		config.AppPort = DefaultAppPort
	}
	if config.APIPort == 0 {
		config.APIPort = DefaultAPIPort
	}

	api := newAPIClient(ProviderE2B, config.APIURL, httpClient, logger)
	api.headers["X-API-Key"] = config.APIKey
	return &E2BProvider{config: config, api: api}, nil
}

type e2bCreateRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
	AutoPause  bool              `json:"autoPause"`
}

type e2bSandboxResponse struct {
	SandboxID string `json:"sandboxID"`
	Domain    string `json:"domain,omitempty"`
}

type e2bConnectRequest struct {
	Timeout int `json:"timeout"`
}

func (p *E2BProvider) Name() ProviderName { return ProviderE2B }

// Create creates a sandbox from the configured template
func (p *E2BProvider) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	template := req.Template
	if template == "" {
		template = p.config.Template
	}
	body := e2bCreateRequest{
		TemplateID: template,
		Timeout:    p.timeoutSeconds(req.Timeout),
		Metadata:   req.Labels(),
		EnvVars:    req.Env,
	}

	var resp e2bSandboxResponse
	if err := p.api.do(ctx, http.MethodPost, p.config.APIURL+"/sandboxes", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create e2b sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("e2b returned an empty sandbox id")
	}

	return &Instance{ID: resp.SandboxID, Endpoints: p.endpoints(resp.SandboxID, resp.Domain)}, nil
}

// Pause snapshots the sandbox memory and filesystem
func (p *E2BProvider) Pause(ctx context.Context, id string) error {
	if err := p.api.do(ctx, http.MethodPost, fmt.Sprintf("%s/sandboxes/%s/pause", p.config.APIURL, id), nil, nil); err != nil {
		return fmt.Errorf("failed to pause e2b sandbox %s: %w", id, err)
	}
	return nil
}

// Resume reconnects to a paused sandbox, which resumes it
func (p *E2BProvider) Resume(ctx context.Context, id string) (*Endpoints, error) {
	var resp e2bSandboxResponse
	body := e2bConnectRequest{Timeout: p.timeoutSeconds(0)}
	if err := p.api.do(ctx, http.MethodPost, fmt.Sprintf("%s/sandboxes/%s/connect", p.config.APIURL, id), body, &resp); err != nil {
		return nil, fmt.Errorf("failed to resume e2b sandbox %s: %w", id, err)
	}
	ep := p.endpoints(id, resp.Domain)
	return &ep, nil
}

// Kill destroys the sandbox
func (p *E2BProvider) Kill(ctx context.Context, id string) error {
	if err := p.api.do(ctx, http.MethodDelete, fmt.Sprintf("%s/sandboxes/%s", p.config.APIURL, id), nil, nil); err != nil {
		return fmt.Errorf("failed to kill e2b sandbox %s: %w", id, err)
	}
	return nil
}

func (p *E2BProvider) timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		d = p.config.Timeout
	}
	if d <= 0 {
		d = time.Hour
	}
	return int(d.Seconds())
}

// endpoints maps the app and API ports to their public E2B hosts
func (p *E2BProvider) endpoints(id, domain string) Endpoints {
	if domain == "" {
		domain = p.config.Domain
	}
	return Endpoints{
		AppHost: fmt.Sprintf("%d-%s.%s", p.config.AppPort, id, domain),
		APIHost: fmt.Sprintf("%d-%s.%s", p.config.APIPort, id, domain),
	}
}
