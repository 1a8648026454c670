package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlyConfig holds Fly.io configuration
type FlyConfig struct {
	APIToken       string `yaml:"api_token"`
	OrganizationID string `yaml:"organization_id"`
	GraphQLURL     string `yaml:"graphql_url"`
	MachinesURL    string `yaml:"machines_url"`
	Image          string `yaml:"image"`
	Region         string `yaml:"region"`
	AppPrefix      string `yaml:"app_prefix"`
	CPUs           int    `yaml:"cpus"`
	MemoryMB       int    `yaml:"memory_mb"`

	AppPort       int `yaml:"app_port"`
	APIPort       int `yaml:"api_port"`
	APIPublicPort int `yaml:"api_public_port"`

	StartTimeout time.Duration `yaml:"start_timeout"`
}

// DefaultFlyConfig returns default Fly.io configuration
func DefaultFlyConfig() FlyConfig {
	return FlyConfig{
		GraphQLURL:    "https://api.fly.io/graphql",
		MachinesURL:   "https://api.machines.dev/v1",
		Image:         "registry.fly.io/makex-expo:latest",
		Region:        "iad",
		AppPrefix:     "makex",
		CPUs:          2,
		MemoryMB:      2048,
		AppPort:       DefaultAppPort,
		APIPort:       DefaultAPIPort,
		APIPublicPort: 8443,
		StartTimeout:  60 * time.Second,
	}
}

// FlyProvider runs one Fly app with a single machine per sandbox.
// Sandbox IDs have the form "<fly app>/<machine id>".
type FlyProvider struct {
	config FlyConfig
	api    *apiClient
}

// NewFlyProvider creates a new Fly.io provider
func NewFlyProvider(config FlyConfig, httpClient *http.Client, logger *zap.Logger) (*FlyProvider, error) {
	if config.APIToken == "" {
		return nil, fmt.Errorf("fly: api token is required")
	}
	if config.OrganizationID == "" {
		return nil, fmt.Errorf("fly: organization id is required")
	}
	defaults := DefaultFlyConfig()
	if config.GraphQLURL == "" {
		config.GraphQLURL = defaults.GraphQLURL
	}
	if config.MachinesURL == "" {
		config.MachinesURL = defaults.MachinesURL
	}
	if config.AppPrefix == "" {
		config.AppPrefix = defaults.AppPrefix
	}
	if config.AppPort == 0 {
		config.AppPort = defaults.AppPort
	}
	if config.APIPort == 0 {
		config.APIPort = defaults.APIPort
	}
	if config.APIPublicPort == 0 {
		config.APIPublicPort = defaults.APIPublicPort
	}
	if config.StartTimeout == 0 {
		config.StartTimeout = defaults.StartTimeout
	}

	api := newAPIClient(ProviderFly, config.MachinesURL, httpClient, logger)
	api.headers["Authorization"] = "Bearer " + config.APIToken
	return &FlyProvider{config: config, api: api}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

const flyCreateAppMutation = `mutation($input: CreateAppInput!) {
  createApp(input: $input) { app { id name } }
}`

const flyAllocateIPMutation = `mutation($input: AllocateIPAddressInput!) {
  allocateIpAddress(input: $input) { ipAddress { id address type } }
}`

type flyMachinePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers"`
}

type flyMachineService struct {
	Protocol     string           `json:"protocol"`
	InternalPort int              `json:"internal_port"`
	Ports        []flyMachinePort `json:"ports"`
}

type flyMachineGuest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

type flyMachineConfig struct {
	Image    string              `json:"image"`
	Env      map[string]string   `json:"env,omitempty"`
	Metadata map[string]string   `json:"metadata,omitempty"`
	Guest    flyMachineGuest     `json:"guest"`
	Services []flyMachineService `json:"services"`
}

type flyCreateMachineRequest struct {
	Region string           `json:"region,omitempty"`
	Config flyMachineConfig `json:"config"`
}

type flyMachine struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (p *FlyProvider) Name() ProviderName { return ProviderFly }

// Create creates the Fly app, allocates shared IPs and boots one machine
func (p *FlyProvider) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	app := p.flyAppName(req.AppName)

	if err := p.graphQL(ctx, flyCreateAppMutation, map[string]any{
		"input": map[string]any{"organizationId": p.config.OrganizationID, "name": app},
	}); err != nil {
		return nil, fmt.Errorf("failed to create fly app %s: %w", app, err)
	}
	for _, ipType := range []string{"shared_v4", "v6"} {
		if err := p.graphQL(ctx, flyAllocateIPMutation, map[string]any{
			"input": map[string]any{"appId": app, "type": ipType},
		}); err != nil {
			p.discard(ctx, app, "")
			return nil, fmt.Errorf("failed to allocate %s address for %s: %w", ipType, app, err)
		}
	}

	image := req.Template
	if image == "" {
		image = p.config.Image
	}
	body := flyCreateMachineRequest{
		Region: p.config.Region,
		Config: flyMachineConfig{
			Image:    image,
			Env:      req.Env,
			Metadata: req.Labels(),
			Guest:    flyMachineGuest{CPUKind: "shared", CPUs: p.config.CPUs, MemoryMB: p.config.MemoryMB},
			Services: []flyMachineService{
				{
					Protocol:     "tcp",
					InternalPort: p.config.AppPort,
					Ports: []flyMachinePort{
						{Port: 443, Handlers: []string{"tls", "http"}},
						{Port: 80, Handlers: []string{"http"}},
					},
				},
				{
					Protocol:     "tcp",
					InternalPort: p.config.APIPort,
					Ports:        []flyMachinePort{{Port: p.config.APIPublicPort, Handlers: []string{"tls", "http"}}},
				},
			},
		},
	}

	var m flyMachine
	if err := p.api.do(ctx, http.MethodPost, p.machinesURL(app), body, &m); err != nil {
		p.discard(ctx, app, "")
		return nil, fmt.Errorf("failed to create fly machine: %w", err)
	}
	if err := p.waitStarted(ctx, app, m.ID); err != nil {
		p.discard(ctx, app, m.ID)
		return nil, err
	}

	return &Instance{ID: app + "/" + m.ID, Endpoints: p.endpoints(app)}, nil
}

// Pause stops the machine
func (p *FlyProvider) Pause(ctx context.Context, id string) error {
	app, machine, err := splitFlyID(id)
	if err != nil {
		return err
	}
	if err := p.api.do(ctx, http.MethodPost, p.machinesURL(app)+"/"+machine+"/stop", nil, nil); err != nil {
		return fmt.Errorf("failed to stop fly machine %s: %w", id, err)
	}
	return nil
}

// Resume starts the machine and waits for it to serve
func (p *FlyProvider) Resume(ctx context.Context, id string) (*Endpoints, error) {
	app, machine, err := splitFlyID(id)
	if err != nil {
		return nil, err
	}
	if err := p.api.do(ctx, http.MethodPost, p.machinesURL(app)+"/"+machine+"/start", nil, nil); err != nil {
		return nil, fmt.Errorf("failed to start fly machine %s: %w", id, err)
	}
	if err := p.waitStarted(ctx, app, machine); err != nil {
		return nil, err
	}
	ep := p.endpoints(app)
	return &ep, nil
}

// Kill force-deletes the machine, then the app
func (p *FlyProvider) Kill(ctx context.Context, id string) error {
	app, machine, err := splitFlyID(id)
	if err != nil {
		return err
	}
	return p.destroy(ctx, app, machine)
}

// destroy force-deletes machine when set, then the app
func (p *FlyProvider) destroy(ctx context.Context, app, machine string) error {
	if machine != "" {
		machineErr := p.api.do(ctx, http.MethodDelete, p.machinesURL(app)+"/"+machine+"?force=true", nil, nil)
		if err := ignoreNotFound(machineErr); err != nil {
			return fmt.Errorf("failed to delete fly machine %s/%s: %w", app, machine, err)
		}
	}
	if err := p.api.do(ctx, http.MethodDelete, p.config.MachinesURL+"/apps/"+app, nil, nil); err != nil {
		return fmt.Errorf("failed to delete fly app %s: %w", app, err)
	}
	return nil
}

// discard removes what a failed Create already allocated
func (p *FlyProvider) discard(ctx context.Context, app, machine string) {
	if err := ignoreNotFound(p.destroy(context.WithoutCancel(ctx), app, machine)); err != nil {
		p.api.logger.Warn("failed to delete half-created fly app", zap.String("app", app), zap.Error(err))
	}
}

func (p *FlyProvider) waitStarted(ctx context.Context, app, machine string) error {
	url := fmt.Sprintf("%s/%s/wait?state=started&timeout=%d", p.machinesURL(app), machine, int(p.config.StartTimeout.Seconds()))
	if err := p.api.do(ctx, http.MethodGet, url, nil, nil); err != nil {
		return fmt.Errorf("fly machine %s/%s did not start: %w", app, machine, err)
	}
	return nil
}

func (p *FlyProvider) graphQL(ctx context.Context, query string, vars map[string]any) error {
	var resp struct {
		Errors []graphQLError `json:"errors"`
	}
	if err := p.api.do(ctx, http.MethodPost, p.config.GraphQLURL, graphQLRequest{Query: query, Variables: vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (p *FlyProvider) machinesURL(app string) string {
	return p.config.MachinesURL + "/apps/" + app + "/machines"
}

func (p *FlyProvider) endpoints(app string) Endpoints {
	host := app + ".fly.dev"
	return Endpoints{
		AppHost: host,
		APIHost: fmt.Sprintf("%s:%d", host, p.config.APIPublicPort),
	}
}

var flyNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// flyAppName derives a globally unique Fly app name
func (p *FlyProvider) flyAppName(appName string) string {
	name := strings.Trim(flyNameInvalid.ReplaceAllString(strings.ToLower(appName), "-"), "-")
	if len(name) > 30 {
		name = name[:30]
	}
	return fmt.Sprintf("%s-%s-%s", p.config.AppPrefix, name, uuid.NewString()[:8])
}

func splitFlyID(id string) (app, machine string, err error) {
	app, machine, ok := strings.Cut(id, "/")
	if !ok || app == "" || machine == "" {
		return "", "", fmt.Errorf("invalid fly sandbox id %q", id)
	}
	return app, machine, nil
}
