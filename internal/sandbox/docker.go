package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	labelPrefix    = "makex"
	labelSandboxID = labelPrefix + ".sandbox-id"
	labelManaged   = labelPrefix + ".managed"

	// archived next to the labels so a rebuild uses the original image
	metaImage = labelPrefix + ".image"
)

// WorkspaceArchive persists a container workspace while its sandbox is paused
type WorkspaceArchive interface {
	// Save stores a tar stream of the workspace along with the container metadata
	Save(ctx context.Context, sandboxID string, tarball io.Reader, meta map[string]string) error

	// Load returns the tar stream saved for a sandbox
	Load(ctx context.Context, sandboxID string) (io.ReadCloser, error)

	// Stat returns the metadata saved with an archive and whether one is stored
	Stat(ctx context.Context, sandboxID string) (map[string]string, bool, error)

	// Delete removes the stored archive
	Delete(ctx context.Context, sandboxID string) error
}

// DockerConfig holds local Docker provider configuration
type DockerConfig struct {
	Image    string `yaml:"image"`
	WorkDir  string `yaml:"work_dir"`
	CPUCount int    `yaml:"cpu_count"`
	MemoryMB int64  `yaml:"memory_mb"`

	// Host the published ports are reachable on
	PublicHost string `yaml:"public_host"`

	AppPort int `yaml:"app_port"`
	APIPort int `yaml:"api_port"`
}

// DefaultDockerConfig returns default Docker provider configuration
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:      "makex/expo-sandbox:latest",
		WorkDir:    "/app",
		CPUCount:   2,
		MemoryMB:   2048,
		PublicHost: "localhost",
		AppPort:    DefaultAppPort,
		APIPort:    DefaultAPIPort,
	}
}

// DockerProvider runs sandboxes as local containers for development.
// Pausing stops the container; the workspace is archived first when an
// archive is configured so a removed container can be rebuilt on resume.
type DockerProvider struct {
	client  *client.Client
	config  DockerConfig
	archive WorkspaceArchive
	logger  *zap.Logger
}

// NewDockerProvider creates a new Docker-based provider. archive may be nil.
func NewDockerProvider(config DockerConfig, archive WorkspaceArchive, logger *zap.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	defaults := DefaultDockerConfig()
	if config.Image == "" {
		config.Image = defaults.Image
	}
	if config.WorkDir == "" {
		config.WorkDir = defaults.WorkDir
	}
	if config.PublicHost == "" {
		config.PublicHost = defaults.PublicHost
	}
	if config.AppPort == 0 {
		config.AppPort = defaults.AppPort
	}
	if config.APIPort == 0 {
		config.APIPort = defaults.APIPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DockerProvider{client: cli, config: config, archive: archive, logger: logger}, nil
}

func (p *DockerProvider) Name() ProviderName { return ProviderDocker }

// Create creates and starts a container with the app and API ports published
func (p *DockerProvider) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	id := "makex-" + uuid.New().String()[:8]
	img := req.Template
	if img == "" {
		img = p.config.Image
	}

	if err := p.createContainer(ctx, id, img, req.Labels(), req.Env); err != nil {
		return nil, err
	}
	if err := p.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	ep, err := p.endpoints(ctx, id)
	if err != nil {
		p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, err
	}
	return &Instance{ID: id, Endpoints: *ep}, nil
}

// Pause archives the workspace and stops the container
func (p *DockerProvider) Pause(ctx context.Context, id string) error {
	if p.archive != nil {
		if err := p.saveWorkspace(ctx, id); err != nil {
			return err
		}
	}

	timeout := 10
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Resume starts the stopped container, rebuilding it from the archive when it is gone
func (p *DockerProvider) Resume(ctx context.Context, id string) (*Endpoints, error) {
	_, err := p.client.ContainerInspect(ctx, id)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err) && p.archive != nil:
		if err := p.rebuild(ctx, id); err != nil {
			return nil, err
		}
	case errdefs.IsNotFound(err):
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return p.endpoints(ctx, id)
}

// Kill removes the container and its archived workspace
func (p *DockerProvider) Kill(ctx context.Context, id string) error {
	if p.archive != nil {
		if err := p.archive.Delete(ctx, id); err != nil {
			p.logger.Warn("failed to delete workspace archive", zap.String("sandbox_id", id), zap.Error(err))
		}
	}

	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Close closes the Docker client
func (p *DockerProvider) Close() error {
	return p.client.Close()
}

func (p *DockerProvider) createContainer(ctx context.Context, id, img string, labels, envVars map[string]string) error {
	if err := p.ensureImage(ctx, img); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}

	appPort := nat.Port(fmt.Sprintf("%d/tcp", p.config.AppPort))
	apiPort := nat.Port(fmt.Sprintf("%d/tcp", p.config.APIPort))

	if labels == nil {
		labels = make(map[string]string)
	}
	labels[labelSandboxID] = id
	labels[labelManaged] = "true"

	env := make([]string, 0, len(envVars))
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image:        img,
		WorkingDir:   p.config.WorkDir,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{appPort: struct{}{}, apiPort: struct{}{}},
	}

	// Empty host ports let Docker pick free ephemeral ports
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   p.config.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(p.config.CPUCount) * 1e9,
		},
		SecurityOpt: []string{"no-new-privileges"},
		PortBindings: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			apiPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		NetworkMode: container.NetworkMode("bridge"),
	}

	if _, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, id); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// endpoints resolves the host ports Docker assigned to the app and API ports
func (p *DockerProvider) endpoints(ctx context.Context, id string) (*Endpoints, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return nil, fmt.Errorf("container %s has no network settings", id)
	}

	hostPort := func(port int) (string, error) {
		bindings := info.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
		if len(bindings) == 0 || bindings[0].HostPort == "" {
			return "", fmt.Errorf("port %d of container %s is not published", port, id)
		}
		return p.config.PublicHost + ":" + bindings[0].HostPort, nil
	}

	appHost, err := hostPort(p.config.AppPort)
	if err != nil {
		return nil, err
	}
	apiHost, err := hostPort(p.config.APIPort)
	if err != nil {
		return nil, err
	}
	return &Endpoints{AppHost: appHost, APIHost: apiHost}, nil
}

func (p *DockerProvider) saveWorkspace(ctx context.Context, id string) error {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	var meta map[string]string
	if info.Config != nil {
		meta = archiveMeta(info.Config.Labels, info.Config.Image)
	}

	reader, _, err := p.client.CopyFromContainer(ctx, id, p.config.WorkDir)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to copy from container: %w", err)
	}
	defer reader.Close()

	if err := p.archive.Save(ctx, id, reader, meta); err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	return nil
}

// rebuild recreates a removed container under the same name and restores its workspace
func (p *DockerProvider) rebuild(ctx context.Context, id string) error {
	meta, ok, err := p.archive.Stat(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("container %s has no archived workspace: %w", id, ErrNotFound)
	}

	labels, img := restoreMeta(meta, p.config.Image)
	if err := p.createContainer(ctx, id, img, labels, nil); err != nil {
		return err
	}

	tarball, err := p.archive.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}
	defer tarball.Close()

	// The archive root is the workdir itself, so extract into its parent
	if err := p.client.CopyToContainer(ctx, id, path.Dir(p.config.WorkDir), tarball, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to container: %w", err)
	}

	p.logger.Info("rebuilt container from archived workspace", zap.String("sandbox_id", id))
	return nil
}

// archiveMeta keeps the request labels of a container and its image.
// The sandbox id and managed labels are set again by createContainer.
func archiveMeta(labels map[string]string, img string) map[string]string {
	meta := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		if k == labelSandboxID || k == labelManaged {
			continue
		}
		meta[k] = v
	}
	if img != "" {
		meta[metaImage] = img
	}
	return meta
}

// restoreMeta splits archived metadata back into labels and an image,
// falling back to defaultImage for archives saved without one
func restoreMeta(meta map[string]string, defaultImage string) (map[string]string, string) {
	labels := make(map[string]string, len(meta))
	img := defaultImage
	for k, v := range meta {
		if k == metaImage {
			if v != "" {
				img = v
			}
			continue
		}
		labels[k] = v
	}
	return labels, img
}

// ensureImage pulls the image if not present
func (p *DockerProvider) ensureImage(ctx context.Context, imageName string) error {
	if _, err := p.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	out, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()

	// Wait for pull to complete
	io.Copy(io.Discard, out)
	return nil
}
