package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

// skipIfNoDocker skips the test if Docker is not available
func skipIfNoDocker(t *testing.T) *DockerProvider {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		t.Skip("Skipping Docker tests")
	}
	if os.Getenv("MAKEX_DOCKER_TEST_IMAGE") == "" {
		t.Skip("MAKEX_DOCKER_TEST_IMAGE not set")
	}

	config := DefaultDockerConfig()
	config.Image = os.Getenv("MAKEX_DOCKER_TEST_IMAGE")

	p, err := NewDockerProvider(config, nil, nil)
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestDockerProvider_Lifecycle(t *testing.T) {
	p := skipIfNoDocker(t)
	ctx := context.Background()

	inst, err := p.Create(ctx, CreateRequest{AppID: "app-1", UserID: "user-1", AppName: "demo"})
	if err != nil {
		t.Fatalf("Failed to create sandbox: %v", err)
	}
	defer p.Kill(ctx, inst.ID)

	if !strings.HasPrefix(inst.Endpoints.AppHost, "localhost:") {
		t.Errorf("Expected localhost app host, got %q", inst.Endpoints.AppHost)
	}

	if err := p.Pause(ctx, inst.ID); err != nil {
		t.Fatalf("Failed to pause sandbox: %v", err)
	}

	ep, err := p.Resume(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Failed to resume sandbox: %v", err)
	}
	if ep.APIHost == "" {
		t.Error("API host should not be empty after resume")
	}

	if err := p.Kill(ctx, inst.ID); err != nil {
		t.Fatalf("Failed to kill sandbox: %v", err)
	}
	if err := p.Kill(ctx, inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second kill, got %v", err)
	}
}

func TestArchiveMeta_RebuildKeepsRequestLabels(t *testing.T) {
	req := CreateRequest{AppID: "app-1", UserID: "user-1", AppName: "demo"}
	labels := req.Labels()
	labels[labelSandboxID] = "makex-1a2b"
	labels[labelManaged] = "true"

	meta := archiveMeta(labels, "makex/custom:1")
	if _, ok := meta[labelSandboxID]; ok {
		t.Errorf("sandbox id label should not be archived")
	}

	got, img := restoreMeta(meta, "makex/expo-sandbox:latest")
	if img != "makex/custom:1" {
		t.Errorf("Expected archived image, got %q", img)
	}
	for k, v := range req.Labels() {
		if got[k] != v {
			t.Errorf("Label %s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got[metaImage]; ok {
		t.Errorf("image key should not be restored as a label")
	}
}

func TestRestoreMeta_DefaultsImage(t *testing.T) {
	labels, img := restoreMeta(nil, "makex/expo-sandbox:latest")
	if img != "makex/expo-sandbox:latest" {
		t.Errorf("Expected default image, got %q", img)
	}
	if len(labels) != 0 {
		t.Errorf("Expected no labels, got %v", labels)
	}
}
