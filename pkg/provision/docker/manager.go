// Package docker runs a local Ollama server in a Docker container.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage         = "ollama/ollama:latest"
	DefaultContainerName = "loracle-ollama"
	DefaultVolume        = "loracle-ollama"
	DefaultHostPort      = "11434"
	DefaultHealthTimeout = 60 * time.Second

	ollamaPort = nat.Port("11434/tcp")
	modelsDir  = "/root/.ollama"
)

// Options configures the Ollama container.
type Options struct {
	Image         string
	ContainerName string
	// Volume is the named volume holding downloaded models.
	Volume string
	// HostPort is bound on 127.0.0.1. "0" picks a free port.
	HostPort      string
	HealthTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Image == "" {
		o.Image = DefaultImage
	}
	if o.ContainerName == "" {
		o.ContainerName = DefaultContainerName
	}
	if o.Volume == "" {
		o.Volume = DefaultVolume
	}
	if o.HostPort == "" {
		o.HostPort = DefaultHostPort
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	return o
}

// Manager starts and stops the Ollama container.
type Manager struct {
	cli  *client.Client
	opts Options
}

// New creates a Manager using the Docker environment (DOCKER_HOST and friends).
func New(opts Options) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Manager{
		cli:  cli,
		opts: opts.withDefaults(),
	}, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

// EnsureOllama makes sure the container is running and healthy and returns the server's base URL.
// A missing image is pulled, a missing container is created, a stopped one is started.
func (m *Manager) EnsureOllama(ctx context.Context) (string, error) {
	name := m.opts.ContainerName

	running := false
	c, err := m.cli.ContainerInspect(ctx, name)
	switch {
	case client.IsErrNotFound(err):
		if err := m.create(ctx); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("failed to inspect container: %w", err)
	default:
		running = c.State != nil && c.State.Running
	}

	if !running {
		slog.Info("Starting Ollama container", "name", name)
		if err := m.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container: %w", err)
		}
	}

	// Inspect again: the host port is only known once the container runs.
	c, err = m.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	port, err := hostPort(c)
	if err != nil {
		return "", err
	}

	baseURL := "http://127.0.0.1:" + port
	if err := waitForHealth(ctx, baseURL, m.opts.HealthTimeout); err != nil {
		return "", err
	}
	slog.Info("Ollama container ready", "url", baseURL)
	return baseURL, nil
}

// Stop removes the container. Downloaded models stay in the volume.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.cli.ContainerRemove(ctx, m.opts.ContainerName, types.ContainerRemoveOptions{
		Force: true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (m *Manager) create(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}
	cfg, hostCfg := containerConfig(m.opts)
	if _, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.opts.ContainerName); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func (m *Manager) ensureImage(ctx context.Context) error {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, m.opts.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %q: %w", m.opts.Image, err)
	}

	slog.Info("Pulling image", "image", m.opts.Image)
	rc, err := m.cli.ImagePull(ctx, m.opts.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", m.opts.Image, err)
	}
	defer rc.Close()
	// The pull only completes once its progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", m.opts.Image, err)
	}
	return nil
}

func containerConfig(opts Options) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: opts.Image,
		ExposedPorts: nat.PortSet{
			ollamaPort: {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			ollamaPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: opts.HostPort,
				},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: opts.Volume,
				Target: modelsDir,
			},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	return cfg, hostCfg
}

func hostPort(c types.ContainerJSON) (string, error) {
	if c.NetworkSettings != nil {
		if ports := c.NetworkSettings.Ports[ollamaPort]; len(ports) > 0 {
			return ports[0].HostPort, nil
		}
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func waitForHealth(ctx context.Context, baseURL string, timeout time.Duration) error {
	url := baseURL + "/api/tags"
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timeout waiting for ollama at %s", baseURL)
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
