// Package docker drives the container runtime on the TARGET host. The API
// client dials the remote /var/run/docker.sock through the established SSH
// connection, so container state is always read from the host itself and
// never cached locally.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	dockerSocket        = "/var/run/docker.sock"
	composeProjectLabel = "com.docker.compose.project"
)

// RemoteDialer opens streams to addresses as seen from the target host.
// *sshx.Client satisfies this.
type RemoteDialer interface {
	DialRemote(network, addr string) (net.Conn, error)
}

// Client wraps the Docker API client bound to the remote daemon
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewRemoteClient creates a Docker API client whose transport tunnels every
// request over the given dialer to the remote daemon's unix socket.
func NewRemoteClient(dialer RemoteDialer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialRemote("unix", dockerSocket)
			},
		},
	}

	cli, err := client.NewClientWithOpts(
		client.WithHTTPClient(httpClient),
		client.WithHost("http://docker"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{cli: cli, logger: logger}, nil
}

// Close closes the Docker client
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the remote daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// ContainerInfo is the subset of container state the pipeline acts on
type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string
}

// ListProjectContainers returns every container (running or not) that
// belongs to the project: named after it, created from its image, or
// labeled by its compose project.
func (c *Client) ListProjectContainers(ctx context.Context, project string) ([]ContainerInfo, error) {
	seen := map[string]ContainerInfo{}

	for _, filter := range []filters.Args{
		filters.NewArgs(filters.Arg("name", project)),
		filters.NewArgs(filters.Arg("ancestor", project)),
		filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+project)),
	} {
		containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
		if err != nil {
			return nil, fmt.Errorf("failed to list containers: %w", err)
		}
		for _, ct := range containers {
			name := ""
			if len(ct.Names) > 0 {
				name = ct.Names[0]
			}
			if !belongsToProject(name, ct.Image, ct.Labels, project) {
				continue
			}
			seen[ct.ID] = ContainerInfo{ID: ct.ID, Name: name, Image: ct.Image, State: ct.State}
		}
	}

	result := make([]ContainerInfo, 0, len(seen))
	for _, info := range seen {
		result = append(result, info)
	}
	return result, nil
}

// belongsToProject decides whether a listed container is the project's own.
// The daemon's name filter matches substrings, so project "app" would also
// list "app2_service"; the filters only narrow the listing and this exact
// check is what keeps two projects on one host from clobbering each other.
func belongsToProject(name, imageRef string, labels map[string]string, project string) bool {
	if labels[composeProjectLabel] == project {
		return true
	}
	if strings.TrimPrefix(name, "/") == project+"_service" {
		return true
	}
	if imageRef == project || strings.HasPrefix(imageRef, project+":") {
		return true
	}
	return false
}

// RunningProjectContainers returns only the project's running containers
func (c *Client) RunningProjectContainers(ctx context.Context, project string) ([]ContainerInfo, error) {
	all, err := c.ListProjectContainers(ctx, project)
	if err != nil {
		return nil, err
	}
	var running []ContainerInfo
	for _, ct := range all {
		if ct.State == "running" {
			running = append(running, ct)
		}
	}
	return running, nil
}

// StopAndRemove stops and force-removes a container; a container that is
// already gone is success.
func (c *Client) StopAndRemove(ctx context.Context, nameOrID string) error {
	timeout := 30
	if err := c.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			c.logger.Warn("failed to stop container", "container", nameOrID, "error", err)
		}
	}
	if err := c.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

// RunContainer creates and starts the project's service container,
// publishing the application port on the same host port.
func (c *Client) RunContainer(ctx context.Context, name, imageTag string, port int) (string, error) {
	c.logger.Info("starting container", "name", name, "image", imageTag, "port", port)

	portKey := nat.Port(fmt.Sprintf("%d/tcp", port))
	containerConfig := &container.Config{
		Image: imageTag,
		ExposedPorts: nat.PortSet{
			portKey: struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", port)}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	c.logger.Info("container started", "id", resp.ID[:12], "name", name)
	return resp.ID, nil
}

// ContainerHealth reports whether the container is running and, when it
// defines a health check, whether it is healthy.
func (c *Client) ContainerHealth(ctx context.Context, nameOrID string) (bool, string, error) {
	info, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, "not_found", nil
		}
		return false, "", fmt.Errorf("failed to inspect container: %w", err)
	}

	state := info.State.Status
	if state != "running" {
		return false, state, nil
	}
	if info.State.Health != nil {
		return info.State.Health.Status == "healthy", info.State.Health.Status, nil
	}
	return true, state, nil
}

// RemoveImage force-removes an image; already absent is success
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// WaitRunning polls until the container reports running state (and healthy,
// when it defines a health check) or the deadline expires.
func (c *Client) WaitRunning(ctx context.Context, nameOrID string, deadline time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		healthy, state, err := c.ContainerHealth(waitCtx, nameOrID)
		if err != nil {
			return err
		}
		if healthy {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("container %s not running before deadline (state %s)", nameOrID, state)
		case <-ticker.C:
		}
	}
}
