// Package teardown converges the target host back to a clean state for one
// project: proxy rule gone, containers and images gone, working directory
// gone. Removals are best-effort: "already absent" is success, and
// individual failures are reported without failing the stage.
package teardown

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"caravel/internal/docker"
	"caravel/internal/models"
	"caravel/internal/proxy"
	"caravel/internal/sshx"
)

// TeardownWarning aggregates the best-effort removal failures of a
// teardown. It is reported, not fatal: the stage still succeeds.
type TeardownWarning struct {
	Failures []error
}

func (w *TeardownWarning) Error() string {
	msgs := make([]string, len(w.Failures))
	for i, err := range w.Failures {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("teardown completed with %d unfinished removals: %s",
		len(w.Failures), strings.Join(msgs, "; "))
}

// Executor removes the project's footprint from the target host
type Executor struct {
	ssh    *sshx.Client
	docker *docker.Client
	proxy  *proxy.Configurator
	logger *slog.Logger
}

// New creates a teardown executor over an established connection
func New(ssh *sshx.Client, dockerClient *docker.Client, proxyConf *proxy.Configurator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ssh: ssh, docker: dockerClient, proxy: proxyConf, logger: logger}
}

// Teardown removes the proxy rule, then the containers and images, then the
// remote working directory. The returned warning (possibly nil) lists every
// removal that could not complete; the error return is reserved for being
// unable to attempt the teardown at all.
func (e *Executor) Teardown(ctx context.Context, req models.DeploymentRequest) (*TeardownWarning, error) {
	var failures []error

	// proxy rule first so no public traffic reaches a dying instance
	for _, err := range e.proxy.Remove(ctx, req.Project) {
		e.logger.Warn("proxy cleanup step failed", "error", err)
		failures = append(failures, err)
	}

	containers, err := e.docker.ListProjectContainers(ctx, req.Project)
	if err != nil {
		e.logger.Warn("could not list project containers", "error", err)
		failures = append(failures, fmt.Errorf("list containers: %w", err))
	}
	for _, ct := range containers {
		if err := e.docker.StopAndRemove(ctx, ct.ID); err != nil {
			e.logger.Warn("failed to remove container", "container", ct.Name, "error", err)
			failures = append(failures, fmt.Errorf("remove container %s: %w", ct.Name, err))
		} else {
			e.logger.Info("container removed", "container", ct.Name)
		}
	}

	if err := e.docker.RemoveImage(ctx, req.Project); err != nil {
		e.logger.Warn("failed to remove image", "image", req.Project, "error", err)
		failures = append(failures, fmt.Errorf("remove image %s: %w", req.Project, err))
	}

	if out, err := e.ssh.Run(ctx, fmt.Sprintf("rm -rf %q", req.RemoteDir)); err != nil {
		e.logger.Warn("failed to remove remote directory", "dir", req.RemoteDir, "output", out, "error", err)
		failures = append(failures, fmt.Errorf("remove directory %s: %w", req.RemoteDir, err))
	}

	if len(failures) > 0 {
		return &TeardownWarning{Failures: failures}, nil
	}
	e.logger.Info("teardown complete", "project", req.Project)
	return nil, nil
}
