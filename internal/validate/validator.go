// Package validate confirms the deployment actually serves. Runtime and
// process checks are hard failures; the reachability probes are advisory
// because DNS propagation and firewalls produce expected false negatives.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"caravel/internal/docker"
	"caravel/internal/models"
)

// healthDeadline bounds how long a container may stay in starting state
// before the health check counts as failed. Validation runs right after the
// deploy, so healthchecked apps are usually still warming up.
const healthDeadline = 90 * time.Second

// ValidationError means a hard post-deploy check failed
type ValidationError struct {
	Check string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("deployment validation failed: %s: %v", e.Check, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Runtime is the slice of the container runtime the validator reads.
// *docker.Client satisfies this.
type Runtime interface {
	Ping(ctx context.Context) error
	RunningProjectContainers(ctx context.Context, project string) ([]docker.ContainerInfo, error)
	WaitRunning(ctx context.Context, nameOrID string, deadline time.Duration) error
}

// Shell executes commands on the target host. *sshx.Client satisfies this.
type Shell interface {
	Run(ctx context.Context, command string) (string, error)
}

// Validator runs the post-deploy checks
type Validator struct {
	shell   Shell
	runtime Runtime
	probe   *http.Client
	logger  *slog.Logger
}

// New creates a validator over an established connection
func New(shell Shell, runtime Runtime, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		shell:   shell,
		runtime: runtime,
		probe:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Validate runs the hard checks, then the advisory probes. Probe failures
// are logged as warnings and never fail the stage.
func (v *Validator) Validate(ctx context.Context, req models.DeploymentRequest) error {
	if out, err := v.shell.Run(ctx, "systemctl is-active docker"); err != nil {
		return &ValidationError{Check: "container runtime active", Err: fmt.Errorf("%s: %w", out, err)}
	}
	if err := v.runtime.Ping(ctx); err != nil {
		return &ValidationError{Check: "container runtime reachable", Err: err}
	}

	running, err := v.runtime.RunningProjectContainers(ctx, req.Project)
	if err != nil {
		return &ValidationError{Check: "application process present", Err: err}
	}
	if len(running) == 0 {
		return &ValidationError{Check: "application process present",
			Err: fmt.Errorf("no running container for project %s", req.Project)}
	}
	for _, ct := range running {
		if err := v.runtime.WaitRunning(ctx, ct.ID, healthDeadline); err != nil {
			return &ValidationError{Check: "application process healthy",
				Err: fmt.Errorf("container %s: %w", ct.Name, err)}
		}
	}
	v.logger.Info("hard checks passed", "project", req.Project, "containers", len(running))

	// advisory from here on
	loopback := fmt.Sprintf("curl -fsS -m 10 -o /dev/null http://127.0.0.1:%d/", req.AppPort)
	if out, err := v.shell.Run(ctx, loopback); err != nil {
		v.logger.Warn("loopback probe failed (advisory)", "port", req.AppPort, "output", out, "error", err)
	} else {
		v.logger.Info("loopback probe ok", "port", req.AppPort)
	}

	v.probePublic(ctx, req.RemoteHost)
	return nil
}

// probePublic checks the public address through the proxy from the
// invoking side.
func (v *Validator) probePublic(ctx context.Context, host string) {
	url := "http://" + host + "/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		v.logger.Warn("public probe skipped", "url", url, "error", err)
		return
	}

	resp, err := v.probe.Do(httpReq)
	if err != nil {
		v.logger.Warn("public probe failed (advisory)", "url", url, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		v.logger.Warn("public probe returned server error (advisory)", "url", url, "status", resp.StatusCode)
		return
	}
	v.logger.Info("public probe ok", "url", url, "status", resp.StatusCode)
}
