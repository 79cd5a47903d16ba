// Package deploy replaces whatever instance of the project is running on
// the target host with a freshly built one. Replace-not-merge: previous
// containers are removed before the new one starts, which is what makes a
// redeploy idempotent.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"caravel/internal/docker"
	"caravel/internal/models"
	"caravel/internal/sshx"
)

// RemoteDeployError means no running instance of the project exists on the
// host after the deploy completed.
type RemoteDeployError struct {
	Project string
	Err     error
}

func (e *RemoteDeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deploy of %s failed: %v", e.Project, e.Err)
	}
	return fmt.Sprintf("deploy of %s failed: no running container after deploy", e.Project)
}

func (e *RemoteDeployError) Unwrap() error { return e.Err }

// Runtime is the slice of the container runtime the deployer drives.
// *docker.Client satisfies this.
type Runtime interface {
	ListProjectContainers(ctx context.Context, project string) ([]docker.ContainerInfo, error)
	RunningProjectContainers(ctx context.Context, project string) ([]docker.ContainerInfo, error)
	StopAndRemove(ctx context.Context, nameOrID string) error
	RunContainer(ctx context.Context, name, imageTag string, port int) (string, error)
}

// Shell executes commands on the target host. *sshx.Client satisfies this.
type Shell interface {
	Run(ctx context.Context, command string) (string, error)
	RunScript(ctx context.Context, script sshx.Script) ([]sshx.StepResult, error)
}

// Deployer builds and (re)starts the application on the target host
type Deployer struct {
	shell   Shell
	runtime Runtime
	logger  *slog.Logger
}

// NewDeployer creates a deployer over an established connection
func NewDeployer(shell Shell, runtime Runtime, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{shell: shell, runtime: runtime, logger: logger}
}

// Deploy replaces the running instance of the project. hasCompose selects
// the composition path over the single-image path. After either path, at
// most one instance (by project identity) is running, verified against the
// host rather than assumed.
func (d *Deployer) Deploy(ctx context.Context, req models.DeploymentRequest, hasCompose bool) error {
	var err error
	if hasCompose {
		err = d.deployCompose(ctx, req)
	} else {
		err = d.deployImage(ctx, req)
	}
	if err != nil {
		return &RemoteDeployError{Project: req.Project, Err: err}
	}

	// the mandatory presence check: intermediate teardown steps were
	// best-effort, this is not
	running, err := d.runtime.RunningProjectContainers(ctx, req.Project)
	if err != nil {
		return &RemoteDeployError{Project: req.Project, Err: err}
	}
	if len(running) == 0 {
		return &RemoteDeployError{Project: req.Project}
	}

	d.logger.Info("application deployed", "project", req.Project, "containers", len(running))
	return nil
}

// composeScript drives the composition tool in the remote working
// directory. The compose project name is pinned to the project identity;
// without -p it would default to the directory's base name and the
// containers would not carry the label the presence check and teardown
// find them by. Bringing a non-existent composition down is not an error.
func composeScript(remoteDir, project string) sshx.Script {
	base := fmt.Sprintf("cd %q && docker compose -p %q ", remoteDir, project)
	return sshx.Script{
		Name: "compose-deploy",
		Steps: []sshx.Step{
			{Desc: "stop previous composition", Cmd: base + "down --remove-orphans"},
			{Desc: "pull upstream images", Cmd: base + "pull --ignore-buildable"},
			{Desc: "build and start composition", Cmd: base + "up -d --build", Fatal: true},
		},
	}
}

func (d *Deployer) deployCompose(ctx context.Context, req models.DeploymentRequest) error {
	_, err := d.shell.RunScript(ctx, composeScript(req.RemoteDir, req.Project))
	return err
}

// deployImage builds the single-image descriptor, removes every previous
// container of the project and runs a fresh named one publishing the
// application port.
func (d *Deployer) deployImage(ctx context.Context, req models.DeploymentRequest) error {
	buildCmd := fmt.Sprintf("cd %q && docker build -t %q .", req.RemoteDir, req.Project)
	if out, err := d.shell.Run(ctx, buildCmd); err != nil {
		return fmt.Errorf("image build failed: %s: %w", out, err)
	}

	previous, err := d.runtime.ListProjectContainers(ctx, req.Project)
	if err != nil {
		return err
	}
	for _, ct := range previous {
		d.logger.Info("removing previous container", "container", ct.Name, "state", ct.State)
		if err := d.runtime.StopAndRemove(ctx, ct.ID); err != nil {
			// best-effort: the new container's named create will fail
			// loudly if the old one is truly stuck
			d.logger.Warn("failed to remove previous container", "container", ct.Name, "error", err)
		}
	}

	if _, err := d.runtime.RunContainer(ctx, req.ContainerName(), req.Project, req.AppPort); err != nil {
		return err
	}
	return nil
}
