package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"caravel/internal/docker"
	"caravel/internal/models"
	"caravel/internal/sshx"
)

type fakeShell struct {
	commands []string
	scripts  []sshx.Script
	runErr   error
}

func (s *fakeShell) Run(ctx context.Context, command string) (string, error) {
	s.commands = append(s.commands, command)
	return "", s.runErr
}

func (s *fakeShell) RunScript(ctx context.Context, script sshx.Script) ([]sshx.StepResult, error) {
	s.scripts = append(s.scripts, script)
	return nil, nil
}

type fakeRuntime struct {
	existing []docker.ContainerInfo
	running  []docker.ContainerInfo

	ops     []string
	removed []string
}

func (r *fakeRuntime) ListProjectContainers(ctx context.Context, project string) ([]docker.ContainerInfo, error) {
	r.ops = append(r.ops, "list")
	return r.existing, nil
}

func (r *fakeRuntime) RunningProjectContainers(ctx context.Context, project string) ([]docker.ContainerInfo, error) {
	r.ops = append(r.ops, "running")
	return r.running, nil
}

func (r *fakeRuntime) StopAndRemove(ctx context.Context, nameOrID string) error {
	r.ops = append(r.ops, "remove "+nameOrID)
	r.removed = append(r.removed, nameOrID)
	return nil
}

func (r *fakeRuntime) RunContainer(ctx context.Context, name, imageTag string, port int) (string, error) {
	r.ops = append(r.ops, "run "+name)
	r.running = append(r.running, docker.ContainerInfo{ID: "new", Name: name, Image: imageTag, State: "running"})
	return "new", nil
}

func testRequest() models.DeploymentRequest {
	return models.DeploymentRequest{
		RepoURL:    "https://github.com/user/app.git",
		Branch:     "main",
		RemoteHost: "203.0.113.5",
		RemoteUser: "deploy",
		KeyPath:    "/home/me/.ssh/id_ed25519",
		AppPort:    3000,
		RemoteDir:  "/srv/custom-dir",
		Project:    "app",
	}
}

func TestDeployImage_ReplacesPreviousContainers(t *testing.T) {
	runtime := &fakeRuntime{
		existing: []docker.ContainerInfo{
			{ID: "old1", Name: "/app_service", State: "running"},
			{ID: "old2", Name: "/app_service_stale", State: "exited"},
		},
	}
	shell := &fakeShell{}
	d := NewDeployer(shell, runtime, nil)

	if err := d.Deploy(context.Background(), testRequest(), false); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	if len(shell.commands) != 1 || !strings.Contains(shell.commands[0], `docker build -t "app"`) {
		t.Errorf("build commands = %v", shell.commands)
	}
	if len(runtime.removed) != 2 {
		t.Errorf("removed = %v, want both previous containers", runtime.removed)
	}

	// every removal must precede the new container's start
	runIdx := -1
	for i, op := range runtime.ops {
		if strings.HasPrefix(op, "run ") {
			runIdx = i
		}
	}
	if runIdx == -1 {
		t.Fatal("new container was never started")
	}
	for i, op := range runtime.ops {
		if strings.HasPrefix(op, "remove ") && i > runIdx {
			t.Errorf("removal %q happened after the new container started", op)
		}
	}
	if runtime.ops[runIdx] != "run app_service" {
		t.Errorf("started container = %q, want app_service", runtime.ops[runIdx])
	}
}

func TestDeployImage_NoPreviousContainers(t *testing.T) {
	runtime := &fakeRuntime{}
	d := NewDeployer(&fakeShell{}, runtime, nil)

	if err := d.Deploy(context.Background(), testRequest(), false); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if len(runtime.removed) != 0 {
		t.Errorf("removed = %v, want none", runtime.removed)
	}
}

func TestDeploy_BuildFailure(t *testing.T) {
	shell := &fakeShell{runErr: errors.New("exit 1")}
	d := NewDeployer(shell, &fakeRuntime{}, nil)

	err := d.Deploy(context.Background(), testRequest(), false)

	var deployErr *RemoteDeployError
	if !errors.As(err, &deployErr) {
		t.Fatalf("Deploy() error = %v, want *RemoteDeployError", err)
	}
	if deployErr.Project != "app" {
		t.Errorf("Project = %q", deployErr.Project)
	}
}

func TestDeploy_NoRunningContainerAfterDeploy(t *testing.T) {
	// a runtime whose RunContainer silently leaves nothing running
	runtime := &stalledRuntime{}
	d := NewDeployer(&fakeShell{}, runtime, nil)

	err := d.Deploy(context.Background(), testRequest(), false)

	var deployErr *RemoteDeployError
	if !errors.As(err, &deployErr) {
		t.Fatalf("Deploy() error = %v, want *RemoteDeployError", err)
	}
	if deployErr.Err != nil {
		t.Errorf("Err = %v, want nil (presence check failure)", deployErr.Err)
	}
}

type stalledRuntime struct{ fakeRuntime }

func (r *stalledRuntime) RunContainer(ctx context.Context, name, imageTag string, port int) (string, error) {
	return "new", nil
}

func TestDeployCompose_PinsProjectName(t *testing.T) {
	runtime := &fakeRuntime{
		running: []docker.ContainerInfo{{ID: "c1", State: "running"}},
	}
	shell := &fakeShell{}
	d := NewDeployer(shell, runtime, nil)

	if err := d.Deploy(context.Background(), testRequest(), true); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	if len(shell.scripts) != 1 {
		t.Fatalf("scripts run = %d, want 1", len(shell.scripts))
	}
	for _, step := range shell.scripts[0].Steps {
		if !strings.Contains(step.Cmd, `docker compose -p "app"`) {
			t.Errorf("step %q does not pin the compose project name: %s", step.Desc, step.Cmd)
		}
		if !strings.Contains(step.Cmd, `cd "/srv/custom-dir"`) {
			t.Errorf("step %q does not run in the remote dir: %s", step.Desc, step.Cmd)
		}
	}
}

func TestComposeScript_FatalityByStep(t *testing.T) {
	script := composeScript("/srv/app", "app")

	if len(script.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(script.Steps))
	}
	for _, step := range script.Steps[:2] {
		if step.Fatal {
			t.Errorf("step %q is fatal; only the final up may abort the deploy", step.Desc)
		}
	}
	up := script.Steps[2]
	if !up.Fatal || !strings.Contains(up.Cmd, "up -d --build") {
		t.Errorf("final step = %+v, want fatal up -d --build", up)
	}
}
